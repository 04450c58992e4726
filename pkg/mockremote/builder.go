package mockremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/pkgbuild/backend/pkg/remote"
	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
	"github.com/vyvo/pkgbuild/backend/pkg/telemetry"
)

const (
	patternMissing = "mockremote-pattern-missing"
	packageRepoDir = "/tmp/build_package_repo"
	sshOptions     = "ssh -o PasswordAuthentication=no -o StrictHostKeyChecking=no"
)

var buildrootPkgsPattern = regexp.MustCompile(`^[A-Za-z0-9_ ]*$`)

// Logger is the logging surface used by the builder.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Deps are the optional collaborators of a Builder.
type Deps struct {
	Exec        sysexec.Executor
	Resolver    Resolver
	Interrupter Interrupter
	Logger      Logger
	Metrics     *telemetry.BuildMetrics
}

// BuiltPackage is one binary package found in the results directory.
type BuiltPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Builder drives one build job on one host. It is not safe for concurrent
// use; every step runs sequentially.
type Builder struct {
	opts        Options
	host        string
	job         Job
	shell       remote.Shell
	exec        sysexec.Executor
	resolver    Resolver
	interrupter Interrupter
	logger      Logger
	metrics     *telemetry.BuildMetrics
	tracer      trace.Tracer

	workDir       string
	remotePkgPath string
	remotePkgName string
}

func New(opts Options, host string, job Job, shell remote.Shell, deps Deps) *Builder {
	b := &Builder{
		opts:        opts.withDefaults(),
		host:        host,
		job:         job,
		shell:       shell,
		exec:        deps.Exec,
		resolver:    deps.Resolver,
		interrupter: deps.Interrupter,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("github.com/vyvo/pkgbuild/backend/pkg/mockremote"),
	}
	if b.exec == nil {
		b.exec = sysexec.OSExecutor{}
	}
	if b.resolver == nil {
		b.resolver = net.DefaultResolver
	}
	if b.interrupter == nil {
		b.interrupter = NoopInterrupter{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *Builder) Host() string { return b.host }

func (b *Builder) Job() Job { return b.job }

// RemotePackage returns the SRPM path resolved on the host, if any.
func (b *Builder) RemotePackage() (string, bool) {
	return b.remotePkgPath, b.remotePkgPath != ""
}

// Check verifies that the host resolves and carries the build tools and the
// chroot configuration.
func (b *Builder) Check(ctx context.Context) error {
	if _, err := b.resolver.LookupHost(ctx, b.host); err != nil {
		return &EnvironmentError{Host: b.host, Reason: "could not be resolved", Err: err}
	}

	checks := []struct {
		command string
		reason  string
	}{
		{"/bin/rpm -q mock rsync", "does not have mock or rsync installed"},
		{"/usr/bin/test -f " + shellescape.Quote(b.opts.MockChainPath), "is missing mockchain binary " + b.opts.MockChainPath},
		{"/usr/bin/test -f " + shellescape.Quote(b.chrootConfig()), "is missing mock config for chroot " + b.job.Chroot},
	}
	for _, check := range checks {
		_, err := b.call(ctx, check.command)
		var callErr *CallError
		if errors.As(err, &callErr) {
			return &EnvironmentError{Host: b.host, Reason: check.reason, Err: err}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// EnsureWorkDir creates the remote working directory on first use and returns
// the same path on every later call.
func (b *Builder) EnsureWorkDir(ctx context.Context) (string, error) {
	if b.workDir != "" {
		return b.workDir, nil
	}

	template := path.Join(b.opts.RemoteBaseDir, "mockremote-XXXXX")
	res, err := b.call(ctx, "/bin/mktemp -d "+shellescape.Quote(template))
	if err != nil {
		return "", err
	}
	dir := lastLine(res.Stdout)
	if dir == "" {
		return "", &ParseError{What: "remote work directory", Output: res.Stdout}
	}
	if _, err := b.call(ctx, "/bin/chmod 755 "+shellescape.Quote(dir)); err != nil {
		return "", err
	}
	b.workDir = dir
	return dir, nil
}

// BuildDir is the directory handed to the chain build tool.
func (b *Builder) BuildDir() string {
	if b.workDir == "" {
		return ""
	}
	return b.workDir + "/build/"
}

// PackageDir is the name of the per-package results directory, the SRPM
// file name without its .src.rpm suffix.
func (b *Builder) PackageDir() (string, bool) {
	return b.remotePkgName, b.remotePkgName != ""
}

// ResultsDir is <work dir>/build/results/<chroot>/<package>. It is known only
// after the work directory exists and the package has been resolved.
func (b *Builder) ResultsDir() (string, bool) {
	if b.workDir == "" || b.remotePkgName == "" || b.job.Chroot == "" {
		return "", false
	}
	return path.Join(b.BuildDir(), "results", b.job.Chroot, b.remotePkgName), true
}

// ModifyChrootConfig rewrites the buildroot setup command and, for jobs
// without network access, the host resolver flag in the chroot config.
func (b *Builder) ModifyChrootConfig(ctx context.Context) error {
	if !buildrootPkgsPattern.MatchString(b.job.BuildrootPkgs) {
		return &ValidationError{Field: "buildroot_pkgs", Value: b.job.BuildrootPkgs}
	}

	b.logger.Info("putting packages into minimal buildroot", "job", b.job.ID, "chroot", b.job.Chroot, "packages", b.job.BuildrootPkgs)
	setup := fmt.Sprintf("config_opts['chroot_setup_cmd'] = 'install @buildsys-build %s'", b.job.BuildrootPkgs)
	if err := b.substitute(ctx, ".*chroot_setup_cmd.*", setup); err != nil {
		return err
	}

	if !b.job.EnableNet {
		if err := b.substitute(ctx, ".*use_host_resolv.*", "config_opts['use_host_resolv'] = False"); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) substitute(ctx context.Context, pattern, replacement string) error {
	file := shellescape.Quote(b.chrootConfig())
	script := fmt.Sprintf("if grep -q %s %s; then sed -i %s %s; else echo %s; fi",
		shellescape.Quote(pattern), file,
		shellescape.Quote("s/"+pattern+"/"+replacement+"/"), file,
		patternMissing)

	res, err := b.call(ctx, script, "-u", "root")
	if err != nil {
		return err
	}
	if strings.Contains(res.Stdout, patternMissing) {
		b.logger.Warn("chroot config pattern not found, leaving config unchanged",
			"host", b.host, "config", b.chrootConfig(), "pattern", pattern)
	}
	return nil
}

// DownloadPackage clones the job's dist-git repository on the host and builds
// the SRPM there, recording its remote path and name.
func (b *Builder) DownloadPackage(ctx context.Context) error {
	repoURL := fmt.Sprintf("%s/%s.git", strings.TrimSuffix(b.opts.DistGitURL, "/"), b.job.GitRepo)
	b.logger.Info("cloning dist-git repo", "job", b.job.ID, "repo", b.job.GitRepo, "branch", b.job.GitBranch, "hash", b.job.GitHash)

	command := fmt.Sprintf("rm -rf %[1]s && mkdir %[1]s && cd %[1]s && git clone %[2]s && cd %[3]s && git checkout %[4]s && fedpkg-copr --dist %[5]s srpm",
		packageRepoDir,
		shellescape.Quote(repoURL),
		shellescape.Quote(b.job.PackageName),
		shellescape.Quote(b.job.GitHash),
		shellescape.Quote(b.job.GitBranch))
	res, err := b.call(ctx, command)
	if err != nil {
		return err
	}

	pkgPath, err := parseWrote(res.Stdout)
	if err != nil {
		return err
	}
	b.remotePkgPath = pkgPath
	b.remotePkgName = strings.TrimSuffix(path.Base(pkgPath), ".src.rpm")
	b.logger.Info("got srpm to build", "job", b.job.ID, "path", pkgPath)
	return nil
}

func parseWrote(stdout string) (string, error) {
	const marker = "Wrote: "
	idx := strings.Index(stdout, marker)
	if idx < 0 {
		return "", &ParseError{What: "package path", Output: stdout}
	}
	rest := stdout[idx+len(marker):]
	if end := strings.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	pkgPath := strings.TrimSpace(rest)
	if pkgPath == "" {
		return "", &ParseError{What: "package path", Output: stdout}
	}
	return pkgPath, nil
}

// ExpandRepoURL rewrites copr://user/project to the project's results URL
// for the job's chroot and expands $releasever, $chroot and $distname in any
// other URL. Already expanded URLs come back unchanged.
func (b *Builder) ExpandRepoURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse repo url %q: %w", raw, err)
	}
	chroot := b.job.Chroot

	if parsed.Scheme == "copr" {
		project := strings.Split(strings.TrimPrefix(parsed.Path, "/"), "/")[0]
		if parsed.Host == "" || project == "" {
			return "", fmt.Errorf("copr repo url %q needs user and project", raw)
		}
		return strings.Join([]string{strings.TrimSuffix(b.opts.ResultsBaseURL, "/"), parsed.Host, project, chroot}, "/"), nil
	}

	expanded := raw
	if strings.Contains(chroot, "rawhide") {
		expanded = strings.ReplaceAll(expanded, "$releasever", "rawhide")
	}
	expanded = strings.ReplaceAll(expanded, "$chroot", chroot)
	expanded = strings.ReplaceAll(expanded, "$distname", strings.SplitN(chroot, "-", 2)[0])
	return expanded, nil
}

// BuildCommand renders the timeout-wrapped chain build invocation.
func (b *Builder) BuildCommand() (string, error) {
	if b.workDir == "" || b.remotePkgPath == "" {
		return "", errors.New("build command needs a work directory and a resolved package")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s -r %s -l %s", b.opts.MockChainPath, shellescape.Quote(b.job.Chroot), shellescape.Quote(b.BuildDir()))
	for _, repo := range b.job.Repos {
		expanded, err := b.ExpandRepoURL(repo)
		if err != nil {
			b.logger.Warn("skipping repo", "job", b.job.ID, "repo", repo, "error", err)
			continue
		}
		sb.WriteString(" -a " + shellescape.Quote(expanded))
	}

	keys := make([]string, 0, len(b.job.Macros))
	for k := range b.job.Macros {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" -m " + shellescape.Quote(fmt.Sprintf("--define=%s %s", k, b.job.Macros[k])))
	}
	sb.WriteString(" " + shellescape.Quote(b.remotePkgPath))

	return fmt.Sprintf("timeout %d %s", b.timeoutSeconds(), sb.String()), nil
}

func (b *Builder) timeoutSeconds() int {
	if b.job.Timeout > 0 {
		return b.job.Timeout
	}
	return int(b.opts.DefaultTimeout.Seconds())
}

// Build runs the protocol from chroot configuration to success verification
// and returns the build output.
func (b *Builder) Build(ctx context.Context) (string, error) {
	ctx, span := b.tracer.Start(ctx, "build", trace.WithAttributes(
		attribute.String("job.id", b.job.ID),
		attribute.String("job.chroot", b.job.Chroot),
		attribute.String("host", b.host),
	))
	defer span.End()

	out, err := b.build(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (b *Builder) build(ctx context.Context) (string, error) {
	if err := b.step(ctx, "configure_chroot", b.ModifyChrootConfig); err != nil {
		return "", err
	}
	if err := b.step(ctx, "download_package", b.DownloadPackage); err != nil {
		return "", err
	}
	err := b.step(ctx, "work_dir", func(ctx context.Context) error {
		_, err := b.EnsureWorkDir(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	command, err := b.BuildCommand()
	if err != nil {
		return "", err
	}
	b.logger.Info("starting build", "job", b.job.ID, "host", b.host, "command", command)

	var output string
	err = b.step(ctx, "build", func(ctx context.Context) error {
		res, err := b.call(ctx, command)
		output = res.Stdout
		return err
	})
	if err != nil {
		return output, err
	}

	var ok bool
	err = b.step(ctx, "check_success", func(ctx context.Context) error {
		var checkErr error
		ok, checkErr = b.CheckSuccess(ctx)
		return checkErr
	})
	if err != nil {
		return output, err
	}
	if !ok {
		return output, ErrSuccessFileMissing
	}
	return output, nil
}

func (b *Builder) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	b.metrics.ObserveStep(name, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// CheckSuccess reports whether the success marker exists in the results dir.
func (b *Builder) CheckSuccess(ctx context.Context) (bool, error) {
	dir, ok := b.ResultsDir()
	if !ok {
		return false, ErrNoResults
	}
	res, err := b.run(ctx, "/usr/bin/test -f "+shellescape.Quote(path.Join(dir, "success")))
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

// CollectBuiltPackages lists the binary packages in the results directory.
func (b *Builder) CollectBuiltPackages(ctx context.Context) ([]BuiltPackage, error) {
	dir, ok := b.ResultsDir()
	if !ok {
		return nil, ErrNoResults
	}
	b.logger.Info("listing built binary packages", "job", b.job.ID, "dir", dir)
	command := fmt.Sprintf(`cd %s && for f in $(ls *.rpm | grep -v "src.rpm$"); do rpm -qp --qf "%%{NAME} %%{VERSION}\n" "$f"; done`,
		shellescape.Quote(dir))
	res, err := b.call(ctx, command)
	if err != nil {
		return nil, err
	}

	var built []BuiltPackage
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		built = append(built, BuiltPackage{Name: fields[0], Version: fields[1]})
	}
	return built, nil
}

// RsyncCommand renders the local artifact sync command for targetDir.
func (b *Builder) RsyncCommand(targetDir string) (string, error) {
	dir, ok := b.ResultsDir()
	if !ok {
		return "", ErrNoResults
	}
	source := fmt.Sprintf("%s@%s:%s/*", b.opts.BuildUser, b.host, dir)
	dest := shellescape.Quote(targetDir)
	return fmt.Sprintf("%s -rlptDvH -e %s %s %s/ > %s/%s 2>&1",
		b.opts.RsyncPath,
		shellescape.Quote(sshOptions),
		shellescape.Quote(source),
		dest,
		dest, shellescape.Quote(b.job.RsyncLogName())), nil
}

// Download copies the remote results directory into targetDir.
func (b *Builder) Download(ctx context.Context, targetDir string) error {
	command, err := b.RsyncCommand(targetDir)
	if err != nil {
		return err
	}
	b.logger.Info("start retrieving results", "job", b.job.ID, "host", b.host, "dest", targetDir)

	_, err = b.exec.Run(ctx, sysexec.Cmd{Name: "/bin/sh", Args: []string{"-c", command}})
	b.metrics.ObserveStep("download", err)
	if err != nil {
		code := -1
		var exitErr *sysexec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		retrieval := &RetrievalError{Host: b.host, Dest: targetDir, ExitCode: code, Err: err}
		b.logger.Error("failed to download results", "job", b.job.ID, "error", retrieval)
		return retrieval
	}
	b.logger.Info("end retrieving results", "job", b.job.ID, "dest", targetDir)
	return nil
}

func (b *Builder) chrootConfig() string {
	return fmt.Sprintf("/etc/mock/%s.cfg", b.job.Chroot)
}

// run issues one remote command after checking for an interrupt. A failed
// command is not an error here.
func (b *Builder) run(ctx context.Context, command string, extraArgs ...string) (remote.Result, error) {
	if err := b.checkInterrupt(ctx); err != nil {
		return remote.Result{}, err
	}
	res, err := b.shell.Run(ctx, command, extraArgs...)
	if err != nil {
		return res, &EnvironmentError{Host: b.host, Reason: "remote call failed", Err: err}
	}
	return res, nil
}

// call is run with a failed command turned into *CallError.
func (b *Builder) call(ctx context.Context, command string, extraArgs ...string) (remote.Result, error) {
	res, err := b.run(ctx, command, extraArgs...)
	if err != nil {
		return res, err
	}
	if res.Failed() {
		return res, &CallError{Host: b.host, Command: command, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, nil
}

func (b *Builder) checkInterrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &InterruptedError{Host: b.host, JobID: b.job.ID, Message: err.Error()}
	}
	if msg, ok := b.interrupter.Pending(); ok {
		return &InterruptedError{Host: b.host, JobID: b.job.ID, Message: msg}
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
