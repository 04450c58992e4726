package imports

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
)

// Package is a verified source package ready for import.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitHash string `json:"git_hash"`
}

// WithCommit returns a copy of p carrying the dist-git commit id.
func (p Package) WithCommit(hash string) Package {
	p.GitHash = hash
	return p
}

// Querier reads name and epoch:version-release from SRPM files.
type Querier struct {
	Binary string
	Exec   sysexec.Executor
}

// Query runs the package metadata tool against path.
func (q Querier) Query(ctx context.Context, path string) (Package, error) {
	binary := q.Binary
	if binary == "" {
		binary = "rpm"
	}
	executor := q.Exec
	if executor == nil {
		executor = sysexec.OSExecutor{}
	}

	out, err := executor.Run(ctx, sysexec.Cmd{
		Name: binary,
		Args: []string{"-qp", "--nosignature", "--qf", "%{NAME} %{EPOCH} %{VERSION} %{RELEASE}", path},
	})
	if err != nil {
		return Package{}, &QueryError{Path: path, Stderr: out.Stderr, Err: err}
	}
	return parseQueryOutput(path, out.Stdout)
}

func parseQueryOutput(path, output string) (Package, error) {
	fields := strings.Fields(output)
	if len(fields) != 4 {
		return Package{}, &QueryError{Path: path, Err: fmt.Errorf("unexpected query output %q", output)}
	}
	name, epoch, version, release := fields[0], fields[1], fields[2], fields[3]
	if name == "" {
		return Package{}, &QueryError{Path: path, Err: errors.New("empty package name")}
	}

	evr := fmt.Sprintf("%s-%s", version, release)
	if isDigits(epoch) {
		evr = fmt.Sprintf("%s:%s", epoch, evr)
	}
	return Package{Name: name, Version: evr}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
