package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/pkgbuild/backend/pkg/imports"
	"github.com/vyvo/pkgbuild/backend/pkg/telemetry"
)

// Queue hands out import tasks and accepts their results.
type Queue interface {
	NextTask(ctx context.Context) (json.RawMessage, error)
	ReportResult(ctx context.Context, report any) error
}

// SourceProvider turns a task into local SRPM files.
type SourceProvider interface {
	SourcePackages(ctx context.Context, task *imports.Task, targetDir string) ([]string, error)
}

// PackageQuerier reads package metadata from an SRPM.
type PackageQuerier interface {
	Query(ctx context.Context, path string) (imports.Package, error)
}

// Repository is the dist-git side of an import.
type Repository interface {
	Ensure(ctx context.Context, repo, branch string) error
	ImportSRPM(ctx context.Context, repo, branch, srpmPath string) (string, error)
	RefreshListing() error
}

// Logger is the logging surface used by the importer.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures an Importer.
type Options struct {
	FrontendURL string
	SleepTime   time.Duration
	// TempDir is the parent of per-task work directories; empty means os.TempDir.
	TempDir string
}

// Importer polls the queue and imports one task at a time.
type Importer struct {
	opts    Options
	queue   Queue
	sources SourceProvider
	querier PackageQuerier
	repo    Repository
	logger  Logger
	metrics *telemetry.ImportMetrics
	tracer  trace.Tracer
}

func New(opts Options, queue Queue, sources SourceProvider, querier PackageQuerier, repo Repository, logger Logger, metrics *telemetry.ImportMetrics) *Importer {
	if opts.SleepTime <= 0 {
		opts.SleepTime = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		opts:    opts,
		queue:   queue,
		sources: sources,
		querier: querier,
		repo:    repo,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/vyvo/pkgbuild/backend/pkg/importer"),
	}
}

// Run polls until ctx is cancelled. A poll that yields no task sleeps for the
// configured interval.
func (i *Importer) Run(ctx context.Context) error {
	i.logger.Info("importer started", "frontend", i.opts.FrontendURL, "sleep", i.opts.SleepTime.String())
	for {
		if ctx.Err() != nil {
			return nil
		}
		task := i.FetchTask(ctx)
		if task == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(i.opts.SleepTime):
			}
			continue
		}
		i.Process(ctx, task)
	}
}

// FetchTask returns the next task or nil. Queue and decoding errors are logged
// and never returned. A task that cannot be decoded but carries an id is
// reported back as unknown_error so the queue stops handing it out.
func (i *Importer) FetchTask(ctx context.Context) *imports.Task {
	raw, err := i.queue.NextTask(ctx)
	if err != nil {
		i.metrics.ObservePoll("error")
		i.logger.Error("failed to acquire new packages for import", "error", err)
		return nil
	}
	if raw == nil {
		i.metrics.ObservePoll("empty")
		return nil
	}
	i.metrics.ObservePoll("task")

	task, err := imports.DecodeTask(raw, i.opts.FrontendURL)
	if err != nil {
		i.logger.Error("discarding undecodable task", "error", err)
		if id, ok := imports.PeekTaskID(raw); ok {
			i.ReportResultBestEffort(ctx, FailureReport{TaskID: id, Error: imports.TagUnknown})
		}
		return nil
	}
	return task
}

// Process imports task and reports the outcome to the queue.
func (i *Importer) Process(ctx context.Context, task *imports.Task) {
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "import_task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.source_type", task.Kind().String()),
	))
	defer span.End()

	i.logger.Info("importing task", "task", task.ID, "source_type", task.Kind().String(), "source", task.Describe())
	packages, err := i.Import(ctx, task)
	if err == nil {
		err = i.ReportResult(ctx, SuccessReport{TaskID: task.IDJSON(), Packages: packages})
		if err == nil {
			i.metrics.ObserveTask("success", len(packages), time.Since(start))
			return
		}
		i.logger.Error("failed to report successful import", "task", task.ID, "error", err)
	}

	tag := imports.FailureTag(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, tag)
	i.logger.Error("import failed", "task", task.ID, "tag", tag, "error", err)
	i.ReportResultBestEffort(ctx, FailureReport{TaskID: task.IDJSON(), Error: tag})
	i.metrics.ObserveTask(tag, 0, time.Since(start))
}

// Import acquires every SRPM of task and commits each one to dist-git, in
// order. The per-task work directory is removed on every path.
func (i *Importer) Import(ctx context.Context, task *imports.Task) ([]imports.Package, error) {
	workDir, err := os.MkdirTemp(i.opts.TempDir, "import-task-")
	if err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			i.logger.Error("failed to remove task dir", "dir", workDir, "error", err)
		}
	}()

	paths, err := i.sources.SourcePackages(ctx, task, workDir)
	if err != nil {
		return nil, err
	}

	packages := make([]imports.Package, 0, len(paths))
	for _, path := range paths {
		pkg, err := i.querier.Query(ctx, path)
		if err != nil {
			return nil, err
		}
		repoName := task.RepoName(pkg)
		commit, err := i.importPackage(ctx, repoName, task.Branch, path)
		if err != nil {
			return nil, &imports.ImportError{Repo: repoName, Err: err}
		}
		i.logger.Info("package imported", "task", task.ID, "repo", repoName, "version", pkg.Version, "commit", commit)
		packages = append(packages, pkg.WithCommit(commit))
	}
	return packages, nil
}

func (i *Importer) importPackage(ctx context.Context, repoName, branch, path string) (string, error) {
	ctx, span := i.tracer.Start(ctx, "dist_git_import", trace.WithAttributes(attribute.String("repo", repoName)))
	defer span.End()

	if err := i.repo.Ensure(ctx, repoName, branch); err != nil {
		return "", err
	}
	commit, err := i.repo.ImportSRPM(ctx, repoName, branch, path)
	if err != nil {
		return "", err
	}
	if err := i.repo.RefreshListing(); err != nil {
		return "", fmt.Errorf("refresh listing: %w", err)
	}
	return commit, nil
}

// ReportResult sends report to the queue and returns any delivery error.
func (i *Importer) ReportResult(ctx context.Context, report any) error {
	return i.queue.ReportResult(ctx, report)
}

// ReportResultBestEffort sends report and only logs a delivery failure.
func (i *Importer) ReportResultBestEffort(ctx context.Context, report any) {
	if err := i.ReportResult(ctx, report); err != nil {
		i.logger.Error("failed to post back to frontend", "report", report, "error", err)
	}
}
