package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/pkgbuild/backend/pkg/config"
	"github.com/vyvo/pkgbuild/backend/pkg/distgit"
	"github.com/vyvo/pkgbuild/backend/pkg/importer"
	"github.com/vyvo/pkgbuild/backend/pkg/imports"
	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
	"github.com/vyvo/pkgbuild/backend/pkg/telemetry"
)

// Version of the importer being run
const Version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(ctx).Run(os.Args); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func newApp(ctx context.Context) *cli.App {
	app := cli.NewApp()
	app.Name = "importer"
	app.Usage = "import source packages from the build queue into dist-git"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the importer config file",
			EnvVar: "IMPORTER_CONFIG",
		},
	}
	app.Action = func(c *cli.Context) error {
		cfg, err := config.LoadImporter(c.String("config"))
		if err != nil {
			return err
		}
		return run(ctx, cfg)
	}
	return app
}

func run(ctx context.Context, cfg config.ImporterConfig) error {
	logger := telemetry.ConfigureLogging(cfg.Debug, cfg.JSONLogs, "service", "importer")
	shutdownTracer := telemetry.InitTracer(ctx, "importer", cfg.Tracing)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewImportMetrics(registry)

	executor := sysexec.OSExecutor{}
	env := imports.NewEnvironment(logger)
	env.Exec = executor
	env.TitoBinary = cfg.TitoBinary
	env.MockBinary = cfg.MockBinary
	env.SCMChroot = cfg.SCMChroot
	env.TempDir = cfg.TempDir

	store := distgit.NewStore(distgit.Options{
		GitRoot:      cfg.GitRoot,
		LookasideDir: cfg.LookasideDir,
		ListPath:     cfg.CgitListPath,
		AuthorName:   cfg.GitAuthorName,
		AuthorEmail:  cfg.GitAuthorEmail,
		TempDir:      cfg.TempDir,
	}, executor, logger)

	client := importer.NewClient(cfg.FrontendBaseURL, cfg.FrontendAuthUser, cfg.FrontendAuth, cfg.RequestTimeout)
	imp := importer.New(importer.Options{
		FrontendURL: cfg.FrontendBaseURL,
		SleepTime:   cfg.SleepTime,
		TempDir:     cfg.TempDir,
	}, client, env, imports.Querier{Binary: cfg.RPMBinary, Exec: executor}, store, logger, metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return imp.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, registry, logger)
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(gatherer))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
