package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/pkgbuild/backend/pkg/buildstore"
	"github.com/vyvo/pkgbuild/backend/pkg/config"
	"github.com/vyvo/pkgbuild/backend/pkg/mockremote"
	"github.com/vyvo/pkgbuild/backend/pkg/queue"
	"github.com/vyvo/pkgbuild/backend/pkg/remote"
	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
	"github.com/vyvo/pkgbuild/backend/pkg/telemetry"
)

// Version of the builder service being run
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
	app.Name = "builder"
	app.Usage = "run package builds on remote builder hosts"
	app.Version = Version
	app.Flags = []cli.Flag{configFlag}
	app.Action = serveAction(ctx)
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the builder service",
			Flags:  []cli.Flag{configFlag},
			Action: serveAction(ctx),
		},
		submitCommand(ctx),
		logsCommand(ctx),
		interruptCommand(ctx),
		enqueueCommand(ctx),
	}
	return app
}

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Usage:  "path to the builder config file",
	EnvVar: "BUILDER_CONFIG",
}

func serveAction(ctx context.Context) func(*cli.Context) error {
	return func(c *cli.Context) error {
		path := c.String("config")
		if path == "" {
			path = c.GlobalString("config")
		}
		cfg, err := config.LoadBuilder(path)
		if err != nil {
			return err
		}
		return run(ctx, cfg)
	}
}

func run(ctx context.Context, cfg config.BuilderConfig) error {
	logger := telemetry.ConfigureLogging(cfg.Debug, cfg.JSONLogs, "service", "builder")
	shutdownTracer := telemetry.InitTracer(ctx, "builder", cfg.Tracing)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	executor := sysexec.OSExecutor{}
	deps := serverDeps{
		Options: mockremote.Options{
			RemoteBaseDir:  cfg.RemoteBaseDir,
			DistGitURL:     cfg.DistGitURL,
			ResultsBaseURL: cfg.ResultsBaseURL,
			BuildUser:      cfg.BuildUser,
			MockChainPath:  cfg.MockChainPath,
			RsyncPath:      cfg.RsyncPath,
			DefaultTimeout: cfg.DefaultTimeout,
		},
		ResultsDir: cfg.ResultsDir,
		MemStore:   buildstore.NewMemStore(),
		NewShell:   shellFactory(cfg, executor, logger),
		Exec:       executor,
		Resolver:   net.DefaultResolver,
		Metrics:    telemetry.NewBuildMetrics(registry),
		Gatherer:   registry,
		Logger:     logger,
		APIToken:   cfg.APIToken,
	}

	if cfg.DatabaseURL != "" {
		pg, err := buildstore.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("builder postgres init failed: %w", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Error("builder postgres close error", "error", err)
			}
		}()
		deps.PGStore = pg
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		deps.Redis = client
	}

	buildCtx, cancelBuilds := context.WithCancel(ctx)
	defer cancelBuilds()
	srv := newServer(buildCtx, deps)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("builder service listening", "addr", cfg.ListenAddr, "backend", cfg.RemoteBackend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("builder service failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if cfg.ConsumeQueue {
		q := queue.NewQueue(deps.Redis, cfg.QueueKey)
		g.Go(func() error {
			return srv.consume(gctx, q)
		})
	}
	err := g.Wait()
	cancelBuilds()
	srv.wait()
	return err
}

func shellFactory(cfg config.BuilderConfig, executor sysexec.Executor, logger remote.Logger) ShellFactory {
	if cfg.RemoteBackend == config.BackendSSH {
		return func(host string) (remote.Shell, error) {
			return remote.NewSSHShell(host, remote.SSHConfig{
				User:    cfg.SSHUser,
				Port:    cfg.SSHPort,
				KeyPath: cfg.SSHKeyPath,
			}, logger)
		}
	}
	return func(host string) (remote.Shell, error) {
		return remote.NewAnsibleShell(host, cfg.AnsibleBinary, executor, logger), nil
	}
}
