package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vyvo/pkgbuild/backend/pkg/auth"
	"github.com/vyvo/pkgbuild/backend/pkg/buildstore"
	"github.com/vyvo/pkgbuild/backend/pkg/mockremote"
	"github.com/vyvo/pkgbuild/backend/pkg/queue"
	"github.com/vyvo/pkgbuild/backend/pkg/remote"
	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
	"github.com/vyvo/pkgbuild/backend/pkg/telemetry"
)

const logReplayLimit = 10000

// ShellFactory opens a remote shell for a build host.
type ShellFactory func(host string) (remote.Shell, error)

type serverDeps struct {
	Options    mockremote.Options
	ResultsDir string
	MemStore   *buildstore.MemStore
	PGStore    *buildstore.PostgresStore
	Redis      *redis.Client
	NewShell   ShellFactory
	Exec       sysexec.Executor
	Resolver   mockremote.Resolver
	Metrics    *telemetry.BuildMetrics
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
	APIToken   string
}

type server struct {
	serverDeps

	// base outlives requests; cancelling it interrupts every running build.
	base context.Context
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]*mockremote.LocalInterrupter
}

func newServer(base context.Context, deps serverDeps) *server {
	if deps.MemStore == nil {
		deps.MemStore = buildstore.NewMemStore()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &server{
		serverDeps: deps,
		base:       base,
		running:    make(map[string]*mockremote.LocalInterrupter),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	if s.Gatherer != nil {
		r.Handle("/metrics", telemetry.Handler(s.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireToken(s.APIToken))
		r.Post("/builds", s.handleCreateBuild)
		r.Get("/builds", s.handleListBuilds)
		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", s.handleGetBuild)
			r.Get("/logs", s.handleStreamLogs)
			r.Post("/interrupt", s.handleInterrupt)
		})
		r.Post("/hosts/{host}/check", s.handleCheckHost)
	})
	return r
}

// wait blocks until every started build goroutine has returned.
func (s *server) wait() {
	s.wg.Wait()
}

func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var payload buildstore.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	build, err := s.submit(r.Context(), payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusAccepted)
}

// submit records a queued build and starts driving it in the background.
func (s *server) submit(ctx context.Context, payload buildstore.CreateRequest) (buildstore.Build, error) {
	if err := payload.Validate(); err != nil {
		return buildstore.Build{}, err
	}

	id := uuid.NewString()
	if payload.Job.ID == "" {
		payload.Job.ID = id
	}
	now := time.Now().UTC()
	build := buildstore.Build{
		ID:        id,
		Host:      payload.Host,
		Job:       payload.Job,
		Status:    buildstore.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.MemStore.Create(build)
	if s.PGStore != nil {
		if err := s.PGStore.Create(ctx, build); err != nil {
			s.Logger.Error("persist build failed", "build", id, "error", err)
		}
	}

	interrupter := &mockremote.LocalInterrupter{}
	s.mu.Lock()
	s.running[id] = interrupter
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBuild(s.base, build, interrupter)
	}()
	return build, nil
}

// consume starts every request popped from q until ctx is done.
func (s *server) consume(ctx context.Context, q *queue.Queue) error {
	s.Logger.Info("consuming build queue")
	for {
		req, err := q.Dequeue(ctx, 5*time.Second)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.Logger.Error("build queue unavailable", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if req == nil {
			continue
		}
		build, err := s.submit(ctx, *req)
		if err != nil {
			s.Logger.Error("dropping invalid queued build", "host", req.Host, "job", req.Job.ID, "error", err)
			continue
		}
		s.Logger.Info("started queued build", "build", build.ID, "host", build.Host, "job", build.Job.ID)
	}
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if s.PGStore != nil {
		builds, err := s.PGStore.List(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
		return
	}
	respondJSON(w, map[string]any{"builds": s.MemStore.List()}, http.StatusOK)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.lookup(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusOK)
}

func (s *server) lookup(ctx context.Context, id string) (buildstore.Build, error) {
	if build, err := s.MemStore.Get(id); err == nil {
		return build, nil
	}
	if s.PGStore != nil {
		return s.PGStore.Get(ctx, id)
	}
	return buildstore.Build{}, buildstore.ErrNotFound
}

func (s *server) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, buildstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	ch, err := s.MemStore.Subscribe(id)
	if errors.Is(err, buildstore.ErrNotFound) && s.PGStore != nil {
		ch, err = s.replayPersisted(r.Context(), id)
	}
	if err != nil {
		s.respondLookupError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// replayPersisted serves the log of a build this process no longer tracks.
func (s *server) replayPersisted(ctx context.Context, id string) (<-chan string, error) {
	if _, err := s.PGStore.Get(ctx, id); err != nil {
		return nil, err
	}
	lines, err := s.PGStore.ListLogs(ctx, id, logReplayLimit)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, len(lines))
	for _, line := range lines {
		ch <- line
	}
	close(ch)
	return ch, nil
}

type interruptRequest struct {
	Message string `json:"message"`
}

func (s *server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	build, err := s.lookup(r.Context(), id)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	if build.Status.Finished() {
		respondError(w, http.StatusConflict, fmt.Sprintf("build already %s", build.Status))
		return
	}

	var payload interruptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}
	if payload.Message == "" {
		payload.Message = "interrupted by request"
	}

	s.mu.Lock()
	local, delivered := s.running[id]
	s.mu.Unlock()
	if delivered {
		local.Interrupt(payload.Message)
	}
	if s.Redis != nil {
		// other instances may be running the build
		n, err := mockremote.PublishInterrupt(r.Context(), s.Redis, build.Host, build.Job.ID, payload.Message)
		switch {
		case err != nil && !delivered:
			respondError(w, http.StatusBadGateway, err.Error())
			return
		case err != nil:
			s.Logger.Warn("interrupt publish failed", "build", id, "error", err)
		case n > 0:
			delivered = true
		}
	}
	if !delivered {
		respondError(w, http.StatusConflict, "build is not running on any instance")
		return
	}
	respondJSON(w, map[string]any{"build": id, "interrupt": payload.Message}, http.StatusAccepted)
}

type checkRequest struct {
	Chroot string `json:"chroot"`
}

func (s *server) handleCheckHost(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	var payload checkRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Chroot == "" {
		respondError(w, http.StatusBadRequest, "chroot is required")
		return
	}

	shell, err := s.NewShell(host)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	b := mockremote.New(s.Options, host, mockremote.Job{Chroot: payload.Chroot}, shell, mockremote.Deps{
		Exec:     s.Exec,
		Resolver: s.Resolver,
		Logger:   s.Logger,
		Metrics:  s.Metrics,
	})
	if err := b.Check(r.Context()); err != nil {
		var envErr *mockremote.EnvironmentError
		if errors.As(err, &envErr) {
			respondJSON(w, map[string]any{"host": host, "ok": false, "error": err.Error()}, http.StatusUnprocessableEntity)
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, map[string]any{"host": host, "ok": true}, http.StatusOK)
}

// runBuild drives one job through host check, build, package listing and
// artifact retrieval, recording every transition.
func (s *server) runBuild(ctx context.Context, build buildstore.Build, local *mockremote.LocalInterrupter) {
	defer func() {
		s.mu.Lock()
		delete(s.running, build.ID)
		s.mu.Unlock()
		s.MemStore.CloseSubscribers(build.ID)
	}()

	start := time.Now()
	s.Metrics.BuildStarted()
	logger := s.buildLogger(build)
	s.updateStatus(build.ID, buildstore.StatusRunning, "")

	status, err := s.execute(ctx, build, local, logger)
	msg := ""
	if err != nil {
		msg = err.Error()
		logger.Error("build ended", "status", status, "error", err)
	} else {
		logger.Info("build completed successfully")
	}
	s.updateStatus(build.ID, status, msg)
	s.Metrics.BuildFinished(string(status), build.Job.Chroot, time.Since(start))
}

func (s *server) execute(ctx context.Context, build buildstore.Build, local *mockremote.LocalInterrupter, logger *teeLogger) (buildstore.Status, error) {
	shell, err := s.NewShell(build.Host)
	if err != nil {
		return buildstore.StatusFailed, fmt.Errorf("open shell: %w", err)
	}

	pending := interrupters{local}
	if s.Redis != nil {
		sub, err := mockremote.NewRedisInterrupter(ctx, s.Redis, build.Host, build.Job.ID)
		if err != nil {
			logger.Warn("interrupt channel unavailable", "error", err)
		} else {
			defer sub.Close()
			pending = append(pending, sub)
		}
	}

	b := mockremote.New(s.Options, build.Host, build.Job, shell, mockremote.Deps{
		Exec:        s.Exec,
		Resolver:    s.Resolver,
		Interrupter: pending,
		Logger:      logger,
		Metrics:     s.Metrics,
	})

	if err := b.Check(ctx); err != nil {
		return statusFor(err), err
	}

	output, buildErr := b.Build(ctx)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			s.appendLog(build.ID, line)
		}
	}
	if buildErr != nil {
		var interrupted *mockremote.InterruptedError
		if !errors.As(buildErr, &interrupted) {
			// logs of a failed build are still worth retrieving
			if _, known := b.ResultsDir(); known {
				if _, err := s.retrieve(ctx, b, build); err != nil {
					logger.Warn("retrieving logs of failed build failed", "error", err)
				}
			}
		}
		return statusFor(buildErr), buildErr
	}

	packages, err := b.CollectBuiltPackages(ctx)
	if err != nil {
		return statusFor(err), err
	}
	target, err := s.retrieve(ctx, b, build)
	if err != nil {
		return statusFor(err), err
	}

	if _, err := s.MemStore.SetResults(build.ID, target, packages); err != nil {
		s.Logger.Error("memory results error", "build", build.ID, "error", err)
	}
	if s.PGStore != nil {
		if err := s.PGStore.UpdateResults(context.WithoutCancel(ctx), build.ID, target, packages); err != nil {
			s.Logger.Error("postgres results error", "build", build.ID, "error", err)
		}
	}
	return buildstore.StatusSucceeded, nil
}

// retrieve syncs the remote results into
// <results>/<owner>/<project>/<chroot>/<package>.
func (s *server) retrieve(ctx context.Context, b *mockremote.Builder, build buildstore.Build) (string, error) {
	pkgDir, ok := b.PackageDir()
	if !ok {
		return "", mockremote.ErrNoResults
	}
	target := filepath.Join(s.ResultsDir, build.Job.Owner, build.Job.Project, build.Job.Chroot, pkgDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	if err := b.Download(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

func statusFor(err error) buildstore.Status {
	var interrupted *mockremote.InterruptedError
	if errors.As(err, &interrupted) {
		return buildstore.StatusInterrupted
	}
	return buildstore.StatusFailed
}

func (s *server) updateStatus(id string, status buildstore.Status, errMsg string) {
	build, err := s.MemStore.SetStatus(id, status, errMsg)
	if err != nil {
		s.Logger.Error("memory status error", "build", id, "error", err)
		return
	}
	if s.PGStore != nil {
		var finishedAt *time.Time
		if status.Finished() {
			finishedAt = &build.FinishedAt
		}
		if err := s.PGStore.UpdateStatus(context.Background(), id, status, finishedAt, errMsg); err != nil {
			s.Logger.Error("postgres status error", "build", id, "error", err)
		}
	}
}

func (s *server) appendLog(id string, line string) {
	s.MemStore.AppendLog(id, line)
	if s.PGStore != nil {
		if err := s.PGStore.AppendLog(context.Background(), id, line); err != nil {
			s.Logger.Error("persist log error", "build", id, "error", err)
		}
	}
}

// interrupters reports the first pending interrupt of any member.
type interrupters []mockremote.Interrupter

func (is interrupters) Pending() (string, bool) {
	for _, i := range is {
		if msg, ok := i.Pending(); ok {
			return msg, true
		}
	}
	return "", false
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
