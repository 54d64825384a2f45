// Package app assembles the grading components for a workspace.
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"gradeline/internal/cache"
	"gradeline/internal/config"
	"gradeline/internal/db"
	"gradeline/internal/feedback"
	"gradeline/internal/grading"
	"gradeline/internal/images"
	"gradeline/internal/lock"
	"gradeline/internal/logging"
	"gradeline/internal/migrate"
	"gradeline/internal/orchestrator"
	"gradeline/internal/progress"
	"gradeline/internal/provider"
	"gradeline/internal/repo"
	"gradeline/internal/reports"
	"gradeline/internal/retry"
	"gradeline/internal/scheduler"
)

// Env holds the wired components for one workspace.
type Env struct {
	Workspace    string
	Config       *config.Config
	DB           *sql.DB
	Repo         repo.Repo
	Cache        *cache.ResultCache
	Scheduler    *scheduler.Scheduler
	Lock         *lock.Lock
	Progress     progress.Writer
	Orchestrator *orchestrator.Orchestrator
	Driver       *scheduler.Driver
}

// Open loads gradeline.yml from workspace, opens and migrates the database,
// and wires every component.
func Open(ctx context.Context, workspace string) (*Env, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return Build(workspace, conn, cfg, nil), nil
}

// Build wires components over an open, migrated connection.
func Build(workspace string, conn *sql.DB, cfg *config.Config, logger *slog.Logger) *Env {
	if logger == nil {
		logger = logging.New("app")
	}
	r := repo.Repo{DB: conn}
	maxRetries := cfg.Batch.MaxRetries

	backendHTTP := retry.New(
		retry.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second}),
		retry.WithBatchSize(cfg.Batch.Size),
		retry.WithMaxRetries(maxRetries),
		retry.WithLogger(logger.With("component", "retry.backend")),
	)
	providerHTTP := retry.New(
		retry.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second}),
		retry.WithBatchSize(cfg.Batch.ImageSize),
		retry.WithMaxRetries(maxRetries),
		retry.WithLogger(logger.With("component", "retry.provider")),
	)

	results := cache.New(r, cfg.CacheTTL(), logger.With("component", "cache"))
	sched := scheduler.New(
		scheduler.SQLHost{Repo: r, MaxTriggers: cfg.Scheduler.MaxTriggers},
		scheduler.WithDelay(cfg.ContinuationDelay()),
		scheduler.WithLogger(logger.With("component", "scheduler")),
	)
	docLock := lock.New(r, cfg.Document.ID, cfg.LockLease(), logger.With("component", "lock"))
	prog := progress.Writer{Store: r, Scope: cfg.Document.ID, Logger: logger.With("component", "progress")}
	prov := provider.New(providerHTTP, cfg.Provider.URL, cfg.Provider.Token, maxRetries, logger.With("component", "provider"))

	orch := orchestrator.New(orchestrator.Deps{
		Store:     r,
		Documents: r,
		Lock:      docLock,
		Scheduler: sched,
		Provider:  prov,
		Images:    images.NewFetcher(providerHTTP, cfg.Batch.ImageSize, cfg.Provider.URL, cfg.Provider.Token, logger.With("component", "images")),
		Grader:    grading.NewDispatcher(backendHTTP, results, cfg.Backend.URL, cfg.Backend.APIKey, logger.With("component", "grading")),
		Feedback:  feedback.NewWriter(prov, cfg.Feedback.Colors, logger.With("component", "feedback")),
		Reports:   reports.Generator{Dir: ReportsDir(workspace), Logger: logger.With("component", "reports")},
		Progress:  prog,
	}, orchestrator.WithLockWait(cfg.LockWait()), orchestrator.WithLogger(logger.With("component", "orchestrator")))

	driver := scheduler.NewDriver(r, cfg.PollInterval(), logger.With("component", "driver"))
	driver.Register(orchestrator.EntryPoint, orch.Run)

	return &Env{
		Workspace:    workspace,
		Config:       cfg,
		DB:           conn,
		Repo:         r,
		Cache:        results,
		Scheduler:    sched,
		Lock:         docLock,
		Progress:     prog,
		Orchestrator: orch,
		Driver:       driver,
	}
}

// ReportsDir is where generated reports are written for a workspace.
func ReportsDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".gradeline", "reports")
}

func (e *Env) Close() error {
	return e.DB.Close()
}
