// Package app opens a workspace and wires the workflow engine together.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gofrs/flock"

	"famtasks/internal/catalog"
	"famtasks/internal/config"
	"famtasks/internal/db"
	"famtasks/internal/deps"
	"famtasks/internal/engine"
	"famtasks/internal/events"
	"famtasks/internal/metrics"
	"famtasks/internal/migrate"
	"famtasks/internal/notify"
	"famtasks/internal/repo"
	"famtasks/internal/rules"
)

type Options struct {
	Workspace string
	// Config overrides the workspace famtasks.yml when set.
	Config *config.Config
	Logger *slog.Logger
}

// App holds every service for one workspace. Build it once per process.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Emitter   *events.Emitter
	Catalog   *catalog.Catalog
	Deps      deps.Validator
	Engine    engine.Engine
	Rules     *rules.Engine
	Notify    *notify.Dispatcher

	nats *notify.NATSSink
}

// NewLogger returns the text logger used by the CLI and server.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Open migrates the workspace database and wires the services. Subscribers
// run in order: event log, rules, notifications.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(os.Stderr, false)
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Logger:    logger,
		Metrics:   metrics.New(),
	}
	writer := events.Writer{DB: conn}
	a.Emitter = events.NewEmitter(logger.With("component", "events"), a.Metrics)

	a.Catalog = catalog.New(a.Repo)
	a.Catalog.Locker = flock.New(db.LockPath(opts.Workspace))
	a.Catalog.Audit = writer
	a.Catalog.Metrics = a.Metrics
	a.Catalog.Logger = logger.With("component", "catalog")

	a.Deps = deps.New(a.Repo)
	a.Engine = engine.New(a.Repo, a.Deps, a.Emitter)
	a.Engine.Metrics = a.Metrics
	a.Engine.Logger = logger.With("component", "engine")

	a.Notify = notify.NewDispatcher(notify.Options{
		QueueSize:    cfg.Notifications.QueueSize,
		MaxAttempts:  cfg.Notifications.MaxAttempts,
		RetryBackoff: cfg.Notifications.RetryBackoff,
		DedupWindow:  cfg.Notifications.DedupWindow,
		Logger:       logger.With("component", "notify"),
		Metrics:      a.Metrics,
	}, a.sinks(ctx)...)

	a.Rules = &rules.Engine{
		Store:       a.Repo,
		Directory:   a.Repo,
		Transitions: a.Engine,
		Assigner:    a.Repo,
		Notifier:    a.Notify,
		Metrics:     a.Metrics,
		Logger:      logger.With("component", "rules"),
		MaxDepth:    cfg.Automation.MaxDepth,
	}

	a.Emitter.Subscribe("event_log", writer.Record)
	a.Emitter.Subscribe("rules", a.Rules.HandleEvent)
	a.Emitter.Subscribe("notify", a.Notify.HandleEvent)
	return a, nil
}

func (a *App) sinks(ctx context.Context) []notify.Sink {
	sinks := notify.WebhookSinks(a.Config.Notifications.Webhooks)
	natsCfg := a.Config.Notifications.NATS
	if natsCfg.URL == "" {
		return sinks
	}
	sink, err := notify.DialNATS(natsCfg.URL, natsCfg.SubjectPrefix)
	if err != nil {
		a.Logger.WarnContext(ctx, "nats notifications disabled", "url", natsCfg.URL, "error", err)
		return sinks
	}
	a.nats = sink
	return append(sinks, sink)
}

// Close drains pending notifications and closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Notify != nil {
		if err := a.Notify.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
