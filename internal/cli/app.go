package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/planforge/internal/collab"
	"github.com/ChuLiYu/planforge/internal/completeness"
	"github.com/ChuLiYu/planforge/internal/config"
	"github.com/ChuLiYu/planforge/internal/lifecycle"
	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/internal/metrics"
	"github.com/ChuLiYu/planforge/internal/observability"
	"github.com/ChuLiYu/planforge/internal/runner"
	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/internal/server"
	"github.com/ChuLiYu/planforge/internal/storage/sqlstore"
	"github.com/ChuLiYu/planforge/internal/store"
)

// Version is reported by --version and attached to trace resources.
const Version = "0.3.0"

// App is one assembled planforge process: journal, runner, stores,
// lifecycle controller and the gRPC server in front of them.
type App struct {
	Config     *config.Config
	Log        *logger.Logger
	Metrics    *metrics.Collector
	Runner     *runner.Runner
	Stores     *store.Stores
	Controller *lifecycle.Controller
	Server     *server.Server

	journal  runner.Journal
	shutdown observability.ShutdownFunc
}

// NewApp wires every component from cfg and starts the runner. Recovery from
// the journal happens here, after the controller has subscribed, so plans
// left generating by a crash are settled before the first request.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	app := &App{Config: cfg, Log: log}

	var err error
	app.shutdown, err = observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "planforge",
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
		Pretty:      cfg.Tracing.Pretty,
	}, log)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if app.Metrics, err = metrics.NewCollector(nil); err != nil {
			return nil, app.fail(ctx, fmt.Errorf("create metrics collector: %w", err))
		}
	}

	if app.journal, err = openJournal(cfg, log); err != nil {
		return nil, app.fail(ctx, err)
	}

	app.Stores = store.NewStores()
	if cfg.Seed != "" {
		if err := app.Stores.LoadSeedFile(ctx, cfg.Seed); err != nil {
			return nil, app.fail(ctx, err)
		}
		log.Info("Seed loaded", "file", cfg.Seed, "plans", len(app.Stores.Plans.List(ctx)))
	}

	engine, err := scoring.NewEngine(cfg.Scoring)
	if err != nil {
		return nil, app.fail(ctx, fmt.Errorf("scoring engine: %w", err))
	}
	validator, err := completeness.NewValidator(cfg.Completeness.Weights)
	if err != nil {
		return nil, app.fail(ctx, fmt.Errorf("completeness validator: %w", err))
	}

	app.Runner = runner.New(cfg.RunnerConfig(), app.journal,
		runner.WithLogger(log),
		runner.WithMetrics(app.Metrics),
	)

	app.Controller, err = lifecycle.New(lifecycle.Config{MinCitationScore: cfg.Lifecycle.MinCitationScore}, lifecycle.Deps{
		Runner:       app.Runner,
		Plans:        app.Stores.Plans,
		Evidence:     app.Stores.Evidence,
		Requirements: app.Stores.Requirements,
		Engine:       engine,
		Validator:    validator,
		Generator:    collab.NewTemplateGenerator(),
		Renderer:     collab.NewRenderer(cfg.Lifecycle.ExportDir, cfg.Lifecycle.RendererCommand, log),
		Sources:      []scoring.EvidenceSource{collab.NewCatalog(app.Stores.Evidence)},
	}, lifecycle.WithLogger(log), lifecycle.WithMetrics(app.Metrics))
	if err != nil {
		return nil, app.fail(ctx, err)
	}

	if err := app.Runner.Start(ctx); err != nil {
		return nil, app.fail(ctx, fmt.Errorf("start runner: %w", err))
	}
	app.Server = server.NewServer(app.Controller, log)
	return app, nil
}

// openJournal picks the durable store for job records.
func openJournal(cfg *config.Config, log *logger.Logger) (runner.Journal, error) {
	switch cfg.Journal.Backend {
	case config.BackendSQL:
		if strings.HasPrefix(cfg.Journal.SQL.Driver, "sqlite") {
			if err := os.MkdirAll(filepath.Dir(cfg.Journal.SQL.DSN), 0755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		st, err := sqlstore.Open(cfg.Journal.SQL.Driver, cfg.Journal.SQL.DSN, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		for _, p := range []string{cfg.Journal.WALPath, cfg.Journal.SnapshotPath} {
			if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
				return nil, fmt.Errorf("create journal dir: %w", err)
			}
		}
		j, err := runner.OpenFileJournal(cfg.Journal.WALPath, cfg.Journal.SnapshotPath, cfg.WALOptions())
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}

// Serve runs the gRPC server on the configured address (and the metrics
// endpoint when enabled) until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Config.Server.Addr, err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- a.Server.Serve(lis) }()
	if a.Config.Lifecycle.JobRetention > 0 {
		go a.purgeLoop(ctx)
	}
	if a.Metrics != nil {
		go func() {
			a.Log.Info("Starting metrics server", "addr", a.Config.Metrics.Addr)
			errCh <- a.Metrics.Serve(ctx, a.Config.Metrics.Addr)
		}()
	}

	select {
	case <-ctx.Done():
		a.Server.Stop()
		return nil
	case err := <-errCh:
		a.Server.Stop()
		return err
	}
}

// purgeLoop drops finished jobs older than the configured retention.
func (a *App) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Lifecycle.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Controller.PurgeJobsOlderThan(ctx, a.Config.Lifecycle.JobRetention)
			if err != nil {
				a.Log.Error("Failed to purge old jobs", "error", err)
				continue
			}
			if n > 0 {
				a.Log.Info("Purged old jobs", "count", n)
			}
		}
	}
}

// Close stops the runner (which writes a final checkpoint and closes the
// journal) and flushes traces.
func (a *App) Close(ctx context.Context) error {
	if a.Runner != nil {
		a.Runner.Stop()
	}
	var errs []error
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	a.Log.Sync()
	return errors.Join(errs...)
}

// fail releases what was opened before err and returns err.
func (a *App) fail(ctx context.Context, err error) error {
	if a.journal != nil {
		a.journal.Close()
	}
	if a.shutdown != nil {
		a.shutdown(ctx)
	}
	return err
}
