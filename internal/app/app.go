package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lukasbauer/streamscribe/internal/eventlog"
	"github.com/lukasbauer/streamscribe/internal/httpapi"
	"github.com/lukasbauer/streamscribe/internal/metrics"
	"github.com/lukasbauer/streamscribe/internal/session"
	"github.com/lukasbauer/streamscribe/internal/storage"
	"github.com/lukasbauer/streamscribe/internal/stt"
)

type App struct {
	cfg      Config
	logger   *zap.Logger
	db       *pgxpool.Pool
	eventLog *eventlog.Logger
	store    storage.TranscriptStore
	backend  stt.Backend
	metrics  *metrics.Metrics
	sessions *httpapi.SessionRegistry

	// sessionCtx is the parent of every session; cancelled when Drain times out.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	// abortGrace bounds how long Drain waits for aborted sessions to send
	// their error frame and log their outcome.
	abortGrace time.Duration
}

func New(cfg Config, logger *zap.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &App{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics.New(),
		sessions:   httpapi.NewSessionRegistry(),
		abortGrace: 5 * time.Second,
	}
	a.sessionCtx, a.cancelSession = context.WithCancel(context.Background())

	// The event log is optional; without a database sessions are only logged.
	if cfg.DatabaseURL != "" {
		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
		a.eventLog = eventlog.New(db)
		if err := a.eventLog.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate event log: %w", err)
		}
	} else {
		logger.Warn("DATABASE_URL not set, session event log disabled")
	}

	if cfg.Minio.Endpoint != "" {
		store, err := storage.NewMinioStore(cfg.Minio)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		logger.Info("transcript storage ready", zap.String("bucket", store.Bucket()))
	} else {
		logger.Warn("MINIO_ENDPOINT not set, POST /api/save disabled")
	}

	if cfg.Deepgram.APIKey == "" {
		logger.Warn("DEEPGRAM_API_KEY not set, streaming sessions will fail to authenticate")
	}
	a.backend = stt.NewDeepgramBackend(cfg.Deepgram, logger)

	return a, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		AllowedOrigins: a.cfg.AllowedOrigins,
		JWTSecret:      a.cfg.JWTSecret,
		Session: session.Config{
			Stream:        a.cfg.Stream,
			IdleTimeout:   a.cfg.IdleTimeout,
			MaxQueueDepth: a.cfg.MaxQueueDepth,
			Pricing:       a.cfg.Pricing,
		},
	}
	return httpapi.NewRouter(routerCfg, httpapi.RouterDeps{
		Logger:      a.logger,
		Backend:     a.backend,
		Store:       a.store,
		EventLog:    a.eventLog,
		Metrics:     a.metrics,
		Sessions:    a.sessions,
		BaseContext: a.sessionCtx,
	})
}

// Drain stops accepting new streams and waits for live sessions to finish.
// When ctx ends first the remaining sessions are aborted.
func (a *App) Drain(ctx context.Context) error {
	a.sessions.StartDraining()
	a.logger.Info("draining sessions", zap.Int64("active", a.sessions.ActiveCount()))

	err := a.sessions.Wait(ctx)
	if err == nil {
		return nil
	}

	a.logger.Warn("drain timed out, aborting sessions", zap.Int64("active", a.sessions.ActiveCount()))
	a.cancelSession()

	graceCtx, cancel := context.WithTimeout(context.Background(), a.abortGrace)
	defer cancel()
	if werr := a.sessions.Wait(graceCtx); werr != nil {
		a.logger.Error("sessions still running after abort", zap.Int64("active", a.sessions.ActiveCount()))
	}
	return err
}

func (a *App) Close() error {
	a.cancelSession()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.eventLog.Flush(ctx); err != nil {
		a.logger.Warn("event log writes dropped at shutdown", zap.Error(err))
	}

	if a.db != nil {
		a.db.Close()
	}
	return nil
}
