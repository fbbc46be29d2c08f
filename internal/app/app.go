package app

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vhofman/voicedash/internal/dashboard"
	"github.com/vhofman/voicedash/internal/eventlog"
	"github.com/vhofman/voicedash/internal/httpapi"
	"github.com/vhofman/voicedash/internal/jobs"
	"github.com/vhofman/voicedash/internal/statestore"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	store      *statestore.Store
	eventLog   *eventlog.Logger
	controller *dashboard.Controller
	refresher  *jobs.HealthRefreshJob
	httpClient *http.Client // Shared HTTP client with connection pooling for backend calls
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	// Local state survives restarts; a broken state file degrades to
	// in-memory defaults rather than blocking startup.
	store, err := statestore.Open(cfg.StateDBPath, logger)
	if err != nil {
		logger.Printf("app: state db unavailable, settings will not persist: %v", err)
		store = nil
	}

	// Session event log is optional; without DATABASE_URL events are dropped.
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	el := eventlog.New(db)

	// Shared HTTP client with connection pooling for backend calls. No
	// global timeout: preview synthesis is unbounded, per-call deadlines
	// come from the REST client.
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	controller, err := dashboard.New(dashboard.Config{
		Origin:     cfg.PublicBaseURL,
		HTTPClient: httpClient,
		Logger:     logger,
		Events:     el,
		Store:      store,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	refresher := jobs.NewHealthRefreshJob(controller, logger, cfg.RefreshInterval)
	refresher.Start()

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      store,
		eventLog:   el,
		controller: controller,
		refresher:  refresher,
		httpClient: httpClient,
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL: a.cfg.PublicBaseURL,
		UpstreamURL:   a.cfg.BackendURL,
		AccessKey:     a.cfg.AccessKey,
		JWTSecret:     a.cfg.JWTSecret,
		JWTExpiry:     a.cfg.JWTExpiry,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.controller)
}

func (a *App) Close() error {
	if a.refresher != nil {
		a.refresher.Stop()
	}
	if a.controller != nil {
		_ = a.controller.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
