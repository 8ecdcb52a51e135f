package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/eveobs/killfeed/internal/store"
	"github.com/eveobs/killfeed/pkg/esi"
	"github.com/eveobs/killfeed/pkg/ledger"
	"github.com/eveobs/killfeed/pkg/redisq"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "killfeed.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initQueue() redisq.Client {
	return redisq.NewClient(cfg.RedisQ.QueueID, cfg.ESI.UserAgent,
		redisq.WithBaseURL(cfg.RedisQ.BaseURL),
		redisq.WithWaitSecs(cfg.RedisQ.WaitSecs),
		redisq.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.RedisQ.TimeoutSecs) * time.Second}),
	)
}

func initESI() esi.Client {
	return esi.NewClient(cfg.ESI.UserAgent,
		esi.WithBaseURL(cfg.ESI.BaseURL),
		esi.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.ESI.TimeoutSecs) * time.Second}),
	)
}

// initLedger returns nil when no ledger endpoint is configured; callers
// treat a nil client as "audit trail disabled".
func initLedger() ledger.Client {
	if cfg.Ledger.URL == "" {
		return nil
	}
	return ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.Secret,
		ledger.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Ledger.TimeoutSecs) * time.Second}),
	)
}
