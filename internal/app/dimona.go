package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hyperlab-be/dimona/internal/authority"
	"github.com/hyperlab-be/dimona/internal/dimona"
	jobmetrics "github.com/hyperlab-be/dimona/internal/jobs"
)

// DimonaDeps are the shared connections the sync service runs on.
type DimonaDeps struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDimonaService wires the sync service from configuration.
func NewDimonaService(ctx context.Context, cfg *Config, deps DimonaDeps) (*dimona.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	client, err := authority.New(ctx, authority.Config{
		BaseURL:      cfg.DimonaAPIURL,
		TokenURL:     cfg.DimonaTokenURL,
		ClientID:     cfg.DimonaClientID,
		ClientSecret: cfg.DimonaClientSecret,
		Scopes:       cfg.DimonaScopes,
		RateLimit:    cfg.DimonaRateLimit,
		Timeout:      cfg.DimonaTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init authority client: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return dimona.NewService(dimona.ServiceConfig{
		Store:     dimona.NewRepository(deps.Pool),
		Authority: client,
		Source:    dimona.NewPostgresEmployments(deps.Pool),
		Events:    dimona.NewRedisEvents(deps.Redis, cfg.DimonaEventsChannel),
		Locker:    dimona.NewRedisLocker(deps.Redis),
		Logger:    logger.With(slog.String("component", "dimona")),
		Metrics:   deps.Metrics,
		Location:  loc,
		LockTTL:   cfg.DimonaSyncLockTTL,
	}), nil
}
