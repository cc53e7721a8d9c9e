// Package pool opens and retries connections to the source and target
// databases.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/pg-pg-migrate/internal/config"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
	"github.com/johndauphine/pg-pg-migrate/internal/stats"
)

// Defaults used when the manager is created with zero values.
const (
	DefaultRetries    = 3
	DefaultRetryDelay = 5 * time.Second
)

// connectFunc opens a pool and verifies it with a round trip.
type connectFunc func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error)

// Manager hands out connection pools. Connectivity failures are retried a
// bounded number of times with a fixed delay; the last error is returned.
type Manager struct {
	retries int
	delay   time.Duration
	logger  *logging.Logger
	connect connectFunc
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager making up to retries attempts per endpoint.
func NewManager(retries int, delay time.Duration, logger *logging.Logger) *Manager {
	if retries < 1 {
		retries = DefaultRetries
	}
	if delay < 0 {
		delay = DefaultRetryDelay
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		retries: retries,
		delay:   delay,
		logger:  logger,
		connect: connectAndPing,
		sleep:   sleepCtx,
	}
}

// PoolConfig builds the pgxpool configuration for ep.
func PoolConfig(ep config.EndpointConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(ep.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config for %s: %w", ep.Address(), err)
	}
	if ep.MaxConns > 0 {
		poolCfg.MaxConns = int32(ep.MaxConns)
		poolCfg.MinConns = int32(ep.MaxConns / 4)
	}
	return poolCfg, nil
}

// Connect opens a pool to ep. name ("source" or "target") is used in logs.
func (m *Manager) Connect(ctx context.Context, name string, ep config.EndpointConfig) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(ep)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= m.retries; attempt++ {
		p, err := m.connect(ctx, poolCfg.Copy())
		if err == nil {
			m.logger.Info("Connected to %s database %s (schema %s)", name, ep.Address(), ep.Schema)
			return p, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == m.retries {
			break
		}
		m.logger.Warn("Connection attempt %d/%d to %s database %s failed: %v; retrying in %s",
			attempt, m.retries, name, ep.Address(), err, m.delay)
		if err := m.sleep(ctx, m.delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to connect to %s database %s after %d attempts: %w", name, ep.Address(), m.retries, lastErr)
}

// Stats snapshots p for logging.
func Stats(name string, p *pgxpool.Pool) stats.PoolStats {
	if p == nil {
		return stats.PoolStats{Name: name}
	}
	return stats.FromPgx(name, p.Stat())
}

func connectAndPing(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return p, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
