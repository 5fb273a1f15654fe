package authkitpg

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	applicationName = "soundsouls-auth"

	defaultMinConns         = 2
	defaultStatementTimeout = 5 * time.Second
	defaultConnectTimeout   = 5 * time.Second
	defaultMaxConnIdleTime  = 5 * time.Minute
	defaultMaxConnLifetime  = 30 * time.Minute
	defaultHealthCheck      = 30 * time.Second
)

// PoolOptions sizes the session store pool. Zero values fall back to defaults.
type PoolOptions struct {
	// MaxConns caps open connections. Every guarded request reads and writes its session,
	// so the default scales with GOMAXPROCS.
	MaxConns int32
	// StatementTimeout bounds each session query on the server side.
	StatementTimeout time.Duration
}

// BuildPool creates a pgx pool tuned for short session reads and writes.
func BuildPool(ctx context.Context, databaseURL string, options PoolOptions) (*pgxpool.Pool, error) {
	config, err := buildPoolConfig(databaseURL, options)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, config)
}

func buildPoolConfig(databaseURL string, options PoolOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("session_store.pg.parse_url: %w", err)
	}
	maxConns := options.MaxConns
	if maxConns <= 0 {
		maxConns = int32(4 * runtime.GOMAXPROCS(0))
	}
	statementTimeout := options.StatementTimeout
	if statementTimeout <= 0 {
		statementTimeout = defaultStatementTimeout
	}
	config.MaxConns = maxConns
	config.MinConns = min(defaultMinConns, maxConns)
	config.MaxConnIdleTime = defaultMaxConnIdleTime
	config.MaxConnLifetime = defaultMaxConnLifetime
	config.HealthCheckPeriod = defaultHealthCheck
	config.ConnConfig.ConnectTimeout = defaultConnectTimeout
	if _, set := config.ConnConfig.RuntimeParams["application_name"]; !set {
		config.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	config.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	return config, nil
}
