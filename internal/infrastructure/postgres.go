package infrastructure

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse connection string")
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}

	client := &PostgresClient{Pool: pool}
	if err := client.Migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return client, nil
}

func (p *PostgresClient) Migrate(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_store (
			key VARCHAR(128) PRIMARY KEY,
			value JSONB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return errors.Wrap(err, "create kv_store table")
	}
	return nil
}

// Load implements interfaces.Storage.
func (p *PostgresClient) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.Pool.QueryRow(ctx, "SELECT value FROM kv_store WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", key)
	}
	return value, nil
}

// Save implements interfaces.Storage. Values must be valid JSON.
func (p *PostgresClient) Save(ctx context.Context, key string, value []byte) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return errors.Wrapf(err, "save %s", key)
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
