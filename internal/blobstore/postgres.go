package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dadlab/nodedb/internal/common/constants"
	"github.com/dadlab/nodedb/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

func newPGXPool(ctx context.Context, dsn string) (dbPool, error) {
	return pgxpool.New(ctx, dsn)
}

type postgres struct {
	pool  dbPool
	table string
}

func newPostgres(ctx context.Context, cfg Config, newPool func(context.Context, string) (dbPool, error)) (*postgres, error) {
	pool, err := newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, err
	}
	return &postgres{
		pool:  pool,
		table: pgx.Identifier{constants.PicturesTable}.Sanitize(),
	}, nil
}

func (p *postgres) ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *postgres) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			request_id VARCHAR(64),
			zoom_percent INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			data BYTEA
		)`,
		p.table,
	)
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *postgres) put(ctx context.Context, pic models.Picture) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (
			id,
			request_id,
			zoom_percent,
			data
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			request_id = EXCLUDED.request_id,
			zoom_percent = EXCLUDED.zoom_percent,
			data = EXCLUDED.data,
			created_at = CURRENT_TIMESTAMP`,
		p.table,
	)

	_, err := p.pool.Exec(ctx, query,
		pic.ID,          // id
		pic.RequestID,   // request_id
		pic.ZoomPercent, // zoom_percent
		pic.Data,        // data
	)
	return err
}

func (p *postgres) get(ctx context.Context, id string) (models.Picture, error) {
	query := fmt.Sprintf(
		`SELECT id, COALESCE(request_id, ''), COALESCE(zoom_percent, 100), created_at, data
		FROM %s WHERE id = $1`,
		p.table,
	)

	var pic models.Picture
	err := p.pool.QueryRow(ctx, query, id).Scan(&pic.ID, &pic.RequestID, &pic.ZoomPercent, &pic.CreatedAt, &pic.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Picture{}, ErrNotFound
	}
	if err != nil {
		return models.Picture{}, err
	}
	return pic, nil
}

func (p *postgres) close() error {
	p.pool.Close()
	return nil
}
