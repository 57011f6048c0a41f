package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dadlab/nodedb/internal/common/constants"
	"github.com/dadlab/nodedb/internal/models"
	"github.com/go-sql-driver/mysql"
)

type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PingContext(ctx context.Context) error
	Close() error
}

func openMySQL(dsn string) (sqlDB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

type mysqlStore struct {
	db    sqlDB
	table string
}

func newMySQL(cfg Config, open func(string) (sqlDB, error)) (*mysqlStore, error) {
	db, err := open(cfg.mysqlDSN())
	if err != nil {
		return nil, err
	}
	return &mysqlStore{
		db:    db,
		table: "`" + constants.PicturesTable + "`",
	}, nil
}

// mysqlDSN returns the go-sql-driver DSN of the configuration.
//
// Security warning: the returned string may include credentials.
func (c Config) mysqlDSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.DBName
	mc.ParseTime = true
	if c.Socket != "" {
		mc.Net = "unix"
		mc.Addr = c.Socket
	} else {
		mc.Net = "tcp"
		mc.Addr = c.addr()
	}
	return mc.FormatDSN()
}

func (m *mysqlStore) ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *mysqlStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			request_id VARCHAR(64),
			zoom_percent INT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			data LONGBLOB
		)`,
		m.table,
	)
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *mysqlStore) put(ctx context.Context, pic models.Picture) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (
			id,
			request_id,
			zoom_percent,
			data
		) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			request_id = VALUES(request_id),
			zoom_percent = VALUES(zoom_percent),
			data = VALUES(data),
			created_at = CURRENT_TIMESTAMP`,
		m.table,
	)

	_, err := m.db.ExecContext(ctx, query,
		pic.ID,          // id
		pic.RequestID,   // request_id
		pic.ZoomPercent, // zoom_percent
		pic.Data,        // data
	)
	return err
}

func (m *mysqlStore) get(ctx context.Context, id string) (models.Picture, error) {
	query := fmt.Sprintf(
		`SELECT id, COALESCE(request_id, ''), COALESCE(zoom_percent, 100), created_at, data
		FROM %s WHERE id = ?`,
		m.table,
	)

	var pic models.Picture
	err := m.db.QueryRowContext(ctx, query, id).Scan(&pic.ID, &pic.RequestID, &pic.ZoomPercent, &pic.CreatedAt, &pic.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Picture{}, ErrNotFound
	}
	if err != nil {
		return models.Picture{}, err
	}
	return pic, nil
}

func (m *mysqlStore) close() error {
	return m.db.Close()
}
