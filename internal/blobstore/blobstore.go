// Package blobstore provides the relational datastore holding binary pictures.
// It handles a pooled connection to either PostgreSQL or MySQL and provides keyed insert and lookup of blobs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/dadlab/nodedb/internal/common/constants"
	"github.com/dadlab/nodedb/internal/models"
)

// ErrNotFound is returned when no picture matches the requested identifier.
var ErrNotFound = errors.New("picture not found")

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds the configuration for connecting to the relational database.
type Config struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Socket is a MySQL unix socket path. When set, Host and Port are ignored.
	Socket string
}

type backend interface {
	ping(ctx context.Context) error
	ensureSchema(ctx context.Context) error
	put(ctx context.Context, p models.Picture) error
	get(ctx context.Context, id string) (models.Picture, error)
	close() error
}

// Manager manages the relational database connection pool.
type Manager struct {
	backend backend
	driver  string
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
	openSQL func(dsn string) (sqlDB, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// Connect creates a database manager with a connection pool using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func Connect(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: newPGXPool,
		openSQL: openMySQL,
	}
	for _, opt := range args {
		opt(&opts)
	}

	cfg = cfg.withDefaults()

	var (
		b   backend
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		b, err = newPostgres(ctx, cfg, opts.newPool)
	case DriverMySQL:
		b, err = newMySQL(cfg, opts.openSQL)
	default:
		return nil, fmt.Errorf("unsupported blob store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing blob store connection", "driver", cfg.Driver, "addr", cfg.addr())
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := b.ping(pingCtx); err != nil {
		_ = b.close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged blob store", "driver", cfg.Driver, "addr", cfg.addr())
	return &Manager{backend: b, driver: cfg.Driver}, nil
}

// EnsureSchema creates the pictures table if it does not exist yet.
func (db *Manager) EnsureSchema(ctx context.Context) error {
	if db.backend == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.backend.ensureSchema(ctx); err != nil {
		return fmt.Errorf("failed to create %s table: %v", constants.PicturesTable, err)
	}
	slog.Info("Blob store table ready", "table", constants.PicturesTable)
	return nil
}

// Put stores the picture, replacing any previous picture with the same identifier.
func (db *Manager) Put(ctx context.Context, p models.Picture) error {
	if db.backend == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := db.backend.put(ctx, p); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("insert canceled: %v", err)
		}
		return fmt.Errorf("failed to insert picture: %v", err)
	}
	return nil
}

// Get returns the picture with the given identifier, or ErrNotFound.
func (db *Manager) Get(ctx context.Context, id string) (models.Picture, error) {
	if db.backend == nil {
		return models.Picture{}, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	p, err := db.backend.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return models.Picture{}, ErrNotFound
	}
	if err != nil {
		return models.Picture{}, fmt.Errorf("failed to look up picture: %v", err)
	}
	return p, nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.backend == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- db.backend.close()
	}()

	select {
	case err := <-done:
		db.backend = nil
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if c.Host == "" && c.Socket == "" {
		c.Host = "localhost"
	}
	if c.DBName == "" {
		c.DBName = constants.DefaultBlobDatabase
	}
	switch c.Driver {
	case DriverPostgres:
		if c.Port == 0 {
			c.Port = 5432
		}
		if c.User == "" {
			c.User = "postgres"
		}
	case DriverMySQL:
		if c.Port == 0 {
			c.Port = 3306
		}
		if c.User == "" {
			c.User = "root"
		}
	}
	return c
}

func (c Config) addr() string {
	if c.Socket != "" && c.Driver == DriverMySQL {
		return c.Socket
	}
	if c.Port == 0 {
		return c.Host
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   c.addr(),
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// MigrateURL returns the golang-migrate database URL for the configured driver.
//
// Security warning: the returned string may include credentials.
func (c Config) MigrateURL() string {
	c = c.withDefaults()
	if c.Driver == DriverMySQL {
		return "mysql://" + c.mysqlDSN()
	}
	return c.URI("pgx")
}
