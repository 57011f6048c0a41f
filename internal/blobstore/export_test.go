package blobstore

import "context"

type (
	DBPool = dbPool
	SQLDB  = sqlDB
)

// WithNewPool overrides the PostgreSQL pool factory.
func WithNewPool(newPool func(ctx context.Context, dsn string) (DBPool, error)) Options {
	return func(o *options) {
		o.newPool = newPool
	}
}

// WithOpenSQL overrides the MySQL handle factory.
func WithOpenSQL(open func(dsn string) (SQLDB, error)) Options {
	return func(o *options) {
		o.openSQL = open
	}
}

// MySQLDSN exposes the MySQL DSN of the configuration.
func (c Config) MySQLDSN() string {
	return c.withDefaults().mysqlDSN()
}
