package blobstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dadlab/nodedb/internal/blobstore"
	"github.com/dadlab/nodedb/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config  blobstore.Config
		pingErr error
		poolErr error

		wantDSNPrefix string
		wantErr       bool
	}{
		"Postgres by default": {
			config:        blobstore.Config{Host: "localhost", User: "u", DBName: "bmpdb"},
			wantDSNPrefix: "postgres://u@localhost:5432/bmpdb",
		},
		"Defaults": {
			wantDSNPrefix: "postgres://postgres@localhost:5432/bmpdb",
		},
		"Explicit postgres port": {
			config:        blobstore.Config{Driver: blobstore.DriverPostgres, Host: "db", Port: 6543, User: "u", Password: "p", DBName: "x", SSLMode: "disable"},
			wantDSNPrefix: "postgres://u:p@db:6543/x?sslmode=disable",
		},

		// Error cases
		"Unsupported driver errors": {
			config:  blobstore.Config{Driver: "oracle"},
			wantErr: true,
		},
		"Pool creation error errors": {
			poolErr: fmt.Errorf("error requested by test"),
			wantErr: true,
		},
		"Ping error errors": {
			pingErr: fmt.Errorf("error requested by test"),
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			pool := &mockDBPool{pingErr: tc.pingErr}
			var gotDSN string
			newPool := func(_ context.Context, dsn string) (blobstore.DBPool, error) {
				gotDSN = dsn
				if tc.poolErr != nil {
					return nil, tc.poolErr
				}
				return pool, nil
			}

			mgr, err := blobstore.Connect(t.Context(), tc.config, blobstore.WithNewPool(newPool))
			if tc.wantErr {
				require.Error(t, err, "Connect should have failed")
				assert.Nil(t, mgr, "Manager should be nil on error")
				if tc.pingErr != nil {
					assert.True(t, pool.isClosed(), "Pool should be closed after a failed ping")
				}
				return
			}
			require.NoError(t, err, "Connect should not fail")
			defer mgr.Close()

			assert.True(t, strings.HasPrefix(gotDSN, tc.wantDSNPrefix), "DSN %q should start with %q", gotDSN, tc.wantDSNPrefix)
		})
	}
}

func TestPutGetPostgres(t *testing.T) {
	t.Parallel()

	pool := newMockDBPool()
	mgr, err := blobstore.Connect(t.Context(), blobstore.Config{}, blobstore.WithNewPool(mockNewDBPool(pool)))
	require.NoError(t, err, "Setup: Connect should not fail")
	defer mgr.Close()

	require.NoError(t, mgr.EnsureSchema(t.Context()), "EnsureSchema should not fail")

	want := models.Picture{ID: "pic-1", RequestID: "req-1", ZoomPercent: 150, Data: []byte{0x42, 0x4d, 0, 1, 2, 3, 4, 5, 6, 7}}
	require.NoError(t, mgr.Put(t.Context(), want), "Put should not fail")

	got, err := mgr.Get(t.Context(), "pic-1")
	require.NoError(t, err, "Get should not fail")
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.RequestID, got.RequestID)
	assert.Equal(t, want.ZoomPercent, got.ZoomPercent)
	assert.Equal(t, want.Data, got.Data, "Data should round trip byte for byte")

	// Last write wins on duplicate identifiers.
	overwrite := models.Picture{ID: "pic-1", RequestID: "req-2", ZoomPercent: 100, Data: []byte("new")}
	require.NoError(t, mgr.Put(t.Context(), overwrite), "Put should not fail on duplicate id")
	got, err = mgr.Get(t.Context(), "pic-1")
	require.NoError(t, err, "Get should not fail")
	assert.Equal(t, []byte("new"), got.Data, "Second write should replace the first one")

	_, err = mgr.Get(t.Context(), "absent")
	require.ErrorIs(t, err, blobstore.ErrNotFound, "Get of an unknown id should be not found")
}

func TestManagerErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		execErr    error
		queryErr   error
		earlyClose bool

		wantGetNotFound bool
	}{
		"Exec and query errors are surfaced": {
			execErr:  fmt.Errorf("error requested by test"),
			queryErr: fmt.Errorf("error requested by test"),
		},
		"Errors if pool is nil or closed": {
			earlyClose: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			pool := newMockDBPool()
			pool.execErr = tc.execErr
			pool.queryErr = tc.queryErr

			mgr, err := blobstore.Connect(t.Context(), blobstore.Config{}, blobstore.WithNewPool(mockNewDBPool(pool)))
			require.NoError(t, err, "Setup: Connect should not fail")
			defer mgr.Close()

			if tc.earlyClose {
				require.NoError(t, mgr.Close(), "Setup: failed to close database connection")
			}

			require.Error(t, mgr.EnsureSchema(t.Context()), "EnsureSchema should fail")
			require.Error(t, mgr.Put(t.Context(), models.Picture{ID: "x"}), "Put should fail")
			_, err = mgr.Get(t.Context(), "x")
			require.Error(t, err, "Get should fail")
			require.NotErrorIs(t, err, blobstore.ErrNotFound, "A failing lookup must not be reported as not found")
		})
	}
}

func TestConnectMySQL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config  blobstore.Config
		pingErr error
		openErr error

		wantDSN string
		wantErr bool
	}{
		"TCP with default port": {
			config:  blobstore.Config{Driver: blobstore.DriverMySQL, Host: "c06", User: "root", DBName: "bmpdb"},
			wantDSN: "root@tcp(c06:3306)/bmpdb",
		},
		"Unix socket": {
			config:  blobstore.Config{Driver: blobstore.DriverMySQL, Socket: "/var/run/mysqld/mysqld.sock", User: "root", Password: "pw", DBName: "bmpdb"},
			wantDSN: "root:pw@unix(/var/run/mysqld/mysqld.sock)/bmpdb",
		},

		// Error cases
		"Open error errors": {
			config:  blobstore.Config{Driver: blobstore.DriverMySQL},
			openErr: fmt.Errorf("error requested by test"),
			wantErr: true,
		},
		"Ping error errors": {
			config:  blobstore.Config{Driver: blobstore.DriverMySQL},
			pingErr: fmt.Errorf("error requested by test"),
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := &mockSQLDB{pingErr: tc.pingErr}
			var gotDSN string
			open := func(dsn string) (blobstore.SQLDB, error) {
				gotDSN = dsn
				if tc.openErr != nil {
					return nil, tc.openErr
				}
				return db, nil
			}

			mgr, err := blobstore.Connect(t.Context(), tc.config, blobstore.WithOpenSQL(open))
			if tc.wantErr {
				require.Error(t, err, "Connect should have failed")
				return
			}
			require.NoError(t, err, "Connect should not fail")

			assert.True(t, strings.HasPrefix(gotDSN, tc.wantDSN), "DSN %q should start with %q", gotDSN, tc.wantDSN)
			assert.Contains(t, gotDSN, "parseTime=true", "DSN should parse time columns")

			require.NoError(t, mgr.EnsureSchema(t.Context()), "EnsureSchema should not fail")
			require.NoError(t, mgr.Put(t.Context(), models.Picture{ID: "x", Data: []byte("abc")}), "Put should not fail")
			assert.Len(t, db.execs, 2, "EnsureSchema and Put should each run one statement")
			assert.Contains(t, db.execs[1], "ON DUPLICATE KEY UPDATE", "Put should be an upsert")

			require.NoError(t, mgr.Close(), "Close should not fail")
			assert.True(t, db.closed, "Close should close the handle")
		})
	}
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		config blobstore.Config

		want string
	}{
		"Postgres": {
			config: blobstore.Config{Host: "db", User: "u", Password: "p", DBName: "bmpdb", SSLMode: "disable"},
			want:   "pgx://u:p@db:5432/bmpdb?sslmode=disable",
		},
		"MySQL": {
			config: blobstore.Config{Driver: blobstore.DriverMySQL, Host: "db", User: "u", Password: "p", DBName: "bmpdb"},
			want:   "mysql://u:p@tcp(db:3306)/bmpdb",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.True(t, strings.HasPrefix(tc.config.MigrateURL(), tc.want), "%q should start with %q", tc.config.MigrateURL(), tc.want)
		})
	}
}

// mockDBPool is an in-memory pgx pool keyed on the first argument of each statement.
type mockDBPool struct {
	mu       sync.Mutex
	rows     map[string]models.Picture
	closed   bool
	pingErr  error
	execErr  error
	queryErr error
}

func newMockDBPool() *mockDBPool {
	return &mockDBPool{rows: make(map[string]models.Picture)}
}

func mockNewDBPool(pool *mockDBPool) func(context.Context, string) (blobstore.DBPool, error) {
	return func(context.Context, string) (blobstore.DBPool, error) {
		return pool, nil
	}
}

func (m *mockDBPool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.execErr != nil {
		return pgconn.CommandTag{}, m.execErr
	}
	if len(args) == 4 {
		data, _ := args[3].([]byte)
		m.rows[args[0].(string)] = models.Picture{
			ID:          args[0].(string),
			RequestID:   args[1].(string),
			ZoomPercent: args[2].(int),
			CreatedAt:   time.Now(),
			Data:        append([]byte(nil), data...),
		}
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDBPool) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queryErr != nil {
		return mockRow{err: m.queryErr}
	}
	p, ok := m.rows[args[0].(string)]
	if !ok {
		return mockRow{err: pgx.ErrNoRows}
	}
	return mockRow{pic: p}
}

func (m *mockDBPool) Ping(context.Context) error {
	return m.pingErr
}

func (m *mockDBPool) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockDBPool) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockRow struct {
	pic models.Picture
	err error
}

func (r mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.pic.ID
	*dest[1].(*string) = r.pic.RequestID
	*dest[2].(*int) = r.pic.ZoomPercent
	*dest[3].(*time.Time) = r.pic.CreatedAt
	*dest[4].(*[]byte) = r.pic.Data
	return nil
}

type mockSQLDB struct {
	execs   []string
	closed  bool
	pingErr error
}

func (m *mockSQLDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	m.execs = append(m.execs, query)
	return nil, nil
}

func (m *mockSQLDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return &sql.Row{}
}

func (m *mockSQLDB) PingContext(context.Context) error {
	return m.pingErr
}

func (m *mockSQLDB) Close() error {
	m.closed = true
	return nil
}
