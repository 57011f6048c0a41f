package testutils

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql" // MySQL driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/database/pgx"   // PGX driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container is a datastore running in a container for testing purposes.
type Container struct {
	testcontainers.Container

	Host string
	Port int

	User     string
	Password string
	Name     string
}

// Stop terminates the container.
func (c *Container) Stop(ctx context.Context) error {
	return c.Terminate(ctx)
}

// StartPostgresContainer starts a PostgreSQL container, terminated on test cleanup.
func StartPostgresContainer(t *testing.T) *Container {
	t.Helper()

	c := &Container{User: "postgres", Password: "postgres", Name: "bmpdb"}
	c.start(t, testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     c.User,
			"POSTGRES_PASSWORD": c.Password,
			"POSTGRES_DB":       c.Name,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}, "5432/tcp")
	return c
}

// StartMySQLContainer starts a MySQL container, terminated on test cleanup.
func StartMySQLContainer(t *testing.T) *Container {
	t.Helper()

	c := &Container{User: "root", Password: "root", Name: "bmpdb"}
	c.start(t, testcontainers.ContainerRequest{
		Image:        "mysql:8.4",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": c.Password,
			"MYSQL_DATABASE":      c.Name,
		},
		WaitingFor: wait.ForListeningPort("3306/tcp"),
	}, "3306/tcp")
	return c
}

// StartMongoContainer starts a MongoDB container, terminated on test cleanup.
func StartMongoContainer(t *testing.T) *Container {
	t.Helper()

	c := &Container{Name: "snmpdb"}
	c.start(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp"),
	}, "27017/tcp")
	return c
}

// MongoURI returns the connection URI of a MongoDB container.
func (c *Container) MongoURI() string {
	return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
}

func (c *Container) start(t *testing.T, req testcontainers.ContainerRequest, port string) {
	t.Helper()

	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Setup: failed to start %s container", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate %s container: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err, "Setup: failed to get mapped port")

	c.Container = container
	c.Host = host
	c.Port = mapped.Int()
}

// ApplyMigrations applies the migrations of dir to the database at url.
func ApplyMigrations(t *testing.T, url, dir string) {
	t.Helper()

	m, err := migrate.New(fmt.Sprintf("file://%s", dir), url)
	require.NoError(t, err, "Setup: failed to create migration instance")
	defer m.Close()

	if err := m.Up(); err != nil {
		require.ErrorIs(t, err, migrate.ErrNoChange, "Setup: failed to apply migrations")
	}
}
