// Package daemon provides the nodedb aggregation service daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/dadlab/nodedb/internal/blobstore"
	"github.com/dadlab/nodedb/internal/bootstrap"
	"github.com/dadlab/nodedb/internal/collector"
	"github.com/dadlab/nodedb/internal/common/cli"
	"github.com/dadlab/nodedb/internal/common/constants"
	"github.com/dadlab/nodedb/internal/common/metrics"
	"github.com/dadlab/nodedb/internal/metricstore"
	"github.com/dadlab/nodedb/internal/models"
	"github.com/dadlab/nodedb/internal/roster"
	"github.com/dadlab/nodedb/internal/selfmetrics"
	"github.com/dadlab/nodedb/internal/webservice"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *webservice.Server

	// ctx interrupts the datastores bootstrap on Quit.
	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	BlobStore    blobstore.Config
	MetricsStore metricstore.Config
	Daemon       webservice.StaticConfig
	Collector    collectorConfig
	Bootstrap    bootstrap.Policy
	Metrics      metrics.Config
	// Roster replaces the default roster when set.
	Roster []models.RosterEntry
	// RosterFile is a watched roster file. It takes precedence over Roster.
	RosterFile string

	MigrationsDir string
}

type collectorConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// Node is the name this node reports itself as.
	Node string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := App{ready: make(chan struct{}), ctx: ctx, cancel: cancel}

	a.cmd = &cobra.Command{
		Use:   constants.CmdName,
		Short: "Cluster node metrics and picture storage service",
		Long: `Aggregation service storing pictures in a relational database and
polling the cluster nodes for their metrics, stored in a document database.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			slog.Debug("Got app config", "daemon", a.config.Daemon, "collector", a.config.Collector, "bootstrap", a.config.Bootstrap)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd
	d := webservice.DefaultStaticConfig

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	addBlobStoreFlags(cmd, &app.config.BlobStore)

	// Metrics store flags
	cmd.Flags().StringVar(&app.config.MetricsStore.URI, "mongo-uri", constants.DefaultMongoURI, "document database URI")
	cmd.Flags().StringVar(&app.config.MetricsStore.Database, "mongo-db", constants.DefaultMetricsDatabase, "document database name")

	// Daemon flags
	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", "", "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", d.ListenPort, "port to listen on")
	cmd.Flags().StringVar(&app.config.Daemon.PublicURL, "public-url", "", "base URL of the download links (default http://localhost:<listen-port>)")
	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", d.ReadTimeout, "read timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", d.WriteTimeout, "write timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", d.RequestTimeout, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", d.MaxHeaderBytes, "maximum header bytes for HTTP server")
	cmd.Flags().Int64Var(&app.config.Daemon.MaxUploadBytes, "max-upload-bytes", d.MaxUploadBytes, "maximum size of an uploaded picture")
	cmd.Flags().Int64Var(&app.config.Daemon.MaxIngestBytes, "max-ingest-bytes", d.MaxIngestBytes, "maximum size of a posted metrics sample")
	cmd.Flags().Float64Var(&app.config.Daemon.WriteRateLimit, "write-rate-limit", 0, "uploads allowed per second and client IP, 0 to disable")
	cmd.Flags().IntVar(&app.config.Daemon.WriteRateBurst, "write-rate-burst", 10, "burst of uploads allowed per client IP")

	// Collector flags
	cmd.Flags().DurationVar(&app.config.Collector.Interval, "collect-interval", collector.DefaultConfig.Interval, "interval between two sweeps of the roster")
	cmd.Flags().DurationVar(&app.config.Collector.Timeout, "collect-timeout", collector.DefaultConfig.Timeout, "timeout of each node poll")
	cmd.Flags().StringVar(&app.config.Collector.Node, "node-name", constants.SelfNodeName, "name this node reports itself as")
	cmd.Flags().StringVar(&app.config.RosterFile, "roster-file", "", "YAML file listing the nodes to poll, reloaded on change")

	// Bootstrap flags
	cmd.Flags().IntVar(&app.config.Bootstrap.Attempts, "bootstrap-attempts", bootstrap.DefaultPolicy.Attempts, "connection attempts per datastore before giving up")
	cmd.Flags().DurationVar(&app.config.Bootstrap.Delay, "bootstrap-delay", bootstrap.DefaultPolicy.Delay, "delay between two connection attempts")

	if err := cmd.MarkFlagFilename("roster-file", "yaml", "yml", "json"); err != nil {
		panic(fmt.Sprintf("failed to mark roster-file flag as filename: %v", err))
	}

	// Prometheus server flags
	cmd.Flags().StringVar(&app.config.Metrics.Host, "metrics-host", "", "host for the Prometheus endpoint")
	cmd.Flags().IntVar(&app.config.Metrics.Port, "metrics-port", constants.DefaultMetricsPort, "port for the Prometheus endpoint")
}

func addBlobStoreFlags(cmd *cobra.Command, config *blobstore.Config) {
	cmd.PersistentFlags().StringVar(&config.Driver, "db-driver", blobstore.DriverPostgres, "relational database driver (postgres or mysql)")
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "localhost", "relational database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 0, "relational database port (default 5432 for postgres, 3306 for mysql)")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "relational database user (default postgres for postgres, root for mysql)")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "relational database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", constants.DefaultBlobDatabase, "relational database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "relational database SSL mode")
	cmd.PersistentFlags().StringVar(&config.Socket, "db-socket", "", "MySQL unix socket, used instead of host and port when set")

	if err := cmd.MarkPersistentFlagFilename("db-socket"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark db-socket flag as filename: %v", err))
	}
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	// Subcommands and parsing failures never start the daemon.
	defer a.setReady()
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon, interrupting the datastores bootstrap if still in progress.
func (a *App) Quit() {
	a.cancel()
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready, or to have failed starting.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a *App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) setReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *App) run() (err error) {
	defer a.setReady()
	cfg := a.config

	nodes, err := a.nodes()
	if err != nil {
		return err
	}

	blobs, samples, err := bootstrap.Run(a.ctx, cfg.Bootstrap,
		bootstrap.Step[*blobstore.Manager]{
			Name: "blob store",
			Open: func(ctx context.Context) (*blobstore.Manager, error) {
				return blobstore.Connect(ctx, cfg.BlobStore)
			},
			Ensure: func(ctx context.Context, m *blobstore.Manager) error {
				return m.EnsureSchema(ctx)
			},
		},
		bootstrap.Step[*metricstore.Store]{
			Name: "metrics store",
			Open: func(ctx context.Context) (*metricstore.Store, error) {
				return metricstore.Connect(ctx, cfg.MetricsStore)
			},
			Ensure: func(ctx context.Context, s *metricstore.Store) error {
				return s.EnsureIndex(ctx)
			},
		})
	if err != nil {
		return fmt.Errorf("failed to bring up datastores: %w", err)
	}
	defer func() {
		err = errors.Join(err, blobs.Close(), samples.Close())
	}()

	registry := metrics.NewRegistry()

	col, err := collector.New(nodes, samples, collector.Config{
		Interval: cfg.Collector.Interval,
		Timeout:  cfg.Collector.Timeout,
	}, registry)
	if err != nil {
		return fmt.Errorf("failed to create collector: %v", err)
	}

	a.daemon, err = webservice.New(context.Background(), webservice.Services{
		Pictures:  blobs,
		Samples:   samples,
		Reporter:  selfmetrics.New(cfg.Collector.Node),
		Collector: col,
		Metrics:   metrics.New(cfg.Metrics, registry),
		Registry:  registry,
	}, cfg.Daemon)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}
	a.setReady()

	return a.daemon.Run()
}

// nodes returns the nodes to poll: the roster file if any, else the configured roster, else the default one.
func (a *App) nodes() (collector.Provider, error) {
	if a.config.RosterFile != "" {
		m := roster.New(a.config.RosterFile)
		if err := m.Load(); err != nil {
			return nil, fmt.Errorf("failed to load roster: %w", err)
		}
		return m, nil
	}
	if len(a.config.Roster) > 0 {
		return collector.Static(a.config.Roster), nil
	}
	port := a.config.Daemon.ListenPort
	if port == 0 {
		port = constants.DefaultListenPort
	}
	return collector.Static(collector.DefaultRoster(fmt.Sprintf("http://localhost:%d/metrics", port))), nil
}
