// Package collector periodically polls the node roster for metrics and persists the readings.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dadlab/nodedb/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Config holds the polling configuration of the collector.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig is the polling configuration used for unset values.
var DefaultConfig = Config{
	Interval: 60 * time.Second,
	Timeout:  5 * time.Second,
}

// maxReadingBytes bounds the size of a node response.
const maxReadingBytes = 1 << 16

type recorder interface {
	Record(ctx context.Context, r models.Reading) (models.Sample, error)
}

// Provider returns the nodes to poll. It is read at every sweep.
type Provider interface {
	Entries() []models.RosterEntry
}

// watcher is a Provider which can signal roster changes.
type watcher interface {
	Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error)
}

// Static is a fixed roster.
type Static []models.RosterEntry

// Entries returns the roster.
func (s Static) Entries() []models.RosterEntry {
	return s
}

// Collector sweeps the roster at a fixed interval.
type Collector struct {
	roster Provider
	store  recorder
	client *http.Client
	cfg    Config
	log    *slog.Logger

	ticks        prometheus.Counter
	pollFailures *prometheus.CounterVec
	stored       prometheus.Counter
}

type options struct {
	client *http.Client
	log    *slog.Logger
}

// Options represents an optional function to override Collector default values.
type Options func(*options)

// DefaultRoster returns the cluster nodes polled by default. selfURL is the metrics URL of this node.
func DefaultRoster(selfURL string) []models.RosterEntry {
	return []models.RosterEntry{
		{Name: "c01", URL: "http://c01:7000/metrics"},
		{Name: "c02", URL: "http://c02:8080/metrics/metrics"},
		{Name: "c03", URL: "http://c03:8080/c03/metrics"},
		{Name: "c04", URL: "http://c04:8080/c04-rmi/metrics"},
		{Name: "c05", URL: "http://c05:8080/c05-rmi/metrics"},
		{Name: "c06", URL: selfURL},
	}
}

// New creates a collector polling the nodes of roster and recording the readings into store.
// Its metrics are registered on reg.
func New(roster Provider, store recorder, cfg Config, reg prometheus.Registerer, args ...Options) (*Collector, error) {
	if roster == nil {
		return nil, errors.New("no roster provided")
	}
	if store == nil {
		return nil, errors.New("no sample store provided")
	}

	opts := options{
		client: &http.Client{},
		log:    slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}

	c := &Collector{
		roster: roster,
		store:  store,
		client: opts.client,
		cfg:    cfg,
		log:    opts.log,

		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_ticks_total",
			Help: "Number of roster sweeps performed by the collector.",
		}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_poll_failures_total",
			Help: "Number of failed node polls.",
		}, []string{"node"}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_samples_stored_total",
			Help: "Number of samples stored by the collector.",
		}),
	}

	for _, m := range []prometheus.Collector{c.ticks, c.pollFailures, c.stored} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register collector metrics: %v", err)
		}
	}

	return c, nil
}

// Run sweeps the roster once immediately, then at every interval.
//
// Sweeps never overlap: ticks elapsing while a sweep is in progress are dropped.
// If the roster can be watched, a change triggers a sweep right away.
// This is blocking until the context is canceled, and returns the context error
// unless watching the roster failed.
func (c *Collector) Run(ctx context.Context) error {
	var (
		changes  <-chan struct{}
		watchErr <-chan error
	)
	if w, ok := c.roster.(watcher); ok {
		var err error
		if changes, watchErr, err = w.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch roster: %v", err)
		}
	}

	c.log.Info("Collector started", "nodes", len(c.roster.Entries()), "interval", c.cfg.Interval)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Collector stopped")
			return ctx.Err()
		default:
		}

		c.Tick(ctx)

		if err := c.waitNextSweep(ctx, ticker.C, &changes, &watchErr); err != nil {
			return err
		}
	}
}

// waitNextSweep blocks until the next tick or roster change. Closed channels are disabled.
func (c *Collector) waitNextSweep(ctx context.Context, tick <-chan time.Time, changes *<-chan struct{}, watchErr *<-chan error) error {
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Collector stopped")
			return ctx.Err()
		case <-tick:
			return nil
		case _, ok := <-*changes:
			if !ok {
				*changes = nil
				continue
			}
			c.log.Info("Roster changed, sweeping now")
			return nil
		case err, ok := <-*watchErr:
			if !ok {
				*watchErr = nil
				continue
			}
			return fmt.Errorf("roster watcher failed: %v", err)
		}
	}
}

// Tick polls every roster node concurrently, waits for all of them, then stores the successful readings.
func (c *Collector) Tick(ctx context.Context) {
	c.ticks.Inc()

	var (
		mu       sync.Mutex
		readings []models.Reading
	)

	roster := c.roster.Entries()
	var g errgroup.Group
	for _, n := range roster {
		g.Go(func() error {
			r, err := c.poll(ctx, n)
			if err != nil {
				c.pollFailures.WithLabelValues(n.Name).Inc()
				c.log.Warn("Failed to poll node", "node", n.Name, "url", n.URL, "err", err)
				return nil
			}
			mu.Lock()
			readings = append(readings, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var stored int
	for _, r := range readings {
		if _, err := c.store.Record(ctx, r); err != nil {
			c.log.Error("Failed to store sample", "node", r.Node, "err", err)
			continue
		}
		stored++
	}
	c.stored.Add(float64(stored))

	c.log.Info("Collected from all nodes",
		"fetched", len(readings),
		"stored", stored,
		"failed", len(roster)-len(readings))
}

func (c *Collector) poll(ctx context.Context, n models.RosterEntry) (models.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.URL, nil)
	if err != nil {
		return models.Reading{}, fmt.Errorf("invalid node URL: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.Reading{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Reading{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadingBytes))
	if err != nil {
		return models.Reading{}, fmt.Errorf("failed to read response: %v", err)
	}

	return models.ParseReading(body)
}
