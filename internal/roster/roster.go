// Package roster provides a manager that loads and watches the file listing the nodes to poll.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dadlab/nodedb/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/decorate"
	"gopkg.in/yaml.v3"
)

// file is the on-disk roster format. JSON documents are accepted as well.
type file struct {
	Nodes []node `yaml:"nodes"`
}

type node struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Manager holds the last valid roster read from its file.
type Manager struct {
	entries []models.RosterEntry
	lock    sync.RWMutex
	path    string

	log *slog.Logger
}

type options struct {
	logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a roster manager reading path. Nothing is read until Load or Watch is called.
func New(path string, args ...Options) *Manager {
	opts := options{
		logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		path: filepath.Clean(path),
		log:  opts.logger,
	}
}

// Load reads and validates the roster file. On error, the previous roster is kept.
func (m *Manager) Load() (err error) {
	defer decorate.OnError(&err, "could not load roster %s", m.path)

	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	entries, err := validate(f.Nodes)
	if err != nil {
		return err
	}

	m.lock.Lock()
	m.entries = entries
	m.lock.Unlock()

	m.log.Info("Roster loaded", "path", m.path, "nodes", len(entries))
	return nil
}

func validate(nodes []node) ([]models.RosterEntry, error) {
	if len(nodes) == 0 {
		return nil, errors.New("no nodes")
	}

	entries := make([]models.RosterEntry, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if _, dup := seen[n.Name]; dup {
			return nil, fmt.Errorf("node %q is listed twice", n.Name)
		}
		seen[n.Name] = struct{}{}

		u, err := url.Parse(n.URL)
		if err != nil {
			return nil, fmt.Errorf("node %q: %v", n.Name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("node %q: URL %q is not an absolute http(s) URL", n.Name, n.URL)
		}
		entries = append(entries, models.RosterEntry{Name: n.Name, URL: n.URL})
	}
	return entries, nil
}

// Entries returns a copy of the current roster.
func (m *Manager) Entries() []models.RosterEntry {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return slices.Clone(m.entries)
}

// Watch starts watching the roster file for changes until ctx is done.
//
// It returns two channels: one signaled after each change resulting in a successful load and another
// for unrecoverable watcher errors. Both are closed when watching stops.
func (m *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	// Watch the directory so that atomic replacements of the file are seen.
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", dir, err)
	}

	m.log.Info("Watching roster directory", "dir", dir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	if err := m.Load(); err != nil {
		m.log.Warn("Error loading initial roster", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				m.log.Info("Roster watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != m.path {
					continue
				}

				m.log.Debug("Roster file changed. Reloading...")
				if err := m.Load(); err != nil {
					m.log.Warn("Error reloading roster, keeping the previous one", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				m.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}
