package metastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/avfoundry/tams/pkg/async"
	"github.com/avfoundry/tams/pkg/observability"
)

// endpointSpec is one entry in the endpoints file.
type endpointSpec struct {
	Addr     string `yaml:"addr"`
	DSN      string `yaml:"dsn"`
	Driver   string `yaml:"driver"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// endpointsFile is the on-disk shape of the endpoint set.
type endpointsFile struct {
	Endpoints []endpointSpec `yaml:"endpoints"`
}

// EndpointWatcher keeps an EndpointPool reconciled against a YAML file
// listing the desired endpoints. The initial load is strict; later
// reloads triggered by file events log their errors and leave the
// current set serving, so a malformed edit cannot take the store
// offline. An endpoint's addr is its identity: surviving addrs keep
// their connection and their health accounting.
type EndpointWatcher struct {
	path   string
	pool   *EndpointPool
	logger *observability.Logger

	// Open builds an endpoint from one spec. Tests replace it to avoid
	// real database connections.
	Open func(ctx context.Context, cfg SQLEndpointConfig) (Endpoint, error)

	watcher *fsnotify.Watcher
}

// NewEndpointWatcher creates a watcher for the given endpoints file.
func NewEndpointWatcher(path string, pool *EndpointPool, logger *observability.Logger) (*EndpointWatcher, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &EndpointWatcher{
		path:   path,
		pool:   pool,
		logger: logger.WithComponent("endpoint-watcher"),
		Open: func(ctx context.Context, cfg SQLEndpointConfig) (Endpoint, error) {
			return NewSQLEndpoint(ctx, cfg)
		},
	}, nil
}

// Start performs the initial load and begins watching for changes. The
// watch loop stops when ctx is cancelled.
func (w *EndpointWatcher) Start(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return fmt.Errorf("initial endpoints load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	// Watch the directory, not the file: editors and config pushers
	// replace the file by rename, which unregisters a file-level watch.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	go w.loop(ctx)
	w.logger.WithField("path", w.path).Info("Watching endpoints file")
	return nil
}

func (w *EndpointWatcher) loop(ctx context.Context) {
	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("event", event.Op.String()).Debug("Endpoints file changed")
			async.SafeGo(ctx, 30*time.Second, "endpoints reload", func(ctx context.Context) error {
				if err := w.Reload(ctx); err != nil {
					w.logger.WithError(err).Error("Endpoints reload failed, keeping current set")
				}
				return nil
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

// Reload parses the endpoints file and reconciles the pool against it.
func (w *EndpointWatcher) Reload(ctx context.Context) error {
	specs, err := readEndpointSpecs(w.path)
	if err != nil {
		return err
	}

	endpoints := make([]Endpoint, 0, len(specs))
	for _, spec := range specs {
		// Surviving endpoints keep their live connection.
		if ep, ok := w.pool.Endpoint(spec.Addr); ok {
			endpoints = append(endpoints, ep)
			continue
		}

		ep, err := w.Open(ctx, spec.config())
		if err != nil {
			// Close what this reload already opened; the pool never saw
			// any of it.
			for _, opened := range endpoints {
				if _, ok := w.pool.Endpoint(opened.Addr()); !ok {
					opened.Close()
				}
			}
			return fmt.Errorf("failed to open endpoint %s: %w", spec.Addr, err)
		}
		endpoints = append(endpoints, ep)
	}

	w.pool.SetEndpoints(endpoints)
	return nil
}

// OpenEndpointsFile opens every endpoint listed in the YAML file at
// path. It seeds the pool at startup; an EndpointWatcher reconciles
// later edits.
func OpenEndpointsFile(ctx context.Context, path string) ([]Endpoint, error) {
	specs, err := readEndpointSpecs(path)
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(specs))
	for _, spec := range specs {
		ep, err := NewSQLEndpoint(ctx, spec.config())
		if err != nil {
			for _, opened := range endpoints {
				opened.Close()
			}
			return nil, fmt.Errorf("failed to open endpoint %s: %w", spec.Addr, err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func (s endpointSpec) config() SQLEndpointConfig {
	return SQLEndpointConfig{
		Addr:     s.Addr,
		DSN:      s.DSN,
		Driver:   Dialect(s.Driver),
		MaxConns: s.MaxConns,
		MinConns: s.MinConns,
	}
}

// readEndpointSpecs parses and validates the endpoints file.
func readEndpointSpecs(path string) ([]endpointSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file endpointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(file.Endpoints) == 0 {
		return nil, fmt.Errorf("%s lists no endpoints", path)
	}

	seen := make(map[string]bool, len(file.Endpoints))
	for _, spec := range file.Endpoints {
		if spec.Addr == "" {
			return nil, fmt.Errorf("%s: endpoint with empty addr", path)
		}
		if seen[spec.Addr] {
			return nil, fmt.Errorf("%s: duplicate endpoint addr %s", path, spec.Addr)
		}
		seen[spec.Addr] = true
	}
	return file.Endpoints, nil
}

// Close stops the file watcher. The pool and its endpoints stay up.
func (w *EndpointWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
