package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Catalog is an immutable snapshot of the loaded agents and rule table.
type Catalog struct {
	agents   map[string]*Agent
	manifest *Manifest
}

// Agents returns the catalog entries sorted by ID.
func (c *Catalog) Agents() []*Agent {
	out := make([]*Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the agent with the given ID.
func (c *Catalog) Get(id string) (*Agent, error) {
	a, ok := c.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// RequiredTier exposes the manifest rule table.
func (c *Catalog) RequiredTier(op OperationKind) CapabilityTier {
	return c.manifest.RequiredTier(op)
}

// Registry loads the agent catalog from a directory containing
// agents.yaml plus Markdown descriptor files, and optionally watches the
// directory for changes. Catalog entries are immutable; a reload swaps
// the whole snapshot atomically.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	catalog *Catalog
}

// ManifestFileName is the expected manifest file inside the agents dir.
const ManifestFileName = "agents.yaml"

// NewRegistry loads the catalog from dir.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("agents directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{dir: dir, logger: logger}
	catalog, err := loadCatalog(dir)
	if err != nil {
		return nil, err
	}
	r.catalog = catalog

	logger.Info("agent catalog loaded",
		zap.String("dir", dir),
		zap.Int("agents", len(catalog.agents)),
		zap.Int("rules", len(catalog.manifest.SelectionRules)),
	)
	return r, nil
}

// Catalog returns the current immutable snapshot.
func (r *Registry) Catalog() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// Reload re-reads the directory and swaps the snapshot. A load failure
// leaves the previous catalog in place.
func (r *Registry) Reload() error {
	catalog, err := loadCatalog(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.catalog = catalog
	r.mu.Unlock()
	r.logger.Info("agent catalog reloaded", zap.Int("agents", len(catalog.agents)))
	return nil
}

// Watch reloads the catalog when descriptor files change. Blocks until
// the context is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isCatalogFile(ev.Name) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("agent catalog reload failed, keeping previous",
					zap.String("trigger", ev.Name),
					zap.Error(err),
				)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("agent watcher error", zap.Error(err))
		}
	}
}

func isCatalogFile(path string) bool {
	base := filepath.Base(path)
	return base == ManifestFileName || strings.HasSuffix(base, ".md")
}

// loadCatalog reads the manifest and every descriptor in dir.
func loadCatalog(dir string) (*Catalog, error) {
	manifest, err := LoadManifest(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}

	agents := make(map[string]*Agent)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read descriptor %s: %w", entry.Name(), err)
		}
		a, err := ParseDescriptor(content)
		if err != nil {
			return nil, fmt.Errorf("descriptor %s: %w", entry.Name(), err)
		}
		if _, exists := agents[a.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
		}
		agents[a.ID] = a
	}

	// Inline manifest entries win over descriptor files.
	for i := range manifest.Agents {
		a := manifest.Agents[i]
		agents[a.ID] = &a
	}

	return &Catalog{agents: agents, manifest: manifest}, nil
}
