// factory.go implements the storage backend registry, mapping backend names
// (local, s3, azure, gcs, memory, sandbox) to constructor functions.
package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/imageattach/imageattach/internal/config"
)

// FactoryFunc builds a backend from the application configuration.
type FactoryFunc func(*config.Config) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Names lists the registered backend names in sorted order.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend creates the configured default backend, instrumented with metrics.
func NewBackend(cfg *config.Config) (Backend, error) {
	return NewNamedBackend(cfg, cfg.Storage.DefaultBackend)
}

// NewNamedBackend creates the backend registered under name. The sandbox and
// the relocate command use it to build backends other than the default.
func NewNamedBackend(cfg *config.Config, name string) (Backend, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %s)", name, strings.Join(Names(), ", "))
	}

	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage backend: %w", name, err)
	}
	return Instrument(name, b), nil
}
