package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// OpenOptions are the connection settings handed to a backend.
type OpenOptions struct {
	DSN          string // postgres URL or sqlite file path
	MaxOpenConns int
	MaxIdleConns int
}

// Opener opens a store of one backend.
type Opener func(ctx context.Context, opts OpenOptions) (Store, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// RegisterBackend registers a store constructor under a name.
// This is called from the init function of the backend packages to avoid import cycles.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens a store of the named backend.
func Open(ctx context.Context, backend string, opts OpenOptions) (Store, error) {
	backendsMu.RLock()
	open, ok := backends[backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store backend %q not registered (available: %v)", backend, Backends())
	}
	store, err := open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", backend, err)
	}
	return store, nil
}

// IsRegistered reports whether a backend name is known.
func IsRegistered(backend string) bool {
	return slices.Contains(Backends(), backend)
}
