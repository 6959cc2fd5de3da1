package driftwatch

import (
	"fmt"
	"strings"
	"sync"
)

type BaseStoreFactory func(dsn string, logger Logger) (BaseStateSource, error)

var baseStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BaseStoreFactory
}{
	factories: map[string]BaseStoreFactory{},
}

func RegisterBaseStoreFactory(scheme string, factory BaseStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	baseStoreRegistry.mu.Lock()
	defer baseStoreRegistry.mu.Unlock()
	baseStoreRegistry.factories[scheme] = factory
}

func lookupBaseStoreFactory(scheme string) (BaseStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	baseStoreRegistry.mu.RLock()
	defer baseStoreRegistry.mu.RUnlock()
	factory, ok := baseStoreRegistry.factories[scheme]
	return factory, ok
}

// BuildBaseStoreFromDSN resolves a base-state source from a DSN. Supported
// out of the box: postgres://, postgresql://, memory://. Additional schemes
// can be registered with RegisterBaseStoreFactory.
func BuildBaseStoreFromDSN(dsn string, logger Logger) (BaseStateSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme := dsn
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		scheme = dsn[:idx]
	}
	scheme = normalizeStoreScheme(scheme)
	switch scheme {
	case "postgres", "postgresql":
		return NewPostgresBaseStore(dsn, logger)
	case "memory", "inmemory":
		return NewMemoryBaseStore(), nil
	}
	if factory, ok := lookupBaseStoreFactory(scheme); ok {
		return factory(dsn, logger)
	}
	return nil, fmt.Errorf("unsupported base store dsn scheme: %s", scheme)
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
