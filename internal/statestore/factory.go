package statestore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

type Factory func(dsn string, opts FactoryOptions) (Store, error)

// FactoryOptions carries the channel settings that only some backends use.
type FactoryOptions struct {
	Timeout    time.Duration
	MaxRetries int
}

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes BuildFromDSN route the given scheme to factory. A
// registered scheme takes precedence over the built-in backends.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func BuildFromDSN(dsn string, opts FactoryOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "http", "https":
		return NewSidecarStore(SidecarOptions{
			BaseURL:    dsn,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
		}), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStore(), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "redis", "rediss":
		return NewRedisStore(dsn)
	case "grpc", "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	// file://relative/dir/state.json parses "relative" as the host.
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
