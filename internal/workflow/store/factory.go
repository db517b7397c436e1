// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
	"path/filepath"
)

// Open creates a ContextStore for the configured backend and wraps it with
// metrics instrumentation. For "redis" the address is a redis:// URL or
// host:port, for "sqlite" and "badger" it is a filesystem path. "memory" is
// for tests and single-process runs and ignores the address.
func Open(ctx context.Context, backend, address string) (ContextStore, error) {
	if backend == "" {
		backend = "redis"
	}
	switch backend {
	case "redis":
		s, err := NewRedisStore(ctx, address)
		if err != nil {
			return nil, err
		}
		return NewInstrumentedStore(s, "redis"), nil
	case "sqlite":
		if address == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
		s, err := NewSQLiteStore(filepath.Clean(address))
		if err != nil {
			return nil, err
		}
		return NewInstrumentedStore(s, "sqlite"), nil
	case "badger":
		if address == "" {
			return nil, fmt.Errorf("badger backend requires a database directory")
		}
		s, err := NewBadgerStore(filepath.Clean(address))
		if err != nil {
			return nil, err
		}
		return NewInstrumentedStore(s, "badger"), nil
	case "memory":
		return NewInstrumentedStore(NewMemoryStore(), "memory"), nil
	default:
		return nil, fmt.Errorf("unknown context store backend: %s (supported: redis, sqlite, badger, memory)", backend)
	}
}
