// Package settings is the key/value store consulted by sessions at
// operation time, e.g. the "fileread_jailed" flag read by file mode.
package settings

import (
	"context"
	"fmt"
	"strings"
)

// FileReadJailed is the key controlling whether outbound file sends are
// confined to the working jail.
const FileReadJailed = "fileread_jailed"

// Store reads and writes string settings.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Keys lists the stored keys in no particular order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Bool reads key from s and reports whether it equals "true".  Missing
// keys and lookup failures read as false.
func Bool(ctx context.Context, s Store, key string) bool {
	if s == nil {
		return false
	}
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// Open builds a Store from a backend spec:
//
//	memory             in-process map
//	file:<path>        YAML file
//	redis://host:port  Redis hash (see [NewRedisStore])
func Open(spec string) (Store, error) {
	switch {
	case spec == "" || spec == "memory":
		return NewMemoryStore(nil), nil
	case strings.HasPrefix(spec, "file:"):
		return NewFileStore(strings.TrimPrefix(spec, "file:"))
	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		return NewRedisStore(spec, "")
	default:
		return nil, fmt.Errorf("settings: unknown backend %q", spec)
	}
}
