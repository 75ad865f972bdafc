package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, Bool(ctx, s, FileReadJailed))

	require.NoError(t, s.Set(ctx, FileReadJailed, "true"))
	v, ok, err := s.Get(ctx, FileReadJailed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)
	assert.True(t, Bool(ctx, s, FileReadJailed))

	require.NoError(t, s.Set(ctx, FileReadJailed, "false"))
	assert.False(t, Bool(ctx, s, FileReadJailed))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, FileReadJailed)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(nil))
}

func TestMemoryStore_Seeded(t *testing.T) {
	s := NewMemoryStore(map[string]string{FileReadJailed: " TRUE "})
	assert.True(t, Bool(context.Background(), s, FileReadJailed))
}

func TestBool_NilStore(t *testing.T) {
	assert.False(t, Bool(context.Background(), nil, FileReadJailed))
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)

	// A fresh store sees the persisted value.
	again, err := NewFileStore(path)
	require.NoError(t, err)
	v, ok, err := again.Get(context.Background(), FileReadJailed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", v)
}

func TestFileStore_NonStringValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fileread_jailed: true\nport: 8080\n"), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	assert.True(t, Bool(context.Background(), s, FileReadJailed))
	v, _, _ := s.Get(context.Background(), "port")
	assert.Equal(t, "8080", v)
}

func TestFileStore_BadYAML(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unterminated flow sequence", "a: [1, 2"},
		{"tab indentation", "a:\n\tb: 1\n"},
		{"top-level sequence", "- a\n- b\n"},
		{"top-level scalar", "just a string\n"},
		{"nested mapping", "a:\n  b: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := NewFileStore(path)
			assert.Error(t, err)
		})
	}
}

func TestFileStore_EmptyAndNull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	s, err := NewFileStore(path)
	require.NoError(t, err)
	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, os.WriteFile(path, []byte("fileread_jailed: ~\n"), 0o600))
	s, err = NewFileStore(path)
	require.NoError(t, err)
	v, ok, err := s.Get(context.Background(), FileReadJailed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestOpen(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open("file:" + filepath.Join(t.TempDir(), "s.yaml"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open("etcd://x")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	key := "popnet:test:" + t.Name()
	t.Cleanup(func() {
		client.Del(context.Background(), key)
		client.Close()
	})
	exerciseStore(t, NewRedisStoreFromClient(client, key))
}
