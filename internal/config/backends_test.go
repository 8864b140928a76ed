package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBackends = `
backends:
  - name: flash
    kind: gemini
    model: gemini-1.5-flash
    api_key_env: GEMINI_API_KEY
    priority: 20
    timeout: 30s
  - name: pro
    kind: gemini
    model: gemini-1.5-pro-latest
    api_key_env: GEMINI_API_KEY
    priority: 10
    timeout: 45s
  - name: offline
    kind: static
    priority: 20
`

func TestParseBackendsSortsByPriority(t *testing.T) {
	backends, err := ParseBackends([]byte(sampleBackends))
	require.NoError(t, err)
	require.Len(t, backends, 3)

	assert.Equal(t, "pro", backends[0].Name)
	assert.Equal(t, 45*time.Second, backends[0].Timeout)
	// Equal priorities keep file order.
	assert.Equal(t, "flash", backends[1].Name)
	assert.Equal(t, "offline", backends[2].Name)
}

func TestParseBackendsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":         "backends: []",
		"unknown kind":  "backends:\n  - name: a\n    kind: carrier-pigeon\n",
		"missing model": "backends:\n  - name: a\n    kind: openai\n",
		"duplicate":     "backends:\n  - name: a\n    kind: static\n  - name: a\n    kind: static\n",
		"unknown field": "backends:\n  - name: a\n    kind: static\n    colour: red\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBackends([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := ParseBackends([]byte("backends: []"))
	assert.True(t, errors.Is(err, ErrNoBackends))
}

func TestDefaultBackendsAreValid(t *testing.T) {
	require.NoError(t, ValidateBackends(DefaultBackends()))
}

func TestBackendsWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backends:\n  - name: a\n    kind: static\n"), 0o600))

	var mu sync.Mutex
	var applied [][]BackendConfig
	w := NewBackendsWatcher(path, func(b []BackendConfig) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, b)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is ignored.
	require.NoError(t, os.WriteFile(path, []byte("backends: []\n"), 0o600))
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("backends:\n  - name: b\n    kind: static\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, list := range applied {
			if len(list) == 1 && list[0].Name == "b" {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, list := range applied {
		assert.NotEmpty(t, list, "invalid files must never reach onChange")
	}
}
