package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Vanguard "+Version)
}

func TestBackendsCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`backends:
  - name: fallback
    kind: static
    priority: 50
  - name: primary
    kind: openai
    model: gpt-4o-mini
    api_key_env: VANGUARD_TEST_OPENAI_KEY
    priority: 10
    timeout: 20s
`), 0o600))
	t.Setenv("VANGUARD_TEST_OPENAI_KEY", "")

	out, err := execute(t, "backends", "check", path)
	require.NoError(t, err)
	primary := bytes.Index([]byte(out), []byte("primary"))
	fallback := bytes.Index([]byte(out), []byte("fallback"))
	require.NotEqual(t, -1, primary)
	assert.Less(t, primary, fallback, "lower priority value dispatches first")
	assert.Contains(t, out, "VANGUARD_TEST_OPENAI_KEY (missing)")

	require.NoError(t, os.WriteFile(path, []byte("backends: []\n"), 0o600))
	_, err = execute(t, "backends", "check", path)
	assert.Error(t, err)
}

func TestTierSetAndGet(t *testing.T) {
	t.Setenv("VANGUARD_ADMIN_KEY", "admin")
	t.Setenv("VANGUARD_STORE", "sqlite")
	t.Setenv("VANGUARD_DATA_DIR", t.TempDir())

	out, err := execute(t, "tier", "set", "alice", "premium")
	require.NoError(t, err)
	assert.Contains(t, out, "alice is now")

	out, err = execute(t, "tier", "get", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, `"tier": "premium"`)
	assert.Contains(t, out, `"source": "admin"`)

	_, err = execute(t, "tier", "set", "alice", "platinum")
	assert.Error(t, err)
}
