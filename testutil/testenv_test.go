package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("DAVBRIDGE_TEST_FROM_FILE", "")
	t.Setenv("DAVBRIDGE_TEST_PRESET", "kept")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(`# comment
DAVBRIDGE_TEST_FROM_FILE = "quoted value"
DAVBRIDGE_TEST_PRESET=overwritten
not a pair
`), 0o600))

	LoadDotEnv(path)

	assert.Equal(t, "quoted value", os.Getenv("DAVBRIDGE_TEST_FROM_FILE"))
	assert.Equal(t, "kept", os.Getenv("DAVBRIDGE_TEST_PRESET"))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	LoadDotEnv(filepath.Join(t.TempDir(), "absent"))
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()

	path := WriteConfig(dir, "https://dav.example.com/e2e/", "basic", "alice")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `[account.e2e]`)
	assert.Contains(t, string(data), `url = "https://dav.example.com/e2e/"`)
	assert.Contains(t, string(data), `auth = "basic"`)
	assert.Contains(t, string(data), `username = "alice"`)
	assert.Contains(t, string(data), filepath.Join(dir, "cache"))
}
