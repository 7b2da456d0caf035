package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultAccount = "home"
	cfg.UserAgent = "ua/1"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(&Resolved{Config: cfg, Path: "/etc/davbridge.toml"}, &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/davbridge.toml")
	assert.Contains(t, out, `log_level           = "info"`)
	assert.Contains(t, out, `user_agent          = "ua/1"`)
	assert.Contains(t, out, "[account.home]")
	assert.Contains(t, out, "# default account")
	assert.Contains(t, out, `auth                = "digest"`)
	assert.Contains(t, out, redacted)
	assert.NotContains(t, out, `"pw"`)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRenderEffective_WriteError(t *testing.T) {
	err := RenderEffective(&Resolved{Config: validConfig()}, failWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
