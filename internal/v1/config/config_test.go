package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.Empty(t, Default().Validate())
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":9001},"rooms":{"code_length":8}}`), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Rooms.CodeLength)
	// Untouched keys keep defaults.
	assert.Equal(t, 10, cfg.WebSocket.AuthTimeoutSecs)
}

func TestLoad_ExplicitPathMissingIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"), nil)
	assert.Error(t, err)
}

func TestLoad_Stdin(t *testing.T) {
	cfg, err := Load("", strings.NewReader(`{"server":{"port":7000}}`))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoad_InlineEnvBeatsStdin(t *testing.T) {
	t.Setenv(InlineConfigEnv, `{"server":{"port":7100}}`)

	cfg, err := Load("", strings.NewReader(`{"server":{"port":7000}}`))
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	environ := []string{
		"SIGNAL_FISH__SERVER__PORT=9999",
		"SIGNAL_FISH__SERVER__DEVELOPMENT_MODE=true",
		"SIGNAL_FISH__SERVER__ALLOWED_ORIGINS=https://a.example,https://b.example",
		"SIGNAL_FISH__ROOMS__CODE_REGION_PREFIX=eu",
		"UNRELATED=1",
	}

	require.NoError(t, applyEnvOverrides(cfg, environ))
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.True(t, cfg.Server.DevelopmentMode)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "eu", cfg.Rooms.CodeRegionPrefix)
}

func TestParseEnvValue(t *testing.T) {
	assert.Equal(t, float64(42), parseEnvValue("42"))
	assert.Equal(t, true, parseEnvValue("true"))
	assert.Equal(t, "plain", parseEnvValue("plain"))
	assert.Equal(t, []any{"a", "b"}, parseEnvValue("a,b"))
	assert.Equal(t, []any{float64(1), float64(2)}, parseEnvValue("1, 2"))
}

func TestValidate_TLSPaths(t *testing.T) {
	cfg := Default()
	cfg.Server.TLSEnabled = true

	errs := cfg.Validate()
	assert.Len(t, errs, 2)
	assert.Contains(t, errs[0], "tls_cert_path")
}

func TestValidate_AuthTimeoutRange(t *testing.T) {
	cfg := Default()
	cfg.WebSocket.AuthTimeoutSecs = 3
	assert.NotEmpty(t, cfg.Validate())

	cfg.WebSocket.AuthTimeoutSecs = 61
	assert.NotEmpty(t, cfg.Validate())

	cfg.WebSocket.AuthTimeoutSecs = 60
	assert.Empty(t, cfg.Validate())
}

func TestValidate_MetricsToken(t *testing.T) {
	cfg := Default()
	cfg.Metrics.RequireAuth = true
	assert.NotEmpty(t, cfg.Validate())

	cfg.Metrics.BearerToken = "secret-token"
	assert.Empty(t, cfg.Validate())
}

func TestValidate_AppRegistry(t *testing.T) {
	cfg := Default()
	cfg.Auth.Enabled = true
	cfg.Auth.Apps = []AppConfig{
		{ID: "app1", Secret: "s1"},
		{ID: "app1", Secret: "s2"},
		{ID: "", Secret: "s3"},
		{ID: "app2"},
	}

	errs := cfg.Validate()
	joined := strings.Join(errs, "\n")
	assert.Contains(t, joined, "duplicate id app1")
	assert.Contains(t, joined, "cannot be empty")
	assert.Contains(t, joined, "has no secret")
}

func TestValidate_Redis(t *testing.T) {
	cfg := Default()
	cfg.Redis.Enabled = true
	assert.NotEmpty(t, cfg.Validate())

	cfg.Redis.Addr = "localhost:6379"
	assert.Empty(t, cfg.Validate())
}
