package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lsphub/internal/lsp"
)

const sampleConfig = `
log_level = "debug"
workspace = "/tmp/project"
watch_files = true
watch_debounce = "100ms"

[[servers]]
name = "gopls"
command = "gopls"
args = ["serve"]
languages = ["go"]
role = "primary"
request_timeout = "10s"
startup_timeout = "20s"
degrade_threshold = 4

[servers.restart]
max_restarts = 3
initial_backoff = "500ms"

[[servers]]
name = "lint"
command = "golangci-lint-langserver"
languages = ["go"]
role = "analyzer"

[servers.initialization_options]
strict = true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/project", cfg.Workspace)
	assert.True(t, cfg.WatchFiles)
	assert.Equal(t, 100*time.Millisecond, cfg.WatchDebounce.Std())
	require.Len(t, cfg.Servers, 2)

	gopls := cfg.Servers[0]
	assert.Equal(t, "gopls", gopls.Name)
	assert.Equal(t, []string{"serve"}, gopls.Args)
	assert.Equal(t, 10*time.Second, gopls.RequestTimeout.Std())
	assert.Equal(t, 3, gopls.Restart.MaxRestarts)
	assert.Equal(t, 500*time.Millisecond, gopls.Restart.InitialBackoff.Std())

	lint := cfg.Servers[1]
	assert.Equal(t, "analyzer", lint.Role)
	assert.Equal(t, map[string]any{"strict": true}, lint.InitializationOptions)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[[servers]]
name = "gopls"
command = "gopls"
languages = ["go"]
role = "primary"
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.WatchDebounce.Std())
	assert.False(t, cfg.WatchFiles)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		toml    string
		wantErr error
	}{
		{
			name:    "no servers",
			toml:    `log_level = "info"`,
			wantErr: ErrNoServers,
		},
		{
			name: "duplicate names",
			toml: `
[[servers]]
name = "a"
command = "x"
languages = ["go"]
role = "primary"
[[servers]]
name = "a"
command = "y"
languages = ["go"]
role = "analyzer"
`,
			wantErr: ErrDuplicateName,
		},
		{
			name: "empty command",
			toml: `
[[servers]]
name = "a"
languages = ["go"]
role = "primary"
`,
			wantErr: ErrEmptyCommand,
		},
		{
			name: "unknown role",
			toml: `
[[servers]]
name = "a"
command = "x"
languages = ["go"]
role = "observer"
`,
			wantErr: ErrUnknownRole,
		},
		{
			name: "no languages",
			toml: `
[[servers]]
name = "a"
command = "x"
role = "primary"
`,
			wantErr: ErrNoLanguages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte(`
[[servers]]
name = "a"
command = "x"
languages = ["go"]
role = "primary"
request_timeout = "forever"
`))
	assert.Error(t, err)
}

func TestServerConfigs(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	configs := cfg.ServerConfigs()
	require.Len(t, configs, 2)

	gopls := configs[0]
	assert.Equal(t, lsp.RolePrimary, gopls.Role)
	assert.Equal(t, 10*time.Second, gopls.RequestTimeout)
	assert.Equal(t, 4, gopls.DegradeThreshold)

	// Partial restart settings merge over defaults.
	assert.Equal(t, 3, gopls.Restart.MaxRestarts)
	assert.Equal(t, 500*time.Millisecond, gopls.Restart.InitialBackoff)
	assert.Equal(t, lsp.DefaultRestartPolicy().MaxBackoff, gopls.Restart.MaxBackoff)

	lint := configs[1]
	assert.Equal(t, lsp.RoleAnalyzer, lint.Role)
	assert.NotNil(t, lint.InitializationOptions)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Servers, 2)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
