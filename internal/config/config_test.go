package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(lookupMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFromEnv(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg Config)
		wantErr string
	}{
		{
			name: "overrides",
			env: map[string]string{
				"PACKSTATION_ADDR":            ":9090",
				"PACKSTATION_DATABASE_URL":    "postgres://wms@db/wms",
				"PACKSTATION_POLL_INTERVAL":   "500ms",
				"PACKSTATION_VIEW_MODE":       "push",
				"PACKSTATION_REQUEST_TIMEOUT": "3s",
				"PACKSTATION_LOG_FORMAT":      "console",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, ":9090", cfg.Addr)
				assert.Equal(t, "postgres://wms@db/wms", cfg.DatabaseURL)
				assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
				assert.Equal(t, ViewModePush, cfg.ViewMode)
				assert.Equal(t, 3*time.Second, cfg.Timeout)
				assert.Equal(t, "console", cfg.LogFormat)
			},
		},
		{name: "bad duration", env: map[string]string{"PACKSTATION_POLL_INTERVAL": "soon"}, wantErr: "PACKSTATION_POLL_INTERVAL"},
		{name: "negative duration", env: map[string]string{"PACKSTATION_REQUEST_TIMEOUT": "-1s"}, wantErr: "must be positive"},
		{name: "bad view mode", env: map[string]string{"PACKSTATION_VIEW_MODE": "carrier-pigeon"}, wantErr: "PACKSTATION_VIEW_MODE"},
		{name: "bad log format", env: map[string]string{"PACKSTATION_LOG_FORMAT": "xml"}, wantErr: "PACKSTATION_LOG_FORMAT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := FromEnv(lookupMap(tc.env))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PACKSTATION_API_URL=http://wms.internal:8080\n"), 0o600))
	t.Chdir(dir)
	// godotenv never overrides a variable that is already set.
	t.Setenv("PACKSTATION_ADDR", ":7070")
	t.Setenv("PACKSTATION_API_URL", "")
	require.NoError(t, os.Unsetenv("PACKSTATION_API_URL"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://wms.internal:8080", cfg.APIURL)
	assert.Equal(t, ":7070", cfg.Addr)
}
