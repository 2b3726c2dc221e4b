package chainlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainlog.yaml")
	yaml := `
dir: /var/log/app
log_file: events.jsonl
backend: sqlite
file_lock: true
server:
  addr: 127.0.0.1:9090
  password_hash: "$2a$10$abc"
  token_ttl: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.DSN)
	assert.Empty(t, cfg.SecretFile)
	cfg.setDefaults()

	assert.Equal(t, "/var/log/app", cfg.Dir)
	assert.Equal(t, "events.jsonl", cfg.LogFile)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.True(t, cfg.FileLock)
	assert.Equal(t, filepath.Join("/var/log/app", DefaultSQLiteFile), cfg.DSN)
	assert.Equal(t, DefaultSecretFile, cfg.SecretFile)
	assert.Equal(t, DefaultSecretEnv, cfg.SecretEnv)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, "$2a$10$abc", cfg.Server.PasswordHash)
	assert.Equal(t, 5*time.Minute, cfg.Server.TokenTTL)
	assert.Equal(t, DefaultIssuer, cfg.Server.Issuer)
	assert.Equal(t, "/var/log/app/events.jsonl", cfg.LogPath())
	assert.Equal(t, "/var/log/app/.audit_secret", cfg.SecretPath())
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		invalid bool
	}{
		{name: "malformed yaml", content: "dir: [unterminated"},
		{name: "unknown backend", content: "backend: postgres", invalid: true},
		{name: "log file with directory", content: "log_file: ../escape.jsonl", invalid: true},
		{name: "secret file with directory", content: "secret_file: sub/secret", invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			_, err := LoadConfig(path)
			require.Error(t, err)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDir, cfg.Dir)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Empty(t, cfg.DSN)
	assert.Equal(t, filepath.Join(DefaultDir, DefaultLogFile), cfg.LogPath())
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultTokenSecretEnv, cfg.Server.TokenSecretEnv)
	assert.Equal(t, DefaultTokenTTL, cfg.Server.TokenTTL)
	assert.NotNil(t, cfg.Logger)
}

func TestLoadConfig_DSNFollowsDirOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dir: /srv/a\nbackend: sqlite\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.Dir = "/srv/b"
	cfg.setDefaults()
	assert.Equal(t, filepath.Join("/srv/b", DefaultSQLiteFile), cfg.DSN)
}
