package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WKHAllen/hoard/internal/config"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Store)
	assert.Nil(t, cfg.Defaults.Workers)
	assert.Nil(t, cfg.Filter.CaseInsensitive)
	assert.Empty(t, cfg.Filter.Excludes)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "hoard")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
store = "/srv/backups/hoard"
workers = 16
compression = "lz4"
min_chunk = "128K"
max_chunk = "2M"
strict = true

[filter]
case_insensitive = true
no_double_star = false
excludes = ["*.tmp", "node_modules/"]
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Store)
	assert.Equal(t, "/srv/backups/hoard", *cfg.Defaults.Store)

	require.NotNil(t, cfg.Defaults.Workers)
	assert.Equal(t, 16, *cfg.Defaults.Workers)

	require.NotNil(t, cfg.Defaults.Compression)
	assert.Equal(t, "lz4", *cfg.Defaults.Compression)

	require.NotNil(t, cfg.Defaults.MinChunk)
	assert.Equal(t, "128K", *cfg.Defaults.MinChunk)

	require.NotNil(t, cfg.Defaults.MaxChunk)
	assert.Equal(t, "2M", *cfg.Defaults.MaxChunk)

	require.NotNil(t, cfg.Defaults.Strict)
	assert.True(t, *cfg.Defaults.Strict)

	require.NotNil(t, cfg.Filter.CaseInsensitive)
	assert.True(t, *cfg.Filter.CaseInsensitive)

	require.NotNil(t, cfg.Filter.NoDoubleStar)
	assert.False(t, *cfg.Filter.NoDoubleStar)

	assert.Equal(t, []string{"*.tmp", "node_modules/"}, cfg.Filter.Excludes)
}

func TestLoad_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "hoard")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"),
		[]byte("[defaults]\nworkers = 4\n"), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Workers)
	assert.Equal(t, 4, *cfg.Defaults.Workers)
	assert.Nil(t, cfg.Defaults.Store)
	assert.Nil(t, cfg.Defaults.Strict)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "hoard")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"),
		[]byte("not [valid toml"), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, filepath.Join("/custom/config", "hoard", "config.toml"), config.Path())
}
