package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional hoard configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Filter   FilterConfig   `toml:"filter"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	Store       *string `toml:"store"`
	Workers     *int    `toml:"workers"`
	Compression *string `toml:"compression"`
	MinChunk    *string `toml:"min_chunk"`
	MaxChunk    *string `toml:"max_chunk"`
	Strict      *bool   `toml:"strict"`
}

// FilterConfig holds exclude-glob matching defaults.
type FilterConfig struct {
	CaseInsensitive *bool    `toml:"case_insensitive"`
	NoDoubleStar    *bool    `toml:"no_double_star"`
	Excludes        []string `toml:"excludes"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "hoard", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
