// Package rrcconfig loads the gateway's on-disk configuration: a single
// JSON file (YAML when the file name ends in .yaml or .yml) plus
// environment-variable overrides, bounded and validated
// the way pkg/config/loader.go bounds and validates its layered config,
// scoped down to one file since this is a single-user process.
package rrcconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	maxConfigFileBytes = 1024 * 1024
	envPrefix          = "RRC_GATEWAY_"
	envConfigPathVar   = "RRC_GATEWAY_CONFIG"
)

var (
	ErrFileTooLarge = errors.New("rrcconfig: config file too large")
	ErrInvalidJSON  = errors.New("rrcconfig: invalid json")
)

// Config is the gateway's full configuration surface.
//
// Fields mirror original_source/rrc_web/config.py's non-HTTP fields.
// Auth/TLS/session/server fields from the original are intentionally
// dropped: spec.md puts the HTTP/TLS surface out of scope, so nothing
// in this module would read them (see DESIGN.md).
type Config struct {
	IdentityPath string `json:"identity_path" yaml:"identity_path"`
	DestName     string `json:"dest_name" yaml:"dest_name"`
	HubHash      string `json:"hub_hash" yaml:"hub_hash"`
	Nickname     string `json:"nickname" yaml:"nickname"`
	ConfigDir    string `json:"config_dir" yaml:"config_dir"`
	AutoJoinRoom string `json:"auto_join_room" yaml:"auto_join_room"`
	Theme        string `json:"theme" yaml:"theme"`
}

// Default returns the default configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".rrc-gateway")
	return Config{
		DestName:  "rrc.hub",
		ConfigDir: dir,
		Theme:     "dark",
	}
}

// DiscoveryCachePath returns the path to the discovered-hub cache file.
func (c Config) DiscoveryCachePath() string {
	dir := c.ConfigDir
	if dir == "" {
		dir = Default().ConfigDir
	}
	return filepath.Join(dir, "discovered_hubs.json")
}

// ExpandPath expands a leading "~" to the user's home directory,
// mirroring original_source/rrc_web/utils.py's expand_path.
func ExpandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if p == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return p
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Load reads config from the path in RRC_GATEWAY_CONFIG if set, else
// from explicitPath if non-empty, else returns defaults. Env var
// overrides (RRC_GATEWAY_<PATH>) are applied last.
func Load(explicitPath string) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv(envConfigPathVar))
	if path == "" {
		path = strings.TrimSpace(explicitPath)
	}
	if path != "" {
		path = ExpandPath(path)
		loaded, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeNonEmpty(cfg, loaded)
	}

	applyEnvOverrides(&cfg)
	cfg.IdentityPath = ExpandPath(cfg.IdentityPath)
	cfg.ConfigDir = ExpandPath(cfg.ConfigDir)
	return cfg, nil
}

// Save writes cfg as indented JSON to path, creating parent directories
// as needed.
func Save(path string, cfg Config) error {
	path = ExpandPath(strings.TrimSpace(path))
	if path == "" {
		return errors.New("rrcconfig: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func loadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	lr := &io.LimitedReader{R: f, N: maxConfigFileBytes + 1}
	raw, err := io.ReadAll(lr)
	if err != nil {
		return Config{}, err
	}
	if int64(len(raw)) > maxConfigFileBytes {
		return Config{}, ErrFileTooLarge
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
	default:
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			// fall back to a tolerant decode so forward-compatible
			// fields don't hard-fail the load
			var cfg2 Config
			if err2 := json.Unmarshal(raw, &cfg2); err2 != nil {
				return Config{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
			}
			cfg = cfg2
		}
	}
	return cfg, nil
}

func mergeNonEmpty(base, override Config) Config {
	if override.IdentityPath != "" {
		base.IdentityPath = override.IdentityPath
	}
	if override.DestName != "" {
		base.DestName = override.DestName
	}
	if override.HubHash != "" {
		base.HubHash = override.HubHash
	}
	if override.Nickname != "" {
		base.Nickname = override.Nickname
	}
	if override.ConfigDir != "" {
		base.ConfigDir = override.ConfigDir
	}
	if override.AutoJoinRoom != "" {
		base.AutoJoinRoom = override.AutoJoinRoom
	}
	if override.Theme != "" {
		base.Theme = override.Theme
	}
	return base
}

func applyEnvOverrides(cfg *Config) {
	set := func(key string, dst *string) {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return
		}
		*dst = strings.TrimSpace(v)
	}
	set("IDENTITY_PATH", &cfg.IdentityPath)
	set("DEST_NAME", &cfg.DestName)
	set("HUB_HASH", &cfg.HubHash)
	set("NICKNAME", &cfg.Nickname)
	set("CONFIG_DIR", &cfg.ConfigDir)
	set("AUTO_JOIN_ROOM", &cfg.AutoJoinRoom)
	set("THEME", &cfg.Theme)
}
