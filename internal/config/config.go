// Package config loads runtime settings from TOML files. Settings in the
// user-level file (~/.helmsman/config.toml) are overlaid by a project-local
// .helmsman/config.toml, which is overlaid last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultBackend         = "claudecode"
	defaultGracePeriod     = 5 * time.Second
	defaultQueueSize       = 256
	defaultBootTimeout     = 15 * time.Second
	defaultLogLevel        = "info"
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
	defaultClaudeTokenEnv  = "ANTHROPIC_API_KEY"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	DefaultBackend string
	DefaultModel   string
	GracePeriod    time.Duration
	QueueSize      int
	BootTimeout    time.Duration

	Auth       AuthConfig
	Bootstrap  BootstrapConfig
	OpenCode   OpenCodeConfig
	Workspaces map[string]WorkspaceConfig

	LogLevel        string
	LogMaxSizeBytes int64
	LogMaxFiles     int
}

// AuthConfig stores agent credential sources.
type AuthConfig struct {
	// ClaudeToken is used verbatim when set; otherwise ClaudeTokenEnv names
	// the environment variable to read at spawn time.
	ClaudeToken    string
	ClaudeTokenEnv string
}

// ResolveClaudeToken returns the credential to pass to the claude CLI.
func (a AuthConfig) ResolveClaudeToken() string {
	if token := strings.TrimSpace(a.ClaudeToken); token != "" {
		return token
	}
	env := strings.TrimSpace(a.ClaudeTokenEnv)
	if env == "" {
		env = defaultClaudeTokenEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}

// BootstrapConfig stores the automatic install toggles.
type BootstrapConfig struct {
	InstallAtBuild    bool
	InstallOnFirstUse bool
}

// OpenCodeConfig stores OpenCode-specific session settings.
type OpenCodeConfig struct {
	Agent      string
	Permissive bool
}

// WorkspaceConfig describes one declared workspace.
type WorkspaceConfig struct {
	Kind    string
	Root    string
	Machine string
	Env     map[string]string
}

type fileConfig struct {
	DefaultBackend *string `toml:"default_backend"`
	DefaultModel   *string `toml:"default_model"`
	GracePeriod    *string `toml:"grace_period"`
	QueueSize      *int    `toml:"queue_size"`
	BootTimeout    *string `toml:"boot_timeout"`

	Auth *struct {
		ClaudeToken    *string `toml:"claude_token"`
		ClaudeTokenEnv *string `toml:"claude_token_env"`
	} `toml:"auth"`

	Bootstrap *struct {
		InstallAtBuild    *bool `toml:"install_at_build"`
		InstallOnFirstUse *bool `toml:"install_on_first_use"`
	} `toml:"bootstrap"`

	OpenCode *struct {
		Agent      *string `toml:"agent"`
		Permissive *bool   `toml:"permissive"`
	} `toml:"opencode"`

	Workspaces map[string]workspaceFileConfig `toml:"workspaces"`

	Log *struct {
		Level     *string `toml:"level"`
		MaxSizeMB *int    `toml:"max_size_mb"`
		MaxFiles  *int    `toml:"max_files"`
	} `toml:"log"`
}

type workspaceFileConfig struct {
	Kind    string            `toml:"kind"`
	Root    string            `toml:"root"`
	Machine string            `toml:"machine"`
	Env     map[string]string `toml:"env"`
}

// Load reads config from ~/.helmsman/config.toml and overlays a
// project-local .helmsman/config.toml.
func Load() (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".helmsman", "config.toml"),
		filepath.Join(workingDir, ".helmsman", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		DefaultBackend: defaultBackend,
		GracePeriod:    defaultGracePeriod,
		QueueSize:      defaultQueueSize,
		BootTimeout:    defaultBootTimeout,
		Auth: AuthConfig{
			ClaudeTokenEnv: defaultClaudeTokenEnv,
		},
		Bootstrap: BootstrapConfig{
			InstallOnFirstUse: true,
		},
		OpenCode: OpenCodeConfig{
			Agent:      "build",
			Permissive: true,
		},
		Workspaces:      map[string]WorkspaceConfig{},
		LogLevel:        defaultLogLevel,
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applySectionOverrides(cfg, decoded)
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := overlayWorkspaces(cfg, decoded.Workspaces, path); err != nil {
		return err
	}

	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.DefaultBackend != nil {
		cfg.DefaultBackend = normalizeKey(*decoded.DefaultBackend)
	}
	if decoded.DefaultModel != nil {
		cfg.DefaultModel = strings.TrimSpace(*decoded.DefaultModel)
	}
	if decoded.QueueSize != nil {
		if *decoded.QueueSize <= 0 {
			return fmt.Errorf("parse queue_size in %q: must be > 0", path)
		}
		cfg.QueueSize = *decoded.QueueSize
	}
	if decoded.GracePeriod != nil {
		value, err := parseDuration(*decoded.GracePeriod, "grace_period", path)
		if err != nil {
			return err
		}
		cfg.GracePeriod = value
	}
	if decoded.BootTimeout != nil {
		value, err := parseDuration(*decoded.BootTimeout, "boot_timeout", path)
		if err != nil {
			return err
		}
		cfg.BootTimeout = value
	}
	return nil
}

func applySectionOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Auth != nil {
		if decoded.Auth.ClaudeToken != nil {
			cfg.Auth.ClaudeToken = strings.TrimSpace(*decoded.Auth.ClaudeToken)
		}
		if decoded.Auth.ClaudeTokenEnv != nil {
			cfg.Auth.ClaudeTokenEnv = strings.TrimSpace(*decoded.Auth.ClaudeTokenEnv)
		}
	}
	if decoded.Bootstrap != nil {
		if decoded.Bootstrap.InstallAtBuild != nil {
			cfg.Bootstrap.InstallAtBuild = *decoded.Bootstrap.InstallAtBuild
		}
		if decoded.Bootstrap.InstallOnFirstUse != nil {
			cfg.Bootstrap.InstallOnFirstUse = *decoded.Bootstrap.InstallOnFirstUse
		}
	}
	if decoded.OpenCode != nil {
		if decoded.OpenCode.Agent != nil {
			cfg.OpenCode.Agent = strings.TrimSpace(*decoded.OpenCode.Agent)
		}
		if decoded.OpenCode.Permissive != nil {
			cfg.OpenCode.Permissive = *decoded.OpenCode.Permissive
		}
	}
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Log == nil {
		return nil
	}
	if decoded.Log.Level != nil {
		cfg.LogLevel = normalizeKey(*decoded.Log.Level)
	}
	if decoded.Log.MaxSizeMB != nil {
		if *decoded.Log.MaxSizeMB <= 0 {
			return fmt.Errorf("parse log.max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.Log.MaxSizeMB) * 1024 * 1024
	}
	if decoded.Log.MaxFiles != nil {
		if *decoded.Log.MaxFiles <= 0 {
			return fmt.Errorf("parse log.max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.Log.MaxFiles
	}
	return nil
}

func overlayWorkspaces(cfg *Config, declared map[string]workspaceFileConfig, path string) error {
	for name, ws := range declared {
		normalized := normalizeKey(name)
		kind := normalizeKey(ws.Kind)
		if kind == "" {
			kind = "host"
		}
		if kind != "host" && kind != "container" {
			return fmt.Errorf("parse workspaces.%s.kind in %q: must be \"host\" or \"container\"", name, path)
		}
		if strings.TrimSpace(ws.Root) == "" {
			return fmt.Errorf("parse workspaces.%s.root in %q: required", name, path)
		}
		machine := strings.TrimSpace(ws.Machine)
		if kind == "container" && machine == "" {
			machine = normalized
		}

		existing := cfg.Workspaces[normalized]
		existing.Kind = kind
		existing.Root = ws.Root
		existing.Machine = machine
		if existing.Env == nil {
			existing.Env = map[string]string{}
		}
		for key, value := range ws.Env {
			existing.Env[key] = value
		}
		cfg.Workspaces[normalized] = existing
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
