package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvBaseURL overrides base_url from every file layer.
const EnvBaseURL = "AUTOPILOT_BASE_URL"

const (
	configDir  = ".autopilot"
	configFile = "config.yaml"
)

type layer struct {
	Source string
	Path   string
}

// Load merges the user, project and local config files over the defaults, then
// the explicit override (a path or inline YAML/JSON), then the environment.
// Missing layer files are skipped; a missing explicit file is an error.
func Load(cwd string, override string) (*Config, error) {
	cfg := Default()

	layers, err := layerPaths(cwd)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, item := range layers {
		// The project root and cwd are often the same directory.
		if seen[item.Path] {
			continue
		}
		seen[item.Path] = true
		raw, err := os.ReadFile(item.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s config: %w", item.Source, err)
		}
		if err := apply(cfg, raw); err != nil {
			return nil, fmt.Errorf("parse %s config %s: %w", item.Source, item.Path, err)
		}
		cfg.Sources = append(cfg.Sources, item.Path)
	}

	if err := applyOverride(cfg, override); err != nil {
		return nil, err
	}

	if value := strings.TrimSpace(os.Getenv(EnvBaseURL)); value != "" {
		cfg.BaseURL = value
	}
	if cfg.Answers == nil {
		cfg.Answers = map[string]string{}
	}
	return cfg, nil
}

// UserConfigPath returns the path of the per-user config file.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// layerPaths resolves user, project and local config files, lowest precedence first.
func layerPaths(cwd string) ([]layer, error) {
	userPath, err := UserConfigPath()
	if err != nil {
		return nil, err
	}
	projectRoot := findProjectRoot(cwd)
	return []layer{
		{Source: "user", Path: userPath},
		{Source: "project", Path: filepath.Join(projectRoot, configDir, configFile)},
		{Source: "local", Path: filepath.Join(cwd, configDir, configFile)},
	}, nil
}

// applyOverride merges a --config value, which is inline YAML/JSON or a file path.
func applyOverride(cfg *Config, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.Contains(trimmed, "\n") {
		if err := apply(cfg, []byte(trimmed)); err != nil {
			return fmt.Errorf("parse inline config: %w", err)
		}
		cfg.Sources = append(cfg.Sources, "inline")
		return nil
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return fmt.Errorf("read config %s: %w", trimmed, err)
	}
	if err := apply(cfg, raw); err != nil {
		return fmt.Errorf("parse config %s: %w", trimmed, err)
	}
	cfg.Sources = append(cfg.Sources, trimmed)
	return nil
}

// apply decodes raw onto cfg; keys absent from raw keep their current values
// and answers maps are merged key by key.
func apply(cfg *Config, raw []byte) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return yaml.Unmarshal(raw, cfg)
}

// findProjectRoot locates the nearest parent directory containing .git.
func findProjectRoot(cwd string) string {
	current := filepath.Clean(cwd)
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			// No repository root: the working directory is the project.
			return cwd
		}
		current = parent
	}
}
