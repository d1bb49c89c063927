// Package config handles the persistent agent configuration: defaults,
// the config.json file under the user config dir, and env overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds every user-tunable knob of the agent.
type Config struct {
	// Backend selects the vision model adapter: "fara" or "qwen".
	Backend      string `json:"backend,omitempty"`
	ModelBaseURL string `json:"model_base_url,omitempty"`
	ModelAPIKey  string `json:"model_api_key,omitempty"`
	ModelName    string `json:"model_name,omitempty"`

	// Desktop sandbox.
	ContainerName string `json:"container_name,omitempty"`
	Image         string `json:"image,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	ColorDepth    int    `json:"color_depth,omitempty"`
	APIBaseURL    string `json:"api_base_url,omitempty"`

	// Turn loop.
	MaxSteps        int     `json:"max_steps,omitempty"`
	ModelRetries    int     `json:"model_retries,omitempty"`
	SettleDelayMS   int     `json:"settle_delay_ms,omitempty"`
	MinMargin       float64 `json:"min_margin,omitempty"`
	ChangeThreshold float64 `json:"change_threshold,omitempty"`
	HistoryWindow   int     `json:"history_window,omitempty"`
	ScreenshotDir   string  `json:"screenshot_dir,omitempty"`

	// Repetition guard.
	GuardEnabled *bool `json:"guard_enabled,omitempty"`
	MaxNudges    int   `json:"max_nudges,omitempty"`

	// Persistence and logging.
	HistoryDB string `json:"history_db,omitempty"`
	LogFile   string `json:"log_file,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	enabled := true
	return Config{
		Backend:         "fara",
		ModelBaseURL:    "http://localhost:8000/v1",
		ModelAPIKey:     "local",
		ModelName:       "fara-7b",
		ContainerName:   "cua_xfce_agent",
		Image:           "docker.io/trycua/cua-xfce:latest",
		Resolution:      "1920x1080",
		ColorDepth:      24,
		APIBaseURL:      "http://localhost:8001",
		MaxSteps:        100,
		ModelRetries:    2,
		SettleDelayMS:   2200,
		MinMargin:       0.005,
		ChangeThreshold: 0.01,
		HistoryWindow:   6,
		GuardEnabled:    &enabled,
		MaxNudges:       3,
	}
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a manager rooted at the user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "visor")}, nil
}

// NewManagerAt creates a manager rooted at an explicit directory.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// Path returns the absolute path to the config.json file.
func (m *Manager) Path() string {
	return filepath.Join(m.configDir, "config.json")
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.Path())
	return !os.IsNotExist(err)
}

// Load reads the configuration from disk and merges it onto the
// defaults. A missing file yields the defaults with no error.
func (m *Manager) Load() (Config, error) {
	cfg := Default()

	path := m.Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config json: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration with restricted permissions; the file
// can carry API keys.
func (m *Manager) Save(cfg Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv overlays VISOR_* environment variables on cfg. Unset
// variables leave the existing values alone.
func ApplyEnv(cfg Config) Config {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.Backend, "VISOR_BACKEND")
	setStr(&cfg.ModelBaseURL, "VISOR_MODEL_BASE_URL")
	setStr(&cfg.ModelAPIKey, "VISOR_MODEL_API_KEY")
	setStr(&cfg.ModelName, "VISOR_MODEL_NAME")
	setStr(&cfg.ContainerName, "VISOR_CONTAINER_NAME")
	setStr(&cfg.Image, "VISOR_IMAGE")
	setStr(&cfg.Resolution, "VISOR_RESOLUTION")
	setStr(&cfg.APIBaseURL, "VISOR_API_BASE_URL")
	setStr(&cfg.ScreenshotDir, "VISOR_SCREENSHOT_DIR")
	setStr(&cfg.HistoryDB, "VISOR_HISTORY_DB")
	setStr(&cfg.LogFile, "VISOR_LOG_FILE")
	setInt(&cfg.MaxSteps, "VISOR_MAX_STEPS")
	setInt(&cfg.MaxNudges, "VISOR_MAX_NUDGES")

	if v := os.Getenv("VISOR_GUARD_DISABLED"); v == "1" || v == "true" {
		disabled := false
		cfg.GuardEnabled = &disabled
	}
	return cfg
}
