package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Settings      Settings      `yaml:"settings"`
	Summarization Summarization `yaml:"summarization"`
	Output        Output        `yaml:"output"`
	Server        Server        `yaml:"server"`
	Logging       Logging       `yaml:"logging"`
}

// Settings are the reader-facing preferences. The session engine only reads them.
type Settings struct {
	EnableTranslation            bool   `yaml:"enable_translation"`
	PreferredTranslationLanguage string `yaml:"preferred_translation_language"`
	BrowserLanguage              string `yaml:"browser_language"`
	DefaultSummaryFormat         string `yaml:"default_summary_format"`
	DwellThreshold               int    `yaml:"dwell_threshold"`
	ActivityTimeout              int    `yaml:"activity_timeout"`
}

type Summarization struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	OllamaURL      string `yaml:"ollama_url"`
	OpenAIModel    string `yaml:"openai_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxTokens      int    `yaml:"max_tokens"`
	Streaming      bool   `yaml:"streaming"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Output struct {
	DataDir        string `yaml:"data_dir"`
	MaxReflections int    `yaml:"max_reflections"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for reflector.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "reflector")
}

// DataDir returns the XDG data directory for reflector.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "reflector")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/reflector/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'reflector init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg, err := parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Settings: Settings{
			EnableTranslation:            false,
			PreferredTranslationLanguage: "en",
			BrowserLanguage:              "en",
			DefaultSummaryFormat:         "bullets",
			DwellThreshold:               60,
			ActivityTimeout:              30,
		},
		Summarization: Summarization{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      512,
			Streaming:      true,
			TimeoutSeconds: 90,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Settings.DefaultSummaryFormat {
	case "bullets", "paragraph", "headline-bullets":
	default:
		return fmt.Errorf("invalid default_summary_format %q (want bullets, paragraph or headline-bullets)", c.Settings.DefaultSummaryFormat)
	}
	if c.Settings.DwellThreshold <= 0 {
		return fmt.Errorf("dwell_threshold must be positive, got %d", c.Settings.DwellThreshold)
	}
	if c.Settings.ActivityTimeout <= 0 {
		return fmt.Errorf("activity_timeout must be positive, got %d", c.Settings.ActivityTimeout)
	}
	c.Settings.PreferredTranslationLanguage = strings.ToLower(c.Settings.PreferredTranslationLanguage)
	c.Settings.BrowserLanguage = strings.ToLower(c.Settings.BrowserLanguage)
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// SummaryTimeout is the overall budget for one summarization step.
func (c *Config) SummaryTimeout() time.Duration {
	if c.Summarization.TimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.Summarization.TimeoutSeconds) * time.Second
}

// Verbose reports whether the logging level asks for call-site detail.
func (c *Config) Verbose() bool {
	return strings.EqualFold(c.Logging.Level, "DEBUG")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
