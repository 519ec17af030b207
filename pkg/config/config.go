// Package config loads the kernel's configuration: an optional YAML
// document with ${VAR} expansion layered over environment defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPPort string `yaml:"http_port"`

	// AnthropicAPIKey is required; startup fails without it.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LLMBaseURL      string `yaml:"llm_base_url"`

	UploadDir string `yaml:"upload_dir"`
	OutputDir string `yaml:"output_dir"`
	ReportDir string `yaml:"report_dir"`
	LogDir    string `yaml:"log_dir"`

	// MaxUploadSizeGB hard-rejects larger uploads.
	MaxUploadSizeGB int `yaml:"max_upload_size_gb"`

	// TemplateDir points at an on-disk prompt template store, overriding
	// the embedded templates when set.
	TemplateDir string `yaml:"template_dir"`

	// External collaborator commands for the conversion, inspection, and
	// PDF rendering bridges.
	ConverterCommand   string `yaml:"converter_command"`
	InspectorCommand   string `yaml:"inspector_command"`
	PDFRendererCommand string `yaml:"pdf_renderer_command"`

	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig holds the optional terminal-status notification settings.
type SlackConfig struct {
	Token        string `yaml:"token"`
	Channel      string `yaml:"channel"`
	DashboardURL string `yaml:"dashboard_url"`
}

// Load reads <configDir>/nwbconvert.yaml when present, expands ${VAR}
// references, then fills any unset field from the environment and the
// built-in defaults. The file is optional; the environment alone is a
// complete configuration source.
func Load(configDir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(configDir, "nwbconvert.yaml")
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(ExpandEnv(raw), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		slog.Info("loaded configuration file", "path", path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnvDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvDefaults() {
	setIfEmpty(&c.HTTPPort, "HTTP_PORT", "8080")
	setIfEmpty(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY", "")
	setIfEmpty(&c.LLMBaseURL, "LLM_BASE_URL", "https://api.anthropic.com")
	setIfEmpty(&c.UploadDir, "UPLOAD_DIR", "./uploads")
	setIfEmpty(&c.OutputDir, "OUTPUT_DIR", "./outputs")
	setIfEmpty(&c.ReportDir, "REPORT_DIR", "./reports")
	setIfEmpty(&c.LogDir, "LOG_DIR", "./logs")
	setIfEmpty(&c.TemplateDir, "TEMPLATE_DIR", "")
	setIfEmpty(&c.ConverterCommand, "CONVERTER_COMMAND", "")
	setIfEmpty(&c.InspectorCommand, "INSPECTOR_COMMAND", "")
	setIfEmpty(&c.PDFRendererCommand, "PDF_RENDERER_COMMAND", "")
	setIfEmpty(&c.Slack.Token, "SLACK_BOT_TOKEN", "")
	setIfEmpty(&c.Slack.Channel, "SLACK_CHANNEL", "")
	setIfEmpty(&c.Slack.DashboardURL, "DASHBOARD_URL", "")

	if c.MaxUploadSizeGB == 0 {
		c.MaxUploadSizeGB = 50
		if v := os.Getenv("MAX_UPLOAD_SIZE_GB"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.MaxUploadSizeGB = n
			}
		}
	}
}

func setIfEmpty(target *string, envKey, fallback string) {
	if *target != "" {
		return
	}
	if v := os.Getenv(envKey); v != "" {
		*target = v
		return
	}
	*target = fallback
}

// Validate enforces the required settings.
func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("config: ANTHROPIC_API_KEY is required and has no default")
	}
	if c.MaxUploadSizeGB <= 0 {
		return fmt.Errorf("config: max_upload_size_gb must be positive, got %d", c.MaxUploadSizeGB)
	}
	return nil
}

// EnsureDirs creates the partitioned filesystem areas: uploads/,
// outputs/, reports/, logs/.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.UploadDir, c.OutputDir, c.ReportDir, c.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// MaxUploadBytes converts the GB limit to bytes for the HTTP body cap.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadSizeGB) << 30
}
