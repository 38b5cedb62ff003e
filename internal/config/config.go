package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

const appName = "peerreview"

type Config struct {
	Database Database `yaml:"database"`
	Taxonomy Taxonomy `yaml:"taxonomy"`
	Critique Critique `yaml:"critique"`
	Novelty  Novelty  `yaml:"novelty"`
	Repo     Repo     `yaml:"repo"`
	Pipeline Pipeline `yaml:"pipeline"`
	Publish  Publish  `yaml:"publish"`
	Queue    Queue    `yaml:"queue"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Taxonomy struct {
	// Path overrides the embedded journal taxonomy when set.
	Path string `yaml:"path"`
}

type Critique struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	OllamaURL       string `yaml:"ollama_url"`
	OpenAIModel     string `yaml:"openai_model"`
	APIKeyEnv       string `yaml:"api_key_env"`
	GeminiModel     string `yaml:"gemini_model"`
	GeminiAPIKeyEnv string `yaml:"gemini_api_key_env"`
	MaxTokens       int    `yaml:"max_tokens"`
	MaxRetries      int    `yaml:"max_retries"`
	BackoffBase     string `yaml:"backoff_base"`
	Timeout         string `yaml:"timeout"`
}

type Novelty struct {
	Arxiv                 ArxivConfig           `yaml:"arxiv"`
	SemanticScholar       SemanticScholarConfig `yaml:"semantic_scholar"`
	Timeout               string                `yaml:"timeout"`
	SupersessionThreshold float64               `yaml:"supersession_threshold"`
}

type ArxivConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	MaxResults int    `yaml:"max_results"`
}

type SemanticScholarConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	MaxResults int    `yaml:"max_results"`
}

type Repo struct {
	GitHubAPIURL  string `yaml:"github_api_url"`
	RawURL        string `yaml:"raw_url"`
	TokenEnv      string `yaml:"token_env"`
	MaxFiles      int    `yaml:"max_files"`
	MaxTotalBytes int    `yaml:"max_total_bytes"`
	MaxFileBytes  int    `yaml:"max_file_bytes"`
	Timeout       string `yaml:"timeout"`
}

type Pipeline struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	RetryBackoff string `yaml:"retry_backoff"`
	LeaseTTL     string `yaml:"lease_ttl"`
	BatchSize    int    `yaml:"batch_size"`
}

type Publish struct {
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`
}

type Queue struct {
	RedisAddr        string `yaml:"redis_addr"`
	RedisPasswordEnv string `yaml:"redis_password_env"`
	RedisDB          int    `yaml:"redis_db"`
	Concurrency      int    `yaml:"concurrency"`
	MaxRetry         int    `yaml:"max_retry"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for peerreview.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

// DataDir returns the XDG data directory for peerreview.
func DataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// ResolveConfigPath finds the config file following priority:
// explicit path > $XDG_CONFIG_HOME/peerreview/config.yaml > ./config.yaml
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
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'peerreview init' to create a default config",
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

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Critique: Critique{
			Provider:        "gemini",
			Model:           "qwen2.5:14b",
			OllamaURL:       "http://localhost:11434",
			OpenAIModel:     "gpt-4o-mini",
			APIKeyEnv:       "OPENAI_API_KEY",
			GeminiModel:     "gemini-2.5-flash",
			GeminiAPIKeyEnv: "GEMINI_API_KEY",
			MaxTokens:       4096,
			MaxRetries:      3,
			BackoffBase:     "2s",
			Timeout:         "180s",
		},
		Novelty: Novelty{
			Arxiv: ArxivConfig{
				Enabled:    true,
				BaseURL:    "http://export.arxiv.org/api/query",
				MaxResults: 5,
			},
			SemanticScholar: SemanticScholarConfig{
				Enabled:    true,
				BaseURL:    "https://api.semanticscholar.org/graph/v1",
				APIKeyEnv:  "S2_API_KEY",
				MaxResults: 5,
			},
			Timeout:               "15s",
			SupersessionThreshold: 0.5,
		},
		Repo: Repo{
			GitHubAPIURL:  "https://api.github.com",
			RawURL:        "https://raw.githubusercontent.com",
			TokenEnv:      "GITHUB_TOKEN",
			MaxFiles:      12,
			MaxTotalBytes: 50000,
			MaxFileBytes:  100000,
			Timeout:       "30s",
		},
		Pipeline: Pipeline{
			MaxAttempts:  5,
			RetryBackoff: "5m",
			LeaseTTL:     "15m",
			BatchSize:    10,
		},
		Publish: Publish{
			Backend: "fs",
			S3: S3Config{
				Bucket:       "peerreview",
				Region:       "us-east-1",
				AccessKeyEnv: "S3_ACCESS_KEY",
				SecretKeyEnv: "S3_SECRET_KEY",
			},
		},
		Queue: Queue{
			RedisAddr:        "localhost:6379",
			RedisPasswordEnv: "REDIS_PASSWORD",
			Concurrency:      2,
			MaxRetry:         3,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for name, value := range map[string]string{
		"critique.backoff_base":  cfg.Critique.BackoffBase,
		"critique.timeout":       cfg.Critique.Timeout,
		"novelty.timeout":        cfg.Novelty.Timeout,
		"repo.timeout":           cfg.Repo.Timeout,
		"pipeline.retry_backoff": cfg.Pipeline.RetryBackoff,
		"pipeline.lease_ttl":     cfg.Pipeline.LeaseTTL,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}
	if cfg.Publish.Backend != "fs" && cfg.Publish.Backend != "s3" {
		return nil, fmt.Errorf("invalid publish.backend %q (want fs or s3)", cfg.Publish.Backend)
	}

	return cfg, nil
}

// Duration parses a duration field that parse already validated.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// GetDataDir returns the effective data directory.
func (c *Config) GetDataDir() string {
	if c.Database.Path != "" {
		return filepath.Dir(c.Database.Path)
	}
	return DataDir()
}

// GetDatabasePath returns the sqlite file path.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(DataDir(), "peerreview.db")
}

// GetPublishDir returns the artifact directory for the filesystem backend.
func (c *Config) GetPublishDir() string {
	if c.Publish.Dir != "" {
		return c.Publish.Dir
	}
	return filepath.Join(DataDir(), "site")
}
