package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gradeline.yml.
type Config struct {
	Document struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"document" json:"document"`
	Backend struct {
		URL            string `yaml:"url" json:"url"`
		APIKey         string `yaml:"api_key" json:"api_key,omitempty"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"backend" json:"backend"`
	Provider struct {
		URL            string `yaml:"url" json:"url"`
		Token          string `yaml:"token" json:"token,omitempty"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"provider" json:"provider"`
	Batch struct {
		Size       int `yaml:"size" json:"size"`
		ImageSize  int `yaml:"image_size" json:"image_size"`
		MaxRetries int `yaml:"max_retries" json:"max_retries"`
	} `yaml:"batch" json:"batch"`
	Cache struct {
		TTLSeconds int `yaml:"ttl_seconds" json:"ttl_seconds"`
	} `yaml:"cache" json:"cache"`
	Lock struct {
		WaitSeconds  int `yaml:"wait_seconds" json:"wait_seconds"`
		LeaseSeconds int `yaml:"lease_seconds" json:"lease_seconds"`
	} `yaml:"lock" json:"lock"`
	Scheduler struct {
		DelaySeconds int `yaml:"delay_seconds" json:"delay_seconds"`
		MaxTriggers  int `yaml:"max_triggers" json:"max_triggers"`
		PollSeconds  int `yaml:"poll_seconds" json:"poll_seconds"`
	} `yaml:"scheduler" json:"scheduler"`
	Feedback struct {
		Colors Palette `yaml:"colors" json:"colors"`
	} `yaml:"feedback" json:"feedback"`
}

// Palette holds hex background colors keyed by cell status.
type Palette struct {
	Correct      string `yaml:"correct" json:"correct"`
	Incorrect    string `yaml:"incorrect" json:"incorrect"`
	NotAttempted string `yaml:"not_attempted" json:"not_attempted"`
	Neutral      string `yaml:"neutral" json:"neutral"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Document.ID == "" {
		return fmt.Errorf("config.document.id is required")
	}
	if err := validURL("backend.url", c.Backend.URL); err != nil {
		return err
	}
	if err := validURL("provider.url", c.Provider.URL); err != nil {
		return err
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("config.batch.size must be positive")
	}
	if c.Batch.ImageSize <= 0 {
		return fmt.Errorf("config.batch.image_size must be positive")
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("config.batch.max_retries must not be negative")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config.cache.ttl_seconds must be positive")
	}
	if c.Lock.WaitSeconds <= 0 {
		return fmt.Errorf("config.lock.wait_seconds must be positive")
	}
	if c.Lock.LeaseSeconds < c.Lock.WaitSeconds {
		return fmt.Errorf("config.lock.lease_seconds must be at least wait_seconds")
	}
	if c.Scheduler.DelaySeconds < 0 {
		return fmt.Errorf("config.scheduler.delay_seconds must not be negative")
	}
	if c.Scheduler.MaxTriggers <= 0 {
		return fmt.Errorf("config.scheduler.max_triggers must be positive")
	}
	if c.Scheduler.PollSeconds <= 0 {
		return fmt.Errorf("config.scheduler.poll_seconds must be positive")
	}
	return nil
}

func validURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("config.%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config.%s must be an absolute http(s) url", field)
	}
	return nil
}

// CacheTTL returns the result cache expiry.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// LockWait returns the bounded lock acquisition window.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Lock.WaitSeconds) * time.Second
}

// LockLease returns how long an acquired lock stays valid if never released.
func (c *Config) LockLease() time.Duration {
	return time.Duration(c.Lock.LeaseSeconds) * time.Second
}

// ContinuationDelay returns the offset applied to one-shot continuations.
func (c *Config) ContinuationDelay() time.Duration {
	return time.Duration(c.Scheduler.DelaySeconds) * time.Second
}

// PollInterval returns the trigger driver tick.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gradeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(documentID string) string {
	return fmt.Sprintf(defaultTemplate, documentID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a document scope.
func Default(documentID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(documentID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `document:
  id: "%s"

backend:
  url: http://127.0.0.1:8787
  api_key: ""
  timeout_seconds: 60

provider:
  url: http://127.0.0.1:8788
  token: ""
  timeout_seconds: 30

batch:
  size: 20
  image_size: 30
  max_retries: 3

cache:
  ttl_seconds: 21600

lock:
  wait_seconds: 5
  lease_seconds: 1800

scheduler:
  delay_seconds: 5
  max_triggers: 20
  poll_seconds: 2

feedback:
  colors:
    correct: "#b7e1cd"
    incorrect: "#f4c7c3"
    not_attempted: "#fce8b2"
    neutral: "#ffffff"
`
