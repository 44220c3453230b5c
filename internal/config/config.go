package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models nudge.yml.
type Config struct {
	Service struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"service"`
	Reminder struct {
		RecencyDays int `yaml:"recency_days"`
	} `yaml:"reminder"`
	Links struct {
		Secret   string `yaml:"secret"`
		TTLHours int    `yaml:"ttl_hours"`
	} `yaml:"links"`
	Notify struct {
		Mode           string `yaml:"mode"`
		WebhookURL     string `yaml:"webhook_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		From           string `yaml:"from"`
	} `yaml:"notify"`
	Schedule struct {
		Mode            string    `yaml:"mode"`
		IntervalSeconds int       `yaml:"interval_seconds"`
		Triggers        []Trigger `yaml:"triggers"`
	} `yaml:"schedule"`
	Watch struct {
		Mode         string `yaml:"mode"`
		DocumentID   string `yaml:"document_id"`
		RevisionsURL string `yaml:"revisions_url"`
		FilePath     string `yaml:"file_path"`
		PollSeconds  int    `yaml:"poll_seconds"`
	} `yaml:"watch"`
}

// Trigger maps a batch kind to a weekly wall-clock slot (calendar mode).
type Trigger struct {
	Batch   string `yaml:"batch"`
	Weekday string `yaml:"weekday"`
	Hour    int    `yaml:"hour"`
}

var batchKinds = map[string]bool{
	"reminder": true,
	"chase":    true,
	"review":   true,
	"final":    true,
	"reset":    true,
}

// WeekdayOf parses the trigger's weekday name.
func (t Trigger) WeekdayOf() (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), t.Weekday) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", t.Weekday)
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with nudge config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Reminder.RecencyDays <= 0 {
		return fmt.Errorf("config.reminder.recency_days must be positive")
	}
	switch c.Notify.Mode {
	case "log":
	case "webhook":
		if strings.TrimSpace(c.Notify.WebhookURL) == "" {
			return fmt.Errorf("config.notify.webhook_url is required for notify mode webhook")
		}
	default:
		return fmt.Errorf("config.notify.mode must be log or webhook")
	}
	if c.Notify.TimeoutSeconds < 0 {
		return fmt.Errorf("config.notify.timeout_seconds must not be negative")
	}
	switch c.Schedule.Mode {
	case "calendar":
		for _, t := range c.Schedule.Triggers {
			if !batchKinds[t.Batch] {
				return fmt.Errorf("trigger batch %q unknown", t.Batch)
			}
			if _, err := t.WeekdayOf(); err != nil {
				return fmt.Errorf("trigger for %s: %w", t.Batch, err)
			}
			if t.Hour < 0 || t.Hour > 23 {
				return fmt.Errorf("trigger for %s: hour %d out of range", t.Batch, t.Hour)
			}
		}
	case "interval":
		if c.Schedule.IntervalSeconds <= 0 {
			return fmt.Errorf("config.schedule.interval_seconds must be positive for interval mode")
		}
	default:
		return fmt.Errorf("config.schedule.mode must be calendar or interval")
	}
	switch c.Watch.Mode {
	case "", "off":
	case "poll":
		if strings.TrimSpace(c.Watch.RevisionsURL) == "" {
			return fmt.Errorf("config.watch.revisions_url is required for watch mode poll")
		}
		if c.Watch.PollSeconds <= 0 {
			return fmt.Errorf("config.watch.poll_seconds must be positive for watch mode poll")
		}
	case "file":
		if strings.TrimSpace(c.Watch.FilePath) == "" {
			return fmt.Errorf("config.watch.file_path is required for watch mode file")
		}
	default:
		return fmt.Errorf("config.watch.mode must be off, poll or file")
	}
	return nil
}

// RecencyWindow returns the reminder eligibility threshold as a duration.
func (c *Config) RecencyWindow() time.Duration {
	return time.Duration(c.Reminder.RecencyDays) * 24 * time.Hour
}

// NotifyTimeout returns the per-dispatch timeout.
func (c *Config) NotifyTimeout() time.Duration {
	if c.Notify.TimeoutSeconds == 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "nudge.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: nudge
  base_url: http://127.0.0.1:8080

reminder:
  recency_days: 7

links:
  secret: ""
  ttl_hours: 168

notify:
  mode: log
  webhook_url: ""
  timeout_seconds: 5
  from: "Portfolio Updates <updates@example.com>"

schedule:
  mode: calendar
  interval_seconds: 60
  triggers:
    - batch: reset
      weekday: Monday
      hour: 0
    - batch: reminder
      weekday: Monday
      hour: 9
    - batch: reminder
      weekday: Wednesday
      hour: 9
    - batch: chase
      weekday: Thursday
      hour: 9
    - batch: review
      weekday: Thursday
      hour: 16
    - batch: final
      weekday: Friday
      hour: 12

watch:
  mode: off
  document_id: ""
  revisions_url: ""
  file_path: ""
  poll_seconds: 300
`
