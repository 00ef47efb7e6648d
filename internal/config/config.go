package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"intakeline/internal/domain"
)

// Config models intakeline.yml.
type Config struct {
	Routing struct {
		TicketMaxPoints int `yaml:"ticket_max_points"`
	} `yaml:"routing"`
	Aging struct {
		Schedule       string         `yaml:"schedule"`
		AlertDays      map[string]int `yaml:"alert_days"`
		AnalyticsHours map[string]int `yaml:"analytics_hours"`
		CooldownHours  int            `yaml:"cooldown_hours"`
		PruneHours     int            `yaml:"prune_hours"`
		CooldownStore  string         `yaml:"cooldown_store"`
	} `yaml:"aging"`
	Notify struct {
		AppURL   string          `yaml:"app_url"`
		SMTP     SMTPConfig      `yaml:"smtp"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Auth struct {
		DevLogin bool `yaml:"dev_login"`
	} `yaml:"auth"`
	Tracing struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
		Endpoint string `yaml:"endpoint"`
		Service  string `yaml:"service"`
	} `yaml:"tracing"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Enabled reports whether enough SMTP settings are present to send mail.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != ""
}

type WebhookConfig struct {
	URL            string            `yaml:"url"`
	Events         []string          `yaml:"events"`
	Secret         string            `yaml:"secret"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Enabled        *bool             `yaml:"enabled"`
}

// Active reports whether the webhook should receive events. Webhooks are on
// unless explicitly disabled.
func (w WebhookConfig) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with il config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Routing.TicketMaxPoints < 1 || c.Routing.TicketMaxPoints > 100 {
		return fmt.Errorf("config.routing.ticket_max_points must be between 1 and 100")
	}
	if _, err := ParseSchedule(c.Aging.Schedule); err != nil {
		return fmt.Errorf("config.aging.schedule: %w", err)
	}
	if err := validateStageTable("config.aging.alert_days", c.Aging.AlertDays); err != nil {
		return err
	}
	if err := validateStageTable("config.aging.analytics_hours", c.Aging.AnalyticsHours); err != nil {
		return err
	}
	if c.Aging.CooldownHours <= 0 {
		return fmt.Errorf("config.aging.cooldown_hours must be positive")
	}
	if c.Aging.PruneHours < c.Aging.CooldownHours {
		return fmt.Errorf("config.aging.prune_hours must be at least cooldown_hours")
	}
	switch c.Aging.CooldownStore {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config.aging.cooldown_store must be memory or sqlite")
	}
	if c.Notify.AppURL != "" {
		if _, err := url.ParseRequestURI(c.Notify.AppURL); err != nil {
			return fmt.Errorf("config.notify.app_url: %w", err)
		}
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		return fmt.Errorf("config.notify.smtp.from is required when host is set")
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notify.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("config.tracing.exporter must be stdout or otlp")
	}
	return nil
}

func validateStageTable(name string, table map[string]int) error {
	for _, s := range domain.Stages {
		v, ok := table[string(s)]
		if !ok {
			return fmt.Errorf("%s.%s is required", name, s)
		}
		if v <= 0 {
			return fmt.Errorf("%s.%s must be positive", name, s)
		}
	}
	for k := range table {
		if !domain.Stage(k).Valid() {
			return fmt.Errorf("%s has unknown stage %s", name, k)
		}
	}
	return nil
}

// ParseSchedule parses a five-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(spec)
}

// AlertThreshold returns the number of days a request may sit in stage before
// an aging alert fires.
func (c *Config) AlertThreshold(stage domain.Stage) int {
	return c.Aging.AlertDays[string(stage)]
}

// AnalyticsThreshold returns the analytics aging cutoff for stage.
func (c *Config) AnalyticsThreshold(stage domain.Stage) time.Duration {
	return time.Duration(c.Aging.AnalyticsHours[string(stage)]) * time.Hour
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Aging.CooldownHours) * time.Hour
}

func (c *Config) PruneAfter() time.Duration {
	return time.Duration(c.Aging.PruneHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "intakeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// Stage tables are replaced wholesale, not merged.
	cfg.Aging.AlertDays = nil
	cfg.Aging.AnalyticsHours = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	def := Default()
	if cfg.Aging.AlertDays == nil {
		cfg.Aging.AlertDays = def.Aging.AlertDays
	}
	if cfg.Aging.AnalyticsHours == nil {
		cfg.Aging.AnalyticsHours = def.Aging.AnalyticsHours
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

const defaultTemplate = `routing:
  # estimates up to this many points become tickets, larger ones projects
  ticket_max_points: 8

aging:
  schedule: "0 * * * *"
  alert_days:
    in_treatment: 3
    on_hold: 5
    estimation: 2
    ready: 7
  analytics_hours:
    in_treatment: 48
    on_hold: 120
    estimation: 24
    ready: 12
  cooldown_hours: 24
  prune_hours: 48
  cooldown_store: memory

notify:
  app_url: http://localhost:3000
  smtp:
    host: ""
    port: 587
    username: ""
    password: ""
    from: ""
  webhooks: []

auth:
  dev_login: false

tracing:
  enabled: false
  exporter: stdout
  endpoint: ""
  service: intakeline
`
