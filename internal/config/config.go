package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Clusters          []string `yaml:"clusters"`
	SUDivisor         int64    `yaml:"su_divisor"`
	Thresholds        []int    `yaml:"thresholds"`
	ExpiryWarningDays int      `yaml:"expiry_warning_days"`
	LockOnExpiry      bool     `yaml:"lock_on_expiry"`
	RolloverFraction  float64  `yaml:"rollover_fraction"`
	DryRun            bool     `yaml:"dry_run"`

	Check struct {
		Cron         string        `yaml:"cron"`
		Concurrency  int           `yaml:"concurrency"`
		UsageTimeout time.Duration `yaml:"usage_timeout"`
		UsageRetries uint          `yaml:"usage_retries"`
	} `yaml:"check"`
	Database struct {
		Driver      string `yaml:"driver"` // sqlite or postgres
		DSN         string `yaml:"dsn"`
		AutoMigrate bool   `yaml:"auto_migrate"`
	} `yaml:"database"`
	Email struct {
		From      string        `yaml:"from"`
		Domain    string        `yaml:"domain"`
		Smarthost string        `yaml:"smarthost"`
		Hello     string        `yaml:"hello"`
		Username  string        `yaml:"username"`
		Password  string        `yaml:"password"`
		Timeout   time.Duration `yaml:"timeout"`
		Templates Templates     `yaml:"templates"`
	} `yaml:"email"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`
	Proxy string `yaml:"proxy"`
}

// Templates optionally overrides the embedded email templates with files on disk.
type Templates struct {
	UsageWarning string `yaml:"usage_warning"`
	ExpiringSoon string `yaml:"expiring_soon"`
	Expired      string `yaml:"expired"`
	Overdraft    string `yaml:"overdraft"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
// Fields where zero is a meaningful setting are seeded before parsing so an
// explicit zero in the file survives.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("BANK_CLUSTERS"); v != "" {
		cfg.Clusters = splitList(v)
	}
	if v := os.Getenv("BANK_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("BANK_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("BANK_EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	if v := os.Getenv("BANK_EMAIL_DOMAIN"); v != "" {
		cfg.Email.Domain = v
	}
	if v := os.Getenv("BANK_SMTP_HOST"); v != "" {
		cfg.Email.Smarthost = v
	}
	if v := os.Getenv("BANK_SMTP_PASSWORD"); v != "" {
		cfg.Email.Password = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("BANK_CHECK_CRON"); v != "" {
		cfg.Check.Cron = v
	}
	if v := os.Getenv("BANK_THRESHOLDS"); v != "" {
		levels, err := parseInts(v)
		if err != nil {
			return nil, fmt.Errorf("parse BANK_THRESHOLDS: %w", err)
		}
		cfg.Thresholds = levels
	}
	if v := os.Getenv("BANK_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ExpiryWarningDays: 60,
		RolloverFraction:  1,
	}
}

// applyDefaults fills fields whose zero value is never valid.
func (c *Config) applyDefaults() {
	if c.SUDivisor == 0 {
		c.SUDivisor = 60
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = []int{25, 50, 75, 90}
	}
	sort.Ints(c.Thresholds)
	if c.Check.Cron == "" {
		c.Check.Cron = "0 0 6 * * *"
	}
	if c.Check.Concurrency == 0 {
		c.Check.Concurrency = 4
	}
	if c.Check.UsageTimeout == 0 {
		c.Check.UsageTimeout = 30 * time.Second
	}
	if c.Check.UsageRetries == 0 {
		c.Check.UsageRetries = 3
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/bank.db"
	}
	if c.Email.Smarthost == "" {
		c.Email.Smarthost = "localhost:25"
	}
	if c.Email.Hello == "" {
		c.Email.Hello = "localhost"
	}
	if c.Email.Timeout == 0 {
		c.Email.Timeout = 30 * time.Second
	}
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if len(c.Clusters) == 0 {
		return fmt.Errorf("clusters must list at least one cluster")
	}
	if c.SUDivisor <= 0 {
		return fmt.Errorf("su_divisor must be positive")
	}
	for _, t := range c.Thresholds {
		if t <= 0 || t > 100 {
			return fmt.Errorf("thresholds must be between 1 and 100, got %d", t)
		}
	}
	if c.ExpiryWarningDays < 0 {
		return fmt.Errorf("expiry_warning_days must not be negative")
	}
	if c.RolloverFraction < 0 || c.RolloverFraction > 1 {
		return fmt.Errorf("rollover_fraction must be between 0 and 1")
	}
	if c.Check.Concurrency < 1 {
		return fmt.Errorf("check.concurrency must be at least 1")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if !c.DryRun {
		if c.Email.From == "" {
			return fmt.Errorf("email.from is required")
		}
		if c.Email.Domain == "" {
			return fmt.Errorf("email.domain is required")
		}
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInts(v string) ([]int, error) {
	var out []int
	for _, p := range splitList(v) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
