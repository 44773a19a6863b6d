// Package config loads service configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"mash/internal/apperrors"
)

// DefaultPath is read when MASH_CONFIG is unset.
const DefaultPath = "/etc/mash/mash_config.yaml"

// DefaultServices is the pipeline order used when none is configured.
var DefaultServices = []string{"obs", "uploader", "testing", "replication", "publisher", "deprecation"}

// Store backends.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// ToolConfig describes the container tool a stage runs for one provider.
type ToolConfig struct {
	Image   string            `yaml:"image"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Config is shared by every pipeline stage. Stage specific behaviour is
// selected by the service name passed to the accessors.
type Config struct {
	AMQPURL  string `yaml:"amqp_url"`
	AMQPUser string `yaml:"amqp_user"`
	AMQPPass string `yaml:"amqp_pass"`

	SMTPHost            string `yaml:"smtp_host"`
	SMTPPort            int    `yaml:"smtp_port"`
	SMTPSSL             bool   `yaml:"smtp_ssl"`
	SMTPUser            string `yaml:"smtp_user"`
	SMTPPass            string `yaml:"smtp_pass"`
	NotificationSubject string `yaml:"notification_subject"`
	NotificationFrom    string `yaml:"notification_from"`

	JobDirectory string `yaml:"job_directory"`
	StoreBackend string `yaml:"store_backend"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`

	JWTSecret           string `yaml:"jwt_secret"`
	JWTAlgorithm        string `yaml:"jwt_algorithm"`
	EncryptionKeysFile  string `yaml:"encryption_keys_file"`
	CredentialsExchange string `yaml:"credentials_exchange"`

	Services         []string      `yaml:"services"`
	NonstopInterval  time.Duration `yaml:"nonstop_interval"`
	MaxRegionWorkers int           `yaml:"max_region_workers"`

	LogLevel     string `yaml:"log_level"`
	LogForward   bool   `yaml:"log_forward"`
	LogDirectory string `yaml:"log_directory"`

	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metrics_port"`
	APIKey            string        `yaml:"-"`
	ShutdownDrainWait time.Duration `yaml:"shutdown_drain_wait"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Tools maps stage name to provider name to tool.
	Tools map[string]map[string]ToolConfig `yaml:"tools"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. A missing file at DefaultPath is not an
// error so that a service can be configured from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = GetEnv("MASH_CONFIG", DefaultPath)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Validation("config", fmt.Sprintf("parse %s: %v", path, err))
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.AMQPURL = GetEnv("MASH_AMQP_URL", c.AMQPURL)
	c.AMQPUser = GetEnv("MASH_AMQP_USER", c.AMQPUser)
	c.AMQPPass = GetEnv("MASH_AMQP_PASS", c.AMQPPass)
	c.SMTPHost = GetEnv("MASH_SMTP_HOST", c.SMTPHost)
	c.SMTPPort = GetIntEnv("MASH_SMTP_PORT", c.SMTPPort)
	c.SMTPUser = GetEnv("MASH_SMTP_USER", c.SMTPUser)
	c.SMTPPass = GetEnv("MASH_SMTP_PASS", c.SMTPPass)
	c.JobDirectory = GetEnv("MASH_JOB_DIRECTORY", c.JobDirectory)
	c.StoreBackend = GetEnv("MASH_STORE_BACKEND", c.StoreBackend)
	c.RedisAddr = GetEnv("MASH_REDIS_ADDR", c.RedisAddr)
	c.EncryptionKeysFile = GetEnv("MASH_ENCRYPTION_KEYS_FILE", c.EncryptionKeysFile)
	c.Services = GetListEnv("MASH_SERVICES", c.Services)
	c.LogLevel = GetEnv("MASH_LOG_LEVEL", c.LogLevel)
	c.LogForward = GetBoolEnv("MASH_LOG_FORWARD", c.LogForward)
	c.LogDirectory = GetEnv("MASH_LOG_DIRECTORY", c.LogDirectory)
	c.Port = GetEnv("PORT", c.Port)
	c.MetricsPort = GetEnv("METRICS_PORT", c.MetricsPort)
	c.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.ShutdownDrainWait)

	if secret := GetSecretFile(GetEnv("MASH_JWT_SECRET_FILE", "")); secret != "" {
		c.JWTSecret = secret
	}
	c.JWTSecret = GetEnv("MASH_JWT_SECRET", c.JWTSecret)
	c.APIKey = GetSecretFile(GetEnv("API_KEY_FILE", ""))
}

func (c *Config) withDefaults() {
	if c.AMQPURL == "" {
		c.AMQPURL = "amqp://localhost:5672/"
	}
	if c.AMQPUser == "" {
		c.AMQPUser = "guest"
	}
	if c.AMQPPass == "" {
		c.AMQPPass = "guest"
	}
	if c.SMTPHost == "" {
		c.SMTPHost = "localhost"
	}
	if c.SMTPPort <= 0 {
		c.SMTPPort = 25
	}
	if c.NotificationSubject == "" {
		c.NotificationSubject = "[MASH] Job Status Update"
	}
	if c.NotificationFrom == "" {
		c.NotificationFrom = "mash@localhost"
	}
	if c.JobDirectory == "" {
		c.JobDirectory = "/var/lib/mash"
	}
	if c.StoreBackend == "" {
		c.StoreBackend = StoreFile
	}
	if c.JWTAlgorithm == "" {
		c.JWTAlgorithm = "HS256"
	}
	if c.EncryptionKeysFile == "" {
		c.EncryptionKeysFile = "/var/lib/mash/encryption_keys"
	}
	if c.CredentialsExchange == "" {
		c.CredentialsExchange = "credentials"
	}
	if len(c.Services) == 0 {
		c.Services = slices.Clone(DefaultServices)
	}
	if c.NonstopInterval <= 0 {
		c.NonstopInterval = 60 * time.Second
	}
	if c.MaxRegionWorkers <= 0 {
		c.MaxRegionWorkers = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogDirectory == "" {
		c.LogDirectory = "/var/log/mash"
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.MetricsPort == "" {
		c.MetricsPort = "9090"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return apperrors.Validation("jwt_secret", "jwt_secret is required")
	}
	if c.JWTAlgorithm != "HS256" && c.JWTAlgorithm != "HS384" && c.JWTAlgorithm != "HS512" {
		return apperrors.Validation("jwt_algorithm", fmt.Sprintf("unsupported jwt_algorithm %q", c.JWTAlgorithm))
	}
	switch c.StoreBackend {
	case StoreFile:
	case StoreRedis:
		if c.RedisAddr == "" {
			return apperrors.Validation("redis_addr", "redis_addr is required for the redis store")
		}
	default:
		return apperrors.Validation("store_backend", fmt.Sprintf("unknown store_backend %q", c.StoreBackend))
	}
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s == "" || seen[s] {
			return apperrors.Validation("services", fmt.Sprintf("invalid or duplicate service %q", s))
		}
		if s == c.CredentialsExchange {
			return apperrors.Validation("services", "the credentials exchange cannot be a pipeline stage")
		}
		seen[s] = true
	}
	return nil
}

// HasService reports whether service is a configured pipeline stage.
func (c *Config) HasService(service string) bool {
	return slices.Contains(c.Services, service)
}

// PreviousService returns the stage feeding service, if any.
func (c *Config) PreviousService(service string) (string, bool) {
	i := slices.Index(c.Services, service)
	if i <= 0 {
		return "", false
	}
	return c.Services[i-1], true
}

// NextService returns the stage that consumes the results of service, if any.
func (c *Config) NextService(service string) (string, bool) {
	i := slices.Index(c.Services, service)
	if i < 0 || i == len(c.Services)-1 {
		return "", false
	}
	return c.Services[i+1], true
}

// ServiceJobDirectory is where a stage keeps its job snapshots.
func (c *Config) ServiceJobDirectory(service string) string {
	return filepath.Join(c.JobDirectory, service+"_jobs")
}

// JobLogFile is the log file referenced in notification mails for a job.
func (c *Config) JobLogFile(jobID string) string {
	return filepath.Join(c.LogDirectory, "jobs", jobID+".log")
}

// Tool returns the container tool configured for a stage and provider.
func (c *Config) Tool(service, provider string) (ToolConfig, bool) {
	tools, ok := c.Tools[service]
	if !ok {
		return ToolConfig{}, false
	}
	tool, ok := tools[provider]
	return tool, ok && tool.Image != ""
}
