// Package config loads the service configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		AdminToken     string        `yaml:"admin_token"`
	} `yaml:"http"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Console    bool   `yaml:"console"`
	} `yaml:"log"`
	Database struct {
		Path        string        `yaml:"path"`
		Retention   time.Duration `yaml:"retention"`
		CleanupSpec string        `yaml:"cleanup_spec"`
	} `yaml:"database"`
	Provider struct {
		AuthURL      string        `yaml:"auth_url"`
		APIURL       string        `yaml:"api_url"`
		Hub          string        `yaml:"hub"`
		Simulator    string        `yaml:"simulator"`
		Timeout      time.Duration `yaml:"timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxRetries   uint          `yaml:"max_retries"`
		CacheSize    int           `yaml:"cache_size"`
		CacheTTL     time.Duration `yaml:"cache_ttl"`
	} `yaml:"provider"`
	Job struct {
		Timeout time.Duration `yaml:"timeout"`
		Shots   int           `yaml:"shots"`
		Seed    int           `yaml:"seed"`
		Reps    int           `yaml:"reps"`
		Label   string        `yaml:"label"`
	} `yaml:"job"`
	Dataset struct {
		Charset string `yaml:"charset"`
	} `yaml:"dataset"`
	SMTP struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
}

// Load reads the YAML file at path, fills defaults and applies env overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	config.applyDefaults()
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a configuration with every default set and no file behind
// it. The .env file and environment overrides still apply.
func Default() *Config {
	_ = godotenv.Load()

	var config Config
	config.applyDefaults()
	config.applyEnv()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Http.Port == 0 {
		c.Http.Port = 8080
	}
	if c.Http.Timeout == 0 {
		c.Http.Timeout = 2 * time.Hour
	}
	if len(c.Http.AllowedOrigins) == 0 {
		c.Http.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/moonlight.db"
	}
	if c.Database.Retention == 0 {
		c.Database.Retention = 30 * 24 * time.Hour
	}
	if c.Database.CleanupSpec == "" {
		c.Database.CleanupSpec = "@every 1h"
	}
	if c.Provider.AuthURL == "" {
		c.Provider.AuthURL = "https://auth.quantum-computing.ibm.com/api"
	}
	if c.Provider.APIURL == "" {
		c.Provider.APIURL = "https://api.quantum-computing.ibm.com/api"
	}
	if c.Provider.Hub == "" {
		c.Provider.Hub = "ibm-q"
	}
	if c.Provider.Simulator == "" {
		c.Provider.Simulator = "ibmq_qasm_simulator"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.PollInterval == 0 {
		c.Provider.PollInterval = 5 * time.Second
	}
	if c.Provider.MaxRetries == 0 {
		c.Provider.MaxRetries = 3
	}
	if c.Provider.CacheSize == 0 {
		c.Provider.CacheSize = 64
	}
	if c.Provider.CacheTTL == 0 {
		c.Provider.CacheTTL = 5 * time.Minute
	}
	if c.Job.Timeout == 0 {
		c.Job.Timeout = 2 * time.Hour
	}
	if c.Job.Shots == 0 {
		c.Job.Shots = 1024
	}
	if c.Job.Seed == 0 {
		c.Job.Seed = 8192
	}
	if c.Job.Reps == 0 {
		c.Job.Reps = 2
	}
	if c.Job.Label == "" {
		c.Job.Label = "labels"
	}
	if c.Dataset.Charset == "" {
		c.Dataset.Charset = "utf-8"
	}
	if c.SMTP.Addr == "" {
		c.SMTP.Addr = "smtp.gmail.com:465"
	}
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MOONLIGHT_SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
		if c.SMTP.From == "" {
			c.SMTP.From = v
		}
	}
	if v := os.Getenv("MOONLIGHT_SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("MOONLIGHT_ADMIN_TOKEN"); v != "" {
		c.Http.AdminToken = v
	}
}

// Validate reports settings that cannot work at all.
func (c *Config) Validate() error {
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Http.Port)
	}
	if c.Provider.PollInterval < 0 {
		return fmt.Errorf("provider poll_interval must not be negative")
	}
	if c.Provider.CacheSize < 0 {
		return fmt.Errorf("provider cache_size must not be negative")
	}
	return nil
}
