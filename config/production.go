package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

func productionConfig() Config {
	cfg := developmentConfig()
	cfg.Env = EnvProduction
	cfg.StoreDSN = mustLookupEnv("DATABASE_URL")
	cfg.MetricsAddr = ":9090"
	cfg.LogDir = ""
	return cfg
}

func mustLookupEnv(key string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		panic(fmt.Errorf("env variable not found: %s", key))
	}
	return value
}

// fileConfig mirrors Config with optional fields so that a file only overrides what it names
type fileConfig struct {
	UserAgent        *string `yaml:"user_agent"`
	RequestTimeout   *string `yaml:"request_timeout"`
	ThrottleInterval *string `yaml:"throttle_interval"`
	MaxBodySize      *int64  `yaml:"max_body_size"`
	Browser          *struct {
		Enabled       *bool   `yaml:"enabled"`
		BinPath       *string `yaml:"bin_path"`
		TotalTimeout  *string `yaml:"total_timeout"`
		StallTimeout  *string `yaml:"stall_timeout"`
		MinScrollTime *string `yaml:"min_scroll_time"`
	} `yaml:"browser"`
	StoreDSN    *string `yaml:"store_dsn"`
	MetricsAddr *string `yaml:"metrics_addr"`
	Threads     *int    `yaml:"threads"`
	LogDir      *string `yaml:"log_dir"`
}

func mergeFile(cfg *Config, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return mergeYaml(cfg, content)
}

func mergeYaml(cfg *Config, content []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(content, &fc); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	setString(&cfg.UserAgent, fc.UserAgent)
	if err := setDuration(&cfg.RequestTimeout, fc.RequestTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.ThrottleInterval, fc.ThrottleInterval); err != nil {
		return err
	}
	if fc.MaxBodySize != nil {
		cfg.MaxBodySize = *fc.MaxBodySize
	}
	if fc.Browser != nil {
		if fc.Browser.Enabled != nil {
			cfg.Browser.Enabled = *fc.Browser.Enabled
		}
		setString(&cfg.Browser.BinPath, fc.Browser.BinPath)
		if err := setDuration(&cfg.Browser.TotalTimeout, fc.Browser.TotalTimeout); err != nil {
			return err
		}
		if err := setDuration(&cfg.Browser.StallTimeout, fc.Browser.StallTimeout); err != nil {
			return err
		}
		if err := setDuration(&cfg.Browser.MinScrollTime, fc.Browser.MinScrollTime); err != nil {
			return err
		}
	}
	setString(&cfg.StoreDSN, fc.StoreDSN)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	if fc.Threads != nil {
		cfg.Threads = *fc.Threads
	}
	setString(&cfg.LogDir, fc.LogDir)
	return nil
}

func mergeEnv(cfg *Config) error {
	if value, ok := os.LookupEnv(envPrefix + "USER_AGENT"); ok {
		cfg.UserAgent = value
	}
	if value, ok := os.LookupEnv(envPrefix + "STORE_DSN"); ok {
		cfg.StoreDSN = value
	}
	if value, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok := os.LookupEnv(envPrefix + "BROWSER_BIN"); ok {
		cfg.Browser.BinPath = value
	}
	if value, ok := os.LookupEnv(envPrefix + "THREADS"); ok {
		threads, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: %sTHREADS: %w", envPrefix, err)
		}
		cfg.Threads = threads
	}
	if value, ok := os.LookupEnv(envPrefix + "THROTTLE_INTERVAL"); ok {
		if err := setDuration(&cfg.ThrottleInterval, &value); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, maybeValue *string) {
	if maybeValue != nil {
		*dst = *maybeValue
	}
}

func setDuration(dst *time.Duration, maybeValue *string) error {
	if maybeValue == nil {
		return nil
	}
	d, err := time.ParseDuration(*maybeValue)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	*dst = d
	return nil
}
