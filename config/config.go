package config

import (
	"os"
	"testing"
	"time"
)

type Config struct {
	Env            Env
	UserAgent      string
	RequestTimeout time.Duration
	// Minimum spacing between two throttled requests of one http client
	ThrottleInterval time.Duration
	MaxBodySize      int64
	Browser          BrowserConfig
	StoreDSN         string
	MetricsAddr      string
	Threads          int
	LogDir           string
}

type BrowserConfig struct {
	Enabled bool
	// Empty means rod downloads or finds a browser itself
	BinPath       string
	TotalTimeout  time.Duration
	StallTimeout  time.Duration
	MinScrollTime time.Duration
}

type Env int

const (
	EnvDevelopment Env = iota
	EnvTesting
	EnvProduction
)

func (e Env) IsDevOrTest() bool {
	return e == EnvDevelopment || e == EnvTesting
}

func (e Env) String() string {
	switch e {
	case EnvDevelopment:
		return "development"
	case EnvTesting:
		return "testing"
	case EnvProduction:
		return "production"
	default:
		panic("Unknown env")
	}
}

const envPrefix = "BLOGARCHIVE_"

var Cfg Config

func init() {
	if testing.Testing() {
		Cfg = testingConfig()
		return
	}

	cfg := developmentConfig()
	if _, ok := os.LookupEnv(envPrefix + "ENV"); ok {
		cfg = productionConfig()
	}
	if path, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
		if err := mergeFile(&cfg, path); err != nil {
			panic(err)
		}
	}
	if err := mergeEnv(&cfg); err != nil {
		panic(err)
	}
	Cfg = cfg
}
