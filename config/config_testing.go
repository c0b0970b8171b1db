package config

import "time"

func testingConfig() Config {
	cfg := developmentConfig()
	cfg.Env = EnvTesting
	cfg.ThrottleInterval = 0
	cfg.RequestTimeout = 5 * time.Second
	cfg.Browser.Enabled = false
	cfg.StoreDSN = ":memory:"
	cfg.MetricsAddr = ""
	cfg.LogDir = ""
	return cfg
}
