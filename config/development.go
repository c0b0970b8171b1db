package config

import "time"

func developmentConfig() Config {
	return Config{
		Env:              EnvDevelopment,
		UserAgent:        "Mozilla/5.0 (compatible; BlogArchiveBot/1.0)",
		RequestTimeout:   time.Minute,
		ThrottleInterval: time.Second,
		MaxBodySize:      20 * 1024 * 1024,
		Browser: BrowserConfig{
			Enabled:       true,
			BinPath:       "",
			TotalTimeout:  30 * time.Second,
			StallTimeout:  10 * time.Second,
			MinScrollTime: time.Second,
		},
		StoreDSN:    "crawl_results.sqlite",
		MetricsAddr: "",
		Threads:     16,
		LogDir:      "crawl_log",
	}
}
