package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTestingConfigIsSelected(t *testing.T) {
	require.Equal(t, EnvTesting, Cfg.Env)
	require.False(t, Cfg.Browser.Enabled)
	require.Zero(t, Cfg.ThrottleInterval)
}

func TestMergeYaml(t *testing.T) {
	cfg := developmentConfig()
	err := mergeYaml(&cfg, []byte(`
user_agent: TestBot
throttle_interval: 250ms
browser:
  enabled: false
  total_timeout: 45s
threads: 4
`))
	require.NoError(t, err)
	require.Equal(t, "TestBot", cfg.UserAgent)
	require.Equal(t, 250*time.Millisecond, cfg.ThrottleInterval)
	require.False(t, cfg.Browser.Enabled)
	require.Equal(t, 45*time.Second, cfg.Browser.TotalTimeout)
	require.Equal(t, 10*time.Second, cfg.Browser.StallTimeout)
	require.Equal(t, 4, cfg.Threads)
	require.Equal(t, time.Minute, cfg.RequestTimeout)
}

func TestMergeYamlBadDuration(t *testing.T) {
	cfg := developmentConfig()
	err := mergeYaml(&cfg, []byte("request_timeout: soon\n"))
	require.Error(t, err)
}

func TestMergeEnv(t *testing.T) {
	t.Setenv(envPrefix+"THREADS", "3")
	t.Setenv(envPrefix+"STORE_DSN", "postgres://localhost/crawls")
	cfg := developmentConfig()
	require.NoError(t, mergeEnv(&cfg))
	require.Equal(t, 3, cfg.Threads)
	require.Equal(t, "postgres://localhost/crawls", cfg.StoreDSN)

	t.Setenv(envPrefix+"THREADS", "many")
	require.Error(t, mergeEnv(&cfg))
}
