package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

// clearEnv unsets the AUTOTRADE_* variables for the test; godotenv never
// overrides a variable that exists, even when empty.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAppKey, EnvAppSecret, EnvAccount, EnvMode} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadAppliesDefaultsAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, "test.env", "AUTOTRADE_APP_KEY=key-from-env\nAUTOTRADE_APP_SECRET=secret-from-env\n")
	path := writeFile(t, dir, "config.toml", `
[app]
env_file = "`+filepath.ToSlash(env)+`"

[broker]
account = "50012345-01"

[feed]
enabled = true
instruments = [" 005930", "005930", "000660"]

[signals.weights]
ma_cross_5_20 = 0.4

[[strategies]]
kind = "ma_cross"
fast = 5
slow = 20
`)
	clearEnv(t)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Broker.AppKey)
	assert.Equal(t, "secret-from-env", cfg.Broker.AppSecret)
	assert.Equal(t, "paper", cfg.App.Mode)
	assert.False(t, cfg.Live())
	assert.Equal(t, []string{"005930", "000660"}, cfg.Feed.Instruments)
	assert.Equal(t, 15, cfg.RateLimit.MaxCalls)
	assert.Equal(t, time.Second, cfg.RatePeriod())
	assert.Equal(t, 5*time.Minute, cfg.TokenMargin())
	assert.Equal(t, 0.4, cfg.Signals.Weights["ma_cross_5_20"])
	assert.Equal(t, 0.95, cfg.Risk.VaRConfidence)
	assert.Equal(t, 60, cfg.Risk.SeedDays)
	assert.Equal(t, "data", cfg.Token.CacheDir)
	require.Len(t, cfg.Strategies, 1)

	initial, max := cfg.RetryDelays()
	assert.Equal(t, 500*time.Millisecond, initial)
	assert.Equal(t, 8*time.Second, max)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[app]
mode = "paper"
env_file = "`+filepath.ToSlash(filepath.Join(dir, "missing.env"))+`"

[broker]
app_key = "file-key"
app_secret = "file-secret"
account = "11111111"
`)
	clearEnv(t)
	t.Setenv(EnvAppKey, "env-key")
	t.Setenv(EnvMode, "LIVE")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Broker.AppKey)
	assert.Equal(t, "file-secret", cfg.Broker.AppSecret)
	assert.True(t, cfg.Live())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		app  string
		body string
	}{
		{"missing credentials", "", `
[broker]
account = "1"
`},
		{"bad mode", `mode = "demo"`, `
[broker]
app_key = "k"
app_secret = "s"
account = "1"
`},
		{"feed without instruments", "", `
[broker]
app_key = "k"
app_secret = "s"
account = "1"
[feed]
enabled = true
`},
		{"unknown strategy", "", `
[broker]
app_key = "k"
app_secret = "s"
account = "1"
[[strategies]]
kind = "lstm"
`},
	}
	clearEnv(t)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "config.toml", `
[app]
env_file = "`+filepath.ToSlash(filepath.Join(dir, "none.env"))+`"
`+tc.app+"\n"+tc.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
