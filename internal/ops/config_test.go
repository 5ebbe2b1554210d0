package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omes/internal/schema"
)

const sampleYAML = `
registry:
  securities:
    - sid: 700
      code: "0700"
      price_scale: 3
    - sid: 701
      code: "0700C"
      underlying: 700
core:
  num_channels: 4
  throttles_per_window: 20
  throttle_window: 2s
  request_timeout: 250ms
  underlying_throttles: 5
  purchasing_power: "1234.5"
  warmup:
    round_trips: 3
    sec_sid: 700
    price: 1000
gateway:
  session: sim
  auto_fill: true
positions:
  existing: "700,100"
postgres:
  enabled: true
  database: omes
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Zero(t, loaded.PurchasingPower)
	assert.Zero(t, loaded.Registry.Count())

	cfg := loaded.CoreConfig(nil)
	assert.Equal(t, 1, cfg.Context.NumChannels)
	assert.Equal(t, 100, cfg.ThrottlesPerWindow)
	assert.Equal(t, time.Second, cfg.ThrottleWindow)
	assert.True(t, cfg.AvoidMultiCancel)
	assert.Equal(t, "omes", loaded.GatewayConfig().Session)
}

func TestLoadYAML(t *testing.T) {
	loaded, err := Load(writeFile(t, "omes.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, schema.Notional(1_234_500), loaded.PurchasingPower)
	assert.Equal(t, 2, loaded.Registry.Count())
	sec, ok := loaded.Registry.Security(701)
	require.True(t, ok)
	assert.Equal(t, schema.SecSid(700), sec.Underlying)
	assert.Equal(t, "12.345", loaded.Registry.FormatPrice(700, 12345))

	existing := map[schema.SecSid]schema.Quantity{700: 100}
	cfg := loaded.CoreConfig(existing)
	assert.Equal(t, 4, cfg.Context.NumChannels)
	assert.Equal(t, 5, cfg.Context.UnderlyingThrottles)
	assert.Equal(t, time.Second, cfg.Context.UnderlyingWindow)
	assert.Equal(t, 20, cfg.ThrottlesPerWindow)
	assert.Equal(t, 2*time.Second, cfg.ThrottleWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, schema.Notional(1_234_500), cfg.InitialPurchasingPower)
	assert.Equal(t, existing, cfg.ExistingPositions)
	assert.Equal(t, 3, cfg.Warmup.RoundTrips)
	assert.Equal(t, schema.Price(1000), cfg.Warmup.Price)

	gw := loaded.GatewayConfig()
	assert.Equal(t, "sim", gw.Session)
	assert.True(t, gw.AutoFill)
	assert.Equal(t, 1, gw.NumChannels)

	assert.Equal(t, "700,100", loaded.File.Positions.Existing)
	assert.True(t, loaded.File.Postgres.Enabled)
	assert.Equal(t, "omes", loaded.File.Postgres.Database)
	assert.Equal(t, 5432, loaded.File.Postgres.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OMES_PURCHASING_POWER", "99.999")
	t.Setenv("OMES_PG_PORT", "6543")
	t.Setenv("OMES_REQUEST_TIMEOUT", "1s")
	t.Setenv("OMES_AUTO_FILL", "false")
	t.Cleanup(func() { os.Unsetenv("OMES_SESSION") })

	env := writeFile(t, ".env", "OMES_SESSION=from-env-file\nOMES_PG_PORT=1\n")
	loaded, err := Load(writeFile(t, "omes.yaml", sampleYAML), env)
	require.NoError(t, err)

	assert.Equal(t, schema.Notional(99_999), loaded.PurchasingPower)
	assert.Equal(t, 6543, loaded.File.Postgres.Port)
	assert.Equal(t, time.Second, loaded.File.Core.RequestTimeout)
	assert.False(t, loaded.File.Gateway.AutoFill)
	assert.Equal(t, "from-env-file", loaded.File.Gateway.Session)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "core: [1, 2"))
	assert.Error(t, err)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	t.Setenv("OMES_PG_PORT", "not-a-port")
	_, err = Load("")
	assert.Error(t, err)
}

func TestResolveErrors(t *testing.T) {
	for name, mutate := range map[string]func(*FileConfig){
		"bad purchasing power": func(c *FileConfig) { c.Core.PurchasingPower = "abc" },
		"negative power":       func(c *FileConfig) { c.Core.PurchasingPower = "-1" },
		"huge power":           func(c *FileConfig) { c.Core.PurchasingPower = "1e30" },
		"negative scale": func(c *FileConfig) {
			c.Registry.Securities = []SecurityConfig{{Sid: 1, Code: "A", PriceScale: -1}}
		},
		"duplicate sid": func(c *FileConfig) {
			c.Registry.Securities = []SecurityConfig{{Sid: 1, Code: "A"}, {Sid: 1, Code: "B"}}
		},
		"warmup without sid": func(c *FileConfig) { c.Core.Warmup.RoundTrips = 1 },
		"negative throttles": func(c *FileConfig) { c.Core.ThrottlesPerWindow = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			_, err := Resolve(cfg)
			assert.Error(t, err)
		})
	}
}

func TestParsePurchasingPower(t *testing.T) {
	for in, want := range map[string]schema.Notional{
		"":         0,
		"0":        0,
		"1":        1000,
		"1.2345":   1234,
		"1000000":  1_000_000_000,
		"0.001":    1,
		"12.30000": 12_300,
	} {
		got, err := ParsePurchasingPower(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
