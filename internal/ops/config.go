package ops

import (
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"omes/internal/core"
	"omes/internal/og"
	"omes/internal/order"
	"omes/internal/schema"
	"omes/pkg/exception"
)

// purchasingPowerShift converts dollars to stored purchasing power units.
const purchasingPowerShift = 3

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	Registry  RegistryConfig  `yaml:"registry"`
	Core      CoreConfig      `yaml:"core"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Positions PositionsConfig `yaml:"positions"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	API       APIConfig       `yaml:"api"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

// RegistryConfig lists the tradable securities.
type RegistryConfig struct {
	Securities []SecurityConfig `yaml:"securities"`
}

// SecurityConfig describes a security entry.
type SecurityConfig struct {
	Sid        int64  `yaml:"sid"`
	Code       string `yaml:"code"`
	Underlying int64  `yaml:"underlying"`
	PriceScale int32  `yaml:"price_scale"`
}

// CoreConfig sizes the order management service.
type CoreConfig struct {
	NumChannels               int           `yaml:"num_channels"`
	ExpectedOutstandingOrders int           `yaml:"expected_outstanding_orders"`
	UnderlyingThrottles       int           `yaml:"underlying_throttles"`
	UnderlyingWindow          time.Duration `yaml:"underlying_window"`
	NumThrottles              int           `yaml:"num_throttles"`
	ThrottlesPerWindow        int           `yaml:"throttles_per_window"`
	ThrottleWindow            time.Duration `yaml:"throttle_window"`
	MaxBatchOrders            int           `yaml:"max_batch_orders"`
	RequestTimeout            time.Duration `yaml:"request_timeout"`
	AvoidMultiCancel          bool          `yaml:"avoid_multi_cancel"`
	QueueSize                 int           `yaml:"queue_size"`
	// PurchasingPower is the initial purchasing power in dollars.
	PurchasingPower string       `yaml:"purchasing_power"`
	Warmup          WarmupConfig `yaml:"warmup"`
}

// WarmupConfig drives the warmup round trips.
type WarmupConfig struct {
	RoundTrips int   `yaml:"round_trips"`
	SecSid     int64 `yaml:"sec_sid"`
	Price      int64 `yaml:"price"`
}

// GatewayConfig controls the simulated line handler.
type GatewayConfig struct {
	Session     string `yaml:"session"`
	NumChannels int    `yaml:"num_channels"`
	AutoFill    bool   `yaml:"auto_fill"`
	MaxQuantity int64  `yaml:"max_quantity"`
}

// PositionsConfig lists where existing positions come from.
type PositionsConfig struct {
	// Existing is the "sid,pos;sid,pos" form.
	Existing     string `yaml:"existing"`
	SnapshotPath string `yaml:"snapshot_path"`
	FromDatabase bool   `yaml:"from_database"`
}

// PostgresConfig describes the persistence database. DSN wins over the fields.
type PostgresConfig struct {
	Enabled  bool              `yaml:"enabled"`
	DSN      string            `yaml:"dsn"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	SSLMode  string            `yaml:"ssl_mode"`
	Params   map[string]string `yaml:"params"`
	// QueueSize bounds the updates waiting to be written.
	QueueSize int `yaml:"queue_size"`
}

// APIConfig configures the HTTP surface. An empty Addr disables it.
type APIConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ProfilingConfig configures continuous profiling. An empty ServerAddress disables it.
type ProfilingConfig struct {
	ApplicationName string `yaml:"application_name"`
	ServerAddress   string `yaml:"server_address"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	File            FileConfig
	Registry        *schema.Registry
	PurchasingPower schema.Notional
}

// Default returns the configuration used when no file is given.
func Default() FileConfig {
	return FileConfig{
		Core: CoreConfig{
			NumChannels:               1,
			ExpectedOutstandingOrders: 64,
			UnderlyingWindow:          time.Second,
			NumThrottles:              1,
			ThrottlesPerWindow:        100,
			ThrottleWindow:            time.Second,
			MaxBatchOrders:            1,
			RequestTimeout:            500 * time.Millisecond,
			AvoidMultiCancel:          true,
			QueueSize:                 4096,
			PurchasingPower:           "0",
		},
		Gateway: GatewayConfig{
			Session:     "omes",
			NumChannels: 1,
		},
		Postgres: PostgresConfig{
			Host:      "localhost",
			Port:      5432,
			SSLMode:   "disable",
			QueueSize: 4096,
		},
		API: APIConfig{
			RequestTimeout: 5 * time.Second,
		},
		Profiling: ProfilingConfig{
			ApplicationName: "omes",
		},
	}
}

// Load reads a YAML config file over the defaults, applies the environment
// and resolves it. An empty path uses the defaults. The given env files are
// loaded first; without any, a .env in the working directory is used if present.
func Load(path string, envFiles ...string) (Loaded, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Loaded{}, errors.Wrap(err, "load env files")
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, errors.Wrapf(err, "decode config %s", path)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve validates a file config and builds the registry.
func Resolve(cfg FileConfig) (Loaded, error) {
	registry, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}
	pp, err := ParsePurchasingPower(cfg.Core.PurchasingPower)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Core.ThrottlesPerWindow < 0 || cfg.Core.NumThrottles < 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "throttles must be >= 0")
	}
	if cfg.Core.Warmup.RoundTrips > 0 && cfg.Core.Warmup.SecSid <= 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "warmup needs a sec sid")
	}
	return Loaded{File: cfg, Registry: registry, PurchasingPower: pp}, nil
}

// ParsePurchasingPower converts a dollar amount to purchasing power units.
func ParsePurchasingPower(s string) (schema.Notional, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(exception.ErrInvalidConfig, "purchasing power %q", s)
	}
	scaled := d.Shift(purchasingPowerShift).Truncate(0)
	if scaled.IsNegative() || scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, errors.Wrapf(exception.ErrInvalidConfig, "purchasing power %q out of range", s)
	}
	return schema.Notional(scaled.IntPart()), nil
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, sec := range cfg.Securities {
		if sec.PriceScale < 0 {
			return nil, errors.Wrapf(exception.ErrInvalidConfig, "price scale of %s must be >= 0", sec.Code)
		}
		err := reg.AddSecurity(schema.Security{
			Sid:        schema.SecSid(sec.Sid),
			Code:       sec.Code,
			Underlying: schema.SecSid(sec.Underlying),
			PriceScale: schema.Scale(sec.PriceScale),
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// CoreConfig maps the resolved config to the service configuration. Existing
// positions are resolved separately and passed in.
func (l Loaded) CoreConfig(existing map[schema.SecSid]schema.Quantity) core.Config {
	c := l.File.Core
	return core.Config{
		Context: order.ContextConfig{
			NumChannels:               c.NumChannels,
			ExpectedOutstandingOrders: c.ExpectedOutstandingOrders,
			UnderlyingThrottles:       c.UnderlyingThrottles,
			UnderlyingWindow:          c.UnderlyingWindow,
		},
		Executor:               order.ExecutorConfig{MaxBatchOrders: c.MaxBatchOrders},
		NumThrottles:           c.NumThrottles,
		ThrottlesPerWindow:     c.ThrottlesPerWindow,
		ThrottleWindow:         c.ThrottleWindow,
		InitialPurchasingPower: l.PurchasingPower,
		RequestTimeout:         c.RequestTimeout,
		AvoidMultiCancel:       c.AvoidMultiCancel,
		QueueSize:              c.QueueSize,
		ExistingPositions:      existing,
		Warmup: core.WarmupConfig{
			RoundTrips: c.Warmup.RoundTrips,
			SecSid:     schema.SecSid(c.Warmup.SecSid),
			Price:      schema.Price(c.Warmup.Price),
		},
	}
}

// GatewayConfig maps the resolved config to the simulated line handler.
func (l Loaded) GatewayConfig() og.GatewayConfig {
	g := l.File.Gateway
	return og.GatewayConfig{
		Session:     g.Session,
		NumChannels: g.NumChannels,
		AutoFill:    g.AutoFill,
		MaxQuantity: schema.Quantity(g.MaxQuantity),
	}
}
