package ops

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"omes/pkg/exception"
)

// envPrefix is the prefix of every environment override.
const envPrefix = "OMES_"

// applyEnvOverrides overrides file values with OMES_* environment variables
// when they are set.
func applyEnvOverrides(cfg *FileConfig) error {
	setString(&cfg.Core.PurchasingPower, "PURCHASING_POWER")
	setString(&cfg.Positions.Existing, "POSITIONS")
	setString(&cfg.Positions.SnapshotPath, "SNAPSHOT_PATH")
	setString(&cfg.Gateway.Session, "SESSION")
	setString(&cfg.API.Addr, "API_ADDR")
	setString(&cfg.Profiling.ServerAddress, "PYROSCOPE_ADDR")

	setString(&cfg.Postgres.DSN, "PG_DSN")
	setString(&cfg.Postgres.Host, "PG_HOST")
	setString(&cfg.Postgres.User, "PG_USER")
	setString(&cfg.Postgres.Password, "PG_PASSWORD")
	setString(&cfg.Postgres.Database, "PG_DATABASE")
	setString(&cfg.Postgres.SSLMode, "PG_SSL_MODE")

	if err := setInt(&cfg.Postgres.Port, "PG_PORT"); err != nil {
		return err
	}
	if err := setInt(&cfg.Core.ThrottlesPerWindow, "THROTTLES_PER_WINDOW"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Core.RequestTimeout, "REQUEST_TIMEOUT"); err != nil {
		return err
	}
	if err := setBool(&cfg.Postgres.Enabled, "PG_ENABLED"); err != nil {
		return err
	}
	return setBool(&cfg.Gateway.AutoFill, "AUTO_FILL")
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(exception.ErrInvalidConfig, "%s%s=%q", envPrefix, key, v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errors.Wrapf(exception.ErrInvalidConfig, "%s%s=%q", envPrefix, key, v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(exception.ErrInvalidConfig, "%s%s=%q", envPrefix, key, v)
	}
	*dst = d
	return nil
}
