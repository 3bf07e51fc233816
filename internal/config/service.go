package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment variable read by LoadServiceEnv.
const EnvPrefix = "SCANINSPECT_"

// ServiceConfig carries the runtime settings of the inspect service. The
// CLI fills it from flags whose defaults come from the environment.
type ServiceConfig struct {
	ListenAddr       string
	APIToken         string
	DBPath           string
	BlobRoot         string
	WorkDir          string
	SpoolDir         string
	ConverterCommand string
	ConfigPath       string
	LogFile          string
	LogLevel         string
	AdminRoutes      bool
	// Retention is how long terminal jobs are kept before the cleaner
	// purges them. Zero keeps them forever.
	Retention time.Duration
}

// DefaultServiceConfig returns the settings used when neither flags nor the
// environment say otherwise.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: "127.0.0.1:8090",
		DBPath:     "scaninspect.db",
		BlobRoot:   "blobs",
		WorkDir:    os.TempDir(),
		LogLevel:   "info",
	}
}

// LoadServiceEnv overlays SCANINSPECT_* variables read through getenv onto
// the defaults. Pass os.Getenv in production.
func LoadServiceEnv(getenv func(string) string) (ServiceConfig, error) {
	c := DefaultServiceConfig()
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.ListenAddr)
	str("API_TOKEN", &c.APIToken)
	str("DB_PATH", &c.DBPath)
	str("BLOB_ROOT", &c.BlobRoot)
	str("WORK_DIR", &c.WorkDir)
	str("SPOOL_DIR", &c.SpoolDir)
	str("CONVERTER_COMMAND", &c.ConverterCommand)
	str("CONFIG", &c.ConfigPath)
	str("LOG_FILE", &c.LogFile)
	str("LOG_LEVEL", &c.LogLevel)

	if v := getenv(EnvPrefix + "ADMIN_ROUTES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("%sADMIN_ROUTES: %w", EnvPrefix, err)
		}
		c.AdminRoutes = b
	}
	if v := getenv(EnvPrefix + "RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("%sRETENTION: %w", EnvPrefix, err)
		}
		c.Retention = d
	}
	return c, nil
}

// Validate checks the settings the serve command cannot run without.
func (c ServiceConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if c.BlobRoot == "" {
		return errors.New("blob root is required")
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must be non-negative, got %v", c.Retention)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
