// Package config loads fhirflat settings from FHIRFLAT_* environment
// variables, an optional .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/logger"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "FHIRFLAT"

// Config holds the settings shared by every command.
type Config struct {
	DateFormat      string `mapstructure:"DATE_FORMAT"`
	Timezone        string `mapstructure:"TIMEZONE"`
	DateParsePolicy string `mapstructure:"DATE_PARSE_POLICY"`
	SubjectID       string `mapstructure:"SUBJECT_ID"`
	Parallel        bool   `mapstructure:"PARALLEL"`
	Workers         int    `mapstructure:"WORKERS"`
	OutputDir       string `mapstructure:"OUTPUT_DIR"`
	SheetID         string `mapstructure:"SHEET_ID"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	Addr            string `mapstructure:"ADDR"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"DATE_FORMAT", "TIMEZONE", "DATE_PARSE_POLICY", "SUBJECT_ID", "PARALLEL", "WORKERS",
	"OUTPUT_DIR", "SHEET_ID", "DATABASE_URL", "ADDR", "LOG_LEVEL",
}

// Load reads the configuration. Values in .env are loaded into the
// environment first without overriding it; file, when not empty, must
// exist. Environment variables win over the file.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("DATE_FORMAT", "%Y-%m-%d")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("DATE_PARSE_POLICY", "warn")
	v.SetDefault("SUBJECT_ID", "subjid")
	v.SetDefault("PARALLEL", false)
	v.SetDefault("WORKERS", 0)
	v.SetDefault("OUTPUT_DIR", "fhirflat_output")
	v.SetDefault("ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")

	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	switch c.DateParsePolicy {
	case "warn", "raise":
	default:
		return fmt.Errorf("invalid date parse policy %q: want warn or raise", c.DateParsePolicy)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// Options converts the configuration to conversion options.
func (c *Config) Options() []fhirflat.Option {
	return []fhirflat.Option{
		fhirflat.WithDateFormat(c.DateFormat),
		fhirflat.WithTimezone(c.Timezone),
		fhirflat.WithDateParsePolicy(fhirflat.ParseDateParsePolicy(c.DateParsePolicy)),
		fhirflat.WithSubjectID(c.SubjectID),
		fhirflat.WithParallel(c.Parallel),
		fhirflat.WithWorkerCount(c.Workers),
	}
}

// Level returns the configured log level.
func (c *Config) Level() logger.Level {
	level, _ := logger.ParseLevel(c.LogLevel)
	return level
}
