package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/meigma/volcache"
	"github.com/meigma/volcache/archive"
	"github.com/meigma/volcache/resolve"
)

// fileConfig is the YAML configuration file layout.
type fileConfig struct {
	Root             string `yaml:"root"`
	Scope            string `yaml:"scope"`
	MaxKeyLength     int    `yaml:"max_key_length"`
	MatchMode        string `yaml:"match_mode"`
	Archiver         string `yaml:"archiver"`
	Tar              string `yaml:"tar"`
	LZ4              string `yaml:"lz4"`
	StaleReservation string `yaml:"stale_reservation"`
	LogLevel         string `yaml:"log_level"`
	Verify           *bool  `yaml:"verify"`
}

// defaultFileConfig returns the settings used before the file and flags are
// applied, taking the store root and scope from the environment.
func defaultFileConfig(getenv func(string) string) fileConfig {
	env := volcache.ConfigFromEnv(getenv)
	return fileConfig{
		Root:         env.Root,
		Scope:        env.Scope,
		MaxKeyLength: env.MaxKeyLength,
		MatchMode:    env.MatchMode.String(),
		Archiver:     "exec",
		LogLevel:     "info",
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadConfig reads path over cfg. ${VAR} references are expanded from
// getenv before parsing; unknown variables expand to nothing.
func loadConfig(path string, cfg fileConfig, getenv func(string) string) (fileConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return getenv(name)
	})
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// options converts cfg into cache options.
func (cfg fileConfig) options(logger *slog.Logger) ([]volcache.Option, error) {
	mode, err := resolve.ParseMode(cfg.MatchMode)
	if err != nil {
		return nil, err
	}
	opts := []volcache.Option{
		volcache.WithRoot(cfg.Root),
		volcache.WithScope(cfg.Scope),
		volcache.WithMatchMode(mode),
		volcache.WithLogger(logger),
	}
	if cfg.MaxKeyLength != 0 {
		opts = append(opts, volcache.WithMaxKeyLength(cfg.MaxKeyLength))
	}
	if cfg.Verify != nil {
		opts = append(opts, volcache.WithVerify(*cfg.Verify))
	}
	if cfg.StaleReservation != "" {
		d, err := time.ParseDuration(cfg.StaleReservation)
		if err != nil {
			return nil, fmt.Errorf("stale_reservation: %w", err)
		}
		opts = append(opts, volcache.WithStaleReservation(d))
	}

	switch cfg.Archiver {
	case "", "exec":
		execOpts := []archive.ExecOption{archive.ExecWithLogger(logger)}
		if cfg.Tar != "" {
			execOpts = append(execOpts, archive.ExecWithTar(cfg.Tar))
		}
		if cfg.LZ4 != "" {
			execOpts = append(execOpts, archive.ExecWithLZ4(cfg.LZ4))
		}
		execOpts = append(execOpts, archive.ExecWithVerbose(logger.Enabled(context.Background(), slog.LevelDebug)))
		opts = append(opts, volcache.WithArchiver(archive.NewExec(execOpts...)))
	case "native":
		opts = append(opts, volcache.WithArchiver(archive.NewNative(archive.NativeWithLogger(logger))))
	default:
		return nil, fmt.Errorf("unknown archiver %q (want exec or native)", cfg.Archiver)
	}
	return opts, nil
}

// level parses the configured log level.
func (cfg fileConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
