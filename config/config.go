// Package config loads the settings of a shardql session from a YAML file,
// SHARDQL_ environment variables and command-line flags.
//
// Precedence, highest first: flags, environment, file, defaults.
package config

import (
	stdsql "database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/syssam/shardql"
	"github.com/syssam/shardql/command"
	"github.com/syssam/shardql/compiler"
	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/sharding"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "SHARDQL_"

// DefaultFile is the file read by Load when no path is given and it exists
// in the working directory.
const DefaultFile = "shardql.yaml"

// Config holds the settings of a session.
type Config struct {
	Driver         string        `koanf:"driver"`
	DSN            string        `koanf:"dsn"`
	Dialect        string        `koanf:"dialect"`
	BulkCount      int           `koanf:"bulk_count"`
	InlineLiterals bool          `koanf:"inline_literals"`
	AliasStart     string        `koanf:"alias_start"`
	UnionMark      string        `koanf:"union_mark"`
	SlowThreshold  time.Duration `koanf:"slow_threshold"`
	LogLevel       string        `koanf:"log_level"`
	ShardingFile   string        `koanf:"sharding_file"`
	// Debug logs every statement at debug level.
	Debug bool `koanf:"debug"`
	// Stats collects statement statistics, read with sql.StatsOf on the
	// session driver.
	Stats bool              `koanf:"stats"`
	Vars  map[string]string `koanf:"vars"`
}

// defaults of the keys without a zero default.
func defaults() map[string]any {
	return map[string]any{
		"bulk_count":  command.DefaultBulkCount,
		"alias_start": "a",
		"log_level":   "info",
	}
}

// Load reads the configuration. An empty path reads DefaultFile when it
// exists. Only the flags of fs that were set override other sources; flag
// names use dashes for the underscores of keys.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}
	// SHARDQL_BULK_COUNT -> bulk_count
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}
	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("config: loading flags: %w", err)
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Flags registers the flags read by Load on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String("driver", "", "database/sql driver name (postgres, pgx, mysql, sqlite, sqlserver)")
	fs.String("dsn", "", "data source name")
	fs.String("dialect", "", "SQL dialect, derived from the driver when empty")
	fs.Int("bulk-count", command.DefaultBulkCount, "rows per batch statement")
	fs.Bool("inline-literals", false, "render constants as SQL literals")
	fs.String("alias-start", "a", "first letter of table aliases")
	fs.String("union-mark", "", "text joining the copies of fanned-out selects")
	fs.Duration("slow-threshold", 0, "log statements slower than this duration")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("sharding-file", "", "YAML file of sharding rules")
	fs.Bool("debug", false, "log every statement at debug level")
	fs.Bool("stats", false, "collect statement statistics")
	fs.StringToString("vars", nil, "session variables set before every statement (name=value,...)")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.BulkCount <= 0 {
		errs = append(errs, fmt.Errorf("bulk_count must be positive, got %d", c.BulkCount))
	}
	if len(c.AliasStart) != 1 || c.AliasStart[0] < 'a' || c.AliasStart[0] > 'z' {
		errs = append(errs, fmt.Errorf("alias_start must be a lower-case letter, got %q", c.AliasStart))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SlowThreshold < 0 {
		errs = append(errs, fmt.Errorf("slow_threshold must not be negative, got %s", c.SlowThreshold))
	}
	if c.Dialect != "" {
		if _, ok := dialect.Get(c.Dialect); !ok {
			errs = append(errs, &dialect.UnknownDialectError{Name: c.Dialect, Available: dialect.List()})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Provider returns the dialect of the configuration: the dialect key, or
// the dialect of the driver.
func (c *Config) Provider() (*dialect.Provider, error) {
	if c.Dialect != "" {
		p, ok := dialect.Get(c.Dialect)
		if !ok {
			return nil, &dialect.UnknownDialectError{Name: c.Dialect, Available: dialect.List()}
		}
		return p, nil
	}
	if c.Driver == "" {
		return nil, errors.New("config: driver is required")
	}
	return dialect.Resolve(c.Driver)
}

// Level returns the slog level of log_level.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Resolver returns the sharding resolver of the configuration. The rules
// of sharding_file are bound to the given model types by Go type name.
func (c *Config) Resolver(log *slog.Logger, models ...any) (*sharding.Resolver, error) {
	p, err := c.Provider()
	if err != nil {
		return nil, err
	}
	opts := []sharding.Option{sharding.WithLogger(orDiscard(log))}
	if c.ShardingFile != "" {
		f, err := sharding.ReadFile(c.ShardingFile)
		if err != nil {
			return nil, err
		}
		fopts, err := f.Options(models...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fopts...)
	}
	if c.UnionMark != "" {
		opts = append(opts, sharding.WithUnionMark(c.UnionMark))
	}
	return sharding.New(p, opts...), nil
}

// OpenDriver opens the database of the configuration. Statements slower than
// slow_threshold are logged to log, and so is every statement with debug.
func (c *Config) OpenDriver(log *slog.Logger) (dialect.Driver, error) {
	p, err := c.Provider()
	if err != nil {
		return nil, err
	}
	if c.Driver == "" {
		return nil, errors.New("config: driver is required")
	}
	db, err := stdsql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", c.Driver, err)
	}
	var drv dialect.Driver = sql.OpenDB(p.Name, db)
	switch {
	case c.SlowThreshold > 0:
		drv = sql.NewStatsDriver(drv,
			sql.WithSlowThreshold(c.SlowThreshold),
			sql.WithSlowQueryLogger(orDiscard(log)),
		)
	case c.Stats:
		drv = sql.NewStatsDriver(drv, sql.WithSlowThreshold(math.MaxInt64))
	}
	if c.Debug {
		drv = sql.NewDebugDriver(drv, sql.DebugWithLogger(orDiscard(log)))
	}
	return drv, nil
}

// Open opens a session with the configuration.
func (c *Config) Open(log *slog.Logger, models ...any) (*shardql.Session, error) {
	r, err := c.Resolver(log, models...)
	if err != nil {
		return nil, err
	}
	drv, err := c.OpenDriver(log)
	if err != nil {
		return nil, err
	}
	s, err := shardql.New(drv, c.Options(log, r)...)
	if err != nil {
		return nil, errors.Join(err, drv.Close())
	}
	return s, nil
}

// Options returns the session options of the configuration.
func (c *Config) Options(log *slog.Logger, r *sharding.Resolver) []shardql.Option {
	opts := []shardql.Option{
		shardql.WithLogger(orDiscard(log)),
		shardql.WithBulkCount(c.BulkCount),
		shardql.WithCompiler(
			compiler.WithAliasStart(c.AliasStart[0]),
			compiler.WithInlineLiterals(c.InlineLiterals),
		),
	}
	if r != nil {
		opts = append(opts, shardql.WithResolver(r))
	}
	if len(c.Vars) > 0 {
		opts = append(opts, shardql.WithVars(c.Vars))
	}
	return opts
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
