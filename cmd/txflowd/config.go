package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/txflow/pkg/sweeper"
)

const (
	backendMemory   = "memory"
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
	backendRedis    = "redis"
	backendMongo    = "mongo"
)

type config struct {
	Backend string
	Addr    string

	SQLiteDSN   string
	PostgresDSN string
	RedisAddr   string
	RedisPrefix string
	MongoURI    string
	MongoDB     string

	// Workers is the number of queue consumers. Zero serves every request
	// inline.
	Workers     int
	MaxAttempts int
	LeaseTTL    time.Duration

	SweepSchedule string
	Demo          bool
	LogLevel      slog.Level
}

// fileConfig is the YAML file named by TXFLOW_CONFIG. Keys mirror the
// TXFLOW_* variables in lower case.
type fileConfig struct {
	Backend       string `yaml:"backend"`
	Addr          string `yaml:"addr"`
	SQLiteDSN     string `yaml:"sqlite_dsn"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPrefix   string `yaml:"redis_prefix"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDB       string `yaml:"mongo_db"`
	Workers       *int   `yaml:"workers"`
	MaxAttempts   *int   `yaml:"max_attempts"`
	LeaseTTL      string `yaml:"lease_ttl"`
	SweepSchedule string `yaml:"sweep_schedule"`
	Demo          *bool  `yaml:"demo"`
	LogLevel      string `yaml:"log_level"`
}

func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	vals := map[string]string{
		"BACKEND":        fc.Backend,
		"ADDR":           fc.Addr,
		"SQLITE_DSN":     fc.SQLiteDSN,
		"POSTGRES_DSN":   fc.PostgresDSN,
		"REDIS_ADDR":     fc.RedisAddr,
		"REDIS_PREFIX":   fc.RedisPrefix,
		"MONGO_URI":      fc.MongoURI,
		"MONGO_DB":       fc.MongoDB,
		"LEASE_TTL":      fc.LeaseTTL,
		"SWEEP_SCHEDULE": fc.SweepSchedule,
		"LOG_LEVEL":      fc.LogLevel,
	}
	if fc.Workers != nil {
		vals["WORKERS"] = strconv.Itoa(*fc.Workers)
	}
	if fc.MaxAttempts != nil {
		vals["MAX_ATTEMPTS"] = strconv.Itoa(*fc.MaxAttempts)
	}
	if fc.Demo != nil {
		vals["DEMO"] = strconv.FormatBool(*fc.Demo)
	}
	return vals, nil
}

// loadConfig layers defaults, the TXFLOW_CONFIG file, TXFLOW_* variables
// and finally the flags in args.
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (config, error) {
	file := map[string]string{}
	if path := getenv("TXFLOW_CONFIG"); path != "" {
		var err error
		if file, err = readConfigFile(path); err != nil {
			return config{}, err
		}
	}
	env := func(key, def string) string {
		if v := getenv("TXFLOW_" + key); v != "" {
			return v
		}
		if v := file[key]; v != "" {
			return v
		}
		return def
	}

	workers, err := envInt(env, "WORKERS", 4)
	if err != nil {
		return config{}, err
	}
	attempts, err := envInt(env, "MAX_ATTEMPTS", 5)
	if err != nil {
		return config{}, err
	}
	lease, err := time.ParseDuration(env("LEASE_TTL", "30s"))
	if err != nil {
		return config{}, fmt.Errorf("TXFLOW_LEASE_TTL: %w", err)
	}
	demo, err := strconv.ParseBool(env("DEMO", "false"))
	if err != nil {
		return config{}, fmt.Errorf("TXFLOW_DEMO: %w", err)
	}

	var cfg config
	var level string
	fs := flag.NewFlagSet("txflowd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Backend, "backend", env("BACKEND", backendMemory), "storage backend: memory, sqlite, postgres, redis or mongo")
	fs.StringVar(&cfg.Addr, "addr", env("ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.SQLiteDSN, "sqlite-dsn", env("SQLITE_DSN", "file:txflow.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), "SQLite data source")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", env("POSTGRES_DSN", ""), "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", env("REDIS_ADDR", ""), "Redis address; also enables the shared event bus")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", env("REDIS_PREFIX", "txflow:"), "Redis key prefix")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", env("MONGO_URI", ""), "MongoDB connection URI")
	fs.StringVar(&cfg.MongoDB, "mongo-db", env("MONGO_DB", "txflow"), "MongoDB database")
	fs.IntVar(&cfg.Workers, "workers", workers, "queue consumers; 0 runs requests inline")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", attempts, "attempts per queued task")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", lease, "task lease duration")
	fs.StringVar(&cfg.SweepSchedule, "sweep-schedule", env("SWEEP_SCHEDULE", sweeper.DefaultSchedule), "cron schedule of the retention sweeper")
	fs.BoolVar(&cfg.Demo, "demo", demo, "register the workflow_1 and workflow_2 demo workflows")
	fs.StringVar(&level, "log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return config{}, fmt.Errorf("log level: %w", err)
	}
	cfg.Backend = strings.ToLower(cfg.Backend)
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Backend {
	case backendMemory, backendSQLite:
	case backendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("backend %s needs -postgres-dsn", c.Backend)
		}
	case backendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("backend %s needs -redis-addr", c.Backend)
		}
	case backendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("backend %s needs -mongo-uri", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	return nil
}

func envInt(env func(string, string) string, key string, def int) (int, error) {
	n, err := strconv.Atoi(env(key, strconv.Itoa(def)))
	if err != nil {
		return 0, fmt.Errorf("TXFLOW_%s: %w", key, err)
	}
	return n, nil
}
