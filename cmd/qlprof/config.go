package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/duckdb"
	"github.com/tinytelemetry/qlprof/internal/ingest"
	"github.com/tinytelemetry/qlprof/internal/logsource"
	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/profile"
	"github.com/tinytelemetry/qlprof/internal/querynorm"
	"github.com/tinytelemetry/qlprof/internal/reducer"
)

const (
	defaultBindHost     = "127.0.0.1"
	defaultAPIPort      = 3000
	defaultQueryTimeout = model.DefaultQueryTimeout
	defaultLogLevel     = "info"
	defaultTopN         = model.DefaultTopN
	defaultGroupBy      = model.DefaultGranularity
	defaultWorkers      = 4
	defaultBatchSize    = 1000
	defaultMySQLNet     = "tcp"
	defaultMySQLAddr    = "127.0.0.1:3306"
	defaultMySQLDB      = "general_log"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath            string                `mapstructure:"db-path"`
	QueryTimeout      time.Duration         `mapstructure:"query-timeout"`
	LogLevel          string                `mapstructure:"log-level"`
	ReservedWordsFile string                `mapstructure:"reserved-words-file"`
	TopN              int                   `mapstructure:"top-n"`
	GroupBy           string                `mapstructure:"group-by"`
	Workers           int                   `mapstructure:"workers"`
	BatchSize         int                   `mapstructure:"batch-size"`
	SpoolDir          string                `mapstructure:"spool-dir"`
	MySQL             logsource.MySQLConfig `mapstructure:"mysql"`
	Reducer           reducer.Config        `mapstructure:"reducer"`
	Host              string                `mapstructure:"host"`
	APIPort           int                   `mapstructure:"api-port"`
	APIAddr           string                `mapstructure:"api-addr"`
	ReduceInterval    time.Duration         `mapstructure:"reduce-interval"`
	ConfigPath        string                `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	dataDir := filepath.Join(home, ".local", "share", "qlprof")

	v := viper.New()
	v.SetEnvPrefix("QLPROF")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	v.SetDefault("db-path", filepath.Join(dataDir, "qlprof.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("reserved-words-file", "")
	v.SetDefault("top-n", defaultTopN)
	v.SetDefault("group-by", defaultGroupBy)
	v.SetDefault("workers", defaultWorkers)
	v.SetDefault("batch-size", defaultBatchSize)
	v.SetDefault("spool-dir", filepath.Join(dataDir, "spool"))
	v.SetDefault("mysql.addr", defaultMySQLAddr)
	v.SetDefault("mysql.net", defaultMySQLNet)
	v.SetDefault("mysql.user", "")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", defaultMySQLDB)
	v.SetDefault("reducer.ignore-users", []string{})
	v.SetDefault("reducer.ignore-queries", []string{})
	v.SetDefault("reducer.unwanted-terms", []string{})
	v.SetDefault("reducer.unwanted-starts", []string{})
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("reduce-interval", time.Duration(0))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "qlprof", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.QueryTimeout <= 0 {
		return cfg, fmt.Errorf("invalid query-timeout: %s", cfg.QueryTimeout)
	}
	if cfg.TopN < 0 {
		return cfg, fmt.Errorf("invalid top-n: %d", cfg.TopN)
	}
	if _, err := profile.ParseGranularity(cfg.GroupBy); err != nil {
		return cfg, fmt.Errorf("invalid group-by: %q", cfg.GroupBy)
	}
	if cfg.Workers < 0 {
		return cfg, fmt.Errorf("invalid workers: %d", cfg.Workers)
	}
	if cfg.BatchSize < 0 {
		return cfg, fmt.Errorf("invalid batch-size: %d", cfg.BatchSize)
	}
	if cfg.ReduceInterval < 0 {
		return cfg, fmt.Errorf("invalid reduce-interval: %s", cfg.ReduceInterval)
	}
	if _, err := zap.ParseAtomicLevel(cfg.LogLevel); err != nil {
		return cfg, fmt.Errorf("invalid log-level: %q", cfg.LogLevel)
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.SpoolDir = expandHome(home, cfg.SpoolDir)
	cfg.ReservedWordsFile = expandHome(home, cfg.ReservedWordsFile)

	if cfg.Host == "" {
		cfg.Host = defaultBindHost
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func (c appConfig) pipelineConfig() ingest.PipelineConfig {
	return ingest.PipelineConfig{
		Workers:   c.Workers,
		BatchSize: c.BatchSize,
		SpoolDir:  c.SpoolDir,
	}
}

func (c appConfig) granularity() profile.Granularity {
	g, _ := profile.ParseGranularity(c.GroupBy)
	return g
}

func (c appConfig) reservedWords() (querynorm.ReservedWords, error) {
	if c.ReservedWordsFile == "" {
		return querynorm.DefaultReservedWords(), nil
	}
	return querynorm.LoadReservedWords(c.ReservedWordsFile)
}

func openStore(c appConfig, logger *zap.Logger) (*duckdb.Store, error) {
	store, err := duckdb.NewStore(c.DBPath, duckdb.WithLogger(logger), duckdb.WithQueryTimeout(c.QueryTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	return store, nil
}
