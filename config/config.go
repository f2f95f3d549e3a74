// Package config loads arbsync settings from a file, ARBSYNC_ environment
// variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"arbsync/logging"
)

var ErrInvalid = errors.New("config: invalid")

const (
	CacheMemory   = "memory"
	CacheHTTP     = "http"
	CachePostgres = "postgres"
)

type Config struct {
	Ledger LedgerConfig   `mapstructure:"ledger"`
	Cache  CacheConfig    `mapstructure:"cache"`
	Queue  QueueConfig    `mapstructure:"queue"`
	Watch  WatchConfig    `mapstructure:"watch"`
	API    APIConfig      `mapstructure:"api"`
	Log    logging.Config `mapstructure:"log"`
}

type LedgerConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	Arbitrator         string        `mapstructure:"arbitrator"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxBlockRange      uint64        `mapstructure:"max_block_range"`
	TimestampCacheSize int           `mapstructure:"timestamp_cache_size"`
	// CallConcurrency bounds parallel contract reads per fan-out.
	CallConcurrency int `mapstructure:"call_concurrency"`
}

// ArbitratorAddress is only meaningful after Validate.
func (c LedgerConfig) ArbitratorAddress() common.Address {
	return common.HexToAddress(c.Arbitrator)
}

type CacheConfig struct {
	Kind     string        `mapstructure:"kind"`
	BaseURL  string        `mapstructure:"base_url"`
	DSN      string        `mapstructure:"dsn"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxConns int32         `mapstructure:"max_conns"`
}

type QueueConfig struct {
	// MaxDepth of zero leaves the queue unbounded.
	MaxDepth int `mapstructure:"max_depth"`
}

type WatchConfig struct {
	RetryBase time.Duration `mapstructure:"retry_base"`
	RetryMax  int           `mapstructure:"retry_max"`
}

type APIConfig struct {
	Addr         string        `mapstructure:"addr"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ARBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.arbitrator", "")
	v.SetDefault("ledger.poll_interval", 4*time.Second)
	v.SetDefault("ledger.max_block_range", 5000)
	v.SetDefault("ledger.timestamp_cache_size", 4096)
	v.SetDefault("ledger.call_concurrency", 8)
	v.SetDefault("cache.kind", CacheMemory)
	v.SetDefault("cache.base_url", "")
	v.SetDefault("cache.dsn", "")
	v.SetDefault("cache.timeout", 10*time.Second)
	v.SetDefault("cache.max_conns", 8)
	v.SetDefault("queue.max_depth", 0)
	v.SetDefault("watch.retry_base", 500*time.Millisecond)
	v.SetDefault("watch.retry_max", 5)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.token_ttl", 24*time.Hour)
	v.SetDefault("api.challenge_ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	return v
}

// Load reads path, when given, into v and returns the validated settings.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func (c Config) Validate() error {
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("%w: ledger.rpc_url is required", ErrInvalid)
	}
	if !common.IsHexAddress(c.Ledger.Arbitrator) {
		return fmt.Errorf("%w: ledger.arbitrator %q is not an address", ErrInvalid, c.Ledger.Arbitrator)
	}
	switch c.Cache.Kind {
	case CacheMemory:
	case CacheHTTP:
		if c.Cache.BaseURL == "" {
			return fmt.Errorf("%w: cache.base_url is required for the http cache", ErrInvalid)
		}
	case CachePostgres:
		if c.Cache.DSN == "" {
			return fmt.Errorf("%w: cache.dsn is required for the postgres cache", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown cache.kind %q", ErrInvalid, c.Cache.Kind)
	}
	if c.Queue.MaxDepth < 0 {
		return fmt.Errorf("%w: queue.max_depth must not be negative", ErrInvalid)
	}
	return nil
}
