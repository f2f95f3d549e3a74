package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"arbsync/cache"
	"arbsync/config"
	"arbsync/db"
	"arbsync/ledger"
	"arbsync/logging"
	"arbsync/syncer"
)

var (
	flagConfig string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "arbitration sync daemon and inspection tools",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to a config file")
	pf.String("rpc-url", "", "ledger JSON-RPC endpoint")
	pf.String("arbitrator", "", "arbitrator contract address")
	pf.String("cache", "", "cache backend: memory, http or postgres")
	pf.String("log-level", "", "log level")
	bindFlags(v, map[string]string{
		"ledger.rpc_url":    "rpc-url",
		"ledger.arbitrator": "arbitrator",
		"cache.kind":        "cache",
		"log.level":         "log-level",
	})

	rootCmd.AddCommand(serveCmd, disputeCmd, notificationsCmd)
}

// bindFlags lets a flag override the file and environment value of key only
// when it is set on the command line.
func bindFlags(v *viper.Viper, keys map[string]string) {
	for key, flag := range keys {
		_ = v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}
}

func loadConfig() (config.Config, error) {
	conf, err := config.Load(v, flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	logging.InitConfig(conf.Log)
	return conf, nil
}

// stack holds the collaborators shared by every command.
type stack struct {
	ledger  *ledger.EthClient
	store   cache.Store
	syncer  *syncer.Service
	closers []func()
}

func (s *stack) Close() {
	if s.syncer != nil {
		s.syncer.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStack(ctx context.Context, conf config.Config) (*stack, error) {
	s := &stack{}
	l, err := ledger.Dial(ctx, conf.Ledger.RPCURL,
		ledger.WithTimestampCacheSize(conf.Ledger.TimestampCacheSize),
		ledger.WithCallConcurrency(conf.Ledger.CallConcurrency))
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	s.ledger = l
	s.closers = append(s.closers, l.Close)

	switch conf.Cache.Kind {
	case config.CacheMemory:
		s.store = cache.NewMemoryStore()
	case config.CacheHTTP:
		hs := cache.NewHTTPStore(conf.Cache.BaseURL, cache.WithTimeout(conf.Cache.Timeout))
		s.store = hs
		s.closers = append(s.closers, hs.Close)
	case config.CachePostgres:
		pool, err := db.NewPool(ctx, conf.Cache.DSN, conf.Cache.MaxConns)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open cache database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		pg := cache.NewPGStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate cache database: %w", err)
		}
		s.store = pg
	default:
		s.Close()
		return nil, errors.New("unknown cache kind " + conf.Cache.Kind)
	}

	s.syncer = syncer.New(l, s.store, syncer.Config{
		Arbitrator:    conf.Ledger.ArbitratorAddress(),
		PollInterval:  conf.Ledger.PollInterval,
		MaxBlockRange: conf.Ledger.MaxBlockRange,
		MaxQueueDepth: conf.Queue.MaxDepth,
		RetryBase:     conf.Watch.RetryBase,
		RetryMax:      conf.Watch.RetryMax,
		Concurrency:   conf.Ledger.CallConcurrency,
	})
	return s, nil
}
