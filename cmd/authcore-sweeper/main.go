// authcore-sweeper periodically removes one-time code and single-use token
// records that are past their retention window. It reads the same YAML
// configuration as the service embedding authcore; key material may come
// from AUTHCORE_* environment variables instead of the file.
//
// Every delete is conditional on the record still being expired, so the
// sweeper can run next to live traffic and several replicas may run at once.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	redisAddr  string
	interval   time.Duration
	once       bool
	dev        bool
	logLevel   string
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("authcore-sweeper", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the authcore YAML configuration")
	flagSet.StringVar(&opts.redisAddr, "redis-addr", "", "redis address (default: REDIS_ADDR)")
	flagSet.DurationVar(&opts.interval, "interval", 0, "override sweeper.interval from the configuration")
	flagSet.BoolVar(&opts.once, "once", false, "run a single pass and exit")
	flagSet.BoolVar(&opts.dev, "dev", false, "use an in-process miniredis when no address is given")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.redisAddr == "" {
		opts.redisAddr = os.Getenv("REDIS_ADDR")
	}
	return opts, nil
}

func loadConfig(path string) (authcore.Config, error) {
	var raw []byte
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return authcore.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := authcore.DecodeConfig(raw)
	if err != nil {
		return authcore.Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return authcore.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return authcore.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	interval := cfg.Sweeper.Interval
	if opts.interval > 0 {
		interval = opts.interval
	}

	addr := opts.redisAddr
	if addr == "" {
		if !opts.dev {
			return errors.New("no redis address: set --redis-addr or REDIS_ADDR, or pass --dev")
		}
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		logger.Warn("using in-process miniredis", "addr", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	sweeper := stores.NewSweeper(client, cfg.Session.RedisPrefix,
		max(cfg.OTP.Retention, cfg.Tokens.Retention), cfg.Sweeper.BatchSize)

	logger.Info("sweeper starting",
		"prefix", cfg.Session.RedisPrefix,
		"interval", interval.String(),
		"batch_size", cfg.Sweeper.BatchSize,
		"once", opts.once)

	if opts.once {
		_, err := sweepOnce(ctx, sweeper, logger)
		return err
	}
	return loop(ctx, sweeper, interval, logger)
}

type sweepRunner interface {
	Sweep(ctx context.Context) (stores.SweepStats, error)
}

func sweepOnce(ctx context.Context, s sweepRunner, logger *slog.Logger) (stores.SweepStats, error) {
	start := time.Now()
	stats, err := s.Sweep(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err, "scanned", stats.Scanned)
		return stats, err
	}
	logger.Info("sweep finished",
		"scanned", stats.Scanned,
		"otp_deleted", stats.OTPDeleted,
		"token_deleted", stats.TokenDeleted,
		"index_pruned", stats.IndexPruned,
		"took", time.Since(start).Round(time.Millisecond).String())
	return stats, nil
}

// loop sweeps immediately and then on every tick until ctx ends. A failed
// pass is logged and retried on the next tick.
func loop(ctx context.Context, s sweepRunner, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := sweepOnce(ctx, s, logger); err != nil && ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return nil
		case <-ticker.C:
		}
	}
}
