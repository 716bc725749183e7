package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"marketpipeline/internal/config"
	"marketpipeline/internal/logger"
	"marketpipeline/internal/quality"
	"marketpipeline/internal/scheduler"
	"marketpipeline/internal/storage"
)

type options struct {
	configFile   string
	envFile      string
	symbols      string
	date         string
	parallel     int
	once         bool
	forceRefresh bool
	cacheInfo    bool
	clearCache   bool
	market       bool
	quality      bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("marketpipeline", pflag.ContinueOnError)
	fs.StringVar(&o.configFile, "config", "", "YAML config file (default: search config/pipeline.yaml, ./pipeline.yaml)")
	fs.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded when present")
	fs.StringVar(&o.symbols, "symbols", "all", "comma-separated symbols, or 'all' to resolve from config")
	fs.StringVar(&o.date, "date", "", "single trading day YYYY-MM-DD, overrides start_date and end_date")
	fs.IntVar(&o.parallel, "parallel", 0, "worker count (>= 1), overrides performance.max_concurrent_requests")
	fs.BoolVar(&o.once, "once", false, "run one update and exit instead of waiting for the schedule")
	fs.BoolVar(&o.forceRefresh, "force-refresh", false, "ignore today's ticker cache and fetch a fresh listing")
	fs.BoolVar(&o.cacheInfo, "cache-info", false, "print ticker cache info and exit")
	fs.BoolVar(&o.clearCache, "clear-cache", false, "delete the ticker cache and exit")
	fs.BoolVar(&o.market, "market", false, "also fetch market breadth, sector and foreign flow tables")
	fs.BoolVar(&o.quality, "validate-quality", false, "print a data quality report for stored symbols and exit")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.Changed("parallel") && o.parallel < 1 {
		return o, errors.New("--parallel must be >= 1")
	}
	return o, nil
}

// explicitSymbols returns nil for "all" so the configured tiers apply.
func explicitSymbols(arg string) []string {
	if strings.EqualFold(strings.TrimSpace(arg), "all") {
		return nil
	}
	var out []string
	for _, s := range strings.Split(arg, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

func main() {
	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx, os.Args[1:], afero.NewOsFs(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, fs afero.Fs, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts, fs)
	if err != nil {
		return err
	}

	log, closer, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		File:   cfg.LogFile(),
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.SetGlobalLogger(log)

	if opts.cacheInfo || opts.clearCache {
		return cacheCommand(cfg, log, fs, opts, stdout)
	}
	if opts.quality {
		return qualityCommand(ctx, cfg, log, explicitSymbols(opts.symbols), stdout)
	}

	job := scheduler.JobFunc{
		JobName: "daily_update",
		Fn: func(ctx context.Context) error {
			return runOnce(ctx, opts, fs, log, stdout)
		},
	}

	if opts.once {
		return job.Run(ctx)
	}

	loc, err := scheduler.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return err
	}
	s := scheduler.New(loc, log)
	if err := s.AddJob(cfg.Schedule.Cron, job); err != nil {
		return err
	}
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func loadConfig(opts options, fs afero.Fs) (*config.Config, error) {
	cfg, err := config.Load(config.Options{ConfigFile: opts.configFile, EnvFile: opts.envFile, Fs: fs})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.date != "" {
		if err := cfg.OverrideDates(opts.date, opts.date); err != nil {
			return nil, err
		}
	}
	if opts.market {
		cfg.MarketData.Enabled = true
	}
	return cfg, nil
}

// runOnce reloads the configuration so each scheduled run sees fresh dates.
func runOnce(ctx context.Context, opts options, fs afero.Fs, log zerolog.Logger, stdout io.Writer) error {
	cfg, err := loadConfig(opts, fs)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log, fs, opts.forceRefresh)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	summary, err := a.orch.RunDailyUpdate(ctx, explicitSymbols(opts.symbols), opts.parallel)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func cacheCommand(cfg *config.Config, log zerolog.Logger, fs afero.Fs, opts options, stdout io.Writer) error {
	a, err := newApp(cfg, log, fs, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.clearCache {
		if err := a.scanner.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ticker cache cleared")
		return nil
	}

	info, ok := a.scanner.CacheInfo()
	if !ok {
		fmt.Fprintln(stdout, "no ticker cache")
		return nil
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func qualityCommand(ctx context.Context, cfg *config.Config, log zerolog.Logger, symbols []string, stdout io.Writer) error {
	db, err := storage.OpenSQLite(cfg.DataPaths.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	reports, err := quality.NewChecker(db, cfg.Start(), cfg.End(), log).CheckAll(ctx, symbols)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}
