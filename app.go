package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"marketpipeline/internal/config"
	"marketpipeline/internal/fetcher"
	"marketpipeline/internal/indicators"
	"marketpipeline/internal/notify"
	"marketpipeline/internal/pipeline"
	"marketpipeline/internal/ratelimit"
	"marketpipeline/internal/retry"
	"marketpipeline/internal/scheduler"
	"marketpipeline/internal/scope"
	"marketpipeline/internal/storage"
	"marketpipeline/internal/symbols"
	"marketpipeline/internal/universe"
	"marketpipeline/internal/vci"
)

// telegramRate keeps under the Bot API's per-chat limit.
var telegramRate = rate.Every(time.Second)

// app holds everything one run needs. Config is read once per app.
type app struct {
	cfg      *config.Config
	provider *vci.Client
	scanner  *universe.Scanner
	db       *storage.SQLite
	telegram *notify.Telegram
	orch     *pipeline.Orchestrator
}

func newApp(cfg *config.Config, log zerolog.Logger, fs afero.Fs, forceRefresh bool) (*app, error) {
	limits := map[ratelimit.API]rate.Limit{ratelimit.APITelegram: telegramRate}
	if cfg.Provider.RatePerSecond > 0 {
		limits[ratelimit.APIMarketData] = rate.Limit(cfg.Provider.RatePerSecond)
	}
	limiter := ratelimit.New(limits)

	provider := vci.New(vci.Options{
		BaseURL:    cfg.Provider.BaseURL,
		Timeout:    cfg.Provider.Timeout,
		RetryCount: cfg.Provider.RetryCount,
		Limiter:    limiter,
		Logger:     log,
	})

	loc, err := scheduler.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}
	scanner := universe.NewScanner(provider, universe.NewStore(fs, cfg.DataPaths.Cache), universe.Options{
		MaxStaleDays: cfg.MarketScope.MaxStaleDays,
		Location:     loc,
		Logger:       log,
	})

	resolver := pipeline.NewResolver(pipeline.ResolverConfig{
		Mode:            cfg.MarketScope.Mode,
		ManualSymbols:   cfg.ManualSymbols(),
		Universe:        cfg.UniverseRequest(forceRefresh),
		RemovedLogLimit: cfg.MarketScope.RemovedSymbolsLogLimit,
	}, pipeline.Sources{
		Validator: symbols.NewValidator(provider),
		Universe:  scanner,
		Listing:   provider,
		Scope:     scope.NewFilter(cfg.ScopeConfig(), log),
		Logger:    log,
	})

	db, err := storage.OpenSQLite(cfg.DataPaths.Database, log)
	if err != nil {
		provider.Close()
		return nil, err
	}

	notifiers := notify.Multi{notify.NewLog(log)}
	var telegram *notify.Telegram
	if cfg.TelegramEnabled() {
		telegram, err = notify.NewTelegram(notify.TelegramOptions{
			Token:   cfg.Notify.TelegramToken,
			ChatID:  cfg.Notify.TelegramChatID,
			BaseURL: cfg.Notify.TelegramBaseURL,
			Limiter: limiter,
			Logger:  log,
		})
		if err != nil {
			db.Close()
			provider.Close()
			return nil, err
		}
		notifiers = append(notifiers, telegram)
	}

	// the orchestrator owns retries; a second layer inside the extractor
	// would multiply provider calls
	extractor := fetcher.NewPriceExtractor(provider, fetcher.PriceOptions{
		Retry:  retry.Policy{MaxAttempts: 1},
		Quotes: provider,
		Logger: log,
	})

	orch := pipeline.NewOrchestrator(pipeline.RunConfig{
		StartDate:   cfg.Start(),
		EndDate:     cfg.End(),
		Resolution:  cfg.Resolution,
		Workers:     cfg.Performance.MaxConcurrentRequests,
		Retry:       cfg.RetryPolicy(),
		MarketTypes: cfg.MarketTypes(),
	}, pipeline.Deps{
		Resolver:  resolver,
		Extractor: extractor,
		Enricher:  indicators.New(log),
		Writer:    storage.NewFallback(db, storage.NewCSV(fs, cfg.DataPaths.Processed), log),
		Notifier:  notifiers,
		Archive:   storage.NewArchive(fs, cfg.DataPaths.Raw),
		Market:    fetcher.NewBreadthExtractor(provider, log),
		Logger:    log,
	})

	return &app{
		cfg:      cfg,
		provider: provider,
		scanner:  scanner,
		db:       db,
		telegram: telegram,
		orch:     orch,
	}, nil
}

// Close releases connections and the database.
func (a *app) Close() error {
	var errs []error
	if a.telegram != nil {
		errs = append(errs, a.telegram.Close())
	}
	errs = append(errs, a.provider.Close(), a.db.Close())
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
