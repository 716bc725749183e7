// Package pipeline resolves the symbols to process and runs the daily update.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"marketpipeline/internal/scope"
	"marketpipeline/internal/symbols"
	"marketpipeline/internal/task"
	"marketpipeline/internal/universe"
)

// Scope modes.
const (
	ModeDynamic = "dynamic"
	ModeManual  = "manual"
)

// DefaultRemovedLogLimit caps per-tier logging of rejected symbols.
const DefaultRemovedLogLimit = 200

// DefaultFallbackSymbols is the last-resort list used when nothing else resolves.
var DefaultFallbackSymbols = []string{"VNM", "MWG"}

// Tier identifies the resolution strategy that produced a symbol list.
type Tier string

const (
	TierExplicit Tier = "explicit"
	TierDynamic  Tier = "dynamic"
	TierManual   Tier = "manual"
	TierBuiltin  Tier = "builtin"
)

// Universe returns the full ticker universe.
type Universe interface {
	GetAllTickers(ctx context.Context, req universe.Request) ([]string, error)
}

// Listing supplies the catalog the scope filter works on.
type Listing interface {
	FetchCatalog(ctx context.Context, exchange string) (task.Table, error)
}

// ResolverConfig is read once per run.
type ResolverConfig struct {
	Mode string
	// ManualSymbols is the configured manual list, used by manual mode and as
	// the dynamic-mode fallback.
	ManualSymbols []string
	// FallbackSymbols is the last-resort list. Empty selects DefaultFallbackSymbols.
	FallbackSymbols []string
	// Universe is passed to the scanner in dynamic mode.
	Universe universe.Request
	// RemovedLogLimit caps rejected-symbol log lines per tier. Zero selects
	// DefaultRemovedLogLimit.
	RemovedLogLimit int
}

// Sources are the resolver's collaborators. Universe, Listing and Scope are
// only used in dynamic mode; a nil Listing or Scope skips scope filtering.
type Sources struct {
	Validator *symbols.Validator
	Universe  Universe
	Listing   Listing
	Scope     *scope.Filter
	Logger    zerolog.Logger
}

// Attempt records one tier that did not produce the final list.
type Attempt struct {
	Tier Tier
	Err  error
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Symbols  []string
	Tier     Tier
	Removed  []symbols.Removed
	Attempts []Attempt
}

// Resolver implements the tiered symbol fallback chain:
// explicit list, then dynamic or manual mode, then manual fallback, then the
// built-in list.
type Resolver struct {
	cfg ResolverConfig
	src Sources
	log zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig, src Sources) *Resolver {
	if cfg.RemovedLogLimit == 0 {
		cfg.RemovedLogLimit = DefaultRemovedLogLimit
	}
	if len(cfg.FallbackSymbols) == 0 {
		cfg.FallbackSymbols = DefaultFallbackSymbols
	}
	if src.Validator == nil {
		src.Validator = symbols.NewValidator(nil)
	}
	return &Resolver{
		cfg: cfg,
		src: src,
		log: src.Logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the validated symbols to process. An explicit list wins and
// is never replaced by a fallback. The only error is a *FatalConfigurationError.
func (r *Resolver) Resolve(ctx context.Context, explicit []string) (Resolution, error) {
	var res Resolution

	if len(explicit) > 0 {
		valid := r.validate(ctx, &res, TierExplicit, explicit)
		if len(valid) == 0 {
			return res, fatal(TierExplicit, "no valid symbols in explicit list", symbols.ErrNoValidSymbols)
		}
		return r.resolved(res, TierExplicit, valid), nil
	}

	switch strings.ToLower(strings.TrimSpace(r.cfg.Mode)) {
	case ModeDynamic:
		return r.resolveDynamic(ctx, res)
	default:
		return r.resolveManual(ctx, res)
	}
}

func (r *Resolver) resolveDynamic(ctx context.Context, res Resolution) (Resolution, error) {
	valid, err := r.dynamic(ctx, &res)
	if err != nil {
		r.log.Error().Err(err).Str("tier", string(TierDynamic)).Msg("dynamic resolution failed")
		res.Attempts = append(res.Attempts, Attempt{Tier: TierDynamic, Err: err})

		if len(r.cfg.ManualSymbols) == 0 {
			return res, fatal(TierDynamic, "dynamic resolution failed and no manual symbols are configured", err)
		}
		valid = r.validate(ctx, &res, TierManual, r.cfg.ManualSymbols)
		if len(valid) == 0 {
			return res, fatal(TierManual, "no valid symbols in manual fallback", errors.Join(err, symbols.ErrNoValidSymbols))
		}
		r.log.Warn().Int("count", len(valid)).Str("tier", string(TierManual)).Msg("falling back to manual symbols after dynamic failure")
		return r.resolved(res, TierManual, valid), nil
	}

	if len(valid) > 0 {
		return r.resolved(res, TierDynamic, valid), nil
	}

	r.log.Error().Str("tier", string(TierDynamic)).Msg("no valid symbols after dynamic filtering, falling back")
	res.Attempts = append(res.Attempts, Attempt{Tier: TierDynamic, Err: symbols.ErrNoValidSymbols})

	tier, list := TierManual, r.cfg.ManualSymbols
	if len(list) == 0 {
		tier, list = TierBuiltin, r.cfg.FallbackSymbols
	}
	valid = r.validate(ctx, &res, tier, list)
	if len(valid) == 0 {
		return res, fatal(tier, "no valid symbols in fallback list", symbols.ErrNoValidSymbols)
	}
	return r.resolved(res, tier, valid), nil
}

// dynamic runs scan, scope filter and validation. Any step failing is returned.
func (r *Resolver) dynamic(ctx context.Context, res *Resolution) ([]string, error) {
	if r.src.Universe == nil {
		return nil, errors.New("no universe scanner configured")
	}
	tickers, err := r.src.Universe.GetAllTickers(ctx, r.cfg.Universe)
	if err != nil {
		return nil, fmt.Errorf("scan universe: %w", err)
	}
	r.log.Info().Int("count", len(tickers)).Msg("dynamic mode: market universe scanned")

	if r.src.Listing != nil && r.src.Scope != nil {
		listing, err := r.src.Listing.FetchCatalog(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("load listing for market scope: %w", err)
		}
		tickers, err = r.src.Scope.FilterSymbols(listing, tickers)
		if err != nil {
			return nil, fmt.Errorf("apply market scope: %w", err)
		}
	}

	valid := r.validate(ctx, res, TierDynamic, tickers)
	r.log.Info().Int("count", len(valid)).Msg("valid symbols after filtering")
	return valid, nil
}

func (r *Resolver) resolveManual(ctx context.Context, res Resolution) (Resolution, error) {
	valid := r.validate(ctx, &res, TierManual, r.cfg.ManualSymbols)
	if len(valid) > 0 {
		return r.resolved(res, TierManual, valid), nil
	}

	res.Attempts = append(res.Attempts, Attempt{Tier: TierManual, Err: symbols.ErrNoValidSymbols})
	builtin := make([]string, len(r.cfg.FallbackSymbols))
	for i, s := range r.cfg.FallbackSymbols {
		builtin[i] = symbols.Normalize(s)
	}
	r.log.Error().Strs("symbols", builtin).Msg("manual mode has no valid symbols, using built-in list")
	return r.resolved(res, TierBuiltin, builtin), nil
}

func (r *Resolver) validate(ctx context.Context, res *Resolution, tier Tier, raw []string) []string {
	valid, removed := r.src.Validator.ValidateAndFilter(ctx, raw)
	res.Removed = append(res.Removed, removed...)
	symbols.LogRemoved(r.log, removed, r.cfg.RemovedLogLimit, string(tier))
	return valid
}

func (r *Resolver) resolved(res Resolution, tier Tier, valid []string) Resolution {
	res.Symbols = valid
	res.Tier = tier
	r.log.Info().Str("tier", string(tier)).Int("count", len(valid)).Msg("symbols resolved")
	return res
}
