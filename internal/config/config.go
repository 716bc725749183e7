// Package config loads the pipeline configuration from a YAML file, a .env
// file and MDP_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"marketpipeline/internal/retry"
	"marketpipeline/internal/scope"
	"marketpipeline/internal/task"
	"marketpipeline/internal/universe"
)

// EnvPrefix prefixes every environment override, e.g. MDP_PERFORMANCE_MAX_RETRIES.
const EnvPrefix = "MDP"

// DateLayout is the format of start_date and end_date.
const DateLayout = "2006-01-02"

// Scope modes accepted by market_scope.mode.
const (
	ModeDynamic = "dynamic"
	ModeManual  = "manual"
)

// DataPaths are the on-disk locations the pipeline writes to.
type DataPaths struct {
	Raw       string `mapstructure:"raw"`
	Processed string `mapstructure:"processed"`
	Cache     string `mapstructure:"cache"`
	Database  string `mapstructure:"database"`
}

// Logging configures the logger.
type Logging struct {
	Level  string `mapstructure:"level"`
	Dir    string `mapstructure:"dir"`
	Pretty bool   `mapstructure:"pretty"`
}

// Filters narrow the scanned universe.
type Filters struct {
	ExcludePrefixes  []string `mapstructure:"exclude_prefixes"`
	InactiveKeywords []string `mapstructure:"inactive_keywords"`
	Types            []string `mapstructure:"types"`
}

// MarketScope selects how symbols are resolved.
type MarketScope struct {
	Mode                   string   `mapstructure:"mode"`
	Scope                  string   `mapstructure:"scope"`
	Symbols                []string `mapstructure:"symbols"`
	ForceRefresh           bool     `mapstructure:"force_refresh"`
	Exchanges              []string `mapstructure:"exchanges"`
	Filters                Filters  `mapstructure:"filters"`
	RemovedSymbolsLogLimit int      `mapstructure:"removed_symbols_log_limit"`
	MaxStaleDays           int      `mapstructure:"max_stale_days"`
}

// Performance bounds concurrency and retries.
type Performance struct {
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	BackoffFactor         float64       `mapstructure:"backoff_factor"`
}

// Provider configures the market data adapter.
type Provider struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Source        string        `mapstructure:"source"`
	// RetryCount is the transport-level retry count; negative disables.
	RetryCount int `mapstructure:"retry_count"`
}

// MarketData configures the market-wide run that follows the symbol run.
type MarketData struct {
	Enabled bool     `mapstructure:"enabled"`
	Types   []string `mapstructure:"types"`
}

// Notify configures the Telegram notifier. It is disabled unless both token
// and chat id are set.
type Notify struct {
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  string `mapstructure:"telegram_chat_id"`
	TelegramBaseURL string `mapstructure:"telegram_base_url"`
}

// Schedule configures the daily trigger.
type Schedule struct {
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

// Config holds all configuration for the pipeline.
type Config struct {
	Symbols     []string    `mapstructure:"symbols"`
	StartDate   string      `mapstructure:"start_date"`
	EndDate     string      `mapstructure:"end_date"`
	Resolution  string      `mapstructure:"resolution"`
	Retry       int         `mapstructure:"retry"`
	DataPaths   DataPaths   `mapstructure:"data_paths"`
	Logging     Logging     `mapstructure:"logging"`
	MarketScope MarketScope `mapstructure:"market_scope"`
	Performance Performance `mapstructure:"performance"`
	Provider    Provider    `mapstructure:"provider"`
	MarketData  MarketData  `mapstructure:"market_data"`
	Notify      Notify      `mapstructure:"notify"`
	Schedule    Schedule    `mapstructure:"schedule"`

	// market_scope_settings stays loosely typed; see ScopeConfig.
	settings map[string]any
	start    time.Time
	end      time.Time
}

// Options controls where Load reads from. Zero values search the defaults.
type Options struct {
	// ConfigFile is an explicit YAML file that must exist. Empty searches for
	// pipeline.yaml in ./config and ., and tolerates its absence.
	ConfigFile string
	// EnvFile is a dotenv file loaded when present. Empty means ".env".
	EnvFile string
	// Fs is the file system for both files. Nil uses the OS.
	Fs afero.Fs
	// Now supplies the default end date. Nil uses time.Now.
	Now func() time.Time
}

var defaults = map[string]any{
	"symbols":                                     []string{},
	"start_date":                                  "",
	"end_date":                                    "",
	"resolution":                                  "1D",
	"retry":                                       3,
	"data_paths.raw":                              "data/raw",
	"data_paths.processed":                        "data/processed",
	"data_paths.cache":                            "data/cache",
	"data_paths.database":                         "data/processed/market.db",
	"logging.level":                               "info",
	"logging.dir":                                 "",
	"logging.pretty":                              false,
	"market_scope.mode":                           ModeManual,
	"market_scope.scope":                          scope.All,
	"market_scope.symbols":                        []string{},
	"market_scope.force_refresh":                  false,
	"market_scope.exchanges":                      []string{},
	"market_scope.removed_symbols_log_limit":      200,
	"market_scope.max_stale_days":                 universe.DefaultMaxStaleDays,
	"market_scope_settings.upcom_max_symbols":     scope.DefaultUpcomMaxSymbols,
	"market_scope_settings.upcom_sort_by":         scope.DefaultUpcomSortBy,
	"performance.max_concurrent_requests":         1,
	"performance.max_retries":                     0,
	"performance.retry_delay":                     "1s",
	"performance.backoff_factor":                  2.0,
	"provider.base_url":                           "",
	"provider.timeout":                            "30s",
	"provider.rate_per_second":                    5.0,
	"provider.source":                             "vci",
	"provider.retry_count":                        3,
	"market_data.enabled":                         false,
	"market_data.types":                           []string{task.DataTypeBreadth, task.DataTypeMarketIndex, task.DataTypeForeignTrading},
	"notify.telegram_token":                       "",
	"notify.telegram_chat_id":                     "",
	"notify.telegram_base_url":                    "https://api.telegram.org",
	"schedule.cron":                               "0 18 * * *",
	"schedule.timezone":                           "Asia/Ho_Chi_Minh",
}

// Load reads configuration from defaults, the config file, the dotenv file and
// the environment, in increasing order of precedence.
//
// Besides MDP_<KEY> overrides (dots become underscores) these are recognised:
//   - MDP_SYMBOLS (comma separated)
//   - MDP_CACHE_DIR
//   - MDP_FORCE_REFRESH
//   - TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID
func Load(opts Options) (*Config, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := loadEnvFile(fs, opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetFs(fs)
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("data_paths.cache", EnvPrefix+"_CACHE_DIR", EnvPrefix+"_DATA_PATHS_CACHE")
	v.BindEnv("market_scope.force_refresh", EnvPrefix+"_FORCE_REFRESH", EnvPrefix+"_MARKET_SCOPE_FORCE_REFRESH")
	v.BindEnv("notify.telegram_token", "TELEGRAM_BOT_TOKEN", EnvPrefix+"_NOTIFY_TELEGRAM_TOKEN")
	v.BindEnv("notify.telegram_chat_id", "TELEGRAM_CHAT_ID", EnvPrefix+"_NOTIFY_TELEGRAM_CHAT_ID")

	if err := readConfigFile(v, fs, opts.ConfigFile); err != nil {
		return nil, err
	}

	config := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.settings = v.AllSettings()
	config.trimLists()

	if err := config.resolveDates(now); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadEnvFile(fs afero.Fs, path string) error {
	if path == "" {
		path = ".env"
	}
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	values, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	// existing environment wins, as with godotenv.Load
	for key, value := range values {
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
	return nil
}

func readConfigFile(v *viper.Viper, fs afero.Fs, path string) error {
	if path != "" {
		if ok, _ := afero.Exists(fs, path); !ok {
			return fmt.Errorf("config file %s not found", path)
		}
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("pipeline")
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (c *Config) trimLists() {
	c.Symbols = trimAll(c.Symbols)
	c.MarketScope.Symbols = trimAll(c.MarketScope.Symbols)
	c.MarketScope.Exchanges = trimAll(c.MarketScope.Exchanges)
	c.MarketData.Types = trimAll(c.MarketData.Types)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// resolveDates parses the date range. A missing end date is today in the
// schedule timezone; a missing start date is one year before the end.
func (c *Config) resolveDates(now func() time.Time) error {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("invalid schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}

	if c.EndDate == "" {
		c.EndDate = now().In(loc).Format(DateLayout)
	}
	end, err := time.Parse(DateLayout, c.EndDate)
	if err != nil {
		return fmt.Errorf("invalid end_date %q: expected YYYY-MM-DD", c.EndDate)
	}

	if c.StartDate == "" {
		c.StartDate = end.AddDate(-1, 0, 0).Format(DateLayout)
	}
	start, err := time.Parse(DateLayout, c.StartDate)
	if err != nil {
		return fmt.Errorf("invalid start_date %q: expected YYYY-MM-DD", c.StartDate)
	}

	c.start, c.end = start, end
	return nil
}

// OverrideDates replaces the date range, e.g. from a --date flag, and revalidates.
func (c *Config) OverrideDates(start, end string) error {
	c.StartDate, c.EndDate = start, end
	if err := c.resolveDates(time.Now); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks value ranges. Load calls it.
func (c *Config) Validate() error {
	var problems []string
	if c.end.Before(c.start) {
		problems = append(problems, fmt.Sprintf("end_date %s is before start_date %s", c.EndDate, c.StartDate))
	}
	if c.Retry < 1 {
		problems = append(problems, "retry must be >= 1")
	}
	if c.Performance.MaxRetries < 0 {
		problems = append(problems, "performance.max_retries must be >= 0")
	}
	if c.Performance.MaxConcurrentRequests < 0 {
		problems = append(problems, "performance.max_concurrent_requests must be >= 0")
	}
	if c.Provider.RatePerSecond < 0 {
		problems = append(problems, "provider.rate_per_second must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.MarketScope.Mode)) {
	case ModeDynamic, ModeManual:
	default:
		problems = append(problems, fmt.Sprintf("market_scope.mode must be %q or %q, got %q", ModeDynamic, ModeManual, c.MarketScope.Mode))
	}

	for _, dt := range c.MarketData.Types {
		switch strings.ToLower(dt) {
		case task.DataTypeBreadth, task.DataTypeMarketIndex, task.DataTypeForeignTrading:
		default:
			problems = append(problems, fmt.Sprintf("market_data.types: unknown type %q", dt))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Start returns the parsed start_date.
func (c *Config) Start() time.Time { return c.start }

// End returns the parsed end_date.
func (c *Config) End() time.Time { return c.end }

// ManualSymbols returns market_scope.symbols, falling back to the top-level symbols list.
func (c *Config) ManualSymbols() []string {
	if len(c.MarketScope.Symbols) > 0 {
		return c.MarketScope.Symbols
	}
	return c.Symbols
}

// MaxRetries returns performance.max_retries, falling back to retry.
func (c *Config) MaxRetries() int {
	if c.Performance.MaxRetries > 0 {
		return c.Performance.MaxRetries
	}
	return c.Retry
}

// RetryPolicy builds the per-symbol retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.MaxRetries(),
		InitialDelay:  c.Performance.RetryDelay,
		BackoffFactor: c.Performance.BackoffFactor,
	}
}

// MarketTypes returns the lower-cased market data types to fetch, or nil when
// the market run is disabled.
func (c *Config) MarketTypes() []string {
	if !c.MarketData.Enabled {
		return nil
	}
	out := make([]string, 0, len(c.MarketData.Types))
	for _, dt := range c.MarketData.Types {
		out = append(out, strings.ToLower(dt))
	}
	return out
}

// UniverseRequest builds the scanner request for dynamic mode.
func (c *Config) UniverseRequest(forceRefresh bool) universe.Request {
	return universe.Request{
		ForceRefresh: forceRefresh || c.MarketScope.ForceRefresh,
		Exchanges:    c.MarketScope.Exchanges,
		Filters: universe.Filters{
			ExcludePrefixes:  c.MarketScope.Filters.ExcludePrefixes,
			InactiveKeywords: c.MarketScope.Filters.InactiveKeywords,
			Types:            c.MarketScope.Filters.Types,
		},
	}
}

// ScopeConfig builds the market scope filter config. Loosely typed
// market_scope_settings values are coerced and fall back to defaults.
func (c *Config) ScopeConfig() scope.Config {
	return scope.FromSettings(c.settings)
}

// Settings returns every setting as a nested map.
func (c *Config) Settings() map[string]any {
	return c.settings
}

// TelegramEnabled reports whether both Telegram credentials are set.
func (c *Config) TelegramEnabled() bool {
	return c.Notify.TelegramToken != "" && c.Notify.TelegramChatID != ""
}

// LogFile returns the log file path, empty when logging.dir is unset.
func (c *Config) LogFile() string {
	if c.Logging.Dir == "" {
		return ""
	}
	return filepath.Join(c.Logging.Dir, "pipeline.log")
}
