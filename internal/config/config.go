// Package config defines all configuration for the shock-fade engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SHOCK_* environment variables, and
// supports hot reload of the engine tuning surface while the process runs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool           `mapstructure:"dry_run"`
	Wallet  WalletConfig   `mapstructure:"wallet"`
	API     APIConfig      `mapstructure:"api"`
	Engine  EngineConfig   `mapstructure:"engine"`
	Store   StoreConfig    `mapstructure:"store"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Markets []MarketConfig `mapstructure:"markets"`
}

// MarketConfig is one statically-configured tradable market. Market
// discovery proper (a caching client that polls for the live set of
// tradable markets) is a consumed external collaborator, not part of this
// module; this config section is the substitute a single-process operator
// uses to tell the engine which markets to watch.
type MarketConfig struct {
	MarketSlug    string `mapstructure:"market_slug"`
	ConditionID   string `mapstructure:"condition_id"`
	TokenA        string `mapstructure:"token_a"`
	TokenB        string `mapstructure:"token_b"`
	OutcomeNameA  string `mapstructure:"outcome_name_a"`
	OutcomeNameB  string `mapstructure:"outcome_name_b"`
	PriceTierFlag bool   `mapstructure:"price_tier_flag"`
	GameID        string `mapstructure:"game_id"`
}

// WalletConfig holds the Ethereum wallet used for signing orders and
// on-chain split/merge transactions.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange + on-chain RPC endpoints and optional
// pre-derived L2 credentials. If ApiKey/Secret/Passphrase are empty, the
// engine derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	RPCURL      string `mapstructure:"rpc_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	EventFeedURL string `mapstructure:"event_feed_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// EngineConfig is the tuning surface named in the Configuration Surface
// table. It is the unit of hot reload: the supervisor hands each newly
// created cycle a copy of the currently-installed EngineConfig, and a
// reload only affects cycles created afterward.
type EngineConfig struct {
	SigmaThreshold    float64       `mapstructure:"sigma_threshold"`
	MinAbsoluteMove   float64       `mapstructure:"min_absolute_move"`
	RollingWindowMs   int64         `mapstructure:"rolling_window_ms"`
	CooldownMs        int64         `mapstructure:"cooldown_ms"`
	TargetPriceMin    float64       `mapstructure:"target_price_min"`
	TargetPriceMax    float64       `mapstructure:"target_price_max"`
	LadderLevels      int           `mapstructure:"ladder_levels"`
	LadderSpacing     float64       `mapstructure:"ladder_spacing"`
	LadderSizes       []int64       `mapstructure:"ladder_sizes"`
	FadeTargetCents   int           `mapstructure:"fade_target_cents"`
	SellPriceMax      float64       `mapstructure:"sell_price_max"`
	LateGameSellPriceMax float64    `mapstructure:"late_game_sell_price_max"`
	MaxConcurrentGames int          `mapstructure:"max_concurrent_games"`
	MaxCyclesPerGame   int          `mapstructure:"max_cycles_per_game"`
	MaxConsecutiveLosses int        `mapstructure:"max_consecutive_losses"`
	MaxSessionLoss       float64    `mapstructure:"max_session_loss"`

	ClassifyDeadline     time.Duration `mapstructure:"classify_deadline"`
	EventWindow          time.Duration `mapstructure:"event_window"`
	IdlePollInterval     time.Duration `mapstructure:"idle_poll_interval"`
	ActivePollInterval   time.Duration `mapstructure:"active_poll_interval"`
	StaleLadderAge       time.Duration `mapstructure:"stale_ladder_age"`
	ReaperInterval       time.Duration `mapstructure:"reaper_interval"`
	PollFillInterval     time.Duration `mapstructure:"poll_fill_interval"`
	EmergencyTimeout     time.Duration `mapstructure:"emergency_timeout"`
	ExitAttemptBudget    time.Duration `mapstructure:"exit_attempt_budget"`
	ExitMaxAttempts      int           `mapstructure:"exit_max_attempts"`
}

// DefaultEngineConfig returns the defaults listed in the Configuration
// Surface table (§6), used to seed viper before ReadInConfig.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SigmaThreshold:       3.0,
		MinAbsoluteMove:      0.03,
		RollingWindowMs:      60_000,
		CooldownMs:           30_000,
		TargetPriceMin:       0.07,
		TargetPriceMax:       0.91,
		LadderLevels:         3,
		LadderSpacing:        0.03,
		LadderSizes:          []int64{5, 10, 15},
		FadeTargetCents:      3,
		SellPriceMax:         0.85,
		LateGameSellPriceMax: 0.70,
		MaxConcurrentGames:   3,
		MaxCyclesPerGame:     1,
		MaxConsecutiveLosses: 3,
		MaxSessionLoss:       30,
		ClassifyDeadline:     10 * time.Second,
		EventWindow:          2 * time.Minute,
		IdlePollInterval:     10 * time.Second,
		ActivePollInterval:   1 * time.Second,
		StaleLadderAge:       60 * time.Second,
		ReaperInterval:       10 * time.Second,
		PollFillInterval:     5 * time.Second,
		EmergencyTimeout:     600 * time.Second,
		ExitAttemptBudget:    4 * time.Second,
		ExitMaxAttempts:      3,
	}
}

// Validate checks the engine tuning surface for sane ranges. It is called
// both at startup and on every hot reload; a reload that fails validation
// leaves the previously installed EngineConfig untouched.
func (e EngineConfig) Validate() error {
	var errs []error
	if e.SigmaThreshold <= 0 {
		errs = append(errs, fmt.Errorf("engine.sigma_threshold must be > 0"))
	}
	if e.MinAbsoluteMove <= 0 {
		errs = append(errs, fmt.Errorf("engine.min_absolute_move must be > 0"))
	}
	if e.RollingWindowMs <= 0 {
		errs = append(errs, fmt.Errorf("engine.rolling_window_ms must be > 0"))
	}
	if e.TargetPriceMin < 0 || e.TargetPriceMax > 1 || e.TargetPriceMin >= e.TargetPriceMax {
		errs = append(errs, fmt.Errorf("engine.target_price_min/max must satisfy 0 <= min < max <= 1"))
	}
	if e.LadderLevels <= 0 {
		errs = append(errs, fmt.Errorf("engine.ladder_levels must be > 0"))
	}
	if len(e.LadderSizes) != e.LadderLevels {
		errs = append(errs, fmt.Errorf("engine.ladder_sizes must have ladder_levels entries"))
	}
	for _, s := range e.LadderSizes {
		if s <= 0 {
			errs = append(errs, fmt.Errorf("engine.ladder_sizes entries must be > 0"))
			break
		}
	}
	if e.SellPriceMax <= 0 || e.SellPriceMax > 1 {
		errs = append(errs, fmt.Errorf("engine.sell_price_max must be in (0, 1]"))
	}
	if e.LateGameSellPriceMax <= 0 || e.LateGameSellPriceMax > e.SellPriceMax {
		errs = append(errs, fmt.Errorf("engine.late_game_sell_price_max must be in (0, sell_price_max]"))
	}
	if e.MaxConcurrentGames <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent_games must be > 0"))
	}
	if e.MaxCyclesPerGame <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_cycles_per_game must be > 0"))
	}
	if e.MaxConsecutiveLosses <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_consecutive_losses must be > 0"))
	}
	if e.MaxSessionLoss <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_session_loss must be > 0"))
	}
	if len(errs) > 0 {
		return joinErrs(errs)
	}
	return nil
}

func joinErrs(errs []error) error {
	msg := "invalid engine config:"
	for _, e := range errs {
		msg += " " + e.Error() + ";"
	}
	return fmt.Errorf("%s", msg)
}

// CycleSize is the sum of the ladder's share sizes.
func (e EngineConfig) CycleSize() int64 {
	var total int64
	for _, s := range e.LadderSizes {
		total += s
	}
	return total
}

// PreSplitSize is the per-market split amount that lets maxCyclesPerGame
// concurrent cycles run plus a two-level cushion for a cycle starting while
// another's larger ladders are still committed.
func (e EngineConfig) PreSplitSize() int64 {
	size := int64(e.MaxCyclesPerGame) * e.CycleSize()
	if len(e.LadderSizes) > 0 {
		size += e.LadderSizes[0]
	}
	if len(e.LadderSizes) > 1 {
		size += e.LadderSizes[1]
	}
	return size
}

// RefillThreshold and RefillAmount both equal CycleSize per §4.4.
func (e EngineConfig) RefillThreshold() int64 { return e.CycleSize() }
func (e EngineConfig) RefillAmount() int64    { return e.CycleSize() }

// StoreConfig sets where engine state is persisted.
type StoreConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the ambient Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides, seeded with
// DefaultEngineConfig so unset engine.* keys fall back to the documented
// defaults rather than zero values.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return unmarshalAndOverride(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("dry_run", true)
	def := DefaultEngineConfig()
	v.SetDefault("engine.sigma_threshold", def.SigmaThreshold)
	v.SetDefault("engine.min_absolute_move", def.MinAbsoluteMove)
	v.SetDefault("engine.rolling_window_ms", def.RollingWindowMs)
	v.SetDefault("engine.cooldown_ms", def.CooldownMs)
	v.SetDefault("engine.target_price_min", def.TargetPriceMin)
	v.SetDefault("engine.target_price_max", def.TargetPriceMax)
	v.SetDefault("engine.ladder_levels", def.LadderLevels)
	v.SetDefault("engine.ladder_spacing", def.LadderSpacing)
	v.SetDefault("engine.ladder_sizes", def.LadderSizes)
	v.SetDefault("engine.fade_target_cents", def.FadeTargetCents)
	v.SetDefault("engine.sell_price_max", def.SellPriceMax)
	v.SetDefault("engine.late_game_sell_price_max", def.LateGameSellPriceMax)
	v.SetDefault("engine.max_concurrent_games", def.MaxConcurrentGames)
	v.SetDefault("engine.max_cycles_per_game", def.MaxCyclesPerGame)
	v.SetDefault("engine.max_consecutive_losses", def.MaxConsecutiveLosses)
	v.SetDefault("engine.max_session_loss", def.MaxSessionLoss)
	v.SetDefault("engine.classify_deadline", def.ClassifyDeadline)
	v.SetDefault("engine.event_window", def.EventWindow)
	v.SetDefault("engine.idle_poll_interval", def.IdlePollInterval)
	v.SetDefault("engine.active_poll_interval", def.ActivePollInterval)
	v.SetDefault("engine.stale_ladder_age", def.StaleLadderAge)
	v.SetDefault("engine.reaper_interval", def.ReaperInterval)
	v.SetDefault("engine.poll_fill_interval", def.PollFillInterval)
	v.SetDefault("engine.emergency_timeout", def.EmergencyTimeout)
	v.SetDefault("engine.exit_attempt_budget", def.ExitAttemptBudget)
	v.SetDefault("engine.exit_max_attempts", def.ExitMaxAttempts)
	return v
}

func unmarshalAndOverride(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("SHOCK_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("SHOCK_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("SHOCK_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("SHOCK_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if v := os.Getenv("SHOCK_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	} else if v == "false" || v == "0" {
		cfg.DryRun = false
	}

	return &cfg, nil
}

// Validate checks all required top-level fields and the engine tuning surface.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set SHOCK_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	return nil
}

// Reloader watches a config file and publishes validated EngineConfig
// snapshots as they change. It wires viper.WatchConfig/OnConfigChange,
// which the teacher this engine grew from imports (via fsnotify) but never
// actually calls.
type Reloader struct {
	v        *viper.Viper
	path     string
	updates  chan EngineConfig
	onReject func(error)
}

// NewReloader starts watching path for changes. onReject is invoked
// (optionally nil) whenever a reload fails validation; the previously
// installed config is left untouched and nothing is sent on Updates().
func NewReloader(path string, onReject func(error)) (*Reloader, *Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := unmarshalAndOverride(v)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	r := &Reloader{
		v:        v,
		path:     path,
		updates:  make(chan EngineConfig, 1),
		onReject: onReject,
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshalAndOverride(v)
		if err != nil {
			r.reject(err)
			return
		}
		if err := cfg.Engine.Validate(); err != nil {
			r.reject(err)
			return
		}
		r.publish(cfg.Engine)
	})
	v.WatchConfig()

	return r, cfg, nil
}

func (r *Reloader) reject(err error) {
	if r.onReject != nil {
		r.onReject(err)
	}
}

// publish drops a stale pending update rather than blocking, since only the
// newest snapshot matters to a consumer that hasn't drained yet.
func (r *Reloader) publish(e EngineConfig) {
	select {
	case r.updates <- e:
	default:
		select {
		case <-r.updates:
		default:
		}
		r.updates <- e
	}
}

// Updates returns the channel of validated EngineConfig snapshots produced
// by successful reloads.
func (r *Reloader) Updates() <-chan EngineConfig { return r.updates }
