// Package config
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
mode: "live"
symbols: ["005930", "000660"]
state_file: "trader_state.json"
db_conn_str: "postgres://..."
metrics_addr: ":9109"
budget_per_symbol: 3000000
entry:
  max_buy_stages: 3
  stage_ratios: [0.33, 0.33, 0.34]
  stage_cooldown: 15m
exit:
  initial_stop_loss: -1.2
  fractional_profit_steps: [0.6, 2.0, 2.5]
  fractional_sell_ratios: [0.3, 0.3, 1.0]
  fractional_sell_cooldown: 10m
  trailing_start: 1.0
  trailing_gap: 1.2
execution:
  buy_fill_timeout: 45s
  sell_fill_timeout: 30s
  pending_max_age: 15m
  max_retry: 3
*/

// EntryParams controls the fractional entry ladder.
type EntryParams struct {
	MaxBuyStages   int           `yaml:"max_buy_stages"`
	StageRatios    []float64     `yaml:"stage_ratios"`
	StageCooldown  time.Duration `yaml:"stage_cooldown"`
	MaxPriceRunUp  float64       `yaml:"max_price_run_up"`  // percent above analysis price that aborts a buy
	DuplicateGuard time.Duration `yaml:"duplicate_guard"`   // min age of a pending order before a replacement is allowed
	ExitCooldown   time.Duration `yaml:"reentry_cooldown"`  // cooldown after a full exit
	StopCooldown   time.Duration `yaml:"stoploss_cooldown"` // longer cooldown after a stop-loss exit
}

// ExitParams controls the layered exit decision engine.
// All rates are percentages (e.g. -1.2 means -1.2%).
type ExitParams struct {
	InitialStopLoss float64 `yaml:"initial_stop_loss"`

	FractionalProfitSteps  []float64     `yaml:"fractional_profit_steps"`
	FractionalSellRatios   []float64     `yaml:"fractional_sell_ratios"`
	FractionalSellCooldown time.Duration `yaml:"fractional_sell_cooldown"`

	// High-volatility override for the first fractional sell.
	VolatilityATRPct    float64 `yaml:"volatility_atr_pct"`
	VolatilityProfitBar float64 `yaml:"volatility_profit_bar"`
	VolatilitySellRatio float64 `yaml:"volatility_sell_ratio"`

	TrailingStart            float64 `yaml:"trailing_start"`
	TrailingGap              float64 `yaml:"trailing_gap"`
	TrailingGapMin           float64 `yaml:"trailing_gap_min"`
	TrailingGapMax           float64 `yaml:"trailing_gap_max"`
	TrailingDeferMaxDrawdown float64 `yaml:"trailing_defer_max_drawdown"`

	TargetProfit      float64       `yaml:"target_profit"`
	TargetDecayAfter  time.Duration `yaml:"target_decay_after"`
	TargetDecayPeriod time.Duration `yaml:"target_decay_period"`
	TargetFloor       float64       `yaml:"target_floor"`

	DailyProtectTrigger  float64 `yaml:"daily_protect_trigger"`
	DailyProtectDrawdown float64 `yaml:"daily_protect_drawdown"`

	OrderFlowSellRatio float64 `yaml:"order_flow_sell_ratio"`
	ATRTargetMult      float64 `yaml:"atr_target_mult"`

	CloseCutoff    time.Duration `yaml:"close_cutoff"`
	CloseTightStop float64       `yaml:"close_tight_stop"`

	BreakevenTrigger float64 `yaml:"breakeven_trigger"`
	TightTrailingGap float64 `yaml:"tight_trailing_gap"`
}

// ExecutionParams controls order submission and fill confirmation.
type ExecutionParams struct {
	BuyFillTimeout    time.Duration `yaml:"buy_fill_timeout"`
	SellFillTimeout   time.Duration `yaml:"sell_fill_timeout"`
	PendingMaxAge     time.Duration `yaml:"pending_max_age"`
	MaxRetry          int           `yaml:"max_retry"`
	BuyPricePad       float64       `yaml:"buy_price_pad"` // percent added to the limit price for buys
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	DriftSyncInterval time.Duration `yaml:"drift_sync_interval"`
}

type Config struct {
	Mode            string   `yaml:"mode"` // "live" or "paper"
	Symbols         []string `yaml:"symbols"`
	StateFile       string   `yaml:"state_file"`
	DBConnStr       string   `yaml:"db_conn_str"`
	DBMaxOpen       int      `yaml:"db_max_open"`
	DBMaxIdle       int      `yaml:"db_max_idle"`
	DiscordWebhook  string   `yaml:"discord_webhook"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	BrokerAppKey    string   `yaml:"broker_app_key"`
	BrokerAppSecret string   `yaml:"broker_app_secret"`
	BrokerAccount   string   `yaml:"broker_account"`

	BudgetPerSymbol     float64       `yaml:"budget_per_symbol"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`

	Entry     EntryParams     `yaml:"entry"`
	Exit      ExitParams      `yaml:"exit"`
	Execution ExecutionParams `yaml:"execution"`
}

// Default returns the baseline configuration. Threshold defaults follow the
// hand-tuned values the strategy was run with; all of them are overridable
// from YAML.
func Default() Config {
	return Config{
		Mode:                "paper",
		Symbols:             []string{"005930"},
		StateFile:           "trader_state.json",
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		MetricsAddr:         ":9109",
		BudgetPerSymbol:     3_000_000,
		TickInterval:        20 * time.Second,
		NotificationRetries: 3,
		NotificationDelay:   5 * time.Second,
		Entry: EntryParams{
			MaxBuyStages:   3,
			StageRatios:    []float64{0.33, 0.33, 0.34},
			StageCooldown:  15 * time.Minute,
			MaxPriceRunUp:  3.0,
			DuplicateGuard: 10 * time.Minute,
			ExitCooldown:   30 * time.Minute,
			StopCooldown:   2 * time.Hour,
		},
		Exit: ExitParams{
			InitialStopLoss:          -1.2,
			FractionalProfitSteps:    []float64{0.6, 2.0, 2.5},
			FractionalSellRatios:     []float64{0.3, 0.3, 1.0},
			FractionalSellCooldown:   10 * time.Minute,
			VolatilityATRPct:         2.5,
			VolatilityProfitBar:      0.4,
			VolatilitySellRatio:      0.5,
			TrailingStart:            1.0,
			TrailingGap:              1.2,
			TrailingGapMin:           0.6,
			TrailingGapMax:           2.5,
			TrailingDeferMaxDrawdown: 0.4,
			TargetProfit:             2.5,
			TargetDecayAfter:         time.Hour,
			TargetDecayPeriod:        4 * time.Hour,
			TargetFloor:              0.8,
			DailyProtectTrigger:      1.5,
			DailyProtectDrawdown:     0.5,
			OrderFlowSellRatio:       0.35,
			ATRTargetMult:            1.8,
			CloseCutoff:              20 * time.Minute,
			CloseTightStop:           -0.5,
			BreakevenTrigger:         1.5,
			TightTrailingGap:         0.5,
		},
		Execution: ExecutionParams{
			BuyFillTimeout:    45 * time.Second,
			SellFillTimeout:   30 * time.Second,
			PendingMaxAge:     15 * time.Minute,
			MaxRetry:          3,
			BuyPricePad:       1.0,
			ReconcileInterval: time.Minute,
			DriftSyncInterval: 10 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables. Broker credentials and the webhook come from the
// environment (or a .env file) so they never sit in a committed YAML.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	if v := os.Getenv("BROKER_APP_KEY"); v != "" {
		cfg.BrokerAppKey = v
	}
	if v := os.Getenv("BROKER_APP_SECRET"); v != "" {
		cfg.BrokerAppSecret = v
	}
	if v := os.Getenv("BROKER_ACCOUNT"); v != "" {
		cfg.BrokerAccount = v
	}
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		cfg.DBConnStr = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK"); v != "" {
		cfg.DiscordWebhook = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MustLoadConfig parses flags and loads the configuration, exiting on error.
func MustLoadConfig() Config {
	configFile := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Mode: live or paper")
	symbolsFlag := flag.String("symbols", "", "Comma-separated list of KRX stock codes")
	stateFile := flag.String("state-file", "", "Path to the trading state JSON file")
	flag.Parse()

	cfg, err := Load(*configFile)
	if err != nil {
		log.Fatalf("Config | Failed to load configuration: %v", err)
	}

	// Flags override file values when set.
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *symbolsFlag != "" {
		cfg.Symbols = strings.Split(*symbolsFlag, ",")
	}
	if *stateFile != "" {
		cfg.StateFile = *stateFile
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config | Invalid configuration: %v", err)
	}
	return cfg
}

// Validate checks the invariants the trading core relies on.
func (c Config) Validate() error {
	if c.Mode != "live" && c.Mode != "paper" {
		return fmt.Errorf("mode must be live or paper, got %q", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state_file is required")
	}
	if c.Entry.MaxBuyStages < 1 {
		return fmt.Errorf("entry.max_buy_stages must be >= 1, got %d", c.Entry.MaxBuyStages)
	}
	if len(c.Entry.StageRatios) != c.Entry.MaxBuyStages {
		return fmt.Errorf("entry.stage_ratios must have %d entries, got %d", c.Entry.MaxBuyStages, len(c.Entry.StageRatios))
	}
	var sum float64
	for _, r := range c.Entry.StageRatios {
		if r <= 0 {
			return fmt.Errorf("entry.stage_ratios must be positive")
		}
		sum += r
	}
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("entry.stage_ratios must sum to 1.0, got %.3f", sum)
	}
	if c.Exit.InitialStopLoss >= 0 {
		return fmt.Errorf("exit.initial_stop_loss must be negative, got %.2f", c.Exit.InitialStopLoss)
	}
	if len(c.Exit.FractionalProfitSteps) != len(c.Exit.FractionalSellRatios) {
		return fmt.Errorf("exit.fractional_profit_steps and exit.fractional_sell_ratios must have equal length")
	}
	for i := 1; i < len(c.Exit.FractionalProfitSteps); i++ {
		if c.Exit.FractionalProfitSteps[i] <= c.Exit.FractionalProfitSteps[i-1] {
			return fmt.Errorf("exit.fractional_profit_steps must be strictly increasing")
		}
	}
	if c.Execution.MaxRetry < 0 {
		return fmt.Errorf("execution.max_retry must be >= 0, got %d", c.Execution.MaxRetry)
	}
	return nil
}
