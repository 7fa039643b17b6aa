// Package config defines all configuration for the trading platform.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	PaperTrading bool             `mapstructure:"paper_trading"`
	Market       MarketConfig     `mapstructure:"market"`
	Bus          BusConfig        `mapstructure:"bus"`
	Cache        CacheConfig      `mapstructure:"cache"`
	Quality      QualityConfig    `mapstructure:"quality"`
	Strategy     StrategyConfig   `mapstructure:"strategy"`
	Risk         RiskConfig       `mapstructure:"risk"`
	Order        OrderConfig      `mapstructure:"order"`
	Broker       BrokerConfig     `mapstructure:"broker"`
	Commission   CommissionConfig `mapstructure:"commission"`
	Logging      LoggingConfig    `mapstructure:"logging"`
}

// MarketConfig selects the tracked universe and candle maintenance.
type MarketConfig struct {
	Symbols          []string      `mapstructure:"symbols"`   // canonical 6-digit codes
	Intervals        []string      `mapstructure:"intervals"` // e.g. ["1m", "5m"]
	RingSize         int           `mapstructure:"ring_size"` // candles kept per (symbol, interval)
	SessionCloseTime string        `mapstructure:"session_close_time"`
	Timezone         string        `mapstructure:"timezone"` // IANA name for session times
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PolledBaseURL    string        `mapstructure:"polled_base_url"`
	StreamURL        string        `mapstructure:"stream_url"`
}

// BusConfig tunes the event bus. An empty NatsURL keeps the bus in-process.
type BusConfig struct {
	NatsURL          string        `mapstructure:"nats_url"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// CacheConfig bounds the in-memory KV cache.
type CacheConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// QualityConfig tunes the pipeline's quality gates.
type QualityConfig struct {
	MinPrice           float64       `mapstructure:"min_price"`
	MaxPrice           float64       `mapstructure:"max_price"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	OutlierZScore      float64       `mapstructure:"outlier_zscore"`
}

// StrategyConfig controls strategy activation and dispatch.
type StrategyConfig struct {
	Active           []string                  `mapstructure:"active"` // registered strategy names to activate
	Timeout          time.Duration             `mapstructure:"timeout"`
	IndicatorPeriods map[string]int            `mapstructure:"indicator_periods"`
	Params           map[string]map[string]any `mapstructure:"params"` // per-strategy parameter overrides
}

// RiskConfig sets the thresholds for the synchronous rule chain and the
// asynchronous monitors. Monetary limits are absolute KRW.
type RiskConfig struct {
	MaxDailyLoss        float64       `mapstructure:"max_daily_loss"`
	MaxMonthlyLoss      float64       `mapstructure:"max_monthly_loss"`
	MaxPositionRatio    float64       `mapstructure:"max_position_ratio"`
	MaxSectorRatio      float64       `mapstructure:"max_sector_ratio"`
	MaxTotalExposure    float64       `mapstructure:"max_total_exposure"`
	MinCashReserveRatio float64       `mapstructure:"min_cash_reserve_ratio"`
	MaxOrdersPerDay     int           `mapstructure:"max_orders_per_day"`
	MaxConsecLosses     int           `mapstructure:"max_consec_losses"`
	MinOrderValue       float64       `mapstructure:"min_order_value"`
	MaxOrderValue       float64       `mapstructure:"max_order_value"`
	StopLossPct         float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64       `mapstructure:"take_profit_pct"`
	TrailingOffsetPct   float64       `mapstructure:"trailing_offset_pct"`
	BreakEvenPct        float64       `mapstructure:"break_even_pct"`
	CheckTimeout        time.Duration `mapstructure:"check_timeout"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	ResetToken          string        `mapstructure:"reset_token"` // disarms the emergency stop
	Sectors             map[string]string `mapstructure:"sectors"` // symbol → sector name
}

// OrderConfig tunes the order engine's queue and execution tracking.
type OrderConfig struct {
	PriorityTimeout          time.Duration  `mapstructure:"priority_timeout"`
	MaxConcurrentSubmissions int            `mapstructure:"max_concurrent_submissions"`
	MaxPartialFillTime       time.Duration  `mapstructure:"max_partial_fill_time"`
	MaxFillsPerOrder         int            `mapstructure:"max_fills_per_order"`
	StrategyPriority         map[string]int `mapstructure:"strategy_priority"` // per-strategy ±10 override
	LotValue                 float64        `mapstructure:"lot_value"`         // target KRW notional per entry
}

// BrokerConfig holds broker API endpoints and credentials.
// AppKey/AppSecret come from QB_APP_KEY / QB_APP_SECRET in production.
type BrokerConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	WSBaseURL string  `mapstructure:"ws_base_url"`
	AppKey    string  `mapstructure:"app_key"`
	AppSecret string  `mapstructure:"app_secret"`
	Account   string  `mapstructure:"account"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second (broker caps at 20)
	PaperCash float64 `mapstructure:"paper_cash"` // starting balance in paper mode
}

// CommissionConfig sets the Korean-market fee and tax schedule as fractions
// of notional. Defaults follow the standard retail schedule: brokerage
// 0.015% with a 100 KRW floor, exchange 0.0008%, clearing 0.00154%,
// transaction tax 0.23% and rural special tax 0.046% on sells.
type CommissionConfig struct {
	BrokerageRate   float64 `mapstructure:"brokerage_rate"`
	MinBrokerageFee float64 `mapstructure:"min_brokerage_fee"`
	ExchangeRate    float64 `mapstructure:"exchange_rate"`
	ClearingRate    float64 `mapstructure:"clearing_rate"`
	TxTaxRate       float64 `mapstructure:"tx_tax_rate"`
	RuralTaxRate    float64 `mapstructure:"rural_tax_rate"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: QB_APP_KEY, QB_APP_SECRET, QB_RESET_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("QB_APP_KEY"); key != "" {
		cfg.Broker.AppKey = key
	}
	if secret := os.Getenv("QB_APP_SECRET"); secret != "" {
		cfg.Broker.AppSecret = secret
	}
	if token := os.Getenv("QB_RESET_TOKEN"); token != "" {
		cfg.Risk.ResetToken = token
	}
	if os.Getenv("QB_PAPER_TRADING") == "true" || os.Getenv("QB_PAPER_TRADING") == "1" {
		cfg.PaperTrading = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("market.intervals", []string{"1m", "5m"})
	v.SetDefault("market.ring_size", 200)
	v.SetDefault("market.session_close_time", "15:20")
	v.SetDefault("market.timezone", "Asia/Seoul")
	v.SetDefault("market.poll_interval", "10s")

	v.SetDefault("bus.subscriber_buffer", 1024)
	v.SetDefault("bus.shutdown_grace", "5s")

	v.SetDefault("cache.max_entries", 100_000)

	v.SetDefault("quality.min_price", 1)
	v.SetDefault("quality.max_price", 10_000_000)
	v.SetDefault("quality.staleness_threshold", "5m")
	v.SetDefault("quality.outlier_zscore", 8.0)

	v.SetDefault("strategy.timeout", "200ms")

	v.SetDefault("risk.max_daily_loss", 500_000)
	v.SetDefault("risk.max_monthly_loss", 3_000_000)
	v.SetDefault("risk.max_position_ratio", 0.10)
	v.SetDefault("risk.max_sector_ratio", 0.30)
	v.SetDefault("risk.max_total_exposure", 0.95)
	v.SetDefault("risk.min_cash_reserve_ratio", 0.05)
	v.SetDefault("risk.max_orders_per_day", 50)
	v.SetDefault("risk.max_consec_losses", 5)
	v.SetDefault("risk.min_order_value", 10_000)
	v.SetDefault("risk.max_order_value", 10_000_000)
	v.SetDefault("risk.stop_loss_pct", 0.03)
	v.SetDefault("risk.take_profit_pct", 0.05)
	v.SetDefault("risk.trailing_offset_pct", 0.02)
	v.SetDefault("risk.break_even_pct", 0.02)
	v.SetDefault("risk.check_timeout", "500ms")
	v.SetDefault("risk.monitor_interval", "30s")

	v.SetDefault("order.priority_timeout", "300s")
	v.SetDefault("order.max_concurrent_submissions", 10)
	v.SetDefault("order.max_partial_fill_time", "300s")
	v.SetDefault("order.max_fills_per_order", 100)
	v.SetDefault("order.lot_value", 500_000)

	v.SetDefault("broker.rate_limit", 18.0)
	v.SetDefault("broker.paper_cash", 100_000_000)

	v.SetDefault("commission.brokerage_rate", 0.00015)
	v.SetDefault("commission.min_brokerage_fee", 100)
	v.SetDefault("commission.exchange_rate", 0.000008)
	v.SetDefault("commission.clearing_rate", 0.0000154)
	v.SetDefault("commission.tx_tax_rate", 0.0023)
	v.SetDefault("commission.rural_tax_rate", 0.00046)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Market.Symbols) == 0 {
		return fmt.Errorf("market.symbols is required")
	}
	for _, s := range c.Market.Symbols {
		if len(s) != 6 {
			return fmt.Errorf("market.symbols: %q is not a 6-digit code", s)
		}
	}
	if c.Market.RingSize <= 0 {
		return fmt.Errorf("market.ring_size must be > 0")
	}
	if _, err := ParseSessionTime(c.Market.SessionCloseTime); err != nil {
		return fmt.Errorf("market.session_close_time: %w", err)
	}
	if c.Bus.SubscriberBuffer <= 0 {
		return fmt.Errorf("bus.subscriber_buffer must be > 0")
	}
	if c.Risk.MaxPositionRatio <= 0 || c.Risk.MaxPositionRatio > 1 {
		return fmt.Errorf("risk.max_position_ratio must be in (0, 1]")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MinOrderValue > c.Risk.MaxOrderValue {
		return fmt.Errorf("risk.min_order_value exceeds risk.max_order_value")
	}
	if !c.PaperTrading {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required (or set paper_trading)")
		}
		if c.Broker.AppKey == "" || c.Broker.AppSecret == "" {
			return fmt.Errorf("broker credentials are required (set QB_APP_KEY / QB_APP_SECRET)")
		}
	}
	if c.Broker.RateLimit <= 0 || c.Broker.RateLimit > 20 {
		return fmt.Errorf("broker.rate_limit must be in (0, 20]")
	}
	if c.Order.MaxConcurrentSubmissions <= 0 {
		return fmt.Errorf("order.max_concurrent_submissions must be > 0")
	}
	return nil
}

// ParseSessionTime parses "HH:MM" into an offset from local midnight.
func ParseSessionTime(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location resolves the configured market timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Market.Timezone)
}

// DecimalRisk exposes the monetary risk limits as decimals so the rule chain
// never does float arithmetic on money.
type DecimalRisk struct {
	MaxDailyLoss   decimal.Decimal
	MaxMonthlyLoss decimal.Decimal
	MinOrderValue  decimal.Decimal
	MaxOrderValue  decimal.Decimal
}

// DecimalRisk converts the float-typed config limits once, at startup.
func (c *Config) DecimalRisk() DecimalRisk {
	return DecimalRisk{
		MaxDailyLoss:   decimal.NewFromFloat(c.Risk.MaxDailyLoss),
		MaxMonthlyLoss: decimal.NewFromFloat(c.Risk.MaxMonthlyLoss),
		MinOrderValue:  decimal.NewFromFloat(c.Risk.MinOrderValue),
		MaxOrderValue:  decimal.NewFromFloat(c.Risk.MaxOrderValue),
	}
}
