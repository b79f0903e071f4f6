package indicator

import (
	"fmt"
	"math"
)

// TradingDaysPerYear converts trading-day counts to years.
const TradingDaysPerYear = 252

// Weights of the five temperature factors.
type Weights struct {
	Drawdown   float64 `mapstructure:"drawdown" json:"drawdown"`
	RSI        float64 `mapstructure:"rsi" json:"rsi"`
	Percentile float64 `mapstructure:"percentile" json:"percentile"`
	Volatility float64 `mapstructure:"volatility" json:"volatility"`
	Trend      float64 `mapstructure:"trend" json:"trend"`
}

// Config parameterises the engines.
type Config struct {
	RSIPeriod        int
	PercentileYears  int
	VolatilityWindow int
	Weights          Weights
}

// DefaultWeights are 0.30/0.20/0.20/0.15/0.15.
func DefaultWeights() Weights {
	return Weights{Drawdown: 0.30, RSI: 0.20, Percentile: 0.20, Volatility: 0.15, Trend: 0.15}
}

// DefaultConfig returns RSI 14, 10 percentile years, 20-day volatility window.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:        14,
		PercentileYears:  10,
		VolatilityWindow: 20,
		Weights:          DefaultWeights(),
	}
}

// Validate rejects non-positive periods and weights that do not sum to one.
func (c Config) Validate() error {
	if c.RSIPeriod <= 0 {
		return fmt.Errorf("indicators.rsi_period must be positive")
	}
	if c.PercentileYears <= 0 {
		return fmt.Errorf("indicators.percentile_years must be positive")
	}
	if c.VolatilityWindow < 2 {
		return fmt.Errorf("indicators.volatility_window must be at least 2")
	}
	w := c.Weights
	sum := w.Drawdown + w.RSI + w.Percentile + w.Volatility + w.Trend
	if math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("indicators.weights must sum to 1, got %.3f", sum)
	}
	return nil
}

// Engine computes trend and temperature bundles.
type Engine struct {
	cfg Config
}

// NewEngine falls back to defaults for unset fields.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = def.RSIPeriod
	}
	if cfg.PercentileYears <= 0 {
		cfg.PercentileYears = def.PercentileYears
	}
	if cfg.VolatilityWindow < 2 {
		cfg.VolatilityWindow = def.VolatilityWindow
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }
