package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"etf-alerts/internal/indicator"
	"etf-alerts/internal/logging"
)

// Cache backends.
const (
	CacheDisk   = "disk"
	CacheRedis  = "redis"
	CacheMemory = "memory"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Indicators IndicatorsConfig `mapstructure:"indicators"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	API        APIConfig        `mapstructure:"api"`
	Export     ExportConfig     `mapstructure:"export"`
	FundFlow   FundFlowConfig   `mapstructure:"fund_flow"`
	Valuation  ValuationConfig  `mapstructure:"valuation"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// ConnMaxIdleTime closes connections idle between alert runs.
	ConnMaxIdleTime   time.Duration `mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout bounds both dialing and the startup ping.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// CacheConfig selects the persistent key-value backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	HistoryTTL    time.Duration `mapstructure:"history_ttl"`
}

// SourcesConfig orders and tunes the history providers.
type SourcesConfig struct {
	Priority  []string       `mapstructure:"priority"`
	EastMoney HTTPSource     `mapstructure:"eastmoney"`
	Ths       HTTPSource     `mapstructure:"ths_history"`
	Baostock  BaostockSource `mapstructure:"baostock"`
	Spot      HTTPSource     `mapstructure:"spot"`
	Breaker   BreakerConfig  `mapstructure:"breaker"`
}

// HTTPSource tunes one HTTP provider.
type HTTPSource struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// BaostockSource adds session credentials to the HTTP settings.
type BaostockSource struct {
	HTTPSource `mapstructure:",squash"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
}

// BreakerConfig parameterises the per-source circuit breaker.
type BreakerConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	Window    int           `mapstructure:"window"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// SnapshotConfig governs the realtime quote list.
type SnapshotConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// IndicatorsConfig parameterises the indicator engines.
type IndicatorsConfig struct {
	RSIPeriod        int               `mapstructure:"rsi_period"`
	PercentileYears  int               `mapstructure:"percentile_years"`
	VolatilityWindow int               `mapstructure:"volatility_window"`
	DrawdownDays     int               `mapstructure:"drawdown_days"`
	ATRPeriod        int               `mapstructure:"atr_period"`
	MetricsBaseTTL   time.Duration     `mapstructure:"metrics_base_ttl"`
	Weights          indicator.Weights `mapstructure:"weights"`
}

// Engine converts the section into engine parameters.
func (c IndicatorsConfig) Engine() indicator.Config {
	return indicator.Config{
		RSIPeriod:        c.RSIPeriod,
		PercentileYears:  c.PercentileYears,
		VolatilityWindow: c.VolatilityWindow,
		Weights:          c.Weights,
	}
}

// SchedulerConfig governs check cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	TradingStart    string        `mapstructure:"trading_start"`
	TradingEnd      string        `mapstructure:"trading_end"`
	CloseTime       string        `mapstructure:"close_time"`
	SkipWeekends    bool          `mapstructure:"skip_weekends"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines alert delivery.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SummaryEnabled turns on the per-user daily watchlist report.
	SummaryEnabled bool           `mapstructure:"summary_enabled"`
	DefaultQuota  int            `mapstructure:"default_quota"`
	AdminCooldown time.Duration  `mapstructure:"admin_cooldown"`
	HistoryRetain time.Duration  `mapstructure:"history_retain"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	APIBase string        `mapstructure:"api_base"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig covers the HTTP façade.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	Workers         int           `mapstructure:"workers"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	Directory     string `mapstructure:"directory"`
}

// FundFlowConfig drives the exchange share-scale collection.
type FundFlowConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	CollectTime string        `mapstructure:"collect_time"`
	BackupTime  string        `mapstructure:"backup_time"`
	BackupDir   string        `mapstructure:"backup_dir"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	SSE         HTTPSource    `mapstructure:"sse"`
	SZSE        HTTPSource    `mapstructure:"szse"`
}

// ValuationConfig locates the ETF to index map and the index PE feed.
type ValuationConfig struct {
	MapPath     string        `mapstructure:"map_path"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	CSIndex     HTTPSource    `mapstructure:"csindex"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("ETFALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports .env entries that are not already set in the environment.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "etf-alerts")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Asia/Shanghai")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.connect_timeout", "5s")

	v.SetDefault("cache.backend", CacheDisk)
	v.SetDefault("cache.path", "data/cache.db")
	v.SetDefault("cache.redis_addr", "127.0.0.1:6379")
	v.SetDefault("cache.redis_prefix", "etf:")
	v.SetDefault("cache.history_ttl", "5m")

	v.SetDefault("sources.priority", []string{"eastmoney", "ths_history", "baostock"})
	v.SetDefault("sources.eastmoney.base_url", "https://push2his.eastmoney.com")
	v.SetDefault("sources.ths_history.base_url", "https://d.10jqka.com.cn")
	v.SetDefault("sources.baostock.base_url", "http://127.0.0.1:10030")
	v.SetDefault("sources.baostock.user_id", "anonymous")
	v.SetDefault("sources.baostock.password", "123456")
	v.SetDefault("sources.spot.base_url", "https://push2.eastmoney.com")
	for _, name := range []string{"eastmoney", "ths_history", "baostock", "spot"} {
		v.SetDefault("sources."+name+".timeout", "15s")
		v.SetDefault("sources."+name+".retries", 2)
		v.SetDefault("sources."+name+".retry_backoff", "1s")
		v.SetDefault("sources."+name+".rate_per_second", 2.0)
		v.SetDefault("sources."+name+".burst", 2)
		v.SetDefault("sources."+name+".user_agent", "Mozilla/5.0 etf-alerts/1.0")
	}
	v.SetDefault("sources.breaker.threshold", 0.1)
	v.SetDefault("sources.breaker.window", 10)
	v.SetDefault("sources.breaker.cooldown", "300s")

	v.SetDefault("snapshot.ttl", "60s")
	v.SetDefault("snapshot.refresh_timeout", "30s")
	v.SetDefault("snapshot.refresh_interval", "1m")

	v.SetDefault("indicators.rsi_period", 14)
	v.SetDefault("indicators.percentile_years", 10)
	v.SetDefault("indicators.volatility_window", 20)
	v.SetDefault("indicators.drawdown_days", 120)
	v.SetDefault("indicators.atr_period", 14)
	v.SetDefault("indicators.metrics_base_ttl", "4h")
	v.SetDefault("indicators.weights.drawdown", 0.30)
	v.SetDefault("indicators.weights.rsi", 0.20)
	v.SetDefault("indicators.weights.percentile", 0.20)
	v.SetDefault("indicators.weights.volatility", 0.15)
	v.SetDefault("indicators.weights.trend", 0.15)

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.trading_start", "09:30")
	v.SetDefault("scheduler.trading_end", "15:00")
	v.SetDefault("scheduler.close_time", "15:30")
	v.SetDefault("scheduler.skip_weekends", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x65746661))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.summary_enabled", true)
	v.SetDefault("alerting.default_quota", 20)
	v.SetDefault("alerting.admin_cooldown", "5m")
	v.SetDefault("alerting.history_retain", "2160h")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "30s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.workers", 5)
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.directory", ".")

	v.SetDefault("fund_flow.enabled", true)
	v.SetDefault("fund_flow.collect_time", "16:00")
	v.SetDefault("fund_flow.backup_time", "02:00")
	v.SetDefault("fund_flow.backup_dir", "backups/share_history")
	v.SetDefault("fund_flow.cache_ttl", "4h")
	v.SetDefault("fund_flow.sse.base_url", "https://query.sse.com.cn")
	v.SetDefault("fund_flow.szse.base_url", "https://fund.szse.cn")

	v.SetDefault("valuation.map_path", "data/etf_index_map.json")
	v.SetDefault("valuation.cache_ttl", "12h")
	v.SetDefault("valuation.negative_ttl", "5m")
	v.SetDefault("valuation.csindex.base_url", "https://www.csindex.com.cn")

	for _, key := range []string{"fund_flow.sse", "fund_flow.szse", "valuation.csindex"} {
		v.SetDefault(key+".timeout", "30s")
		v.SetDefault(key+".retries", 2)
		v.SetDefault(key+".retry_backoff", "2s")
		v.SetDefault(key+".rate_per_second", 1.0)
		v.SetDefault(key+".burst", 1)
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case CacheDisk:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path 必须配置")
		}
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr 必须配置")
		}
	case CacheMemory:
	default:
		return fmt.Errorf("cache.backend %q is not one of disk, redis, memory", c.Cache.Backend)
	}
	if len(c.Sources.Priority) == 0 {
		return fmt.Errorf("sources.priority must list at least one source")
	}
	for _, name := range c.Sources.Priority {
		switch name {
		case "eastmoney", "ths_history", "baostock":
		default:
			return fmt.Errorf("sources.priority: unknown source %q", name)
		}
	}
	if c.Sources.Breaker.Window <= 0 {
		return fmt.Errorf("sources.breaker.window must be greater than zero")
	}
	if c.Sources.Breaker.Threshold < 0 || c.Sources.Breaker.Threshold > 1 {
		return fmt.Errorf("sources.breaker.threshold must be within [0, 1]")
	}
	if err := c.Indicators.Engine().Validate(); err != nil {
		return err
	}
	if c.Indicators.DrawdownDays <= 0 || c.Indicators.ATRPeriod <= 0 {
		return fmt.Errorf("indicators.drawdown_days and indicators.atr_period must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	for key, value := range map[string]string{
		"scheduler.trading_start": c.Scheduler.TradingStart,
		"scheduler.trading_end":   c.Scheduler.TradingEnd,
		"scheduler.close_time":    c.Scheduler.CloseTime,
		"fund_flow.collect_time":  c.FundFlow.CollectTime,
		"fund_flow.backup_time":   c.FundFlow.BackupTime,
	} {
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("%s must be HH:MM: %w", key, err)
		}
	}
	if c.Alerting.DefaultQuota < 1 || c.Alerting.DefaultQuota > 100 {
		return fmt.Errorf("alerting.default_quota must be within [1, 100]")
	}
	if c.API.Workers <= 0 {
		return fmt.Errorf("api.workers must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// Location resolves app.timezone; an empty value means local time.
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
