package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.App.Name != "test" || cfg.App.Timezone != "Asia/Shanghai" {
		t.Fatalf("app 配置错误: %+v", cfg.App)
	}
	if cfg.Cache.Backend != CacheDisk || cfg.Cache.HistoryTTL != 5*time.Minute {
		t.Fatalf("cache 默认值错误: %+v", cfg.Cache)
	}
	if strings.Join(cfg.Sources.Priority, ",") != "eastmoney,ths_history,baostock" {
		t.Fatalf("数据源优先级错误: %v", cfg.Sources.Priority)
	}
	if cfg.Sources.Baostock.UserID != "anonymous" || cfg.Sources.Baostock.Timeout != 15*time.Second {
		t.Fatalf("baostock 配置错误: %+v", cfg.Sources.Baostock)
	}
	if cfg.Sources.Breaker.Window != 10 || cfg.Sources.Breaker.Cooldown != 300*time.Second {
		t.Fatalf("熔断配置错误: %+v", cfg.Sources.Breaker)
	}
	if cfg.Scheduler.Interval != 30*time.Minute || cfg.Scheduler.CloseTime != "15:30" {
		t.Fatalf("调度配置错误: %+v", cfg.Scheduler)
	}
	if cfg.Indicators.Weights.Drawdown != 0.30 || cfg.Indicators.Engine().RSIPeriod != 14 {
		t.Fatalf("指标配置错误: %+v", cfg.Indicators)
	}
	if cfg.Alerting.DefaultQuota != 20 || cfg.Alerting.AdminCooldown != 5*time.Minute {
		t.Fatalf("告警配置错误: %+v", cfg.Alerting)
	}
	if !cfg.FundFlow.Enabled || cfg.FundFlow.CollectTime != "16:00" || cfg.FundFlow.CacheTTL != 4*time.Hour || cfg.FundFlow.SSE.Timeout != 30*time.Second {
		t.Fatalf("份额采集配置错误: %+v", cfg.FundFlow)
	}
	if cfg.Valuation.CacheTTL != 12*time.Hour || cfg.Valuation.NegativeTTL != 5*time.Minute {
		t.Fatalf("估值配置错误: %+v", cfg.Valuation)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ETFALERTS_CACHE_BACKEND", "memory")
	path := writeConfig(t, `
sources:
  priority: "ths_history,eastmoney"
scheduler:
  interval: 15m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Cache.Backend != CacheMemory {
		t.Fatalf("环境变量应覆盖 cache.backend, 实际 %s", cfg.Cache.Backend)
	}
	if strings.Join(cfg.Sources.Priority, ",") != "ths_history,eastmoney" {
		t.Fatalf("逗号分隔的优先级应被解析为列表: %v", cfg.Sources.Priority)
	}
	if cfg.Scheduler.Interval != 15*time.Minute {
		t.Fatalf("interval 应为 15m, 实际 %s", cfg.Scheduler.Interval)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"cache backend", func(c *Config) { c.Cache.Backend = "etcd" }},
		{"unknown source", func(c *Config) { c.Sources.Priority = []string{"yahoo"} }},
		{"weights", func(c *Config) { c.Indicators.Weights.Trend = 0.5 }},
		{"trading window", func(c *Config) { c.Scheduler.TradingStart = "9am" }},
		{"quota", func(c *Config) { c.Alerting.DefaultQuota = 0 }},
		{"collect time", func(c *Config) { c.FundFlow.CollectTime = "4pm" }},
		{"timezone", func(c *Config) { c.App.Timezone = "Mars/Base" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			cfg.Sources.Priority = append([]string(nil), base.Sources.Priority...)
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("%s 非法时应返回错误", tc.name)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}}
	if cfg.ResolveMaxPoints(0) != 100 || cfg.ResolveMaxPoints(5) != 5 {
		t.Fatal("ResolveMaxPoints 结果错误")
	}
}
