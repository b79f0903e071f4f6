package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type payload struct {
	LastDate string  `json:"last_date"`
	Value    float64 `json:"value"`
}

func newDisk(t *testing.T) (*DiskStore, *time.Time) {
	t.Helper()
	store, err := NewDiskStore(DiskOptions{Path: filepath.Join(t.TempDir(), "cache.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("打开磁盘缓存失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	return store, &now
}

func TestDiskStoreRoundTripAndExpiry(t *testing.T) {
	store, now := newDisk(t)
	ctx := context.Background()

	var got payload
	if err := store.Get(ctx, "missing", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("缺失键应返回 ErrNotFound, 实际 %v", err)
	}

	if err := store.Set(ctx, "k", payload{LastDate: "2024-05-06", Value: 1.5}, time.Minute); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := store.Get(ctx, "k", &got); err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.LastDate != "2024-05-06" || got.Value != 1.5 {
		t.Fatalf("读取内容不正确: %+v", got)
	}

	*now = now.Add(2 * time.Minute)
	if err := store.Get(ctx, "k", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("过期键应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestDiskStoreOverwriteAndPurge(t *testing.T) {
	store, now := newDisk(t)
	ctx := context.Background()

	_ = store.Set(ctx, "a", 1, time.Second)
	_ = store.Set(ctx, "a", 2, 0)
	_ = store.Set(ctx, "b", 3, time.Second)

	*now = now.Add(time.Hour)
	n, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("purge 失败: %v", err)
	}
	if n != 1 {
		t.Fatalf("应清理 1 条过期记录, 实际 %d", n)
	}
	var v int
	if err := store.Get(ctx, "a", &v); err != nil || v != 2 {
		t.Fatalf("无过期的覆盖写入应保留: v=%d err=%v", v, err)
	}
}

func TestDiskStoreIncrAndPrefixDelete(t *testing.T) {
	store, _ := newDisk(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, AlertCountKey(7, "2024-05-06"), time.Hour)
		if err != nil {
			t.Fatalf("incr 失败: %v", err)
		}
		if got != want {
			t.Fatalf("计数期望 %d, 实际 %d", want, got)
		}
	}

	_ = store.Set(ctx, AlertStateKey(7, "510300"), payload{}, 0)
	_ = store.Set(ctx, AlertStateKey(7, "159915"), payload{}, 0)
	_ = store.Set(ctx, AlertStateKey(8, "510300"), payload{}, 0)
	if err := store.DeletePrefix(ctx, AlertStatePrefix(7)); err != nil {
		t.Fatalf("按前缀删除失败: %v", err)
	}
	var p payload
	if err := store.Get(ctx, AlertStateKey(7, "510300"), &p); !errors.Is(err, ErrNotFound) {
		t.Fatal("用户 7 的状态应被删除")
	}
	if err := store.Get(ctx, AlertStateKey(8, "510300"), &p); err != nil {
		t.Fatalf("其他用户的状态不应受影响: %v", err)
	}
}

func TestMemoryStoreIncrTTL(t *testing.T) {
	now := time.Date(2024, 5, 6, 23, 59, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if n, _ := store.Incr(ctx, "c", time.Minute); n != 1 {
		t.Fatalf("首次 incr 应为 1, 实际 %d", n)
	}
	if n, _ := store.Incr(ctx, "c", time.Minute); n != 2 {
		t.Fatalf("第二次 incr 应为 2, 实际 %d", n)
	}
	now = now.Add(time.Minute)
	if n, _ := store.Incr(ctx, "c", time.Minute); n != 1 {
		t.Fatalf("过期后计数应重置, 实际 %d", n)
	}
	if store.Len() != 1 {
		t.Fatalf("期望 1 个有效键, 实际 %d", store.Len())
	}
}

func TestKeysAndMidnight(t *testing.T) {
	if got := HistoryKey("510300", "daily", ""); got != "history:510300:daily:none" {
		t.Fatalf("history key 不正确: %s", got)
	}
	if got := MetricsBaseKey("510300", 120, 14); got != "metrics_base_510300_120_14" {
		t.Fatalf("metrics key 不正确: %s", got)
	}
	if got := AlertSentKey(1, "510300", "temperature_change", "2024-05-06"); got != "alert_sent:1:510300:temperature_change:2024-05-06" {
		t.Fatalf("sent key 不正确: %s", got)
	}
	loc := time.FixedZone("CST", 8*3600)
	now := time.Date(2024, 5, 6, 22, 30, 0, 0, loc)
	if got := UntilMidnight(now); got != 90*time.Minute {
		t.Fatalf("距午夜应为 90 分钟, 实际 %s", got)
	}
}
