package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Fatalf("路径应为 /bottoken/sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), Recipient{UserID: 1, BotToken: "token", ChatID: "chat"}, "<b>hi</b>"); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received["chat_id"] != "chat" || received["parse_mode"] != "HTML" {
		t.Fatalf("请求参数不正确: %#v", received)
	}
	if received["text"] != "<b>hi</b>" {
		t.Fatalf("text 不正确: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(srv.URL, time.Second, testLogger())
	err := notifier.Send(context.Background(), Recipient{BotToken: "token", ChatID: "chat"}, "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("ok=false 应报错并带上描述: %v", err)
	}

	if err := notifier.Send(context.Background(), Recipient{BotToken: "token"}, "x"); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("缺少 chat id 应返回 ErrNoRecipient: %v", err)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	fail  map[int64]bool
	calls int
}

func (r *recordingNotifier) Send(_ context.Context, to Recipient, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail[to.UserID] {
		return errors.New("boom")
	}
	r.sent = append(r.sent, text)
	return nil
}

type staticAdmins []Recipient

func (s staticAdmins) ListAdminRecipients(context.Context) ([]Recipient, error) { return s, nil }

func TestAdminAlerterCooldown(t *testing.T) {
	n := &recordingNotifier{fail: map[int64]bool{2: true}}
	admins := staticAdmins{{UserID: 1, BotToken: "a", ChatID: "1"}, {UserID: 2, BotToken: "b", ChatID: "2"}}
	a := NewAdminAlerter(n, admins, AdminOptions{Location: time.UTC}, testLogger())
	clock := time.Date(2024, 5, 8, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	if got := a.Send(context.Background(), AdminAllSourcesDown, "510300"); got != 1 {
		t.Fatalf("应成功发送 1 位管理员, 实际 %d", got)
	}
	if !strings.Contains(n.sent[0], "所有数据源不可用") || !strings.Contains(n.sent[0], "2024-05-08 10:00:00") {
		t.Fatalf("系统告警格式错误: %s", n.sent[0])
	}

	clock = clock.Add(4 * time.Minute)
	if got := a.Send(context.Background(), AdminAllSourcesDown, "510300"); got != 0 {
		t.Fatal("冷却期内不应重复发送")
	}
	if got := a.Send(context.Background(), AdminSourceRecovered, "eastmoney"); got != 1 {
		t.Fatal("不同类型的告警不受冷却影响")
	}

	clock = clock.Add(2 * time.Minute)
	if got := a.Send(context.Background(), AdminAllSourcesDown, "510300"); got != 1 {
		t.Fatal("冷却结束后应再次发送")
	}
}

func TestAdminAlerterHooksRunInBackground(t *testing.T) {
	n := &recordingNotifier{}
	a := NewAdminAlerter(n, staticAdmins{{UserID: 1, BotToken: "a", ChatID: "1"}}, AdminOptions{}, testLogger())
	a.OnSourceRecovered("ths")
	a.Wait()
	if len(n.sent) != 1 || !strings.Contains(n.sent[0], "数据源 ths 已恢复") {
		t.Fatalf("恢复通知未发送: %v", n.sent)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
