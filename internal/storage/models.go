package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subscriber is a user with alerts enabled and a verified Telegram channel.
type Subscriber struct {
	UserID   int64
	Username string
	BotToken string
	ChatID   string
	// Preferences is the raw alerts settings object; absent keys take defaults.
	Preferences json.RawMessage
}

// WatchItem is one instrument on a user's watchlist.
type WatchItem struct {
	UserID    int64
	Code      string
	Name      string
	SortOrder int
	CreatedAt time.Time
}

// AlertRecord captures an emitted signal for auditing.
type AlertRecord struct {
	ID         int64
	RunID      uuid.UUID
	UserID     int64
	Code       string
	SignalType string
	Detail     string
	Priority   string
	Delivered  bool
	CreatedAt  time.Time
}

// ShareRecord is one exchange-reported outstanding share count.
type ShareRecord struct {
	Code string
	// Date is the statistics day, YYYY-MM-DD.
	Date string
	// Shares is in 亿份.
	Shares    float64
	Exchange  string
	ETFType   string
	CreatedAt time.Time
}

// ShareRank places one fund among every fund reported on the same day.
type ShareRank struct {
	Rank     int
	Total    int
	Category string
}
