package market

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical trading-day representation used across the pipeline.
const DateLayout = "2006-01-02"

// Adjust selects the price adjustment convention for historical bars.
type Adjust string

const (
	AdjustForward  Adjust = "qfq"
	AdjustBackward Adjust = "hfq"
	AdjustNone     Adjust = ""
)

// ParseAdjust normalises user input into an Adjust value.
func ParseAdjust(s string) (Adjust, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qfq":
		return AdjustForward, nil
	case "hfq":
		return AdjustBackward, nil
	case "", "none":
		return AdjustNone, nil
	default:
		return AdjustNone, fmt.Errorf("unknown adjust %q", s)
	}
}

// Bar is one daily OHLCV observation.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Series is a date-ordered sequence of bars. Values flow by copy; callers that
// enrich a series must Clone it first.
type Series []Bar

var (
	// ErrUnordered reports a series whose dates are not strictly increasing.
	ErrUnordered = errors.New("market: series dates not strictly increasing")
	// ErrBadDate reports a bar whose date is not YYYY-MM-DD.
	ErrBadDate = errors.New("market: invalid bar date")
)

// Validate checks the strictly-increasing unique date invariant.
func (s Series) Validate() error {
	prev := ""
	for i, b := range s {
		if _, err := time.Parse(DateLayout, b.Date); err != nil {
			return fmt.Errorf("%w at %d: %q", ErrBadDate, i, b.Date)
		}
		if prev != "" && b.Date <= prev {
			return fmt.Errorf("%w at %d: %s after %s", ErrUnordered, i, b.Date, prev)
		}
		prev = b.Date
	}
	return nil
}

// Clone returns an independent copy.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// Closes extracts closing prices.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Dates extracts bar dates.
func (s Series) Dates() []string {
	out := make([]string, len(s))
	for i, b := range s {
		out[i] = b.Date
	}
	return out
}

// LastDate returns the date of the final bar or "" for an empty series.
func (s Series) LastDate() string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1].Date
}

// Last returns the final bar.
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// Tail returns the trailing n bars (shares the backing array).
func (s Series) Tail(n int) Series {
	if n <= 0 {
		return Series{}
	}
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

// Between keeps bars with start <= date <= end. Empty bounds are open.
func (s Series) Between(start, end string) Series {
	out := make(Series, 0, len(s))
	for _, b := range s {
		if start != "" && b.Date < start {
			continue
		}
		if end != "" && b.Date > end {
			continue
		}
		out = append(out, b)
	}
	return out
}

// DayRelation is the outcome of comparing a candidate trading day to a cached one.
type DayRelation int

const (
	DayUnknown DayRelation = iota
	DaySame
	DayNewer
	DayOlder
)

func (r DayRelation) String() string {
	switch r {
	case DaySame:
		return "same"
	case DayNewer:
		return "newer"
	case DayOlder:
		return "older"
	default:
		return "unknown"
	}
}

// IsSameTradingDay compares a candidate day with the day a cached value was built for.
// Both arguments are YYYY-MM-DD strings; anything unparsable yields DayUnknown.
func IsSameTradingDay(candidate, cached string) DayRelation {
	c, err := time.Parse(DateLayout, candidate)
	if err != nil {
		return DayUnknown
	}
	p, err := time.Parse(DateLayout, cached)
	if err != nil {
		return DayUnknown
	}
	switch {
	case c.Equal(p):
		return DaySame
	case c.After(p):
		return DayNewer
	default:
		return DayOlder
	}
}

// Today returns the current calendar day in loc.
func Today(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).Format(DateLayout)
}

// DefaultSessionClose is the end of continuous trading, as an offset from
// local midnight.
const DefaultSessionClose = 15 * time.Hour

// Session describes the exchange's trading day.
type Session struct {
	Location *time.Location
	Close    time.Duration
}

// Intraday reports whether a series ending on lastDate still carries a
// partial bar at now: the date is today and the session has not closed.
func (s Session) Intraday(lastDate string, now time.Time) bool {
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	closeAt := s.Close
	if closeAt <= 0 {
		closeAt = DefaultSessionClose
	}
	local := now.In(loc)
	if lastDate != local.Format(DateLayout) {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return local.Before(midnight.Add(closeAt))
}

// Round rounds v half away from zero to the given number of decimal places.
func Round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// RoundPtr rounds a nullable float.
func RoundPtr(v *float64, places int32) *float64 {
	if v == nil {
		return nil
	}
	r := Round(*v, places)
	return &r
}

// ParseDecimal parses an upstream numeric string. Placeholders such as "-" or "" are errors.
func ParseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, fmt.Errorf("empty numeric field")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// NormalizeDate accepts YYYYMMDD or YYYY-MM-DD and returns YYYY-MM-DD.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	layouts := []string{DateLayout, "20060102"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrBadDate, s)
}

// Quote is one row of the realtime instrument snapshot.
type Quote struct {
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	Price     *float64 `json:"price"`
	ChangePct *float64 `json:"change_pct"`
	Volume    *float64 `json:"volume"`
	Tags      []Tag    `json:"tags,omitempty"`
}

// Tag is a classification label attached to an instrument.
type Tag struct {
	Label string `json:"label"`
	Group string `json:"group"`
}
