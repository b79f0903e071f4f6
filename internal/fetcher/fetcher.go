package fetcher

import (
	"context"
	"errors"

	"etf-alerts/internal/market"
)

// ErrNoData reports an upstream answer that carried no usable bars.
var ErrNoData = errors.New("fetcher: no data")

// HistorySource retrieves daily OHLCV bars for one instrument from one provider.
// An empty series with a nil error means the provider had nothing for the request.
type HistorySource interface {
	Name() string
	FetchHistory(ctx context.Context, code, start, end string, adjust market.Adjust) (market.Series, error)
	IsAvailable(ctx context.Context) bool
}

// SpotFetcher retrieves the realtime quote list for every listed ETF.
type SpotFetcher interface {
	FetchSpot(ctx context.Context) ([]market.Quote, error)
}
