package snapshot

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/fetcher"
	"etf-alerts/internal/market"
)

// DefaultTTL is how long a loaded quote list counts as fresh.
const DefaultTTL = 60 * time.Second

// Options configure the snapshot cache.
type Options struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
}

// Cache holds the latest quote per instrument code. The map is the single
// source of truth; ordered views are derived by sorting.
type Cache struct {
	opts    Options
	spot    fetcher.SpotFetcher
	logger  zerolog.Logger
	now     func() time.Time
	refresh sync.WaitGroup

	mu         sync.Mutex
	quotes     map[string]market.Quote
	updatedAt  time.Time
	refreshing bool
}

// New builds an empty cache backed by spot.
func New(spot fetcher.SpotFetcher, opts Options, logger zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &Cache{
		opts:   opts,
		spot:   spot,
		logger: logger.With().Str("component", "snapshot_cache").Logger(),
		now:    time.Now,
		quotes: make(map[string]market.Quote),
	}
}

// Set replaces the whole snapshot. Quotes without tags are classified by name.
func (c *Cache) Set(quotes []market.Quote) {
	next := make(map[string]market.Quote, len(quotes))
	for _, q := range quotes {
		if q.Code == "" {
			continue
		}
		if len(q.Tags) == 0 {
			q.Tags = Classify(q.Name)
		}
		next[q.Code] = q
	}

	c.mu.Lock()
	c.quotes = next
	c.updatedAt = c.now()
	c.mu.Unlock()
	c.logger.Info().Int("count", len(next)).Msg("snapshot updated")
}

// Upsert merges q into the snapshot: set fields overwrite, existing tags
// survive when q carries none.
func (c *Cache) Upsert(q market.Quote) {
	if q.Code == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.quotes[q.Code]
	if !ok {
		if len(q.Tags) == 0 {
			q.Tags = Classify(q.Name)
		}
		c.quotes[q.Code] = q
		return
	}
	if q.Name != "" {
		existing.Name = q.Name
	}
	if q.Price != nil {
		existing.Price = q.Price
	}
	if q.ChangePct != nil {
		existing.ChangePct = q.ChangePct
	}
	if q.Volume != nil {
		existing.Volume = q.Volume
	}
	if len(q.Tags) > 0 {
		existing.Tags = q.Tags
	}
	c.quotes[q.Code] = existing
}

// Get returns the quote for code.
func (c *Cache) Get(code string) (market.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[code]
	return q, ok
}

// List returns every quote ordered by code.
func (c *Cache) List() []market.Quote {
	c.mu.Lock()
	out := make([]market.Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, q)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Search matches code prefixes first, then case-insensitive name substrings.
func (c *Cache) Search(query string, limit int) []market.Quote {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}

	all := c.List()
	results := make([]market.Quote, 0, limit)
	picked := make(map[string]bool)
	for _, q := range all {
		if strings.HasPrefix(q.Code, query) {
			results = append(results, q)
			picked[q.Code] = true
			if len(results) >= limit {
				return results
			}
		}
	}
	for _, q := range all {
		if picked[q.Code] {
			continue
		}
		if strings.Contains(strings.ToLower(q.Name), query) {
			results = append(results, q)
			if len(results) >= limit {
				break
			}
		}
	}
	return results
}

// FilterByTag returns quotes carrying a tag with the given label.
func (c *Cache) FilterByTag(label string, limit int) []market.Quote {
	if limit <= 0 {
		limit = 50
	}
	var results []market.Quote
	for _, q := range c.List() {
		for _, t := range q.Tags {
			if t.Label == label {
				results = append(results, q)
				break
			}
		}
		if len(results) >= limit {
			break
		}
	}
	return results
}

// IsStale reports whether the snapshot is older than the TTL.
func (c *Cache) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.updatedAt) > c.opts.TTL
}

// IsInitialized reports whether any quote has been loaded.
func (c *Cache) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quotes) > 0
}

// UpdatedAt is the time of the last full Set.
func (c *Cache) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

// Refresh loads the quote list synchronously. Failures keep the old snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	quotes, err := c.spot.FetchSpot(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("refresh snapshot failed")
		return err
	}
	c.Set(quotes)
	return nil
}

// RefreshIfStale starts one background refresh when the snapshot is stale and
// none is running. It never waits; callers keep using the current data.
func (c *Cache) RefreshIfStale() bool {
	c.mu.Lock()
	if c.refreshing || c.now().Sub(c.updatedAt) <= c.opts.TTL {
		c.mu.Unlock()
		return false
	}
	c.refreshing = true
	c.mu.Unlock()

	c.refresh.Add(1)
	go func() {
		defer c.refresh.Done()
		defer func() {
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
		defer cancel()
		_ = c.Refresh(ctx)
	}()
	return true
}

// Ensure loads synchronously when empty, otherwise schedules a background
// refresh if stale.
func (c *Cache) Ensure(ctx context.Context) error {
	if !c.IsInitialized() {
		return c.Refresh(ctx)
	}
	c.RefreshIfStale()
	return nil
}

// Wait blocks until background refreshes finish.
func (c *Cache) Wait() {
	c.refresh.Wait()
}
