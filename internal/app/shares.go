package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"etf-alerts/internal/fundflow"
)

var errSharesDisabled = errors.New("fund flow requires database.dsn and fund_flow.enabled")

// CollectShares runs one share collection pass.
func (a *App) CollectShares(ctx context.Context) (fundflow.CollectResult, error) {
	c, err := a.build(ctx)
	if err != nil {
		return fundflow.CollectResult{}, err
	}
	defer c.close(a.Logger)

	if c.shares == nil {
		return fundflow.CollectResult{}, errSharesDisabled
	}
	return c.shares.Collect(ctx)
}

// BackupShares archives one month of share history. month is YYYY-MM; an
// empty month selects the previous calendar month.
func (a *App) BackupShares(ctx context.Context, month string) (fundflow.BackupResult, error) {
	c, err := a.build(ctx)
	if err != nil {
		return fundflow.BackupResult{}, err
	}
	defer c.close(a.Logger)

	if c.shares == nil {
		return fundflow.BackupResult{}, errSharesDisabled
	}
	target, err := backupMonth(month, time.Now().In(c.location))
	if err != nil {
		return fundflow.BackupResult{}, err
	}
	return c.shares.BackupMonth(ctx, target.Year(), target.Month())
}

func backupMonth(month string, now time.Time) (time.Time, error) {
	if month == "" {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return first.AddDate(0, -1, 0), nil
	}
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, fmt.Errorf("month must be YYYY-MM: %w", err)
	}
	return t, nil
}

// ShowValuation prints the tracked-index valuation of code as JSON.
func (a *App) ShowValuation(ctx context.Context, w io.Writer, code string) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close(a.Logger)

	v, err := c.valuation.Valuation(ctx, code)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("no valuation for %s", code)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
