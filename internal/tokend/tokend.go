// Package tokend keeps broker auth alive. A 5-minute sweep refreshes
// every access token that expires within the next 30 minutes, well
// clear of the broker's 85-minute token lifetime, so neither the REST
// client nor the WebSocket rotation ever has to refresh on the hot
// path.
package tokend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/metrics"
	"futures-bridge/internal/store"
	"futures-bridge/pkg/types"
)

const (
	sweepInterval = 5 * time.Minute
	expiryWindow  = 30 * time.Minute
	refreshBudget = 30 * time.Second
)

// Daemon is the proactive token refresher.
type Daemon struct {
	store  *store.Store
	client broker.Client
	clock  types.Clock
	logger *slog.Logger
}

// New creates the daemon.
func New(st *store.Store, client broker.Client, clock types.Clock, logger *slog.Logger) *Daemon {
	return &Daemon{
		store:  st,
		client: client,
		clock:  clock,
		logger: logger.With("component", "tokend"),
	}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.Sweep(ctx)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep refreshes every token expiring within the window, once per
// token key. All accounts sharing the refreshed key get the new expiry.
func (d *Daemon) Sweep(ctx context.Context) {
	accounts, err := d.store.AccountsExpiringWithin(expiryWindow)
	if err != nil {
		d.logger.Error("expiring-account lookup failed", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	byKey := make(map[string][]store.Account)
	for _, a := range accounts {
		byKey[a.TokenKey] = append(byKey[a.TokenKey], a)
	}

	for key, group := range byKey {
		if ctx.Err() != nil {
			return
		}
		d.refreshKey(ctx, key, group)
	}
}

func (d *Daemon) refreshKey(ctx context.Context, key string, group []store.Account) {
	ctx, cancel := context.WithTimeout(ctx, refreshBudget)
	defer cancel()

	lead := group[0]
	acct := broker.Account{
		ID:           lead.ID,
		BrokerAcctID: lead.BrokerAcctID,
		TokenKey:     lead.TokenKey,
		Live:         lead.Live,
	}

	expiry, err := d.client.RefreshAuth(ctx, acct)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		d.logger.Error("token refresh failed", "token_key", key, "error", err)
		var berr *broker.Error
		if errors.As(err, &berr) && berr.Kind == broker.KindAuthExpired {
			// Refresh material is dead; flag every account on the key so
			// the executor fails fast until an operator re-authenticates.
			for _, a := range group {
				if merr := d.store.MarkNeedsReauth(a.ID); merr != nil {
					d.logger.Error("marking reauth failed", "account", a.ID, "error", merr)
				}
			}
		}
		return
	}

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	for _, a := range group {
		if uerr := d.store.UpdateTokenExpiry(a.ID, expiry); uerr != nil {
			d.logger.Error("expiry update failed", "account", a.ID, "error", uerr)
		}
	}
	d.logger.Info("token refreshed", "token_key", key, "accounts", len(group), "expiry", expiry)
}
