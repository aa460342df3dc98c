package tokend

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bridge/internal/broker"
	"futures-bridge/internal/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeAuthClient struct {
	expiry    time.Time
	err       error
	refreshed []string // token keys, in call order
}

func (c *fakeAuthClient) RefreshAuth(_ context.Context, acct broker.Account) (time.Time, error) {
	c.refreshed = append(c.refreshed, acct.TokenKey)
	if c.err != nil {
		return time.Time{}, c.err
	}
	return c.expiry, nil
}

func (c *fakeAuthClient) PlaceBracketOrder(context.Context, broker.Account, broker.BracketRequest) (broker.BracketResult, error) {
	return broker.BracketResult{}, nil
}

func (c *fakeAuthClient) PlaceMarket(context.Context, broker.Account, broker.OrderSide, int, string, string) (string, error) {
	return "", nil
}

func (c *fakeAuthClient) PlaceLimit(context.Context, broker.Account, broker.OrderSide, int, string, decimal.Decimal, string) (string, error) {
	return "", nil
}

func (c *fakeAuthClient) Cancel(context.Context, broker.Account, string) error { return nil }

func (c *fakeAuthClient) ListOrders(context.Context, broker.Account, broker.OrderFilter) ([]broker.Order, error) {
	return nil, nil
}

func (c *fakeAuthClient) ListPositions(context.Context, broker.Account) ([]broker.Position, error) {
	return nil, nil
}

func newTestDaemon(t *testing.T, client broker.Client) (*Daemon, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	clock := &fakeClock{now: time.Now()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, client, clock, logger), st
}

func seedAccount(t *testing.T, st *store.Store, brokerID, tokenKey string, expiry time.Time) *store.Account {
	t.Helper()
	a := &store.Account{
		Broker:       "tradovate",
		BrokerAcctID: brokerID,
		TokenKey:     tokenKey,
		TokenExpiry:  expiry,
	}
	if err := st.SaveAccount(a); err != nil {
		t.Fatalf("save account: %v", err)
	}
	return a
}

func TestSweepRefreshesOncePerTokenKey(t *testing.T) {
	t.Parallel()

	newExpiry := time.Now().Add(85 * time.Minute).Truncate(time.Second)
	client := &fakeAuthClient{expiry: newExpiry}
	d, st := newTestDaemon(t, client)

	soon := time.Now().Add(10 * time.Minute)
	a1 := seedAccount(t, st, "1", "tk-shared", soon)
	a2 := seedAccount(t, st, "2", "tk-shared", soon)
	seedAccount(t, st, "3", "tk-healthy", time.Now().Add(2*time.Hour))

	d.Sweep(context.Background())

	if len(client.refreshed) != 1 || client.refreshed[0] != "tk-shared" {
		t.Fatalf("refreshed = %v, want one refresh of tk-shared", client.refreshed)
	}

	for _, id := range []uint{a1.ID, a2.ID} {
		got, err := st.AccountByID(id)
		if err != nil {
			t.Fatalf("account %d: %v", id, err)
		}
		if !got.TokenExpiry.Equal(newExpiry) {
			t.Errorf("account %d expiry = %s, want %s (shared key fans out)", id, got.TokenExpiry, newExpiry)
		}
	}
}

func TestSweepDeadRefreshMarksGroupForReauth(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{err: &broker.Error{Kind: broker.KindAuthExpired, Op: "refresh"}}
	d, st := newTestDaemon(t, client)

	soon := time.Now().Add(10 * time.Minute)
	a1 := seedAccount(t, st, "1", "tk-dead", soon)
	a2 := seedAccount(t, st, "2", "tk-dead", soon)

	d.Sweep(context.Background())

	for _, id := range []uint{a1.ID, a2.ID} {
		got, err := st.AccountByID(id)
		if err != nil {
			t.Fatalf("account %d: %v", id, err)
		}
		if !got.NeedsReauth {
			t.Errorf("account %d must be flagged for reauth", id)
		}
	}
}

func TestSweepTransientErrorLeavesAccountsAlone(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{err: &broker.Error{Kind: broker.KindTransient, Op: "refresh"}}
	d, st := newTestDaemon(t, client)

	expiry := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	a := seedAccount(t, st, "1", "tk-1", expiry)

	d.Sweep(context.Background())

	got, err := st.AccountByID(a.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if got.NeedsReauth {
		t.Error("transient failure must not flag reauth; the next sweep retries")
	}
	if !got.TokenExpiry.Equal(expiry) {
		t.Errorf("expiry changed on failure: %s", got.TokenExpiry)
	}
}

func TestSweepNothingExpiring(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{expiry: time.Now().Add(85 * time.Minute)}
	d, st := newTestDaemon(t, client)
	seedAccount(t, st, "1", "tk-1", time.Now().Add(2*time.Hour))

	d.Sweep(context.Background())

	if len(client.refreshed) != 0 {
		t.Errorf("refreshed = %v, want none", client.refreshed)
	}
}
