// Package wsmanager multiplexes broker WebSocket connections.
//
// The broker rate-limits connections per auth token, so the manager
// keeps exactly one SharedConn per (token key, live/demo) pair and fans
// parsed events out to every registered listener. Three defenses keep
// reconnect storms from turning into 429 bans:
//
//   - a process-wide connect semaphore (2 permits, 3 s cool-down after
//     each release) gates every connect attempt — the long-running
//     receive loop runs outside the semaphore;
//   - each new shared connection staggers its first connect by a random
//     0–30 s;
//   - dead-subscription reconnects sleep a minimum 30 s plus 0–15 s of
//     jitter, while ordinary reconnects use exponential backoff
//     1, 2, 4, up to 60 s with ±10% jitter; the backoff restarts from
//     the base once a connection survives a heartbeat interval.
//
// Connections rotate before the broker's 85-minute access-token expiry
// and are declared dead after 10 s of total silence (heartbeats go out
// every 2.5 s). A subscription with zero data messages for ten straight
// 30-second windows during expected market hours is also declared dead;
// outside market hours, silence is normal and suppressed.
package wsmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-bridge/internal/config"
	"futures-bridge/internal/metrics"
	"futures-bridge/pkg/types"
)

const (
	deadSubWindow    = 30 * time.Second
	deadSubWindows   = 10
	deadSubMinSleep  = 30 * time.Second
	deadSubJitterMax = 15 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = 60 * time.Second
	reconnectJitter  = 0.10
	writeTimeout     = 10 * time.Second
)

// errRotate signals a planned teardown before the access token expires.
var errRotate = errors.New("rotating before token expiry")

// TokenSource supplies a current access token for a token key. The
// manager asks just before each connect so rotation always rides a
// fresh token.
type TokenSource interface {
	AccessToken(ctx context.Context, tokenKey string, live bool) (string, error)
}

// Listener receives every parsed event for its token key's connection.
// OnEvent must be non-blocking: no network I/O, no long computation.
// Reactions that need I/O post to a worker pool.
type Listener struct {
	ID          string
	TokenKey    string
	Live        bool
	Subaccounts []string
	OnEvent     func(Event)
}

type connKey struct {
	TokenKey string
	Live     bool
}

type registerReq struct {
	listener Listener
	done     chan error
}

type deregisterReq struct {
	id   string
	done chan struct{}
}

// Manager owns the shared connection set. All mutation goes through the
// run loop's mailbox; nothing else touches the maps.
type Manager struct {
	cfg    config.WebsocketConfig
	tokens TokenSource
	logger *slog.Logger

	registerCh   chan registerReq
	deregisterCh chan deregisterReq

	conns map[connKey]*SharedConn

	// listeners is mutated only by the run loop; the read-side lock is
	// for dispatch, which runs on the connection read goroutines.
	listenersMu sync.RWMutex
	listeners   map[string]Listener // by listener id

	// connectSem is the process-wide connect gate. Release is delayed by
	// ConnectCooldown so two permits never turn into a thundering herd.
	connectSem chan struct{}

	connectedMu sync.RWMutex
	connected   map[connKey]bool

	wg sync.WaitGroup
}

// NewManager creates the manager. Run must be started before Register.
func NewManager(cfg config.WebsocketConfig, tokens TokenSource, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		tokens:       tokens,
		logger:       logger.With("component", "wsmanager"),
		registerCh:   make(chan registerReq),
		deregisterCh: make(chan deregisterReq),
		conns:        make(map[connKey]*SharedConn),
		listeners:    make(map[string]Listener),
		connectSem:   make(chan struct{}, cfg.ConnectPermits),
		connected:    make(map[connKey]bool),
	}
}

// Register adds a listener, creating or widening the shared connection
// for its token key.
func (m *Manager) Register(ctx context.Context, l Listener) error {
	req := registerReq{listener: l, done: make(chan error, 1)}
	select {
	case m.registerCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deregister removes a listener. The shared connection stays up for the
// remaining listeners on the same token key.
func (m *Manager) Deregister(ctx context.Context, id string) error {
	req := deregisterReq{id: id, done: make(chan struct{})}
	select {
	case m.deregisterCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the shared connection for a token key is
// currently up. The reconciler uses this to skip TP repair while the
// position listener is authoritative.
func (m *Manager) IsConnected(tokenKey string, live bool) bool {
	m.connectedMu.RLock()
	defer m.connectedMu.RUnlock()
	return m.connected[connKey{tokenKey, live}]
}

// Run processes registration traffic until ctx is cancelled, then tears
// down every shared connection and waits for their goroutines.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return

		case req := <-m.registerCh:
			m.listenersMu.Lock()
			m.listeners[req.listener.ID] = req.listener
			m.listenersMu.Unlock()
			k := connKey{req.listener.TokenKey, req.listener.Live}
			sc, ok := m.conns[k]
			if !ok {
				sc = m.newSharedConn(k)
				m.conns[k] = sc
				m.wg.Add(1)
				go func() {
					defer m.wg.Done()
					sc.run(ctx)
				}()
			}
			sc.setSubaccounts(m.subaccountUnion(k))
			req.done <- nil

		case req := <-m.deregisterCh:
			m.listenersMu.Lock()
			l, ok := m.listeners[req.id]
			if ok {
				delete(m.listeners, req.id)
			}
			m.listenersMu.Unlock()
			if ok {
				k := connKey{l.TokenKey, l.Live}
				if sc, up := m.conns[k]; up {
					sc.setSubaccounts(m.subaccountUnion(k))
				}
			}
			close(req.done)
		}
	}
}

// subaccountUnion recomputes the deduplicated subaccount set across all
// listeners of one connection.
func (m *Manager) subaccountUnion(k connKey) []string {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	set := make(map[string]bool)
	for _, l := range m.listeners {
		if l.TokenKey == k.TokenKey && l.Live == k.Live {
			for _, id := range l.Subaccounts {
				set[id] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// dispatch fans one event out to every listener on the connection. Each
// callback runs under its own recover so one panicking listener cannot
// take down the rest or the read loop.
func (m *Manager) dispatch(k connKey, evt Event) {
	m.listenersMu.RLock()
	targets := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		if l.TokenKey == k.TokenKey && l.Live == k.Live {
			targets = append(targets, l)
		}
	}
	m.listenersMu.RUnlock()

	for _, l := range targets {
		func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("listener panicked",
						"listener", l.ID, "event_type", evt.Type, "panic", r)
				}
			}()
			l.OnEvent(evt)
		}(l)
	}
}

func (m *Manager) setConnected(k connKey, up bool) {
	m.connectedMu.Lock()
	was := m.connected[k]
	m.connected[k] = up
	m.connectedMu.Unlock()
	if up && !was {
		metrics.WSConnected.Inc()
	} else if !up && was {
		metrics.WSConnected.Dec()
	}
}

// acquireConnectPermit blocks until a connect slot is free. The returned
// release schedules the permit's return after the cool-down, so the next
// waiter cannot start sooner.
func (m *Manager) acquireConnectPermit(ctx context.Context) (release func(), err error) {
	select {
	case m.connectSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() {
		time.AfterFunc(m.cfg.ConnectCooldown, func() { <-m.connectSem })
	}, nil
}

func (m *Manager) newSharedConn(k connKey) *SharedConn {
	url := m.cfg.LiveURL
	if !k.Live {
		url = m.cfg.DemoURL
		if url == "" {
			url = m.cfg.LiveURL
		}
	}
	return &SharedConn{
		key:    k,
		url:    url,
		mgr:    m,
		cfg:    m.cfg,
		logger: m.logger.With("token_key", k.TokenKey, "live", k.Live),
	}
}

// SharedConn is one multiplexed connection for a token key.
type SharedConn struct {
	key    connKey
	url    string
	mgr    *Manager
	cfg    config.WebsocketConfig
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	subaccounts []string
}

// setSubaccounts replaces the subaccount set. If the set changed while
// connected, a fresh sync request goes out on the live connection.
func (sc *SharedConn) setSubaccounts(ids []string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if equalStrings(sc.subaccounts, ids) {
		return
	}
	sc.subaccounts = ids
	if sc.conn != nil {
		if err := sc.sendSyncLocked(); err != nil {
			sc.logger.Warn("resync failed, reconnect will retry", "error", err)
		}
	}
}

// run connects and maintains the connection until ctx ends.
func (sc *SharedConn) run(ctx context.Context) {
	// Initial stagger spreads simultaneous startups across 0–30 s.
	select {
	case <-ctx.Done():
		return
	case <-time.After(types.RandomDelay(sc.cfg.InitialStaggerMax)):
	}

	backoff := reconnectBase
	for {
		deadSub, lived, err := sc.connectAndRead(ctx)
		sc.mgr.setConnected(sc.key, false)
		if ctx.Err() != nil {
			return
		}

		if backoffResets(deadSub, lived, sc.cfg.HeartbeatInterval) {
			backoff = reconnectBase
		}

		metrics.WSReconnects.WithLabelValues(reconnectCause(deadSub, err)).Inc()

		var sleep time.Duration
		if deadSub {
			sleep = deadSubMinSleep + types.RandomDelay(deadSubJitterMax)
			sc.logger.Warn("dead subscription, reconnecting", "sleep", sleep, "error", err)
		} else {
			sleep = types.Jitter(backoff, reconnectJitter)
			sc.logger.Warn("websocket disconnected, reconnecting", "backoff", sleep, "error", err)
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// backoffResets reports whether the reconnect backoff restarts from the
// base. A connection that survived at least one heartbeat interval was
// healthy, so its eventual drop does not escalate the backoff; dead-sub
// teardowns carry their own sleep schedule.
func backoffResets(deadSub bool, lived, heartbeat time.Duration) bool {
	return deadSub || lived >= heartbeat
}

func reconnectCause(deadSub bool, err error) string {
	switch {
	case deadSub:
		return "dead_sub"
	case errors.Is(err, errRotate):
		return "rotate"
	default:
		return "error"
	}
}

// connectAndRead performs one full connection lifetime. It returns
// deadSub=true when the disconnect was triggered by the zero-data
// detector rather than a transport error, and how long the connection
// was established (zero when the connect itself failed).
func (sc *SharedConn) connectAndRead(ctx context.Context) (deadSub bool, lived time.Duration, err error) {
	var connectedAt time.Time
	defer func() {
		if !connectedAt.IsZero() {
			lived = time.Since(connectedAt)
		}
	}()

	release, err := sc.mgr.acquireConnectPermit(ctx)
	if err != nil {
		return false, 0, err
	}

	token, err := sc.mgr.tokens.AccessToken(ctx, sc.key.TokenKey, sc.key.Live)
	if err != nil {
		release()
		return false, 0, fmt.Errorf("access token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, sc.url, nil)
	if err != nil {
		release()
		return false, 0, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(sc.cfg.MaxMessageSize)

	sc.mu.Lock()
	sc.conn = conn
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		conn.Close()
		sc.conn = nil
		sc.mu.Unlock()
	}()

	if werr := sc.writeText("authorize\n1\n\n" + token); werr != nil {
		release()
		return false, 0, fmt.Errorf("authorize: %w", werr)
	}

	sc.mu.Lock()
	err = sc.sendSyncLocked()
	sc.mu.Unlock()
	if err != nil {
		release()
		return false, 0, fmt.Errorf("sync request: %w", err)
	}

	// The receive loop runs outside the semaphore; only the connect
	// attempt itself holds a permit.
	release()

	connectedAt = time.Now()
	sc.mgr.setConnected(sc.key, true)
	sc.logger.Info("websocket connected", "subaccounts", len(sc.currentSubaccounts()))

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go sc.heartbeatLoop(hbCtx, conn)

	// Rotate before the access token expires.
	rotateAt := time.Now().Add(sc.cfg.RotateBefore)

	emptyWindows := 0
	windowStart := time.Now()
	sawData := false

	for {
		if ctx.Err() != nil {
			return false, 0, ctx.Err()
		}
		if time.Now().After(rotateAt) {
			return false, 0, errRotate
		}

		conn.SetReadDeadline(time.Now().Add(sc.cfg.ReadIdleTimeout))
		_, msg, rerr := conn.ReadMessage()
		if rerr != nil {
			return false, 0, fmt.Errorf("read: %w", rerr)
		}

		now := time.Now()
		events := parseEvents(msg, now)
		if len(events) > 0 {
			sawData = true
			for _, evt := range events {
				sc.mgr.dispatch(sc.key, evt)
			}
		}

		// Dead-subscription detection: count consecutive 30 s windows
		// without data. Only market-hours silence counts.
		if now.Sub(windowStart) >= deadSubWindow {
			if sawData || !isMarketHours(now) {
				emptyWindows = 0
			} else {
				emptyWindows++
				if emptyWindows >= deadSubWindows {
					return true, 0, fmt.Errorf("no data for %d windows", emptyWindows)
				}
			}
			windowStart = now
			sawData = false
		}
	}
}

// sendSyncLocked issues the user sync request for the current subaccount
// union. splitResponses chunks the initial dump so a big account set does
// not blow the message limit in one frame. Caller holds sc.mu.
func (sc *SharedConn) sendSyncLocked() error {
	if sc.conn == nil {
		return fmt.Errorf("not connected")
	}
	body, err := json.Marshal(map[string]any{
		"users":          []string{},
		"accounts":       sc.subaccounts,
		"splitResponses": true,
	})
	if err != nil {
		return err
	}
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sc.conn.WriteMessage(websocket.TextMessage,
		[]byte("user/syncrequest\n2\n\n"+string(body)))
}

func (sc *SharedConn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(sc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			if sc.conn != conn {
				sc.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("[]"))
			sc.mu.Unlock()
			if err != nil {
				sc.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (sc *SharedConn) writeText(s string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.conn == nil {
		return fmt.Errorf("not connected")
	}
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sc.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (sc *SharedConn) currentSubaccounts() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.subaccounts...)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var easternTime = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// isMarketHours approximates the CME Globex session: Sunday 18:00 ET
// through Friday 17:00 ET with a daily 17:00–18:00 maintenance break.
func isMarketHours(t time.Time) bool {
	et := t.In(easternTime)
	switch et.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return et.Hour() >= 18
	case time.Friday:
		return et.Hour() < 17
	default:
		return et.Hour() != 17
	}
}
