// Package connectivity watches server reachability over a WebSocket
// presence endpoint so sync cycles fire the moment the device comes
// back online instead of waiting for the next interval tick.
package connectivity

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	reconnectMin = time.Second
	reconnectMax = time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// readLimit is generous for what is a presence-only socket; the
	// server sends nothing beyond keepalive pings.
	readLimit = 64 * 1024

	eventChanSize = 8
)

// State is the monitor's view of server reachability.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Monitor maintains a long-lived WebSocket to the presence endpoint and
// publishes state transitions. It never decides what to sync; it only
// reports reachability.
type Monitor struct {
	url    string
	device string
	logger *slog.Logger

	events chan State

	// nudge wakes the backoff wait early, e.g. after a local capture
	// when the user expects an immediate retry.
	nudge chan struct{}

	stateMu sync.RWMutex
	state   State
}

// New creates a Monitor for the given presence URL. The device name is
// sent as a query parameter so the server can attribute the session.
func New(url, device string, logger *slog.Logger) *Monitor {
	return &Monitor{
		url:    url,
		device: device,
		logger: logger,
		events: make(chan State, eventChanSize),
		nudge:  make(chan struct{}, 1),
		state:  StateOffline,
	}
}

// Events returns the state transition stream. Only transitions are
// published, never repeats of the current state.
func (m *Monitor) Events() <-chan State { return m.events }

// Online reports the current state without blocking.
func (m *Monitor) Online() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	return m.state == StateOnline
}

// Nudge wakes the monitor out of its backoff wait so the next dial
// happens immediately. Safe to call from any goroutine; extra nudges
// while one is pending are dropped.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Run dials the presence endpoint and holds the connection open,
// reconnecting with exponential backoff when it drops. Returns only on
// context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := m.hold(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wasOnline := m.setState(StateOffline)
		if wasOnline {
			// The connection was live before this failure, so the drop
			// is fresh: restart the backoff ladder.
			backoff = reconnectMin
		}

		m.logger.Debug("presence connection down",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if !m.wait(ctx, backoff) {
			return ctx.Err()
		}

		backoff = nextBackoff(backoff)
	}
}

// hold dials and then blocks reading the socket until it fails.
func (m *Monitor) hold(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, m.url+"?device="+m.device, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	cancel()

	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	conn.SetReadLimit(readLimit)

	if m.setState(StateOnline) {
		m.logger.Info("server reachable")
	}

	for {
		// Reads serve the keepalive protocol; payloads are ignored.
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

// setState transitions to next and publishes the event. Returns whether
// a transition actually happened.
func (m *Monitor) setState(next State) bool {
	m.stateMu.Lock()
	changed := m.state != next
	m.state = next
	m.stateMu.Unlock()

	if !changed {
		return false
	}

	select {
	case m.events <- next:
	default:
	}

	return true
}

// wait sleeps for the backoff plus jitter, returning early on a nudge.
// Returns false when the context was cancelled.
func (m *Monitor) wait(ctx context.Context, backoff time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.nudge:
		return true
	case <-timer.C:
		return true
	}
}

// nextBackoff doubles the delay up to reconnectMax.
func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > reconnectMax {
		next = reconnectMax
	}

	return next
}
