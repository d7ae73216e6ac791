package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	scherr "github.com/gridwave/sched-sync/internal/errors"
)

// Manager owns the subscription to the server push channel for one
// entity and keeps the connection status accurate. It runs a periodic
// liveness check and drives reconnection with backoff. Connect failures
// are never returned to the caller; they are observable only through
// status events.
type Manager struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
	registry   *Registry
	channel    Channel
	entityID   string
	backoff    Backoff
	liveness   time.Duration

	// onPush receives every server push after the manager's own
	// bookkeeping. Wired by the sync client before Connect.
	onPush PushHandler

	mu             sync.Mutex
	unsubscribe    func()
	failures       int
	connected      bool
	lostSinceOK    bool
	reconnectTimer *time.Timer
	livenessStop   chan struct{}
}

func NewManager(channel Channel, registry *Registry, dispatcher *Dispatcher, entityID string, backoff Backoff, liveness time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		logger:     logger,
		dispatcher: dispatcher,
		registry:   registry,
		channel:    channel,
		entityID:   entityID,
		backoff:    backoff,
		liveness:   liveness,
	}
}

// SetPushHandler installs the handler invoked for every server push.
// Must be called before Connect.
func (m *Manager) SetPushHandler(fn PushHandler) {
	m.onPush = fn
}

// Connect transitions to reconnecting, issues the subscribe request and
// on success starts the liveness check and emits a connected status. On
// failure the error is recorded in the status and the reconnection path
// takes over. An explicit Connect resets the retry budget.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	m.failures = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	m.connect(ctx)
}

// connect is one subscribe attempt. Reconnect attempts re-enter here
// without resetting the failure counter.
func (m *Manager) connect(ctx context.Context) {
	m.dispatcher.SetStatus(ConnectionStatus{Connected: false, Reconnecting: true})

	unsubscribe, err := m.channel.SubscribeUpdates(ctx, m.entityID, m.handlePush)
	if err != nil {
		m.logger.Warn("subscribe failed",
			slog.String("entity_id", m.entityID),
			slog.String("error", err.Error()),
		)
		m.dispatcher.SetStatus(ConnectionStatus{Connected: false, Reconnecting: true, Err: err.Error()})
		m.scheduleReconnect(ctx)
		return
	}

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.failures = 0
	m.connected = true
	resumed := m.lostSinceOK
	m.lostSinceOK = false
	m.startLivenessLocked(ctx)
	m.mu.Unlock()

	// After a gap the server state is authoritative; local in-flight
	// assumptions are no longer safe.
	if resumed {
		m.registry.Clear()
	}

	m.dispatcher.SetStatus(ConnectionStatus{Connected: true, Reconnecting: false})
	m.logger.Info("subscribed", slog.String("entity_id", m.entityID))
}

// Disconnect stops the liveness check, cancels any scheduled reconnect,
// releases the subscription and emits a disconnected status. Safe to
// call on an already-disconnected manager.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.connected = false
	m.lostSinceOK = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopLivenessLocked()
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	m.dispatcher.SetStatus(ConnectionStatus{Connected: false, Reconnecting: false})
	m.logger.Info("disconnected", slog.String("entity_id", m.entityID))
}

// Connected reports whether the manager currently holds a live
// subscription.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

func (m *Manager) handlePush(push PushEvent) {
	if m.onPush != nil {
		m.onPush(push)
	}
}

// startLivenessLocked starts the periodic liveness poll. Caller holds
// m.mu.
func (m *Manager) startLivenessLocked(ctx context.Context) {
	m.stopLivenessLocked()

	stop := make(chan struct{})
	m.livenessStop = stop

	go func() {
		ticker := time.NewTicker(m.liveness)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkLiveness(ctx)
			}
		}
	}()
}

func (m *Manager) stopLivenessLocked() {
	if m.livenessStop != nil {
		close(m.livenessStop)
		m.livenessStop = nil
	}
}

// checkLiveness verifies the channel still reports itself connected. A
// dead channel while the manager believes it is connected is treated as
// connection loss.
func (m *Manager) checkLiveness(ctx context.Context) {
	m.mu.Lock()
	believed := m.connected
	m.mu.Unlock()

	if !believed || m.channel.Connected() {
		return
	}

	m.logger.Warn("liveness check failed, connection lost",
		slog.String("entity_id", m.entityID),
	)
	m.handleLoss(ctx)
}

// handleLoss records the loss, drops the dead subscription and enters
// the reconnection path.
func (m *Manager) handleLoss(ctx context.Context) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.lostSinceOK = true
	m.unsubscribe = nil
	m.stopLivenessLocked()
	m.mu.Unlock()

	m.dispatcher.SetStatus(ConnectionStatus{Connected: false, Reconnecting: true})
	m.scheduleReconnect(ctx)
}

// scheduleReconnect arms the next attempt with backoff, or gives up
// with a terminal status once the ceiling is reached. No further
// automatic attempts occur after that until an explicit Connect.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()

	if m.backoff.Exhausted(m.failures) {
		m.mu.Unlock()
		m.logger.Error("giving up on reconnection",
			slog.String("entity_id", m.entityID),
			slog.Int("attempts", m.backoff.MaxAttempts),
		)
		m.dispatcher.SetStatus(ConnectionStatus{
			Connected:    false,
			Reconnecting: false,
			Err:          scherr.ErrMaxReconnects.Error(),
		})
		return
	}

	m.failures++
	delay := m.backoff.Delay(m.failures)
	attempt := m.failures

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		m.connect(ctx)
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}
