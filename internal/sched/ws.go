package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	scherr "github.com/gridwave/sched-sync/internal/errors"
)

const (
	pingAfter       = 10 * time.Second
	disconnectAfter = 60 * time.Second
	heartbeatEvery  = 5 * time.Second
	responseTimeout = 10 * time.Second
	readLimit       = 1 << 20
	eventQueueSize  = 256
)

//go:generate mockgen -source=ws.go -destination=mock_ws_test.go -package=sched

// wsConn abstracts the WebSocket connection so WSChannel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// frame is the JSON envelope of the platform's WebSocket API. Requests
// carry a monotonically increasing id; the server echoes it on results
// and on every event of the matching subscription.
type frame struct {
	ID           int64               `json:"id,omitempty"`
	Type         string              `json:"type"`
	Success      *bool               `json:"success,omitempty"`
	Result       json.RawMessage     `json:"result,omitempty"`
	Error        *frameError         `json:"error,omitempty"`
	AccessToken  string              `json:"access_token,omitempty"`
	EntityID     string              `json:"entity_id,omitempty"`
	Mode         string              `json:"mode,omitempty"`
	Changes      []Change            `json:"changes,omitempty"`
	UpdateID     string              `json:"update_id,omitempty"`
	Resolution   *ConflictResolution `json:"conflict_resolution,omitempty"`
	Subscription int64               `json:"subscription,omitempty"`
	Event        *PushEvent          `json:"event,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// callResult is delivered to the waiter of one request id.
type callResult struct {
	result json.RawMessage
	err    error
}

// inboundEvent is a decoded push queued for the dispatch goroutine.
type inboundEvent struct {
	id   int64
	push PushEvent
}

// WSChannel implements Channel over a WebSocket connection to the
// automation platform.
//
// Architecture: a reader goroutine feeds results to per-request waiter
// channels and queues subscription events for a separate dispatch
// goroutine. Handlers run off the read loop, so a handler may issue its
// own round trips without starving the responses it is waiting for. A
// heartbeat goroutine pings on idle and closes the socket when the
// server goes silent, which flips Connected to false so the liveness
// check upstairs notices. The socket is dialed lazily: SubscribeUpdates
// re-establishes it when a reconnect attempt comes through.
type WSChannel struct {
	logger *slog.Logger
	url    string
	token  string

	// dialMu serializes dial/auth so concurrent callers cannot race a
	// redial. closed and connCancel are guarded by it.
	dialMu sync.Mutex
	closed bool

	// connCancel stops the reader, dispatch and heartbeat goroutines of
	// the current socket before a redial.
	connCancel context.CancelFunc

	mu      sync.Mutex
	conn    wsConn
	nextID  int64
	pending map[int64]chan callResult
	subs    map[int64]PushHandler
	events  chan inboundEvent

	connected   bool
	connectedMu sync.RWMutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

func NewWSChannel(url, token string, logger *slog.Logger) *WSChannel {
	return &WSChannel{
		logger:  logger,
		url:     url,
		token:   token,
		pending: make(map[int64]chan callResult),
		subs:    make(map[int64]PushHandler),
	}
}

// Connected reports whether the socket is live and authenticated.
func (w *WSChannel) Connected() bool {
	w.connectedMu.RLock()
	defer w.connectedMu.RUnlock()

	return w.connected
}

func (w *WSChannel) setConnected(v bool) {
	w.connectedMu.Lock()
	w.connected = v
	w.connectedMu.Unlock()
}

// ensureConnected dials and authenticates when no live socket exists.
func (w *WSChannel) ensureConnected(ctx context.Context) error {
	w.dialMu.Lock()
	defer w.dialMu.Unlock()

	if w.closed {
		return fmt.Errorf("channel closed: %w", scherr.ErrNotConnected)
	}
	if w.Connected() {
		return nil
	}

	if w.connCancel != nil {
		w.connCancel()
	}

	w.logger.Debug("dialing", slog.String("url", w.url))

	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w (%w)", scherr.ErrConnection, err)
	}
	conn.SetReadLimit(readLimit)

	if err := w.authenticate(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "auth failed")
		return err
	}

	w.mu.Lock()
	w.conn = conn
	// Drop waiters of the previous socket; their responses will never
	// arrive on this one.
	for id, ch := range w.pending {
		ch <- callResult{err: scherr.ErrSubscriptionLost}
		delete(w.pending, id)
	}
	w.mu.Unlock()

	w.touchLastMessage()
	w.setConnected(true)

	connCtx, cancel := context.WithCancel(context.Background())
	w.connCancel = cancel
	w.startEventDispatch(connCtx)
	go w.readLoop(connCtx, conn)
	go w.heartbeat(connCtx, conn)

	w.logger.Info("websocket authenticated", slog.String("url", w.url))

	return nil
}

// authenticate runs the token handshake: the server opens with
// auth_required, we answer with the access token, it closes the phase
// with auth_ok or auth_invalid.
func (w *WSChannel) authenticate(ctx context.Context, conn wsConn) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth challenge: %w (%w)", scherr.ErrConnection, err)
	}

	if typ := gjson.GetBytes(data, "type").Str; typ != "auth_required" {
		return fmt.Errorf("unexpected first message %q: %w", typ, scherr.ErrConnection)
	}

	reply, err := json.Marshal(frame{Type: "auth", AccessToken: w.token})
	if err != nil {
		return fmt.Errorf("marshalling auth message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
		return fmt.Errorf("sending auth: %w (%w)", scherr.ErrConnection, err)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth result: %w (%w)", scherr.ErrConnection, err)
	}

	switch typ := gjson.GetBytes(data, "type").Str; typ {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("auth rejected: %s", gjson.GetBytes(data, "message").Str)
	default:
		return fmt.Errorf("unexpected auth result %q: %w", typ, scherr.ErrConnection)
	}
}

// readLoop reads frames until the socket dies, dispatching results to
// waiters and events to subscription handlers.
func (w *WSChannel) readLoop(ctx context.Context, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			w.teardown(conn)
			return
		}
		w.touchLastMessage()

		if typ == websocket.MessageBinary {
			w.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		switch gjson.GetBytes(data, "type").Str {
		case "pong":
			continue

		case "event":
			w.routeEvent(data)

		case "result":
			w.routeResult(data)

		default:
			w.logger.Debug("unexpected frame",
				slog.String("type", gjson.GetBytes(data, "type").Str),
			)
		}
	}
}

// routeEvent decodes a push and hands it to the dispatch goroutine. The
// read loop never invokes handlers itself: a handler blocking on its own
// request would otherwise stall the loop that delivers the response.
func (w *WSChannel) routeEvent(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == nil {
		w.logger.Warn("undecodable event frame", slog.Int("bytes", len(data)))
		return
	}

	w.mu.Lock()
	events := w.events
	w.mu.Unlock()

	if events == nil {
		w.logger.Debug("event before dispatch start", slog.Int64("id", f.ID))
		return
	}

	select {
	case events <- inboundEvent{id: f.ID, push: *f.Event}:
	default:
		w.logger.Warn("event queue full, dropping push", slog.Int64("id", f.ID))
	}
}

// startEventDispatch installs a fresh inbound queue and starts the
// goroutine draining it. One goroutine per socket keeps push delivery
// ordered.
func (w *WSChannel) startEventDispatch(ctx context.Context) {
	events := make(chan inboundEvent, eventQueueSize)

	w.mu.Lock()
	w.events = events
	w.mu.Unlock()

	go w.dispatchLoop(ctx, events)
}

func (w *WSChannel) dispatchLoop(ctx context.Context, events <-chan inboundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			w.deliverEvent(ev.id, ev.push)
		}
	}
}

func (w *WSChannel) deliverEvent(id int64, push PushEvent) {
	w.mu.Lock()
	handler := w.subs[id]
	w.mu.Unlock()

	if handler == nil {
		w.logger.Debug("event for unknown subscription", slog.Int64("id", id))
		return
	}

	handler(push)
}

func (w *WSChannel) routeResult(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		w.logger.Warn("undecodable result frame", slog.Int("bytes", len(data)))
		return
	}

	w.mu.Lock()
	ch, ok := w.pending[f.ID]
	delete(w.pending, f.ID)
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("result for unknown request", slog.Int64("id", f.ID))
		return
	}

	if f.Success != nil && !*f.Success {
		msg := "request failed"
		if f.Error != nil {
			msg = f.Error.Message
		}
		if f.Error != nil && f.Error.Code == "conflict" {
			ch <- callResult{err: fmt.Errorf("server error: %s: %w", msg, scherr.ErrConflict)}
			return
		}
		ch <- callResult{err: fmt.Errorf("server error: %s", msg)}
		return
	}

	ch <- callResult{result: f.Result}
}

// heartbeat pings when the connection has been idle and closes the
// socket once the server has been silent past the disconnect window.
func (w *WSChannel) heartbeat(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.lastMsgMu.Lock()
			elapsed := time.Since(w.lastMessage)
			w.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				w.logger.Warn("server silent, closing connection")
				conn.Close(websocket.StatusGoingAway, "timeout")
				w.teardown(conn)
				return
			}

			if elapsed > pingAfter {
				if err := w.send(ctx, conn, frame{ID: w.claimID(), Type: "ping"}); err != nil {
					w.logger.Warn("ping failed", slog.String("error", err.Error()))
					w.teardown(conn)
					return
				}
			}
		}
	}
}

// teardown marks the channel dead and fails all in-flight waiters. The
// subscription map is kept: handlers are re-registered by the next
// SubscribeUpdates from the connection manager.
func (w *WSChannel) teardown(conn wsConn) {
	w.mu.Lock()
	if w.conn == conn {
		w.setConnected(false)
	}
	for id, ch := range w.pending {
		ch <- callResult{err: scherr.ErrSubscriptionLost}
		delete(w.pending, id)
	}
	w.mu.Unlock()
}

func (w *WSChannel) claimID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++

	return w.nextID
}

func (w *WSChannel) send(ctx context.Context, conn wsConn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// call sends one request frame and waits for the matching result.
func (w *WSChannel) call(ctx context.Context, f frame) (json.RawMessage, error) {
	if err := w.ensureConnected(ctx); err != nil {
		return nil, err
	}

	waiter := make(chan callResult, 1)

	w.mu.Lock()
	w.nextID++
	f.ID = w.nextID
	w.pending[f.ID] = waiter
	conn := w.conn
	w.mu.Unlock()

	if err := w.send(ctx, conn, f); err != nil {
		w.mu.Lock()
		delete(w.pending, f.ID)
		w.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w (%w)", f.Type, scherr.ErrConnection, err)
	}

	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	select {
	case res := <-waiter:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", f.Type, res.err)
		}
		return res.result, nil

	case <-timeout.C:
		w.mu.Lock()
		delete(w.pending, f.ID)
		w.mu.Unlock()
		return nil, fmt.Errorf("%s: timed out waiting for server response", f.Type)

	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, f.ID)
		w.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SubscribeUpdates implements Channel. The returned capability sends an
// unsubscribe request on a best-effort basis and always removes the
// local handler.
func (w *WSChannel) SubscribeUpdates(ctx context.Context, entityID string, handler PushHandler) (func(), error) {
	if err := w.ensureConnected(ctx); err != nil {
		return nil, err
	}

	waiter := make(chan callResult, 1)

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.pending[id] = waiter
	// Register before the ack: the server may interleave an event
	// between the subscribe result and our processing of it.
	w.subs[id] = handler
	conn := w.conn
	w.mu.Unlock()

	f := frame{ID: id, Type: "schedsync/subscribe_updates", EntityID: entityID}
	if err := w.send(ctx, conn, f); err != nil {
		w.dropSub(id)
		return nil, fmt.Errorf("sending subscribe: %w (%w)", scherr.ErrConnection, err)
	}

	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	select {
	case res := <-waiter:
		if res.err != nil {
			w.dropSub(id)
			return nil, fmt.Errorf("subscribing to %s: %w", entityID, res.err)
		}

	case <-timeout.C:
		w.dropSub(id)
		return nil, fmt.Errorf("subscribing to %s: timed out", entityID)

	case <-ctx.Done():
		w.dropSub(id)
		return nil, ctx.Err()
	}

	unsubscribe := func() {
		w.dropSub(id)

		if !w.Connected() {
			return
		}
		unsubCtx, cancel := context.WithTimeout(context.Background(), responseTimeout)
		defer cancel()
		if _, err := w.call(unsubCtx, frame{Type: "unsubscribe_events", Subscription: id}); err != nil {
			w.logger.Debug("unsubscribe request failed", slog.String("error", err.Error()))
		}
	}

	return unsubscribe, nil
}

func (w *WSChannel) dropSub(id int64) {
	w.mu.Lock()
	delete(w.subs, id)
	delete(w.pending, id)
	w.mu.Unlock()
}

// GetScheduleGrid implements Channel.
func (w *WSChannel) GetScheduleGrid(ctx context.Context, entityID string) (*GridResponse, error) {
	raw, err := w.call(ctx, frame{Type: "schedsync/get_schedule_grid", EntityID: entityID})
	if err != nil {
		return nil, err
	}

	var grid GridResponse
	if err := json.Unmarshal(raw, &grid); err != nil {
		return nil, fmt.Errorf("decoding schedule grid: %w", err)
	}

	return &grid, nil
}

// UpdateSchedule implements Channel.
func (w *WSChannel) UpdateSchedule(ctx context.Context, req UpdateRequest) error {
	f := frame{
		Type:       "schedsync/update_schedule",
		EntityID:   req.EntityID,
		Mode:       req.Mode,
		Changes:    req.Changes,
		UpdateID:   req.UpdateID,
		Resolution: req.Resolution,
	}

	if _, err := w.call(ctx, f); err != nil {
		return err
	}

	return nil
}

// Close shuts the socket down cleanly. The channel cannot be reused
// afterwards; further calls fail with ErrNotConnected.
func (w *WSChannel) Close() error {
	w.dialMu.Lock()
	w.closed = true
	if w.connCancel != nil {
		w.connCancel()
		w.connCancel = nil
	}
	w.dialMu.Unlock()

	w.setConnected(false)

	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil && !strings.Contains(err.Error(), "already") {
		return err
	}

	return nil
}

func (w *WSChannel) touchLastMessage() {
	w.lastMsgMu.Lock()
	w.lastMessage = time.Now()
	w.lastMsgMu.Unlock()
}
