package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	scherr "github.com/gridwave/sched-sync/internal/errors"
)

// Store persists schedule snapshots so a restarted process can render
// the last-known grid before the first fetch completes. Satisfied by
// *state.State; nil disables persistence.
type Store interface {
	SaveGrid(entityID string, schedules map[string][]Change, currentMode string) error
	ApplySlot(entityID, mode string, ch Change) error
	SaveMode(entityID, mode string) error
}

// Config holds the parameters for a sync client.
type Config struct {
	Channel  Channel
	EntityID string

	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	LivenessInterval     time.Duration
	ConfirmGracePeriod   time.Duration

	// Store is optional; when nil no snapshots are persisted.
	Store Store
}

// Client is the public surface of the synchronization core. It composes
// the dispatcher, pending registry, conflict resolver and connection
// manager, and is the only type embedding callers need to hold.
type Client struct {
	logger     *slog.Logger
	channel    Channel
	entityID   string
	store      Store
	dispatcher *Dispatcher
	registry   *Registry
	resolver   *Resolver
	manager    *Manager
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	dispatcher := NewDispatcher(logger)
	registry := NewRegistry(dispatcher, cfg.EntityID, cfg.ConfirmGracePeriod, logger)
	resolver := NewResolver(registry, dispatcher, logger)

	backoff := Backoff{
		Initial:     cfg.InitialBackoff,
		Max:         cfg.MaxBackoff,
		MaxAttempts: cfg.MaxReconnectAttempts,
	}
	manager := NewManager(cfg.Channel, registry, dispatcher, cfg.EntityID, backoff, cfg.LivenessInterval, logger)

	c := &Client{
		logger:     logger,
		channel:    cfg.Channel,
		entityID:   cfg.EntityID,
		store:      cfg.Store,
		dispatcher: dispatcher,
		registry:   registry,
		resolver:   resolver,
		manager:    manager,
	}

	resolver.SetReassert(c.reassert)
	manager.SetPushHandler(func(push PushEvent) {
		c.handlePush(context.Background(), push)
	})

	return c
}

// Connect establishes the push subscription. Failures are observable
// only via status events; see Manager.Connect.
func (c *Client) Connect(ctx context.Context) {
	c.manager.Connect(ctx)
}

// Disconnect releases the subscription and stops reconnection. Never
// fails on an already-disconnected client.
func (c *Client) Disconnect() {
	c.manager.Disconnect()
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return c.dispatcher.Status()
}

// OnEvent registers a sync event listener; the returned function
// unsubscribes it.
func (c *Client) OnEvent(typ EventType, fn EventListener) func() {
	return c.dispatcher.OnEvent(typ, fn)
}

// OnStatus registers a status listener; the current status is delivered
// immediately.
func (c *Client) OnStatus(fn StatusListener) func() {
	return c.dispatcher.OnStatus(fn)
}

// Pending returns a snapshot of the in-flight optimistic updates.
func (c *Client) Pending() []OptimisticUpdate {
	return c.registry.List()
}

// FetchGrid requests the full schedule grid and persists it as the
// local snapshot.
func (c *Client) FetchGrid(ctx context.Context) (*GridResponse, error) {
	grid, err := c.channel.GetScheduleGrid(ctx, c.entityID)
	if err != nil {
		return nil, fmt.Errorf("fetching schedule grid for %s: %w", c.entityID, err)
	}

	if c.store != nil {
		if err := c.store.SaveGrid(c.entityID, grid.Schedules, grid.CurrentMode); err != nil {
			c.logger.Warn("failed to persist grid snapshot",
				slog.String("entity_id", c.entityID),
				slog.String("error", err.Error()),
			)
		}
	}

	return grid, nil
}

// SubmitChange applies an edit optimistically and sends it to the
// server with the default server_wins conflict resolution. Returns the
// update identifier.
func (c *Client) SubmitChange(ctx context.Context, mode string, changes []Change) (string, error) {
	return c.SubmitChangeWithResolution(ctx, mode, changes, ConflictResolution{Strategy: ServerWins})
}

// SubmitChangeWithResolution is SubmitChange with a caller-selected
// conflict resolution strategy. The optimistic event fires before the
// network round trip; a rejected update is rolled back and the error is
// returned to this caller only.
func (c *Client) SubmitChangeWithResolution(ctx context.Context, mode string, changes []Change, resolution ConflictResolution) (string, error) {
	if resolution.Strategy == "" {
		resolution.Strategy = ServerWins
	}

	id := c.registry.Submit(mode, changes, resolution)

	req := UpdateRequest{
		EntityID: c.entityID,
		Mode:     mode,
		Changes:  changes,
		UpdateID: id,
	}
	if resolution.Strategy != ServerWins {
		res := resolution
		req.Resolution = &res
	}

	if err := c.channel.UpdateSchedule(ctx, req); err != nil {
		c.registry.Rollback(id)
		return id, fmt.Errorf("submitting update %s: %w (%w)", id, scherr.ErrUpdateRejected, err)
	}

	c.registry.Confirm(id)

	return id, nil
}

// reassert resends a pending update's changes for the client_wins
// strategy. A rejected resubmission falls back to rollback so the
// update still reaches a terminal state.
func (c *Client) reassert(ctx context.Context, update OptimisticUpdate) {
	req := UpdateRequest{
		EntityID: c.entityID,
		Mode:     update.Mode,
		Changes:  update.Changes,
		UpdateID: update.ID,
	}
	res := update.Resolution()
	req.Resolution = &res

	if err := c.channel.UpdateSchedule(ctx, req); err != nil {
		c.logger.Warn("reasserting update failed, rolling back",
			slog.String("update_id", update.ID),
			slog.String("error", err.Error()),
		)
		c.registry.Rollback(update.ID)
		return
	}

	c.registry.Confirm(update.ID)
}

// handlePush processes one server push: conflict detection first, then
// snapshot persistence, then delivery to listeners. Server events carry
// no optimistic/rollback/conflict markers; those are local-only.
func (c *Client) handlePush(ctx context.Context, push PushEvent) {
	switch push.Type {
	case PushPresenceChanged:
		c.handlePresence(ctx, push)

	default:
		c.handleScheduleUpdated(ctx, push)
	}
}

func (c *Client) handleScheduleUpdated(ctx context.Context, push PushEvent) {
	c.resolver.HandlePush(ctx, push)

	if c.store != nil {
		c.persistPush(push)
	}

	ev := SyncEvent{
		Type:        EventScheduleUpdated,
		EntityID:    push.EntityID,
		Mode:        push.Mode,
		Day:         push.Day,
		TimeSlot:    push.TimeSlot,
		TargetValue: push.TargetValue,
		Changes:     push.Changes,
		Timestamp:   push.Timestamp,
	}
	c.dispatcher.Emit(ev)
}

// handlePresence emits the presence event and refreshes the grid, since
// a mode change invalidates which schedule is active.
func (c *Client) handlePresence(ctx context.Context, push PushEvent) {
	if c.store != nil && push.NewMode != "" {
		if err := c.store.SaveMode(push.EntityID, push.NewMode); err != nil {
			c.logger.Warn("failed to persist mode snapshot",
				slog.String("entity_id", push.EntityID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.dispatcher.Emit(SyncEvent{
		Type:      EventPresenceChanged,
		EntityID:  push.EntityID,
		OldMode:   push.OldMode,
		NewMode:   push.NewMode,
		Timestamp: push.Timestamp,
	})

	if _, err := c.FetchGrid(ctx); err != nil {
		c.logger.Warn("mode refresh failed",
			slog.String("entity_id", c.entityID),
			slog.String("error", err.Error()),
		)
	}
}

// persistPush applies a server push to the snapshot store.
func (c *Client) persistPush(push PushEvent) {
	changes := push.Changes
	if len(changes) == 0 && push.TimeSlot != "" {
		changes = []Change{{Day: push.Day, Time: push.TimeSlot, Value: push.TargetValue}}
	}

	for _, ch := range changes {
		if err := c.store.ApplySlot(push.EntityID, push.Mode, ch); err != nil {
			c.logger.Warn("failed to persist pushed slot",
				slog.String("entity_id", push.EntityID),
				slog.String("day", ch.Day),
				slog.String("time", ch.Time),
				slog.String("error", err.Error()),
			)
		}
	}
}
