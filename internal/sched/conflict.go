package sched

import (
	"context"
	"log/slog"
)

// Resolver decides whether a server-pushed update invalidates pending
// local edits, and applies the resolution strategy chosen when each
// edit was submitted.
type Resolver struct {
	logger     *slog.Logger
	registry   *Registry
	dispatcher *Dispatcher

	// reassert resubmits a local edit over the channel for the
	// client_wins strategy. Wired by the sync client.
	reassert func(context.Context, OptimisticUpdate)
}

func NewResolver(registry *Registry, dispatcher *Dispatcher, logger *slog.Logger) *Resolver {
	return &Resolver{
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
	}
}

// SetReassert installs the callback used by the client_wins strategy.
func (res *Resolver) SetReassert(fn func(context.Context, OptimisticUpdate)) {
	res.reassert = fn
}

// conflicts reports whether a server push invalidates a pending update:
// the push must be strictly newer than the edit's creation time and
// touch a slot the edit covers. Both sides are wall-clock timestamps
// captured on different machines, so the comparison is not linearizable
// under clock skew; the behavior is kept as-is for compatibility with
// the backend's semantics.
func conflicts(push PushEvent, update OptimisticUpdate) bool {
	if push.Timestamp <= update.CreatedAt.UnixMilli() {
		return false
	}

	if len(push.Changes) > 0 {
		for _, ch := range push.Changes {
			if update.touches(ch.Day, ch.Time) {
				return true
			}
		}
		return false
	}

	return update.touches(push.Day, push.TimeSlot)
}

// HandlePush checks a server push against every pending update and
// applies each conflicting update's resolution strategy. Returns the
// number of conflicts found.
func (res *Resolver) HandlePush(ctx context.Context, push PushEvent) int {
	found := 0

	for _, update := range res.registry.List() {
		if !conflicts(push, update) {
			continue
		}
		found++

		res.logger.Info("server push conflicts with pending update",
			slog.String("update_id", update.ID),
			slog.String("strategy", string(update.Resolution().Strategy)),
			slog.Int64("push_ts", push.Timestamp),
			slog.Int64("created_at", update.CreatedAt.UnixMilli()),
		)

		switch update.Resolution().Strategy {
		case ClientWins:
			// Re-assert the local edit; the server push stands until
			// the resubmission lands.
			if res.reassert != nil {
				res.reassert(ctx, update)
			}

		case Merge, PromptUser:
			// Pass-through: forward both payloads to the caller for
			// domain-specific reconciliation. The pending record stays.
			res.emitConflict(update, push)

		default:
			// server_wins, and anything unrecognized: the server push
			// is the final state. Roll back first so the rollback event
			// precedes the conflict notification.
			res.registry.Rollback(update.ID)
			res.emitConflict(update, push)
		}
	}

	return found
}

// emitConflict emits a conflict-flagged schedule_updated event carrying
// both the original local changes and the server payload, so the UI can
// tell "your edit was overwritten" apart from a plain rollback.
func (res *Resolver) emitConflict(update OptimisticUpdate, push PushEvent) {
	serverPush := push

	ev := SyncEvent{
		Type:       EventScheduleUpdated,
		EntityID:   push.EntityID,
		Mode:       update.Mode,
		Changes:    update.Changes,
		UpdateID:   update.ID,
		Conflict:   true,
		ServerPush: &serverPush,
	}
	if len(update.Changes) > 0 {
		ev.Day = update.Changes[0].Day
		ev.TimeSlot = update.Changes[0].Time
		ev.TargetValue = update.Changes[0].Value
	}

	res.dispatcher.Emit(ev)
}
