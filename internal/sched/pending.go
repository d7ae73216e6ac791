package sched

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks in-flight optimistic edits keyed by a generated
// identifier. Every update has a deterministic lifecycle: Submit, then
// exactly one of Confirm or Rollback, never both. Confirmed records
// linger for a grace period to catch late conflicting server pushes,
// then are evicted silently.
//
// The map is owned exclusively by the Registry; callers only ever
// receive copies.
type Registry struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
	entityID   string
	grace      time.Duration

	mu      sync.Mutex
	updates map[string]*OptimisticUpdate
	timers  map[string]*time.Timer
}

func NewRegistry(dispatcher *Dispatcher, entityID string, grace time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		dispatcher: dispatcher,
		entityID:   entityID,
		grace:      grace,
		updates:    make(map[string]*OptimisticUpdate),
		timers:     make(map[string]*time.Timer),
	}
}

// newUpdateID generates a process-lifetime-unique identifier:
// millisecond timestamp plus a random suffix.
func newUpdateID() string {
	return fmt.Sprintf("%d-%.8s", time.Now().UnixMilli(), uuid.NewString())
}

// Submit records a new pending update and immediately emits an
// optimistic schedule_updated event carrying the same changes, so the
// UI reflects the edit before any round trip completes. Returns the
// generated identifier.
func (r *Registry) Submit(mode string, changes []Change, resolution ConflictResolution) string {
	id := newUpdateID()

	update := &OptimisticUpdate{
		ID:         id,
		Mode:       mode,
		Changes:    append([]Change(nil), changes...),
		CreatedAt:  time.Now(),
		resolution: resolution,
	}

	r.mu.Lock()
	r.updates[id] = update
	r.mu.Unlock()

	r.logger.Debug("optimistic update submitted",
		slog.String("update_id", id),
		slog.String("mode", mode),
		slog.Int("changes", len(changes)),
	)

	r.dispatcher.Emit(r.event(update, func(ev *SyncEvent) {
		ev.Optimistic = true
	}))

	return id
}

// Confirm marks the record applied and schedules its silent eviction
// after the grace window. Confirming an unknown id is a no-op.
func (r *Registry) Confirm(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	update, ok := r.updates[id]
	if !ok {
		return
	}
	update.Applied = true

	if old, ok := r.timers[id]; ok {
		old.Stop()
	}
	r.timers[id] = time.AfterFunc(r.grace, func() {
		r.evict(id)
	})

	r.logger.Debug("optimistic update confirmed", slog.String("update_id", id))
}

// Rollback emits a rollback-flagged schedule_updated event carrying the
// original changes, then deletes the record. Rolling back an unknown id
// is a no-op, so the operation is idempotent.
func (r *Registry) Rollback(id string) {
	r.mu.Lock()
	update, ok := r.updates[id]
	if ok {
		delete(r.updates, id)
		if timer, hasTimer := r.timers[id]; hasTimer {
			timer.Stop()
			delete(r.timers, id)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Info("rolling back optimistic update",
		slog.String("update_id", id),
		slog.String("mode", update.Mode),
	)

	r.dispatcher.Emit(r.event(update, func(ev *SyncEvent) {
		ev.Rollback = true
	}))
}

// Clear drops all records without emitting rollback events. Used only
// when the connection has been lost and re-established: the server
// state after the gap supersedes any local in-flight assumption.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := len(r.updates)
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.updates = make(map[string]*OptimisticUpdate)
	r.mu.Unlock()

	if n > 0 {
		r.logger.Info("cleared pending updates after reconnect", slog.Int("dropped", n))
	}
}

// List returns a snapshot of current pending records, not a live view.
func (r *Registry) List() []OptimisticUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OptimisticUpdate, 0, len(r.updates))
	for _, update := range r.updates {
		copied := *update
		copied.Changes = append([]Change(nil), update.Changes...)
		out = append(out, copied)
	}

	return out
}

// Get returns a copy of one pending record.
func (r *Registry) Get(id string) (OptimisticUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	update, ok := r.updates[id]
	if !ok {
		return OptimisticUpdate{}, false
	}

	copied := *update
	copied.Changes = append([]Change(nil), update.Changes...)

	return copied, true
}

// evict silently removes a confirmed record after the grace window.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.updates[id]; !ok {
		return
	}
	delete(r.updates, id)
	delete(r.timers, id)

	r.logger.Debug("evicted confirmed update", slog.String("update_id", id))
}

// event builds a schedule_updated SyncEvent from an update record. The
// slot fields mirror the first change for single-slot consumers.
func (r *Registry) event(update *OptimisticUpdate, mark func(*SyncEvent)) SyncEvent {
	ev := SyncEvent{
		Type:     EventScheduleUpdated,
		EntityID: r.entityID,
		Mode:     update.Mode,
		Changes:  append([]Change(nil), update.Changes...),
		UpdateID: update.ID,
	}
	if len(update.Changes) > 0 {
		ev.Day = update.Changes[0].Day
		ev.TimeSlot = update.Changes[0].Time
		ev.TargetValue = update.Changes[0].Value
	}
	mark(&ev)

	return ev
}
