package sched

import "context"

//go:generate mockgen -source=channel.go -destination=mock_channel_test.go -package=sched

// PushHandler receives server-originated pushes for one subscription.
type PushHandler func(PushEvent)

// Channel is the message channel to the backend scheduling service. The
// backend is opaque: everything the client knows about server state
// arrives through these four operations. *WSChannel satisfies this
// interface; tests use a gomock stand-in.
type Channel interface {
	// SubscribeUpdates establishes the push channel for one entity and
	// returns an unsubscribe capability.
	SubscribeUpdates(ctx context.Context, entityID string, handler PushHandler) (func(), error)

	// GetScheduleGrid fetches the full grid and the current mode.
	GetScheduleGrid(ctx context.Context, entityID string) (*GridResponse, error)

	// UpdateSchedule applies a batch of slot changes. A non-nil error
	// means the server rejected the update or the send failed.
	UpdateSchedule(ctx context.Context, req UpdateRequest) error

	// Connected reports whether the underlying channel is live. Polled
	// by the liveness check.
	Connected() bool
}
