package store

import (
	"context"
	"errors"
	"time"
)

// RoomStatus is the routing state of a chat room.
type RoomStatus string

const (
	StatusQueue    RoomStatus = "QUEUE"
	StatusHandled  RoomStatus = "HANDLED"
	StatusResolved RoomStatus = "RESOLVED"
)

// Room is one customer chat session. (room_id, channel_id) is the natural
// key; AgentID is set only while the room is HANDLED.
type Room struct {
	RoomID    int64      `json:"room_id"`
	ChannelID int64      `json:"channel_id"`
	AgentID   *int64     `json:"agent_id,omitempty"`
	Status    RoomStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ErrNotFound is returned when a room does not exist.
var ErrNotFound = errors.New("room not found")

// RoomStore is the durable, authoritative record of room routing state.
// All mutations are single transactions with conditioned updates, so
// concurrent duplicate webhook deliveries converge to one outcome.
type RoomStore interface {
	// CreateIfAbsent inserts the room as QUEUE if the key does not exist.
	// Returns whether a new row was created; a duplicate is a no-op.
	CreateIfAbsent(ctx context.Context, roomID, channelID int64) (created bool, err error)

	// Get returns the room, or ErrNotFound.
	Get(ctx context.Context, roomID, channelID int64) (*Room, error)

	// List returns every room, newest first.
	List(ctx context.Context) ([]Room, error)

	// ListQueued returns QUEUE rooms for the channel, oldest created first.
	ListQueued(ctx context.Context, channelID int64) ([]Room, error)

	// ListQueuedChannels returns the distinct channel ids that currently
	// have queued rooms. Used by the periodic sweep.
	ListQueuedChannels(ctx context.Context) ([]int64, error)

	// CountHandled is the authoritative count of sessions the agent holds.
	CountHandled(ctx context.Context, agentID int64) (int, error)

	// TryAssign claims the room for the agent inside one transaction:
	// serialize on the agent, recount HANDLED rows against the limit,
	// row-lock the room, and flip QUEUE -> HANDLED with a conditioned
	// update. Returns false when the agent is at capacity or the room is
	// no longer QUEUE (lost the race).
	TryAssign(ctx context.Context, roomID, channelID, agentID int64, capacityLimit int) (bool, error)

	// MarkResolved flips the room to RESOLVED unless it already is.
	// Returns whether this call performed the transition (idempotent).
	MarkResolved(ctx context.Context, roomID, channelID int64) (bool, error)
}

// LoadCounter tracks sessions this service believes it has assigned to
// each agent. A fast pre-filter only — the RoomStore recount inside
// TryAssign is the final arbiter of capacity.
type LoadCounter interface {
	// Increment atomically adds one and returns the new value.
	Increment(ctx context.Context, agentID int64) (int, error)

	// Decrement atomically subtracts one, clamped at zero. A clamp means
	// a duplicate resolution slipped through; implementations log it.
	Decrement(ctx context.Context, agentID int64) (int, error)

	// Get returns the current tracked load.
	Get(ctx context.Context, agentID int64) (int, error)

	// Reset zeroes the counter, invoked when an agent goes offline so
	// stale load cannot block assignments after it returns.
	Reset(ctx context.Context, agentID int64) error
}

// ScanGuard collapses bursts of re-scan triggers into one execution via
// an atomic set-if-absent-with-expiry.
type ScanGuard interface {
	// TryAcquire returns true when this caller owns the lock for the
	// window. False is the intended debounce outcome, not an error.
	TryAcquire(ctx context.Context, lockID string, window time.Duration) (bool, error)

	// Release drops the lock early after a completed scan. An abandoned
	// lock falls back to expiry.
	Release(ctx context.Context, lockID string) error
}
