// Package allocator contains the agent allocation engine: it admits new
// chat rooms, assigns them to agents under a hard per-agent capacity
// limit, and re-scans the queue when capacity frees up.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatalloc/internal/bus"
	"github.com/nextlevelbuilder/chatalloc/internal/directory"
	"github.com/nextlevelbuilder/chatalloc/internal/store"
)

// rescanLockID is the coalescing guard key. One lock for the whole
// re-scan trigger class: the guard throttles scans, it does not
// serialize rooms (the room store does that).
const rescanLockID = "queue_rescan"

// Directory is the engine's view of the external agent directory.
type Directory interface {
	ListAgents(ctx context.Context) ([]directory.Agent, error)
	Assign(ctx context.Context, roomID, agentID int64) error
}

// Options are the engine tunables. Hot-reloadable via SetOptions.
type Options struct {
	// CapacityLimit is the hard maximum of concurrent HANDLED sessions
	// per agent. An agent qualifies only while handled < limit.
	CapacityLimit int

	// DebounceWindow is the coalescing guard expiry for re-scan bursts.
	DebounceWindow time.Duration

	// GuardRetry bounds the guard acquisition attempts.
	GuardRetry RetryPolicy

	// CandidateRetry bounds the "no candidates from the directory"
	// retries per room per scan pass.
	CandidateRetry RetryPolicy

	// ScanTimeout bounds one background re-scan pass.
	ScanTimeout time.Duration
}

// DefaultOptions mirror the original deployment's tuning.
func DefaultOptions() Options {
	return Options{
		CapacityLimit:  2,
		DebounceWindow: 3 * time.Second,
		GuardRetry:     RetryPolicy{MaxAttempts: 3, Delay: LinearBackoff(100 * time.Millisecond)},
		CandidateRetry: RetryPolicy{MaxAttempts: 3, Delay: LinearBackoff(time.Second)},
		ScanTimeout:    2 * time.Minute,
	}
}

// Outcome is the quick acknowledgment returned to webhook callers.
type Outcome string

const (
	OutcomeAssigned  Outcome = "assigned"
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDebounced Outcome = "skipped-debounced"
	OutcomeScanning  Outcome = "rescan-started"
)

// ResolutionResult reports what a resolution trigger did.
type ResolutionResult struct {
	Resolved bool    // false when the room was already RESOLVED (duplicate delivery)
	Rescan   Outcome // OutcomeScanning or OutcomeDebounced
}

// Engine orchestrates room admission, assignment, and queue re-scans.
// Safe for concurrent use; correctness under concurrent triggers rests
// on the store's conditioned transitions, not on engine-level locking.
type Engine struct {
	rooms  store.RoomStore
	load   store.LoadCounter
	guard  store.ScanGuard
	dir    Directory
	events bus.EventPublisher
	tracer trace.Tracer

	mu   sync.RWMutex
	opts Options

	scans sync.WaitGroup
}

func New(rooms store.RoomStore, load store.LoadCounter, guard store.ScanGuard, dir Directory, events bus.EventPublisher, opts Options) *Engine {
	if opts.CapacityLimit <= 0 {
		opts.CapacityLimit = DefaultOptions().CapacityLimit
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultOptions().DebounceWindow
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultOptions().ScanTimeout
	}
	return &Engine{
		rooms:  rooms,
		load:   load,
		guard:  guard,
		dir:    dir,
		events: events,
		tracer: otel.Tracer("chatalloc/allocator"),
		opts:   opts,
	}
}

// SetOptions replaces the tunables (config hot reload).
func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opts.CapacityLimit > 0 {
		e.opts.CapacityLimit = opts.CapacityLimit
	}
	if opts.DebounceWindow > 0 {
		e.opts.DebounceWindow = opts.DebounceWindow
	}
	if opts.GuardRetry.MaxAttempts > 0 {
		e.opts.GuardRetry = opts.GuardRetry
	}
	if opts.CandidateRetry.MaxAttempts > 0 {
		e.opts.CandidateRetry = opts.CandidateRetry
	}
	if opts.ScanTimeout > 0 {
		e.opts.ScanTimeout = opts.ScanTimeout
	}
}

func (e *Engine) snapshot() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Close waits for in-flight background scans to finish.
func (e *Engine) Close() {
	e.scans.Wait()
}

// HandleNewSession admits a room and attempts an immediate assignment.
// A duplicate delivery for a known room is absorbed without re-running
// the assignment; the next trigger or sweep covers it if still queued.
func (e *Engine) HandleNewSession(ctx context.Context, channelID, roomID int64) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "allocator.new_session",
		trace.WithAttributes(attribute.Int64("room.id", roomID), attribute.Int64("channel.id", channelID)))
	defer span.End()

	created, err := e.rooms.CreateIfAbsent(ctx, roomID, channelID)
	if err != nil {
		return "", fmt.Errorf("admit room %d: %w", roomID, err)
	}
	if !created {
		slog.Debug("duplicate new-session delivery", "room", roomID, "channel", channelID)
		return OutcomeDuplicate, nil
	}
	e.broadcast(bus.EventRoomQueued, bus.RoomEventPayload{RoomID: roomID, ChannelID: channelID})

	agentID, assigned := e.allocate(ctx, store.Room{RoomID: roomID, ChannelID: channelID})
	if !assigned {
		slog.Info("no agent available, room queued", "room", roomID, "channel", channelID)
		return OutcomeQueued, nil
	}
	slog.Info("room assigned on arrival", "room", roomID, "channel", channelID, "agent", agentID)
	return OutcomeAssigned, nil
}

// HandleResolution marks the room resolved, releases the agent's load,
// and triggers a debounced queue re-scan. The re-scan runs as a bounded
// background task so the webhook caller gets a fast acknowledgment.
func (e *Engine) HandleResolution(ctx context.Context, channelID, roomID, agentID int64) (ResolutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "allocator.resolution",
		trace.WithAttributes(attribute.Int64("room.id", roomID), attribute.Int64("agent.id", agentID)))
	defer span.End()

	opts := e.snapshot()
	res := ResolutionResult{}

	resolved, err := e.rooms.MarkResolved(ctx, roomID, channelID)
	if err != nil {
		return res, fmt.Errorf("resolve room %d: %w", roomID, err)
	}
	res.Resolved = resolved
	if resolved {
		if _, err := e.load.Decrement(ctx, agentID); err != nil {
			slog.Warn("load decrement failed", "agent", agentID, "error", err)
		}
		e.broadcast(bus.EventRoomResolved, bus.RoomEventPayload{RoomID: roomID, ChannelID: channelID, AgentID: agentID})
	} else {
		slog.Debug("duplicate resolution delivery", "room", roomID, "channel", channelID)
	}

	acquired, err := opts.GuardRetry.Do(ctx, func(ctx context.Context) (bool, error) {
		return e.guard.TryAcquire(ctx, rescanLockID, opts.DebounceWindow)
	})
	if err != nil {
		slog.Warn("scan guard unavailable, skipping re-scan", "error", err)
		res.Rescan = OutcomeDebounced
		return res, nil
	}
	if !acquired {
		res.Rescan = OutcomeDebounced
		return res, nil
	}

	e.startBackgroundScan(channelID, opts)
	res.Rescan = OutcomeScanning
	return res, nil
}

// startBackgroundScan runs one guarded re-scan pass detached from the
// triggering request, bounded by ScanTimeout. The guard is released when
// the pass completes; until then further triggers coalesce into it.
func (e *Engine) startBackgroundScan(channelID int64, opts Options) {
	e.scans.Add(1)
	go func() {
		defer e.scans.Done()
		ctx, cancel := context.WithTimeout(context.Background(), opts.ScanTimeout)
		defer cancel()
		defer func() {
			// Fresh context: a pass that ate the whole ScanTimeout must
			// still release instead of leaving the lock to expire.
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := e.guard.Release(releaseCtx, rescanLockID); err != nil {
				slog.Warn("scan guard release failed", "error", err)
			}
		}()

		e.Rescan(ctx, channelID)
	}()
}

// Rescan walks the channel's queued rooms oldest-first and attempts an
// assignment for each. Per-room failures are contained: a room with no
// qualifying agent stays QUEUE for the next trigger.
func (e *Engine) Rescan(ctx context.Context, channelID int64) {
	ctx, span := e.tracer.Start(ctx, "allocator.rescan",
		trace.WithAttributes(attribute.Int64("channel.id", channelID)))
	defer span.End()

	queued, err := e.rooms.ListQueued(ctx, channelID)
	if err != nil {
		slog.Error("re-scan aborted, cannot list queue", "channel", channelID, "error", err)
		return
	}

	assigned := 0
	for _, room := range queued {
		if ctx.Err() != nil {
			slog.Warn("re-scan timed out", "channel", channelID, "scanned", len(queued), "assigned", assigned)
			break
		}
		if _, ok := e.allocate(ctx, room); ok {
			assigned++
		}
	}

	slog.Info("re-scan pass complete", "channel", channelID, "scanned", len(queued), "assigned", assigned)
	e.broadcast(bus.EventScanCompleted, bus.ScanEventPayload{ChannelID: channelID, Scanned: len(queued), Assigned: assigned})
}

// Sweep is the periodic reconciliation pass: every channel with queued
// rooms gets a guarded re-scan, and load counters of offline agents are
// reset so stale load cannot block them after they return.
func (e *Engine) Sweep(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "allocator.sweep")
	defer span.End()

	opts := e.snapshot()

	if agents, err := e.dir.ListAgents(ctx); err == nil {
		for _, a := range agents {
			if a.IsAvailable {
				continue
			}
			if load, err := e.load.Get(ctx, a.ID); err == nil && load > 0 {
				slog.Info("resetting load for offline agent", "agent", a.ID, "load", load)
				if err := e.load.Reset(ctx, a.ID); err != nil {
					slog.Warn("load reset failed", "agent", a.ID, "error", err)
				}
			}
		}
	}

	channels, err := e.rooms.ListQueuedChannels(ctx)
	if err != nil {
		slog.Error("sweep aborted, cannot list queued channels", "error", err)
		return
	}

	for _, channelID := range channels {
		acquired, err := e.guard.TryAcquire(ctx, rescanLockID, opts.DebounceWindow)
		if err != nil || !acquired {
			continue
		}
		e.Rescan(ctx, channelID)
		if err := e.guard.Release(ctx, rescanLockID); err != nil {
			slog.Warn("scan guard release failed", "error", err)
		}
	}
}

// allocate runs the candidate-selection and claim sequence for one room.
// Directory errors count as "no candidates this attempt" and are retried
// per the backoff policy; store failures abort only this room's attempt.
func (e *Engine) allocate(ctx context.Context, room store.Room) (int64, bool) {
	opts := e.snapshot()

	localLoad := func(agentID int64) int {
		load, err := e.load.Get(ctx, agentID)
		if err != nil {
			// Pre-filter only; the store recount still decides.
			return 0
		}
		return load
	}

	var candidates []directory.Agent
	found, _ := opts.CandidateRetry.Do(ctx, func(ctx context.Context) (bool, error) {
		agents, err := e.dir.ListAgents(ctx)
		if err != nil {
			slog.Warn("directory unavailable", "room", room.RoomID, "error", err)
			return false, nil
		}
		cands := directory.Candidates(agents, localLoad, opts.CapacityLimit)
		if len(cands) == 0 {
			return false, nil
		}
		candidates = cands
		return true, nil
	})
	if !found {
		return 0, false
	}

	for _, agent := range candidates {
		ok, err := e.rooms.TryAssign(ctx, room.RoomID, room.ChannelID, agent.ID, opts.CapacityLimit)
		if err != nil {
			slog.Warn("assignment transaction failed", "room", room.RoomID, "agent", agent.ID, "error", err)
			continue
		}
		if !ok {
			// Lost the race or the agent filled up; next candidate.
			continue
		}

		if err := e.dir.Assign(ctx, room.RoomID, agent.ID); err != nil {
			// The room stays HANDLED: reverting could hand the session
			// to two agents. Ops resolves this from the log.
			slog.Error("room claimed locally but directory assign failed",
				"room", room.RoomID, "channel", room.ChannelID, "agent", agent.ID, "error", err)
		}
		if _, err := e.load.Increment(ctx, agent.ID); err != nil {
			slog.Warn("load increment failed", "agent", agent.ID, "error", err)
		}

		e.broadcast(bus.EventRoomAssigned, bus.RoomEventPayload{
			RoomID: room.RoomID, ChannelID: room.ChannelID, AgentID: agent.ID,
		})
		return agent.ID, true
	}
	return 0, false
}

func (e *Engine) broadcast(name string, payload interface{}) {
	if e.events == nil {
		return
	}
	e.events.Broadcast(bus.Event{Name: name, Payload: payload})
}
