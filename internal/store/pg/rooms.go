package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/chatalloc/internal/store"
)

// advisoryLockClass namespaces this service's pg_advisory_xact_lock keys
// so they cannot collide with other users of the same database.
const advisoryLockClass = 0x414C4C4F // "ALLO"

// PGRoomStore implements store.RoomStore backed by Postgres. Safe for use
// from multiple service instances: per-agent serialization is a
// transaction-scoped advisory lock, per-room claims are conditioned
// single-row updates.
type PGRoomStore struct {
	db *sql.DB
}

func NewPGRoomStore(db *sql.DB) *PGRoomStore {
	return &PGRoomStore{db: db}
}

func (s *PGRoomStore) CreateIfAbsent(ctx context.Context, roomID, channelID int64) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, channel_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (room_id, channel_id) DO NOTHING`,
		roomID, channelID, store.StatusQueue, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGRoomStore) Get(ctx context.Context, roomID, channelID int64) (*store.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, channel_id, agent_id, status, created_at, updated_at
		 FROM rooms WHERE room_id = $1 AND channel_id = $2`,
		roomID, channelID,
	)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *PGRoomStore) List(ctx context.Context) ([]store.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, channel_id, agent_id, status, created_at, updated_at
		 FROM rooms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	return collectRooms(rows)
}

func (s *PGRoomStore) ListQueued(ctx context.Context, channelID int64) ([]store.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, channel_id, agent_id, status, created_at, updated_at
		 FROM rooms WHERE channel_id = $1 AND status = $2
		 ORDER BY created_at ASC`,
		channelID, store.StatusQueue,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued rooms: %w", err)
	}
	defer rows.Close()
	return collectRooms(rows)
}

func (s *PGRoomStore) ListQueuedChannels(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel_id FROM rooms WHERE status = $1 ORDER BY channel_id`,
		store.StatusQueue,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued channels: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGRoomStore) CountHandled(ctx context.Context, agentID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE agent_id = $1 AND status = $2`,
		agentID, store.StatusHandled,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count handled rooms: %w", err)
	}
	return count, nil
}

// TryAssign claims a QUEUE room for an agent under the capacity limit.
// The advisory lock serializes the recount-then-claim across every
// connection and instance, so two rooms can never both take the agent's
// last free slot.
func (s *PGRoomStore) TryAssign(ctx context.Context, roomID, channelID, agentID int64, capacityLimit int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin assign tx: %w", err)
	}
	defer tx.Rollback()

	// Held until commit/rollback.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1, $2)`, advisoryLockClass, agentID); err != nil {
		return false, fmt.Errorf("agent lock: %w", err)
	}

	var handled int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE agent_id = $1 AND status = $2`,
		agentID, store.StatusHandled,
	).Scan(&handled); err != nil {
		return false, fmt.Errorf("recount handled: %w", err)
	}
	if handled >= capacityLimit {
		return false, nil
	}

	var status store.RoomStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM rooms WHERE room_id = $1 AND channel_id = $2 FOR UPDATE`,
		roomID, channelID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock room: %w", err)
	}
	if status != store.StatusQueue {
		return false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE rooms SET status = $1, agent_id = $2, updated_at = $3
		 WHERE room_id = $4 AND channel_id = $5 AND status = $6 AND agent_id IS NULL`,
		store.StatusHandled, agentID, time.Now(), roomID, channelID, store.StatusQueue,
	)
	if err != nil {
		return false, fmt.Errorf("claim room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit assign: %w", err)
	}
	return true, nil
}

func (s *PGRoomStore) MarkResolved(ctx context.Context, roomID, channelID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = $1, updated_at = $2
		 WHERE room_id = $3 AND channel_id = $4 AND status <> $1`,
		store.StatusResolved, time.Now(), roomID, channelID,
	)
	if err != nil {
		return false, fmt.Errorf("mark resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row rowScanner) (*store.Room, error) {
	var r store.Room
	var agentID sql.NullInt64
	if err := row.Scan(&r.RoomID, &r.ChannelID, &agentID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if agentID.Valid {
		r.AgentID = &agentID.Int64
	}
	return &r, nil
}

func collectRooms(rows *sql.Rows) ([]store.Room, error) {
	var result []store.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}
