package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatalloc/internal/store"
)

// SQLiteRoomStore implements store.RoomStore for standalone mode. SQLite
// has no advisory locks, so per-agent serialization is an in-process
// mutex — standalone mode runs a single service instance by definition.
type SQLiteRoomStore struct {
	db *sql.DB

	mu         sync.Mutex
	agentLocks map[int64]*sync.Mutex
}

func NewSQLiteRoomStore(db *sql.DB) *SQLiteRoomStore {
	return &SQLiteRoomStore{db: db, agentLocks: make(map[int64]*sync.Mutex)}
}

func (s *SQLiteRoomStore) agentLock(agentID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.agentLocks[agentID] = l
	}
	return l
}

func (s *SQLiteRoomStore) CreateIfAbsent(ctx context.Context, roomID, channelID int64) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, channel_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, channel_id) DO NOTHING`,
		roomID, channelID, store.StatusQueue, now, now,
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

func (s *SQLiteRoomStore) Get(ctx context.Context, roomID, channelID int64) (*store.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, channel_id, agent_id, status, created_at, updated_at
		 FROM rooms WHERE room_id = ? AND channel_id = ?`,
		roomID, channelID,
	)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *SQLiteRoomStore) List(ctx context.Context) ([]store.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, channel_id, agent_id, status, created_at, updated_at
		 FROM rooms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	return collectRooms(rows)
}

func (s *SQLiteRoomStore) ListQueued(ctx context.Context, channelID int64) ([]store.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, channel_id, agent_id, status, created_at, updated_at
		 FROM rooms WHERE channel_id = ? AND status = ?
		 ORDER BY created_at ASC`,
		channelID, store.StatusQueue,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued rooms: %w", err)
	}
	defer rows.Close()
	return collectRooms(rows)
}

func (s *SQLiteRoomStore) ListQueuedChannels(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel_id FROM rooms WHERE status = ? ORDER BY channel_id`,
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

func (s *SQLiteRoomStore) CountHandled(ctx context.Context, agentID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE agent_id = ? AND status = ?`,
		agentID, store.StatusHandled,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count handled rooms: %w", err)
	}
	return count, nil
}

func (s *SQLiteRoomStore) TryAssign(ctx context.Context, roomID, channelID, agentID int64, capacityLimit int) (bool, error) {
	l := s.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin assign tx: %w", err)
	}
	defer tx.Rollback()

	var handled int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE agent_id = ? AND status = ?`,
		agentID, store.StatusHandled,
	).Scan(&handled); err != nil {
		return false, fmt.Errorf("recount handled: %w", err)
	}
	if handled >= capacityLimit {
		return false, nil
	}

	var status store.RoomStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM rooms WHERE room_id = ? AND channel_id = ?`,
		roomID, channelID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read room: %w", err)
	}
	if status != store.StatusQueue {
		return false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE rooms SET status = ?, agent_id = ?, updated_at = ?
		 WHERE room_id = ? AND channel_id = ? AND status = ? AND agent_id IS NULL`,
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

func (s *SQLiteRoomStore) MarkResolved(ctx context.Context, roomID, channelID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = ?, updated_at = ?
		 WHERE room_id = ? AND channel_id = ? AND status <> ?`,
		store.StatusResolved, time.Now(), roomID, channelID, store.StatusResolved,
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
