package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// SQLiteLoadCounter implements store.LoadCounter for standalone mode. A
// process-wide mutex makes read-modify-write atomic; single instance, so
// that is the whole universe of callers.
type SQLiteLoadCounter struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteLoadCounter(db *sql.DB) *SQLiteLoadCounter {
	return &SQLiteLoadCounter{db: db}
}

func (c *SQLiteLoadCounter) Increment(ctx context.Context, agentID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var load int
	err := c.db.QueryRowContext(ctx,
		`INSERT INTO agent_load (agent_id, load) VALUES (?, 1)
		 ON CONFLICT (agent_id) DO UPDATE SET load = load + 1
		 RETURNING load`,
		agentID,
	).Scan(&load)
	if err != nil {
		return 0, fmt.Errorf("increment agent load: %w", err)
	}
	return load, nil
}

func (c *SQLiteLoadCounter) Decrement(ctx context.Context, agentID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev int
	err := c.db.QueryRowContext(ctx,
		`SELECT load FROM agent_load WHERE agent_id = ?`, agentID,
	).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Warn("load counter decrement without entry, clamping to zero", "agent", agentID)
		_, err = c.db.ExecContext(ctx,
			`INSERT INTO agent_load (agent_id, load) VALUES (?, 0)
			 ON CONFLICT (agent_id) DO NOTHING`, agentID)
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("read agent load: %w", err)
	}

	next := prev - 1
	if next < 0 {
		slog.Warn("load counter underflow clamped", "agent", agentID)
		next = 0
	}
	if _, err := c.db.ExecContext(ctx,
		`UPDATE agent_load SET load = ? WHERE agent_id = ?`, next, agentID); err != nil {
		return 0, fmt.Errorf("decrement agent load: %w", err)
	}
	return next, nil
}

func (c *SQLiteLoadCounter) Get(ctx context.Context, agentID int64) (int, error) {
	var load int
	err := c.db.QueryRowContext(ctx,
		`SELECT load FROM agent_load WHERE agent_id = ?`, agentID,
	).Scan(&load)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get agent load: %w", err)
	}
	return load, nil
}

func (c *SQLiteLoadCounter) Reset(ctx context.Context, agentID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO agent_load (agent_id, load) VALUES (?, 0)
		 ON CONFLICT (agent_id) DO UPDATE SET load = 0`,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("reset agent load: %w", err)
	}
	return nil
}
