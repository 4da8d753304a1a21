package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// PGLoadCounter implements store.LoadCounter on an agent_load table.
// Every operation is a single atomic statement, so concurrent callers on
// any instance see a consistent counter.
type PGLoadCounter struct {
	db *sql.DB
}

func NewPGLoadCounter(db *sql.DB) *PGLoadCounter {
	return &PGLoadCounter{db: db}
}

func (c *PGLoadCounter) Increment(ctx context.Context, agentID int64) (int, error) {
	var load int
	err := c.db.QueryRowContext(ctx,
		`INSERT INTO agent_load (agent_id, load) VALUES ($1, 1)
		 ON CONFLICT (agent_id) DO UPDATE SET load = agent_load.load + 1
		 RETURNING load`,
		agentID,
	).Scan(&load)
	if err != nil {
		return 0, fmt.Errorf("increment agent load: %w", err)
	}
	return load, nil
}

func (c *PGLoadCounter) Decrement(ctx context.Context, agentID int64) (int, error) {
	var prev, load int
	err := c.db.QueryRowContext(ctx,
		`WITH prev AS (
		     SELECT load FROM agent_load WHERE agent_id = $1 FOR UPDATE
		 )
		 UPDATE agent_load SET load = GREATEST(agent_load.load - 1, 0)
		 FROM prev
		 WHERE agent_id = $1
		 RETURNING prev.load, agent_load.load`,
		agentID,
	).Scan(&prev, &load)
	if errors.Is(err, sql.ErrNoRows) {
		// Decrement for an agent we never incremented: duplicate
		// resolution or a restart wiped nothing — clamp to zero.
		slog.Warn("load counter decrement without entry, clamping to zero", "agent", agentID)
		_, err = c.db.ExecContext(ctx,
			`INSERT INTO agent_load (agent_id, load) VALUES ($1, 0)
			 ON CONFLICT (agent_id) DO NOTHING`, agentID)
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("decrement agent load: %w", err)
	}
	if prev == 0 {
		slog.Warn("load counter underflow clamped", "agent", agentID)
	}
	return load, nil
}

func (c *PGLoadCounter) Get(ctx context.Context, agentID int64) (int, error) {
	var load int
	err := c.db.QueryRowContext(ctx,
		`SELECT load FROM agent_load WHERE agent_id = $1`, agentID,
	).Scan(&load)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get agent load: %w", err)
	}
	return load, nil
}

func (c *PGLoadCounter) Reset(ctx context.Context, agentID int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO agent_load (agent_id, load) VALUES ($1, 0)
		 ON CONFLICT (agent_id) DO UPDATE SET load = 0`,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("reset agent load: %w", err)
	}
	return nil
}
