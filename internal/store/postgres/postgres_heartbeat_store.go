package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

func (r *PostgresStore) Beat(ctx context.Context, process string, role types.Role, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gofleet_schema.heartbeats (process, role, last_beat, active, started_at)
		VALUES ($1, $2, $3, TRUE, $3)
		ON CONFLICT (process) DO UPDATE SET
			role = CASE WHEN heartbeats.role = EXCLUDED.role THEN EXCLUDED.role ELSE 'both' END,
			last_beat = EXCLUDED.last_beat,
			active = TRUE
	`, process, string(role), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of %s: %w", process, err)
	}
	return nil
}

func (r *PostgresStore) Deactivate(ctx context.Context, process string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gofleet_schema.heartbeats SET active = FALSE WHERE process = $1`, process)
	if err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", process, err)
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (r *PostgresStore) FindHeartbeat(ctx context.Context, process string) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	err := r.db.QueryRowContext(ctx, `
		SELECT process, role, last_beat, active, started_at
		FROM gofleet_schema.heartbeats
		WHERE process = $1
	`, process).Scan(&hb.Process, &hb.Role, &hb.LastBeat, &hb.Active, &hb.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

func (r *PostgresStore) Stale(ctx context.Context, role types.Role, cutoff time.Time) ([]types.Heartbeat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT process, role, last_beat, active, started_at
		FROM gofleet_schema.heartbeats
		WHERE role IN ($1, 'both') AND active AND last_beat < $2
		ORDER BY process
	`, string(role), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beats []types.Heartbeat
	for rows.Next() {
		var hb types.Heartbeat
		if err := rows.Scan(&hb.Process, &hb.Role, &hb.LastBeat, &hb.Active, &hb.StartedAt); err != nil {
			return nil, err
		}
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}
