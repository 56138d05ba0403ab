package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

const instanceColumns = `
	id, schedule_id, task_type, task_id, queue_type, queue_id,
	status, request, executor, created_at, started_at, ended_at, last_error`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertInstance(ctx context.Context, q rowQuerier, inst *types.Instance) error {
	query := `
		INSERT INTO gofleet_schema.instances (
			schedule_id, task_type, task_id, queue_type, queue_id, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at
	`
	err := q.QueryRowContext(ctx, query,
		nullable(inst.ScheduleID),
		inst.Task.Type, inst.Task.ID,
		inst.Queue.Type, inst.Queue.ID,
		int(inst.Status),
	).Scan(&inst.ID, &inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (r *PostgresStore) InsertInstance(ctx context.Context, inst *types.Instance) (int64, error) {
	if err := insertInstance(ctx, r.db, inst); err != nil {
		return 0, err
	}
	return inst.ID, nil
}

func (r *PostgresStore) FindInstance(ctx context.Context, id int64) (*types.Instance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM gofleet_schema.instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return inst, err
}

func (r *PostgresStore) FetchCreated(ctx context.Context, queues []registry.Ref, limit int) ([]types.Instance, error) {
	where := "status = $1"
	args := []any{int(state.StatusCreated)}
	argIndex := 2

	if len(queues) > 0 {
		where += " AND ("
		for i, q := range queues {
			if i > 0 {
				where += " OR "
			}
			where += fmt.Sprintf("(queue_type = $%d AND queue_id = $%d)", argIndex, argIndex+1)
			args = append(args, q.Type, q.ID)
			argIndex += 2
		}
		where += ")"
	}

	args = append(args, limitArg(limit))
	query := `SELECT ` + instanceColumns + ` FROM gofleet_schema.instances WHERE ` + where +
		fmt.Sprintf(" ORDER BY id LIMIT $%d", argIndex)

	return r.queryInstances(ctx, query, args...)
}

func (r *PostgresStore) Start(ctx context.Context, id int64, executor string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.instances
		SET status = $1, executor = $2, started_at = now()
		WHERE id = $3 AND status = $4
	`, int(state.StatusRunning), executor, id, int(state.StatusCreated))
	if err != nil {
		return false, fmt.Errorf("failed to start instance %d: %w", id, err)
	}
	return rowsAffected(res)
}

func (r *PostgresStore) UpdateStatus(ctx context.Context, id int64, from, to state.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.instances
		SET status = $1
		WHERE id = $2 AND status = $3
	`, int(to), id, int(from))
	if err != nil {
		return false, fmt.Errorf("failed to update instance %d: %w", id, err)
	}
	return rowsAffected(res)
}

func (r *PostgresStore) Finish(ctx context.Context, id int64, status state.Status, lastError *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.instances
		SET status = $1, ended_at = now(), last_error = $2, request = NULL
		WHERE id = $3 AND status < $4
	`, int(status), nullable(lastError), id, int(state.StatusSuccess))
	if err != nil {
		return false, fmt.Errorf("failed to finish instance %d: %w", id, err)
	}
	return rowsAffected(res)
}

func (r *PostgresStore) PostRequest(ctx context.Context, id int64, req state.Request) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.instances
		SET request = $1
		WHERE id = $2 AND status < $3
	`, int(req), id, int(state.StatusSuccess))
	if err != nil {
		return fmt.Errorf("failed to post request to instance %d: %w", id, err)
	}
	if ok, err := rowsAffected(res); err != nil || ok {
		return err
	}

	// Nothing updated: tell a missing instance from a finished one.
	if _, err := r.FindInstance(ctx, id); err != nil {
		return err
	}
	return store.ErrFinal
}

func (r *PostgresStore) PendingRequests(ctx context.Context, executor string) ([]types.Instance, error) {
	return r.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM gofleet_schema.instances
		WHERE executor = $1 AND request IS NOT NULL AND status < $2
		ORDER BY id`, executor, int(state.StatusSuccess))
}

func (r *PostgresStore) ClearRequest(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE gofleet_schema.instances SET request = NULL WHERE id = $1`, id)
	return err
}

func (r *PostgresStore) InterruptRunning(ctx context.Context, executor string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.instances
		SET status = $1, ended_at = now(), last_error = $2
		WHERE executor = $3 AND status < $4
	`, int(state.StatusInterrupted), "executor presumed dead", executor, int(state.StatusSuccess))
	if err != nil {
		return 0, fmt.Errorf("failed to interrupt instances of %s: %w", executor, err)
	}
	return res.RowsAffected()
}

func (r *PostgresStore) ListInstances(ctx context.Context, page, pageSize int, statuses []state.Status) (*types.PaginationResult[types.Instance], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	where := "TRUE"
	var args []any
	argIndex := 1
	if len(statuses) > 0 {
		where += fmt.Sprintf(" AND status IN (%s)", placeholders(argIndex, len(statuses)))
		for _, s := range statuses {
			args = append(args, int(s))
		}
		argIndex += len(statuses)
	}

	var totalItems int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gofleet_schema.instances WHERE `+where, args...).Scan(&totalItems)
	if err != nil {
		return nil, err
	}

	selectQuery := `SELECT ` + instanceColumns + ` FROM gofleet_schema.instances WHERE ` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	items, err := r.queryInstances(ctx, selectQuery, append(args, pageSize, offset)...)
	if err != nil {
		return nil, err
	}

	totalPages := int(math.Ceil(float64(totalItems) / float64(pageSize)))
	return &types.PaginationResult[types.Instance]{
		Items:           items,
		TotalItems:      totalItems,
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}, nil
}

func (r *PostgresStore) CountAllInstancesGroupedByStatus(ctx context.Context) (map[state.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM gofleet_schema.instances
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.Status]int)
	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[state.Status(status)] = count
	}

	for _, status := range state.AllStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, rows.Err()
}

func (r *PostgresStore) queryInstances(ctx context.Context, query string, args ...any) ([]types.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func scanInstance(s scanner) (*types.Instance, error) {
	var (
		inst    types.Instance
		status  int
		request sql.NullInt64
	)
	err := s.Scan(
		&inst.ID, &inst.ScheduleID, &inst.Task.Type, &inst.Task.ID, &inst.Queue.Type, &inst.Queue.ID,
		&status, &request, &inst.Executor, &inst.CreatedAt, &inst.StartedAt, &inst.EndedAt, &inst.LastError,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = state.Status(status)
	if request.Valid {
		req := state.Request(request.Int64)
		inst.Request = &req
	}
	return &inst, nil
}
