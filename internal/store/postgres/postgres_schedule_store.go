package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

const scheduleColumns = `
	s.id, s.kind, s.task_type, s.task_id, s.queue_type, s.queue_id,
	s.repetitions, s.remaining, s.owner, s.make_up, s.version,
	s.next_at, s.period_seconds, s.anchor_at,
	s.months, s.days, s.weekdays, s.hours, s.minutes, s.seconds,
	s.created_at`

// unfinished matches records that still have runs left.
const unfinished = `NOT (s.repetitions > 0 AND s.remaining = 0)`

type scheduleRow struct {
	nextAt   sql.NullTime
	period   sql.NullInt64
	anchorAt sql.NullTime
	months   sql.NullString
	days     sql.NullString
	weekdays sql.NullString
	hours    sql.NullString
	minutes  sql.NullString
	seconds  sql.NullString
}

func (r *PostgresStore) InsertSchedule(ctx context.Context, rec schedule.Record) (int64, error) {
	meta := rec.Meta()
	next, period, anchor, fields := scheduleState(rec)

	query := `
		INSERT INTO gofleet_schema.schedules (
			kind, task_type, task_id, queue_type, queue_id,
			repetitions, remaining, owner, make_up, version,
			next_at, period_seconds, anchor_at,
			months, days, weekdays, hours, minutes, seconds, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12, $13, $14, $15, $16, $17, $18, now())
		RETURNING id, version, created_at
	`

	args := []any{
		string(rec.Kind()), meta.Task.Type, meta.Task.ID, meta.Queue.Type, meta.Queue.ID,
		meta.Repetitions, meta.Remaining, nullable(meta.Owner), meta.MakeUp,
		next, period, anchor,
	}
	args = append(args, fields...)

	err := r.db.QueryRowContext(ctx, query, args...).Scan(&meta.ID, &meta.Version, &meta.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert schedule: %w", err)
	}
	return meta.ID, nil
}

func (r *PostgresStore) FindSchedule(ctx context.Context, id int64) (schedule.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM gofleet_schema.schedules s WHERE s.id = $1`, id)
	rec, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rec, err
}

func (r *PostgresStore) Unclaimed(ctx context.Context, limit int) ([]schedule.Record, error) {
	return r.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM gofleet_schema.schedules s
		WHERE s.owner IS NULL AND `+unfinished+`
		ORDER BY s.id
		LIMIT $1`, limitArg(limit))
}

func (r *PostgresStore) Orphaned(ctx context.Context, cutoff time.Time, limit int) ([]schedule.Record, error) {
	return r.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM gofleet_schema.schedules s
		LEFT JOIN gofleet_schema.heartbeats h ON h.process = s.owner
		WHERE s.owner IS NOT NULL AND `+unfinished+`
		  AND (h.process IS NULL OR NOT h.active OR h.last_beat < $1)
		ORDER BY s.id
		LIMIT $2`, cutoff.UTC(), limitArg(limit))
}

func (r *PostgresStore) Owned(ctx context.Context, owner string, limit int) ([]schedule.Record, error) {
	return r.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM gofleet_schema.schedules s
		WHERE s.owner = $1
		ORDER BY s.id
		LIMIT $2`, owner, limitArg(limit))
}

func (r *PostgresStore) Claim(ctx context.Context, id int64, expected *string, owner string, cutoff time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.schedules
		SET owner = $1, version = version + 1
		WHERE id = $2 AND owner IS NOT DISTINCT FROM $3::text
		  AND ($3::text IS NULL OR NOT EXISTS (
			SELECT 1 FROM gofleet_schema.heartbeats h
			WHERE h.process = $3::text AND h.active AND h.last_beat >= $4
		  ))
	`, owner, id, nullable(expected), cutoff.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule %d: %w", id, err)
	}
	return rowsAffected(res)
}

func (r *PostgresStore) Release(ctx context.Context, id int64, owner string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.schedules
		SET owner = NULL, version = version + 1
		WHERE id = $1 AND owner = $2
	`, id, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release schedule %d: %w", id, err)
	}
	return rowsAffected(res)
}

func (r *PostgresStore) ReleaseAll(ctx context.Context, owner string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gofleet_schema.schedules
		SET owner = NULL, version = version + 1
		WHERE owner = $1
	`, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to release schedules of %s: %w", owner, err)
	}
	return res.RowsAffected()
}

func (r *PostgresStore) Dispatch(ctx context.Context, rec schedule.Record, owner string, inst *types.Instance) (bool, error) {
	meta := rec.Meta()
	next, _, anchor, _ := scheduleState(rec)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE gofleet_schema.schedules
		SET remaining = $1, next_at = $2, anchor_at = $3, version = version + 1
		WHERE id = $4 AND owner = $5 AND version = $6
	`, meta.Remaining, next, anchor, meta.ID, owner, meta.Version)
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule %d: %w", meta.ID, err)
	}
	if ok, err := rowsAffected(res); err != nil || !ok {
		return false, err
	}

	if err = insertInstance(ctx, tx, inst); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	meta.Version++
	return true, nil
}

func (r *PostgresStore) querySchedules(ctx context.Context, query string, args ...any) ([]schedule.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []schedule.Record
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(s scanner) (schedule.Record, error) {
	var (
		base  schedule.Base
		kind  string
		owner sql.NullString
		row   scheduleRow
	)
	err := s.Scan(
		&base.ID, &kind, &base.Task.Type, &base.Task.ID, &base.Queue.Type, &base.Queue.ID,
		&base.Repetitions, &base.Remaining, &owner, &base.MakeUp, &base.Version,
		&row.nextAt, &row.period, &row.anchorAt,
		&row.months, &row.days, &row.weekdays, &row.hours, &row.minutes, &row.seconds,
		&base.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		base.Owner = &owner.String
	}

	switch schedule.Kind(kind) {
	case schedule.KindFixed:
		f := &schedule.Fixed{Base: base, Next: timePtr(row.nextAt)}
		if row.period.Valid {
			f.Period = time.Duration(row.period.Int64) * time.Second
		}
		return f, nil
	case schedule.KindCalendar:
		fields := schedule.Fields{
			Months:   intsOrNil(row.months),
			Days:     intsOrNil(row.days),
			Weekdays: intsOrNil(row.weekdays),
			Hours:    intsOrNil(row.hours),
			Minutes:  intsOrNil(row.minutes),
			Seconds:  intsOrNil(row.seconds),
		}
		c := schedule.NewCalendarFromFields(base.Task, base.Queue, fields, base.Repetitions, base.MakeUp, base.CreatedAt)
		c.Base = base
		c.Anchor = timePtr(row.anchorAt)
		return c, nil
	default:
		return nil, fmt.Errorf("schedule %d has unknown kind %q", base.ID, kind)
	}
}

// scheduleState returns the variant specific columns of rec: next_at,
// period_seconds, anchor_at and the six calendar field lists.
func scheduleState(rec schedule.Record) (next, period, anchor any, fields []any) {
	fields = make([]any, 6)
	switch v := rec.(type) {
	case *schedule.Fixed:
		next = nullable(v.Next)
		period = int64(v.Period / time.Second)
	case *schedule.Calendar:
		anchor = nullable(v.Anchor)
		f := v.Fields
		for i, values := range [][]int{f.Months, f.Days, f.Weekdays, f.Hours, f.Minutes, f.Seconds} {
			fields[i] = schedule.JoinInts(values)
		}
	}
	return next, period, anchor, fields
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// intsOrNil returns nil for a missing or unreadable list, which the
// calendar treats as the full range.
func intsOrNil(s sql.NullString) []int {
	if !s.Valid || s.String == "" {
		return nil
	}
	values, err := schedule.ParseInts(s.String)
	if err != nil {
		return nil
	}
	return values
}
