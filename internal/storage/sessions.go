package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/meltforce/repform/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveSession inserts a session or updates its end time and counters.
func (db *DB) SaveSession(ctx context.Context, row models.SessionRow) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO sessions (id, exercise_id, skill_mode, started_at, ended_at, reps_counted, reps_rejected, average_score)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET
		   ended_at = EXCLUDED.ended_at,
		   reps_counted = EXCLUDED.reps_counted,
		   reps_rejected = EXCLUDED.reps_rejected,
		   average_score = EXCLUDED.average_score`,
		row.ID, row.ExerciseID, row.SkillMode, row.StartedAt, row.EndedAt,
		row.RepsCounted, row.RepsRejected, row.AverageScore)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession returns one session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*models.SessionRow, error) {
	var s models.SessionRow
	err := db.Pool.QueryRow(ctx,
		`SELECT id, exercise_id, skill_mode, started_at, ended_at, reps_counted, reps_rejected, average_score
		 FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.ExerciseID, &s.SkillMode, &s.StartedAt, &s.EndedAt,
			&s.RepsCounted, &s.RepsRejected, &s.AverageScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &s, nil
}

// ListSessions returns the most recent sessions first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]models.SessionRow, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, exercise_id, skill_mode, started_at, ended_at, reps_counted, reps_rejected, average_score
		 FROM sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRow
	for rows.Next() {
		var s models.SessionRow
		if err := rows.Scan(&s.ID, &s.ExerciseID, &s.SkillMode, &s.StartedAt, &s.EndedAt,
			&s.RepsCounted, &s.RepsRejected, &s.AverageScore); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveRep inserts a scored repetition. Duplicates are ignored.
func (db *DB) SaveRep(ctx context.Context, row models.RepRow) error {
	breakdown, err := json.Marshal(row.Breakdown)
	if err != nil {
		return fmt.Errorf("encoding breakdown: %w", err)
	}
	issues, err := json.Marshal(row.Issues)
	if err != nil {
		return fmt.Errorf("encoding issues: %w", err)
	}

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO rep_scores (session_id, number, completed_at, counted, overall, grade, correctness,
		 deepest_angle, duration_ms, breakdown, issues)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT DO NOTHING`,
		row.SessionID, row.Number, row.CompletedAt, row.Counted, row.Overall, row.Grade,
		row.Correctness, row.DeepestAngle, row.DurationMs, breakdown, issues)
	if err != nil {
		return fmt.Errorf("inserting rep: %w", err)
	}
	return nil
}

// QueryReps returns a session's reps in order.
func (db *DB) QueryReps(ctx context.Context, sessionID string) ([]models.RepRow, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT session_id, number, completed_at, counted, overall, grade, correctness,
		 deepest_angle, duration_ms, breakdown, issues
		 FROM rep_scores WHERE session_id = $1 ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying reps: %w", err)
	}
	defer rows.Close()

	var out []models.RepRow
	for rows.Next() {
		var (
			r                 models.RepRow
			breakdown, issues []byte
		)
		if err := rows.Scan(&r.SessionID, &r.Number, &r.CompletedAt, &r.Counted, &r.Overall, &r.Grade,
			&r.Correctness, &r.DeepestAngle, &r.DurationMs, &breakdown, &issues); err != nil {
			return nil, fmt.Errorf("scanning rep: %w", err)
		}
		if err := json.Unmarshal(breakdown, &r.Breakdown); err != nil {
			return nil, fmt.Errorf("decoding breakdown: %w", err)
		}
		if err := json.Unmarshal(issues, &r.Issues); err != nil {
			return nil, fmt.Errorf("decoding issues: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
