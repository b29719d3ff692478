// Package journal is the local SQLite store used when no database is
// configured or the database becomes unreachable.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meltforce/repform/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	exercise_id   TEXT NOT NULL,
	skill_mode    TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	ended_at      TIMESTAMP,
	reps_counted  INTEGER NOT NULL DEFAULT 0,
	reps_rejected INTEGER NOT NULL DEFAULT 0,
	average_score REAL
);
CREATE TABLE IF NOT EXISTS rep_scores (
	session_id    TEXT NOT NULL,
	number        INTEGER NOT NULL,
	completed_at  TIMESTAMP NOT NULL,
	counted       INTEGER NOT NULL,
	overall       REAL NOT NULL,
	grade         TEXT NOT NULL,
	correctness   REAL NOT NULL,
	deepest_angle REAL NOT NULL,
	duration_ms   INTEGER NOT NULL,
	breakdown     TEXT NOT NULL,
	issues        TEXT NOT NULL,
	PRIMARY KEY (session_id, number)
);
CREATE TABLE IF NOT EXISTS pose_errors (
	id              TEXT PRIMARY KEY,
	session_id      TEXT,
	category        TEXT NOT NULL,
	severity        TEXT NOT NULL,
	message         TEXT NOT NULL,
	occurred_at     TIMESTAMP NOT NULL,
	context         TEXT,
	recovered       INTEGER NOT NULL,
	recovery_action TEXT NOT NULL
)`

// Journal records sessions, reps and faults in dir/journal.db.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database in dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "journal.db"))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveSession inserts or replaces a session.
func (j *Journal) SaveSession(ctx context.Context, row models.SessionRow) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, exercise_id, skill_mode, started_at, ended_at, reps_counted, reps_rejected, average_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ExerciseID, row.SkillMode, row.StartedAt.UTC(), nullTime(row.EndedAt),
		row.RepsCounted, row.RepsRejected, row.AverageScore)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// SaveRep records a scored repetition.
func (j *Journal) SaveRep(ctx context.Context, row models.RepRow) error {
	breakdown, err := json.Marshal(row.Breakdown)
	if err != nil {
		return fmt.Errorf("encoding breakdown: %w", err)
	}
	issues, err := json.Marshal(row.Issues)
	if err != nil {
		return fmt.Errorf("encoding issues: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rep_scores (session_id, number, completed_at, counted, overall, grade,
		 correctness, deepest_angle, duration_ms, breakdown, issues)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SessionID, row.Number, row.CompletedAt.UTC(), row.Counted, row.Overall, row.Grade,
		row.Correctness, row.DeepestAngle, row.DurationMs, string(breakdown), string(issues))
	if err != nil {
		return fmt.Errorf("inserting rep: %w", err)
	}
	return nil
}

// SavePoseError records a logged fault.
func (j *Journal) SavePoseError(ctx context.Context, row models.PoseErrorRow) error {
	var ctxJSON *string
	if len(row.Context) > 0 {
		b, err := json.Marshal(row.Context)
		if err != nil {
			return fmt.Errorf("encoding error context: %w", err)
		}
		s := string(b)
		ctxJSON = &s
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pose_errors (id, session_id, category, severity, message, occurred_at, context, recovered, recovery_action)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.SessionID, row.Category, row.Severity, row.Message, row.OccurredAt.UTC(),
		ctxJSON, row.Recovered, row.RecoveryAction)
	if err != nil {
		return fmt.Errorf("inserting pose error: %w", err)
	}
	return nil
}

// ListSessions returns the most recent sessions first.
func (j *Journal) ListSessions(ctx context.Context, limit int) ([]models.SessionRow, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, exercise_id, skill_mode, started_at, ended_at, reps_counted, reps_rejected, average_score
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRow
	for rows.Next() {
		var (
			s     models.SessionRow
			ended sql.NullTime
			avg   sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.ExerciseID, &s.SkillMode, &s.StartedAt, &ended,
			&s.RepsCounted, &s.RepsRejected, &avg); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if ended.Valid {
			s.EndedAt = &ended.Time
		}
		if avg.Valid {
			s.AverageScore = &avg.Float64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// QueryReps returns a session's reps in order.
func (j *Journal) QueryReps(ctx context.Context, sessionID string) ([]models.RepRow, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, number, completed_at, counted, overall, grade, correctness,
		 deepest_angle, duration_ms, breakdown, issues
		 FROM rep_scores WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying reps: %w", err)
	}
	defer rows.Close()

	var out []models.RepRow
	for rows.Next() {
		var (
			r                 models.RepRow
			breakdown, issues string
		)
		if err := rows.Scan(&r.SessionID, &r.Number, &r.CompletedAt, &r.Counted, &r.Overall, &r.Grade,
			&r.Correctness, &r.DeepestAngle, &r.DurationMs, &breakdown, &issues); err != nil {
			return nil, fmt.Errorf("scanning rep: %w", err)
		}
		if err := json.Unmarshal([]byte(breakdown), &r.Breakdown); err != nil {
			return nil, fmt.Errorf("decoding breakdown: %w", err)
		}
		if err := json.Unmarshal([]byte(issues), &r.Issues); err != nil {
			return nil, fmt.Errorf("decoding issues: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountPoseErrors returns how many faults are journaled per category.
func (j *Journal) CountPoseErrors(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM pose_errors GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("counting pose errors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			cat string
			n   int
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scanning pose error count: %w", err)
		}
		out[cat] = n
	}
	return out, rows.Err()
}

// GetDataStats returns aggregate statistics for the journaled history.
func (j *Journal) GetDataStats(ctx context.Context) (*models.DataStats, error) {
	stats := &models.DataStats{}

	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&stats.TotalSessions); err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	if stats.TotalSessions > 0 {
		// aggregates lose the column type, so read the bounds as rows
		var earliest, latest time.Time
		if err := j.db.QueryRowContext(ctx, `SELECT started_at FROM sessions ORDER BY started_at LIMIT 1`).Scan(&earliest); err != nil {
			return nil, fmt.Errorf("querying earliest session: %w", err)
		}
		if err := j.db.QueryRowContext(ctx, `SELECT started_at FROM sessions ORDER BY started_at DESC LIMIT 1`).Scan(&latest); err != nil {
			return nil, fmt.Errorf("querying latest session: %w", err)
		}
		stats.EarliestSession, stats.LatestSession = &earliest, &latest
	}

	if err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(counted), 0) FROM rep_scores`,
	).Scan(&stats.TotalReps, &stats.CountedReps); err != nil {
		return nil, fmt.Errorf("counting reps: %w", err)
	}

	byCat, err := j.CountPoseErrors(ctx)
	if err != nil {
		return nil, err
	}
	stats.PoseErrorsByCategory = byCat
	for _, n := range byCat {
		stats.TotalPoseErrors += int64(n)
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT s.exercise_id, COUNT(DISTINCT s.id), COUNT(r.number),
		        COALESCE(SUM(r.counted), 0), AVG(r.overall)
		 FROM sessions s
		 LEFT JOIN rep_scores r ON r.session_id = s.id
		 GROUP BY s.exercise_id
		 ORDER BY s.exercise_id`)
	if err != nil {
		return nil, fmt.Errorf("querying exercise stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			es  models.ExerciseStat
			avg sql.NullFloat64
		)
		if err := rows.Scan(&es.ExerciseID, &es.Sessions, &es.Reps, &es.CountedReps, &avg); err != nil {
			return nil, fmt.Errorf("scanning exercise stat: %w", err)
		}
		if avg.Valid {
			es.AverageScore = &avg.Float64
		}
		stats.ByExercise = append(stats.ByExercise, es)
	}
	return stats, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
