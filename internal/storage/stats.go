package storage

import (
	"context"
	"fmt"

	"github.com/meltforce/repform/internal/models"
)

// GetDataStats returns aggregate statistics for the stored history.
func (db *DB) GetDataStats(ctx context.Context) (*models.DataStats, error) {
	stats := &models.DataStats{PoseErrorsByCategory: map[string]int{}}

	// Sessions and their date range
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(started_at), MAX(started_at) FROM sessions`,
	).Scan(&stats.TotalSessions, &stats.EarliestSession, &stats.LatestSession)
	if err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}

	// Reps
	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE counted) FROM rep_scores`,
	).Scan(&stats.TotalReps, &stats.CountedReps)
	if err != nil {
		return nil, fmt.Errorf("counting reps: %w", err)
	}

	// Faults by category
	rows, err := db.Pool.Query(ctx,
		`SELECT category, COUNT(*) FROM pose_errors GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("counting pose errors: %w", err)
	}
	for rows.Next() {
		var (
			cat string
			n   int
		)
		if err := rows.Scan(&cat, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning pose error count: %w", err)
		}
		stats.PoseErrorsByCategory[cat] = n
		stats.TotalPoseErrors += int64(n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting pose errors: %w", err)
	}

	// Per exercise
	rows, err = db.Pool.Query(ctx,
		`SELECT s.exercise_id, COUNT(DISTINCT s.id), COUNT(r.number),
		        COUNT(r.number) FILTER (WHERE r.counted), AVG(r.overall)
		 FROM sessions s
		 LEFT JOIN rep_scores r ON r.session_id = s.id
		 GROUP BY s.exercise_id
		 ORDER BY s.exercise_id`)
	if err != nil {
		return nil, fmt.Errorf("querying exercise stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var es models.ExerciseStat
		if err := rows.Scan(&es.ExerciseID, &es.Sessions, &es.Reps, &es.CountedReps, &es.AverageScore); err != nil {
			return nil, fmt.Errorf("scanning exercise stat: %w", err)
		}
		stats.ByExercise = append(stats.ByExercise, es)
	}
	return stats, rows.Err()
}
