package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meltforce/repform/internal/models"
)

// SavePoseError inserts a logged fault. Duplicates are ignored.
func (db *DB) SavePoseError(ctx context.Context, row models.PoseErrorRow) error {
	var ctxJSON []byte
	if len(row.Context) > 0 {
		var err error
		if ctxJSON, err = json.Marshal(row.Context); err != nil {
			return fmt.Errorf("encoding error context: %w", err)
		}
	}

	var sessionID *string
	if row.SessionID != "" {
		sessionID = &row.SessionID
	}

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO pose_errors (id, session_id, category, severity, message, occurred_at, context, recovered, recovery_action)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT DO NOTHING`,
		row.ID, sessionID, row.Category, row.Severity, row.Message, row.OccurredAt,
		ctxJSON, row.Recovered, row.RecoveryAction)
	if err != nil {
		return fmt.Errorf("inserting pose error: %w", err)
	}
	return nil
}

// QueryPoseErrors returns the newest faults first, optionally filtered by
// category.
func (db *DB) QueryPoseErrors(ctx context.Context, category string, limit int) ([]models.PoseErrorRow, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, COALESCE(session_id, ''), category, severity, message, occurred_at, context, recovered, recovery_action
		 FROM pose_errors
		 WHERE ($1 = '' OR category = $1)
		 ORDER BY occurred_at DESC LIMIT $2`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pose errors: %w", err)
	}
	defer rows.Close()

	var out []models.PoseErrorRow
	for rows.Next() {
		var (
			r       models.PoseErrorRow
			ctxJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Category, &r.Severity, &r.Message, &r.OccurredAt,
			&ctxJSON, &r.Recovered, &r.RecoveryAction); err != nil {
			return nil, fmt.Errorf("scanning pose error: %w", err)
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &r.Context); err != nil {
				return nil, fmt.Errorf("decoding error context: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
