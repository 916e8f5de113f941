package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// AppendCallOutcome records one dispatch outcome. Call logs are append-only.
func (db *DB) AppendCallOutcome(ctx context.Context, outcome *models.CallOutcome) error {
	ts := outcome.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO call_logs (
			credential_id, model_name, call_type, success, latency_ms,
			input_units, output_units, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := db.exec(ctx, query,
		nullString(outcome.CredentialID),
		outcome.ModelName,
		string(outcome.CallType),
		outcome.Success,
		outcome.LatencyMs,
		outcome.InputUnits,
		outcome.OutputUnits,
		nullString(outcome.ErrorMessage),
		ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append call outcome: %w", err)
	}
	return nil
}

// RecentCallOutcomes returns the newest outcomes first
func (db *DB) RecentCallOutcomes(ctx context.Context, limit int) ([]models.CallOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, credential_id, model_name, call_type, success, latency_ms,
		       input_units, output_units, error_message, created_at
		FROM call_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := db.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var outcomes []models.CallOutcome
	for rows.Next() {
		var (
			o        models.CallOutcome
			credID   sql.NullString
			errMsg   sql.NullString
			callType string
		)
		if err := rows.Scan(
			&o.ID,
			&credID,
			&o.ModelName,
			&callType,
			&o.Success,
			&o.LatencyMs,
			&o.InputUnits,
			&o.OutputUnits,
			&errMsg,
			&o.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call outcome: %w", err)
		}
		o.CallType = models.CallType(callType)
		if credID.Valid {
			o.CredentialID = &credID.String
		}
		if errMsg.Valid {
			o.ErrorMessage = &errMsg.String
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return outcomes, nil
}
