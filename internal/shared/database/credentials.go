package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

const credentialColumns = `id, secret, display_name, active, used_today, daily_limit, last_used_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (models.Credential, error) {
	var (
		cred     models.Credential
		lastUsed sql.NullTime
	)
	err := row.Scan(
		&cred.ID,
		&cred.Secret,
		&cred.DisplayName,
		&cred.Active,
		&cred.UsedToday,
		&cred.DailyLimit,
		&lastUsed,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		return models.Credential{}, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		cred.LastUsedAt = &t
	}
	return cred, nil
}

func (db *DB) listCredentials(ctx context.Context, query string, args ...any) ([]models.Credential, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return creds, nil
}

// ListActiveCredentials returns every active credential, least used first
func (db *DB) ListActiveCredentials(ctx context.Context) ([]models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE active = $1 ORDER BY used_today ASC, id ASC`
	return db.listCredentials(ctx, query, true)
}

// ListCredentials returns all credentials including inactive ones
func (db *DB) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at ASC, id ASC`
	return db.listCredentials(ctx, query)
}

// GetCredential retrieves a single credential by id
func (db *DB) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	cred, err := scanCredential(db.queryRow(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &cred, nil
}

// IncrementUsage atomically adds one to used_today and stamps last_used_at.
// It is the only write path for usage counters.
func (db *DB) IncrementUsage(ctx context.Context, id string, usedAt time.Time) error {
	query := `UPDATE credentials SET used_today = used_today + 1, last_used_at = $1 WHERE id = $2`
	res, err := db.exec(ctx, query, usedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return requireRow(res)
}

// UpdateLastUsed sets last_used_at without touching the usage counter
func (db *DB) UpdateLastUsed(ctx context.Context, id string, usedAt time.Time) error {
	res, err := db.exec(ctx, `UPDATE credentials SET last_used_at = $1 WHERE id = $2`, usedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last used: %w", err)
	}
	return requireRow(res)
}

// CreateCredential inserts a new credential. An empty ID is generated.
func (db *DB) CreateCredential(ctx context.Context, cred *models.Credential) error {
	if cred.ID == "" {
		id, err := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 16)
		if err != nil {
			return fmt.Errorf("failed to generate credential id: %w", err)
		}
		cred.ID = "cred_" + id
	}
	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	query := `
		INSERT INTO credentials (
			id, secret, display_name, active, used_today, daily_limit, last_used_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := db.exec(ctx, query,
		cred.ID,
		cred.Secret,
		cred.DisplayName,
		cred.Active,
		cred.UsedToday,
		cred.DailyLimit,
		nullTime(cred.LastUsedAt),
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// CredentialUpdate holds the administrative fields that may change. Nil fields
// are left as they are.
type CredentialUpdate struct {
	DisplayName *string
	Secret      *string
	DailyLimit  *int64
}

// UpdateCredential applies an administrative edit. Usage counters are never
// changed here.
func (db *DB) UpdateCredential(ctx context.Context, id string, upd CredentialUpdate) error {
	query := `
		UPDATE credentials SET
			display_name = COALESCE($1, display_name),
			secret = COALESCE($2, secret),
			daily_limit = COALESCE($3, daily_limit),
			updated_at = $4
		WHERE id = $5
	`
	var limit sql.NullInt64
	if upd.DailyLimit != nil {
		limit = sql.NullInt64{Int64: *upd.DailyLimit, Valid: true}
	}
	res, err := db.exec(ctx, query,
		nullString(upd.DisplayName),
		nullString(upd.Secret),
		limit,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return requireRow(res)
}

// SetCredentialActive toggles whether a credential may be selected
func (db *DB) SetCredentialActive(ctx context.Context, id string, active bool) error {
	res, err := db.exec(ctx, `UPDATE credentials SET active = $1, updated_at = $2 WHERE id = $3`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle credential: %w", err)
	}
	return requireRow(res)
}

// DeleteCredential removes a credential. Its call logs are kept.
func (db *DB) DeleteCredential(ctx context.Context, id string) error {
	res, err := db.exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireRow(res)
}

// ResetDailyUsage zeroes every usage counter at the day boundary. It may race
// in-flight increments; the loser of that race is accepted.
func (db *DB) ResetDailyUsage(ctx context.Context) (int64, error) {
	res, err := db.exec(ctx, `UPDATE credentials SET used_today = 0, updated_at = $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
