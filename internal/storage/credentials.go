package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/voxdesk/internal/model"
)

const credentialColumns = `id, user_id, prefix, key_hash, label, created_at, last_used_at, revoked_at`

// CreateCredential stores a hashed API key. ID and CreatedAt are filled in
// when zero.
func (db *DB) CreateCredential(ctx context.Context, c model.Credential) (model.Credential, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO user_credentials (id, user_id, prefix, key_hash, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+credentialColumns,
		c.ID, c.UserID, c.Prefix, c.KeyHash, c.Label, c.CreatedAt,
	)
	out, err := scanCredential(row)
	if err != nil {
		return model.Credential{}, fmt.Errorf("storage: create credential: %w", err)
	}
	return out, nil
}

// ListCredentialsByUser returns the user's unrevoked credentials, oldest first.
func (db *DB) ListCredentialsByUser(ctx context.Context, userID string) ([]model.Credential, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM user_credentials
		 WHERE user_id = $1 AND revoked_at IS NULL
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list credentials: %w", err)
	}
	defer rows.Close()

	creds := []model.Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// TouchCredential records a successful use of the credential.
func (db *DB) TouchCredential(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE user_credentials SET last_used_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: touch credential: %w", err)
	}
	return nil
}

// RevokeCredential marks one of the user's credentials revoked. Returns
// ErrNotFound when it does not exist, belongs to someone else, or is already
// revoked.
func (db *DB) RevokeCredential(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_credentials SET revoked_at = now()
		 WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: credential %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanCredential(row pgx.Row) (model.Credential, error) {
	var c model.Credential
	err := row.Scan(&c.ID, &c.UserID, &c.Prefix, &c.KeyHash, &c.Label,
		&c.CreatedAt, &c.LastUsedAt, &c.RevokedAt)
	return c, err
}
