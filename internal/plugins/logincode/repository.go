package logincode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koinonia-app/koinonia/internal/apperror"
)

// Repository defines the data access contract for login codes.
// All SQL lives in the concrete implementation -- no SQL leaks out.
type Repository interface {
	// Upsert stores a code, replacing any existing code for the user.
	Upsert(ctx context.Context, code *LoginCode) error
	FindByUser(ctx context.Context, userID string) (*LoginCode, error)
	FindByCode(ctx context.Context, code string) (*LoginCode, error)

	// DeleteByCode consumes a code. Returns false when the code was
	// already gone -- the loser of a redemption race sees that.
	DeleteByCode(ctx context.Context, code string) (bool, error)

	// Sweeper support: collect-then-delete batches.
	CollectExpired(ctx context.Context, now time.Time) ([]string, error)
	DeleteByUserIDs(ctx context.Context, userIDs []string) error
}

// repository implements Repository with hand-written MariaDB queries.
type repository struct {
	db *sql.DB
}

// NewRepository creates a new login code repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

// Upsert inserts or replaces the user's code. The user_id primary key makes
// this the supersede operation: at most one unconsumed code per user.
func (r *repository) Upsert(ctx context.Context, code *LoginCode) error {
	query := `INSERT INTO login_codes (user_id, code, created_at, expires_at)
	          VALUES (?, ?, ?, ?)
	          ON DUPLICATE KEY UPDATE code = VALUES(code),
	                                  created_at = VALUES(created_at),
	                                  expires_at = VALUES(expires_at)`

	_, err := r.db.ExecContext(ctx, query, code.UserID, code.Code, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting login code: %w", err)
	}

	return nil
}

// FindByUser retrieves a user's code, expired or not.
// Returns apperror.NotFound if the user has none.
func (r *repository) FindByUser(ctx context.Context, userID string) (*LoginCode, error) {
	query := `SELECT user_id, code, created_at, expires_at FROM login_codes WHERE user_id = ?`

	code := &LoginCode{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&code.UserID, &code.Code, &code.CreatedAt, &code.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("no login code")
	}
	if err != nil {
		return nil, fmt.Errorf("querying login code by user: %w", err)
	}

	return code, nil
}

// FindByCode retrieves a code row by its normalized code value.
// Returns apperror.NotFound if no such code exists.
func (r *repository) FindByCode(ctx context.Context, codeValue string) (*LoginCode, error) {
	query := `SELECT user_id, code, created_at, expires_at FROM login_codes WHERE code = ?`

	code := &LoginCode{}
	err := r.db.QueryRowContext(ctx, query, codeValue).Scan(
		&code.UserID, &code.Code, &code.CreatedAt, &code.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("no login code")
	}
	if err != nil {
		return nil, fmt.Errorf("querying login code: %w", err)
	}

	return code, nil
}

// DeleteByCode removes a code row. The affected-rows count decides the
// winner when two devices race to redeem the same code.
func (r *repository) DeleteByCode(ctx context.Context, codeValue string) (bool, error) {
	query := `DELETE FROM login_codes WHERE code = ?`

	result, err := r.db.ExecContext(ctx, query, codeValue)
	if err != nil {
		return false, fmt.Errorf("deleting login code: %w", err)
	}

	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CollectExpired returns the user ids of codes whose expiry has passed.
func (r *repository) CollectExpired(ctx context.Context, now time.Time) ([]string, error) {
	query := `SELECT user_id FROM login_codes WHERE expires_at < ?`

	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("collecting expired codes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning code user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// DeleteByUserIDs deletes the codes of the given users. Deletions are
// independent -- a missing row is not an error.
func (r *repository) DeleteByUserIDs(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	query := `DELETE FROM login_codes WHERE user_id IN (` + placeholders + `)`

	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting login codes: %w", err)
	}

	return nil
}
