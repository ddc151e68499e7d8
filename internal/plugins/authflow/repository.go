package authflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koinonia-app/koinonia/internal/apperror"
)

// Repository defines the data access contract for auth requests.
// All SQL lives in the concrete implementation -- no SQL leaks out.
type Repository interface {
	Create(ctx context.Context, req *AuthRequest) error
	FindByID(ctx context.Context, id string) (*AuthRequest, error)

	// Terminal transitions. Both are guarded on status = pending so a
	// record can never leave a terminal state.
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error

	// Sweeper support: collect-then-delete batches.
	CollectExpired(ctx context.Context, kind string, now time.Time) ([]string, error)
	CollectCompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// repository implements Repository with hand-written MariaDB queries.
type repository struct {
	db *sql.DB
}

// NewRepository creates a new auth request repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

// Create inserts a new pending auth request row.
func (r *repository) Create(ctx context.Context, req *AuthRequest) error {
	query := `INSERT INTO auth_requests (id, kind, session_id, redirect_uri, status, created_at, expires_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		req.ID,
		req.Kind,
		req.SessionID,
		req.RedirectURI,
		req.Status,
		req.CreatedAt,
		req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting auth request: %w", err)
	}

	return nil
}

// FindByID retrieves an auth request by its UUID.
// Returns apperror.NotFound if no request exists with this ID.
func (r *repository) FindByID(ctx context.Context, id string) (*AuthRequest, error) {
	query := `SELECT id, kind, session_id, redirect_uri, status, error, created_at, expires_at
	          FROM auth_requests WHERE id = ?`

	req := &AuthRequest{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID,
		&req.Kind,
		&req.SessionID,
		&req.RedirectURI,
		&req.Status,
		&req.Error,
		&req.CreatedAt,
		&req.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("auth request not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth request: %w", err)
	}

	return req, nil
}

// MarkCompleted transitions a pending request to completed. Returns a
// conflict if the record already reached a terminal state.
func (r *repository) MarkCompleted(ctx context.Context, id string) error {
	query := `UPDATE auth_requests SET status = ? WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query, StatusCompleted, id, StatusPending)
	if err != nil {
		return fmt.Errorf("completing auth request: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewConflict("auth request already resolved")
	}

	return nil
}

// MarkFailed transitions a pending request to failed with a bounded error
// string. Same terminal guard as MarkCompleted.
func (r *repository) MarkFailed(ctx context.Context, id, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}

	query := `UPDATE auth_requests SET status = ?, error = ? WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query, StatusFailed, errMsg, id, StatusPending)
	if err != nil {
		return fmt.Errorf("failing auth request: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewConflict("auth request already resolved")
	}

	return nil
}

// CollectExpired returns the ids of requests of the given kind whose expiry
// has passed and whose status is not completed.
func (r *repository) CollectExpired(ctx context.Context, kind string, now time.Time) ([]string, error) {
	query := `SELECT id FROM auth_requests
	          WHERE kind = ? AND expires_at < ? AND status != ?`

	return r.collectIDs(ctx, query, kind, now, StatusCompleted)
}

// CollectCompletedBefore returns the ids of completed requests whose expiry
// passed before the cutoff. Used by the configurable retention pass.
func (r *repository) CollectCompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `SELECT id FROM auth_requests
	          WHERE status = ? AND expires_at < ?`

	return r.collectIDs(ctx, query, StatusCompleted, cutoff)
}

// DeleteByIDs deletes the given request rows. Deletions are independent --
// a missing id is not an error.
func (r *repository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `DELETE FROM auth_requests WHERE id IN (` + placeholders + `)`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting auth requests: %w", err)
	}

	return nil
}

// collectIDs runs a single-column id query.
func (r *repository) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collecting request ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning request id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
