package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/koinonia-app/koinonia/internal/apperror"
)

// Repository defines the data access contract for users and session
// bindings. All SQL lives in the concrete implementation -- no SQL leaks out.
type Repository interface {
	CreateUser(ctx context.Context, user *User) error
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByGoogleID(ctx context.Context, googleID string) (*User, error)
	EmailInUse(ctx context.Context, email, excludeUserID string) (bool, error)
	LinkGoogle(ctx context.Context, userID, googleID, email, displayName string) error
	UpdateLastLogin(ctx context.Context, id string) error

	// Session binding. A session maps to at most one user; Bind is a full
	// replace, never an accumulation.
	Bind(ctx context.Context, sessionID, userID string) error
	FindBoundUser(ctx context.Context, sessionID string) (*User, error)
	Unbind(ctx context.Context, sessionID string) error

	// Admin operations.
	UpdateAccessLevel(ctx context.Context, id, level string) error
	CountAdmins(ctx context.Context) (int, error)
}

// repository implements Repository with hand-written MariaDB queries.
type repository struct {
	db *sql.DB
}

// NewRepository creates a new identity repository backed by the given DB pool.
func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

// userColumns is the select list shared by all user queries.
const userColumns = `id, kind, display_name, email, google_id, access_level, created_at, last_login_at`

// scanUser scans one user row from any query using userColumns.
func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Kind,
		&user.DisplayName,
		&user.Email,
		&user.GoogleID,
		&user.AccessLevel,
		&user.CreatedAt,
		&user.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser inserts a new user row.
func (r *repository) CreateUser(ctx context.Context, user *User) error {
	query := `INSERT INTO users (id, kind, display_name, email, google_id, access_level, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Kind,
		user.DisplayName,
		user.Email,
		user.GoogleID,
		user.AccessLevel,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// FindUserByID retrieves a user by their UUID.
// Returns apperror.NotFound if no user exists with this ID.
func (r *repository) FindUserByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by id: %w", err)
	}

	return user, nil
}

// FindUserByGoogleID retrieves a user by their linked Google account id.
// Returns apperror.NotFound if no user has this account linked.
func (r *repository) FindUserByGoogleID(ctx context.Context, googleID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE google_id = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, googleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by google id: %w", err)
	}

	return user, nil
}

// EmailInUse returns true if a user other than excludeUserID already has
// the given email. Used to reject account links that would collide.
func (r *repository) EmailInUse(ctx context.Context, email, excludeUserID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE email = ? AND id != ?)`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, email, excludeUserID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}

	return exists, nil
}

// LinkGoogle attaches a Google profile to an existing user and upgrades the
// identity kind to registered in the same statement, so an anonymous user
// converts in place rather than becoming a new entity.
func (r *repository) LinkGoogle(ctx context.Context, userID, googleID, email, displayName string) error {
	query := `UPDATE users
	          SET google_id = ?, email = ?, display_name = ?, kind = ?
	          WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, googleID, email, displayName, KindRegistered, userID)
	if err != nil {
		return fmt.Errorf("linking google account: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewNotFound("user not found")
	}

	return nil
}

// UpdateLastLogin sets the last_login_at timestamp to now for the given user.
func (r *repository) UpdateLastLogin(ctx context.Context, id string) error {
	query := `UPDATE users SET last_login_at = NOW() WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}

	return nil
}

// --- Session Binding ---

// Bind associates a session with a user, replacing any previous binding.
// The session_id primary key makes the replace atomic.
func (r *repository) Bind(ctx context.Context, sessionID, userID string) error {
	query := `INSERT INTO session_bindings (session_id, user_id, bound_at)
	          VALUES (?, ?, NOW())
	          ON DUPLICATE KEY UPDATE user_id = VALUES(user_id), bound_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, sessionID, userID)
	if err != nil {
		return fmt.Errorf("binding session: %w", err)
	}

	return nil
}

// FindBoundUser resolves a session to its bound user in one query.
// Returns apperror.NotFound when the session has no binding (the normal
// state for a fresh browser) or the bound user row is gone.
func (r *repository) FindBoundUser(ctx context.Context, sessionID string) (*User, error) {
	query := `SELECT u.id, u.kind, u.display_name, u.email, u.google_id,
	                 u.access_level, u.created_at, u.last_login_at
	          FROM session_bindings b
	          JOIN users u ON u.id = b.user_id
	          WHERE b.session_id = ?`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("session not bound")
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session binding: %w", err)
	}

	return user, nil
}

// Unbind removes the session's binding. Deleting a binding that doesn't
// exist is not an error -- logout is idempotent.
func (r *repository) Unbind(ctx context.Context, sessionID string) error {
	query := `DELETE FROM session_bindings WHERE session_id = ?`

	_, err := r.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("unbinding session: %w", err)
	}

	return nil
}

// --- Admin Operations ---

// UpdateAccessLevel sets the access level for a user.
func (r *repository) UpdateAccessLevel(ctx context.Context, id, level string) error {
	query := `UPDATE users SET access_level = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, level, id)
	if err != nil {
		return fmt.Errorf("updating access level: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewNotFound("user not found")
	}

	return nil
}

// CountAdmins returns the number of system administrators.
// Used to prevent demoting the last admin.
func (r *repository) CountAdmins(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM users WHERE access_level = ?`
	if err := r.db.QueryRowContext(ctx, query, AccessSystemAdmin).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return count, nil
}
