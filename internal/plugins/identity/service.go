package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koinonia-app/koinonia/internal/apperror"
	"github.com/koinonia-app/koinonia/internal/oauth"
)

// anonDisplayName is the placeholder name given to anonymous accounts until
// a Google profile supplies a real one.
const anonDisplayName = "Guest"

// Service defines the business logic contract for identity. Handlers and
// the OAuth flow orchestrator call these methods -- they never touch the
// repository directly.
type Service interface {
	// GetState resolves a session to its AuthState view. It never fails on
	// an unknown or stale session -- that is the normal unauthenticated
	// state, not a fault.
	GetState(ctx context.Context, sessionID string) (*AuthState, error)

	// LoginAnon creates a fresh anonymous user and binds the session to it.
	LoginAnon(ctx context.Context, sessionID string) (*User, error)

	// LoginWithGoogle finds or creates the user owning the Google profile
	// and binds the session to it.
	LoginWithGoogle(ctx context.Context, sessionID string, profile *oauth.Profile) (*User, error)

	// ConnectGoogle links the profile to the user the session is already
	// bound to, upgrading an anonymous account in place.
	ConnectGoogle(ctx context.Context, sessionID string, profile *oauth.Profile) (*ConnectResult, error)

	// BindSession points the session at the given user, replacing any
	// previous binding. Used by login-code redemption.
	BindSession(ctx context.Context, sessionID, userID string) error

	// Logout removes the session binding. Idempotent.
	Logout(ctx context.Context, sessionID string) error

	// SetAccessLevel changes a user's access level. Refuses to demote the
	// last system admin.
	SetAccessLevel(ctx context.Context, userID, level string) error
}

// service implements Service.
type service struct {
	repo Repository
}

// NewService creates a new identity service.
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

// GetState computes the AuthState view for a session. A missing or unknown
// session yields unauthenticated with a reason code; only infrastructure
// failures surface as errors.
func (s *service) GetState(ctx context.Context, sessionID string) (*AuthState, error) {
	if sessionID == "" {
		return &AuthState{Authenticated: false, Reason: ReasonNoSession}, nil
	}

	user, err := s.repo.FindBoundUser(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return &AuthState{Authenticated: false, Reason: ReasonUnknownSession}, nil
		}
		return nil, apperror.NewInternal(fmt.Errorf("resolving auth state: %w", err))
	}

	return &AuthState{
		Authenticated: true,
		User:          user,
		IsAdmin:       user.IsAdmin(),
	}, nil
}

// LoginAnon creates an anonymous account and binds the session to it.
func (s *service) LoginAnon(ctx context.Context, sessionID string) (*User, error) {
	user := &User{
		ID:          uuid.NewString(),
		Kind:        KindAnonymous,
		DisplayName: anonDisplayName,
		AccessLevel: AccessUser,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating anonymous user: %w", err))
	}

	if err := s.repo.Bind(ctx, sessionID, user.ID); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("binding session: %w", err))
	}

	slog.Info("anonymous login",
		slog.String("user_id", user.ID),
		slog.String("session_id", sessionID),
	)

	return user, nil
}

// LoginWithGoogle finds the account owning the profile's Google id, creating
// a registered account on first login, and rebinds the session to it.
func (s *service) LoginWithGoogle(ctx context.Context, sessionID string, profile *oauth.Profile) (*User, error) {
	user, err := s.repo.FindUserByGoogleID(ctx, profile.AccountID)
	if err != nil && !isNotFound(err) {
		return nil, apperror.NewInternal(fmt.Errorf("finding user by google id: %w", err))
	}

	if user == nil || isNotFound(err) {
		email := normalizeEmail(profile.Email)
		name := strings.TrimSpace(profile.DisplayName)
		if name == "" {
			name = email
		}

		user = &User{
			ID:          uuid.NewString(),
			Kind:        KindRegistered,
			DisplayName: name,
			Email:       &email,
			GoogleID:    &profile.AccountID,
			AccessLevel: AccessUser,
			CreatedAt:   time.Now().UTC(),
		}

		if err := s.repo.CreateUser(ctx, user); err != nil {
			return nil, apperror.NewInternal(fmt.Errorf("creating user: %w", err))
		}

		slog.Info("user created via google login", slog.String("user_id", user.ID))
	}

	if err := s.repo.Bind(ctx, sessionID, user.ID); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("binding session: %w", err))
	}

	// Update the user's last login timestamp (fire-and-forget, non-critical).
	if err := s.repo.UpdateLastLogin(ctx, user.ID); err != nil {
		slog.Warn("failed to update last login",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}

	slog.Info("google login",
		slog.String("user_id", user.ID),
		slog.String("session_id", sessionID),
	)

	return user, nil
}

// ConnectGoogle links the profile to the session's current user. The
// conflicts are each distinguishable so the frontend can explain what
// happened: the Google account is taken, the user already linked a
// different one, or the email belongs to another account.
func (s *service) ConnectGoogle(ctx context.Context, sessionID string, profile *oauth.Profile) (*ConnectResult, error) {
	user, err := s.repo.FindBoundUser(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			// A stale binding or a reaped user can't be upgraded.
			return nil, apperror.NewConflictType(apperror.TypeInvalidConversion,
				"your session is no longer linked to an account; sign in again before connecting")
		}
		return nil, apperror.NewInternal(fmt.Errorf("resolving session binding: %w", err))
	}

	if user.GoogleID != nil {
		if *user.GoogleID == profile.AccountID {
			// Re-linking the same account is a no-op, not a conflict.
			return &ConnectResult{User: user, Converted: false}, nil
		}
		return nil, apperror.NewConflictType(apperror.TypeAlreadyConnected,
			"this account already has a different Google account connected")
	}

	other, err := s.repo.FindUserByGoogleID(ctx, profile.AccountID)
	if err != nil && !isNotFound(err) {
		return nil, apperror.NewInternal(fmt.Errorf("checking google account: %w", err))
	}
	if other != nil && other.ID != user.ID {
		return nil, apperror.NewConflictType(apperror.TypeGoogleAccountInUse,
			"this Google account is already connected to another user")
	}

	email := normalizeEmail(profile.Email)
	if email != "" {
		inUse, err := s.repo.EmailInUse(ctx, email, user.ID)
		if err != nil {
			return nil, apperror.NewInternal(fmt.Errorf("checking email: %w", err))
		}
		if inUse {
			return nil, apperror.NewConflictType(apperror.TypeEmailAlreadyExists,
				"an account with this email already exists")
		}
	}

	name := strings.TrimSpace(profile.DisplayName)
	if name == "" {
		name = user.DisplayName
	}

	converted := user.Kind == KindAnonymous

	if err := s.repo.LinkGoogle(ctx, user.ID, profile.AccountID, email, name); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("linking google account: %w", err))
	}

	user.Kind = KindRegistered
	user.GoogleID = &profile.AccountID
	user.Email = &email
	user.DisplayName = name

	slog.Info("google account connected",
		slog.String("user_id", user.ID),
		slog.Bool("converted", converted),
	)

	return &ConnectResult{User: user, Converted: converted}, nil
}

// BindSession points the session at the given user. Full replace.
func (s *service) BindSession(ctx context.Context, sessionID, userID string) error {
	if err := s.repo.Bind(ctx, sessionID, userID); err != nil {
		return apperror.NewInternal(fmt.Errorf("binding session: %w", err))
	}
	return nil
}

// Logout removes the session binding.
func (s *service) Logout(ctx context.Context, sessionID string) error {
	if err := s.repo.Unbind(ctx, sessionID); err != nil {
		return apperror.NewInternal(fmt.Errorf("unbinding session: %w", err))
	}

	slog.Info("logout", slog.String("session_id", sessionID))
	return nil
}

// SetAccessLevel changes a user's access level, refusing to remove the
// last system admin.
func (s *service) SetAccessLevel(ctx context.Context, userID, level string) error {
	if level != AccessUser && level != AccessSystemAdmin {
		return apperror.NewBadRequest("unknown access level")
	}

	if level == AccessUser {
		target, err := s.repo.FindUserByID(ctx, userID)
		if err != nil {
			if isNotFound(err) {
				return err
			}
			return apperror.NewInternal(fmt.Errorf("finding user: %w", err))
		}
		if target.IsAdmin() {
			admins, err := s.repo.CountAdmins(ctx)
			if err != nil {
				return apperror.NewInternal(fmt.Errorf("counting admins: %w", err))
			}
			if admins <= 1 {
				return apperror.NewConflict("cannot demote the last system admin")
			}
		}
	}

	if err := s.repo.UpdateAccessLevel(ctx, userID, level); err != nil {
		if isNotFound(err) {
			return err
		}
		return apperror.NewInternal(fmt.Errorf("updating access level: %w", err))
	}

	slog.Info("access level changed",
		slog.String("user_id", userID),
		slog.String("access_level", level),
	)

	return nil
}

// --- Helpers ---

// normalizeEmail lowercases and trims an email address.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// isNotFound checks if an error is an apperror with a 404 code.
func isNotFound(err error) bool {
	var appErr *apperror.AppError
	return errors.As(err, &appErr) && appErr.Code == 404
}
