package logincode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/koinonia-app/koinonia/internal/apperror"
)

// User-facing messages for rejected redemptions. Found-but-expired and
// never-existed deliberately read the same to a stranger guessing codes.
const (
	msgCodeInvalid = "That code is invalid or has already been used."
	msgCodeExpired = "That code has expired. Generate a new one and try again."
)

// SessionBinder points a session at a user. Implemented by the identity
// service; declared here so this package doesn't need the whole thing.
type SessionBinder interface {
	BindSession(ctx context.Context, sessionID, userID string) error
}

// Service defines the business logic contract for login codes.
type Service interface {
	// Create generates a fresh code for the user, superseding any
	// existing one.
	Create(ctx context.Context, userID string) (*LoginCode, error)

	// GetActive returns the user's unexpired code, or nil when there is
	// none (never generated, consumed, or expired).
	GetActive(ctx context.Context, userID string) (*LoginCode, error)

	// Verify redeems a code on a different session: binds that session to
	// the code's owner and consumes the code.
	Verify(ctx context.Context, sessionID, rawCode string) error
}

// service implements Service.
type service struct {
	repo   Repository
	binder SessionBinder
	ttl    time.Duration
}

// NewService creates a new login code service.
func NewService(repo Repository, binder SessionBinder, ttl time.Duration) Service {
	return &service{repo: repo, binder: binder, ttl: ttl}
}

// Create generates a new 8-character code. The upsert replaces any prior
// code for the user, keeping at most one unconsumed code alive.
func (s *service) Create(ctx context.Context, userID string) (*LoginCode, error) {
	value, err := generateCode()
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("generating login code: %w", err))
	}

	now := time.Now().UTC()
	code := &LoginCode{
		UserID:    userID,
		Code:      value,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if err := s.repo.Upsert(ctx, code); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("storing login code: %w", err))
	}

	slog.Info("login code created", slog.String("user_id", userID))

	return code, nil
}

// GetActive returns the user's current code if one exists and hasn't
// expired. Expired-but-unswept codes count as absent.
func (s *service) GetActive(ctx context.Context, userID string) (*LoginCode, error) {
	code, err := s.repo.FindByUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, apperror.NewInternal(fmt.Errorf("loading login code: %w", err))
	}

	if code.Expired(time.Now().UTC()) {
		return nil, nil
	}

	return code, nil
}

// Verify redeems a code for the submitting session. Consumption is the
// delete: when two devices race, the delete's affected-rows count picks
// exactly one winner and the other observes "not found".
func (s *service) Verify(ctx context.Context, sessionID, rawCode string) error {
	normalized := Normalize(rawCode)
	if len(normalized) != codeLength {
		return apperror.NewValidation(msgCodeInvalid)
	}

	code, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		if isNotFound(err) {
			return apperror.NewNotFound(msgCodeInvalid)
		}
		return apperror.NewInternal(fmt.Errorf("looking up login code: %w", err))
	}

	if code.Expired(time.Now().UTC()) {
		// Consume it eagerly; the sweeper would get it eventually anyway.
		if _, delErr := s.repo.DeleteByCode(ctx, normalized); delErr != nil {
			slog.Warn("deleting expired code", slog.Any("error", delErr))
		}
		return apperror.NewNotFound(msgCodeExpired)
	}

	consumed, err := s.repo.DeleteByCode(ctx, normalized)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("consuming login code: %w", err))
	}
	if !consumed {
		// Lost the race to another device.
		return apperror.NewNotFound(msgCodeInvalid)
	}

	// Consume strictly before binding: if the bind fails the code is gone
	// and the user regenerates one, rather than a window where a consumed
	// code could still sign in a second session.
	if err := s.binder.BindSession(ctx, sessionID, code.UserID); err != nil {
		return err
	}

	slog.Info("login code redeemed",
		slog.String("user_id", code.UserID),
		slog.String("session_id", sessionID),
	)

	return nil
}

// generateCode draws codeLength characters uniformly from codeAlphabet
// using crypto/rand.
func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	out := make([]byte, codeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out), nil
}

// isNotFound checks if an error is an apperror with a 404 code.
func isNotFound(err error) bool {
	var appErr *apperror.AppError
	return errors.As(err, &appErr) && appErr.Code == 404
}
