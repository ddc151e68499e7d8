package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/koinonia-app/koinonia/internal/apperror"
	"github.com/koinonia-app/koinonia/internal/oauth"
	"github.com/koinonia-app/koinonia/internal/plugins/identity"
)

// User-facing failure copy. Raw error detail stays in logs and, for
// popup/connect flows, in the bounded error column.
const (
	msgCancelled    = "Sign-in was cancelled."
	msgProviderErr  = "Google sign-in failed. Please try again."
	msgInvalidState = "Sign-in could not be verified. Please start over."
	msgExpired      = "This sign-in request has expired. Please start over."
)

// Callback paths registered with the provider. The redirect URI passed on
// request creation must exactly match the one registered for its flow.
const (
	pathPopupCallback   = "/api/auth/google/callback"
	pathConnectCallback = "/app/profile/connect/google/callback"
	pathLegacyCallback  = "/login/google/callback"
)

// WatchSession is one live subscription to a request's status: the snapshot
// at subscribe time plus a channel of later transitions. Stop must be called.
type WatchSession struct {
	Current *AuthRequest
	Events  <-chan StatusEvent
	Stop    func()
}

// Service orchestrates the login, connect, and legacy-login flows over one
// parameterized core: issue state, exchange the callback code, bind the
// session, and (for the popup flows) drive the request record's state
// machine.
type Service interface {
	CreateRequest(ctx context.Context, sessionID string, input CreateRequestInput) (*AuthRequest, error)
	GetRequest(ctx context.Context, sessionID, id string) (*AuthRequest, error)
	AuthorizationURL(ctx context.Context, sessionID, id string) (string, error)
	LegacyAuthorizationURL(ctx context.Context, sessionID string) (string, error)
	HandleCallback(ctx context.Context, params CallbackParams) (*CallbackResult, error)
	Watch(ctx context.Context, sessionID, id string) (*WatchSession, error)
}

// service implements Service.
type service struct {
	repo     Repository
	states   *StateStore
	gate     *Gate
	notifier *Notifier
	identity identity.Service
	provider oauth.Provider // nil when Google OAuth is not configured
	baseURL  string
	ttl      time.Duration
}

// NewService creates the flow service. provider may be nil when the Google
// client is not configured; every flow entry point then reports the feature
// as disabled.
func NewService(
	repo Repository,
	states *StateStore,
	gate *Gate,
	notifier *Notifier,
	identitySvc identity.Service,
	provider oauth.Provider,
	baseURL string,
	ttl time.Duration,
) Service {
	return &service{
		repo:     repo,
		states:   states,
		gate:     gate,
		notifier: notifier,
		identity: identitySvc,
		provider: provider,
		baseURL:  baseURL,
		ttl:      ttl,
	}
}

// redirectFor returns the registered redirect URI for a flow.
func (s *service) redirectFor(flow string) string {
	switch flow {
	case FlowConnect:
		return s.baseURL + pathConnectCallback
	case FlowLegacyLogin:
		return s.baseURL + pathLegacyCallback
	default:
		return s.baseURL + pathPopupCallback
	}
}

// requireEnabled guards every OAuth entry point behind configuration.
func (s *service) requireEnabled() error {
	if s.provider == nil {
		return apperror.NewFeatureDisabled("Google sign-in is not configured")
	}
	return nil
}

// CreateRequest seeds a pending login or connect request scoped to the
// caller's session. Connect requires the session to already be
// authenticated -- linking only makes sense for an existing account.
func (s *service) CreateRequest(ctx context.Context, sessionID string, input CreateRequestInput) (*AuthRequest, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}

	if input.Flow != FlowLogin && input.Flow != FlowConnect {
		return nil, apperror.NewBadRequest("unknown flow")
	}

	if input.RedirectURI != s.redirectFor(input.Flow) {
		return nil, apperror.NewBadRequest("redirect URI not registered for this flow")
	}

	if input.Flow == FlowConnect {
		state, err := s.identity.GetState(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !state.Authenticated {
			return nil, apperror.NewUnauthorized("sign in before connecting an account")
		}
	}

	now := time.Now().UTC()
	req := &AuthRequest{
		ID:          uuid.NewString(),
		Kind:        input.Flow,
		SessionID:   sessionID,
		RedirectURI: input.RedirectURI,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	if err := s.repo.Create(ctx, req); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("creating auth request: %w", err))
	}

	slog.Info("auth request created",
		slog.String("request_id", req.ID),
		slog.String("kind", req.Kind),
	)

	return req, nil
}

// GetRequest returns a status snapshot, restricted to the owning session.
func (s *service) GetRequest(ctx context.Context, sessionID, id string) (*AuthRequest, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		return nil, apperror.NewInternal(fmt.Errorf("loading auth request: %w", err))
	}

	// Don't leak other sessions' requests, not even their existence.
	if req.SessionID != sessionID {
		return nil, apperror.NewNotFound("auth request not found")
	}

	return req, nil
}

// AuthorizationURL issues a fresh state token for the request and builds
// the provider consent URL around it.
func (s *service) AuthorizationURL(ctx context.Context, sessionID, id string) (string, error) {
	if err := s.requireEnabled(); err != nil {
		return "", err
	}

	req, err := s.GetRequest(ctx, sessionID, id)
	if err != nil {
		return "", err
	}

	if req.Terminal() {
		return "", apperror.NewConflict("auth request already resolved")
	}
	if req.Expired(time.Now().UTC()) {
		return "", apperror.NewConflict("auth request expired")
	}

	token, err := s.states.Issue(ctx, req.Kind, req.ID, req.SessionID)
	if err != nil {
		return "", apperror.NewInternal(err)
	}

	return s.provider.AuthCodeURL(token, req.RedirectURI), nil
}

// LegacyAuthorizationURL starts the old full-page redirect flow. No request
// record is kept; the session travels in the server-side state record.
func (s *service) LegacyAuthorizationURL(ctx context.Context, sessionID string) (string, error) {
	if err := s.requireEnabled(); err != nil {
		return "", err
	}

	token, err := s.states.Issue(ctx, FlowLegacyLogin, uuid.NewString(), sessionID)
	if err != nil {
		return "", apperror.NewInternal(err)
	}

	return s.provider.AuthCodeURL(token, s.redirectFor(FlowLegacyLogin)), nil
}

// HandleCallback processes one provider redirect. The gate guarantees
// at-most-one effective exchange attempt per callback arrival; duplicate
// invocations come back benign, never as errors.
func (s *service) HandleCallback(ctx context.Context, params CallbackParams) (*CallbackResult, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}

	payload, err := parseToken(params.State)
	if err != nil {
		// Unkeyable callback: nothing was issued with this shape. Treat
		// like a mismatch, leak no detail.
		return &CallbackResult{Success: false, Message: msgInvalidState}, nil
	}

	outcome, err := s.gate.TryEnter(ctx, payload.RequestID)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if outcome != Entered {
		return &CallbackResult{
			Flow:         payload.Flow,
			Benign:       true,
			BenignReason: outcome.String(),
		}, nil
	}

	// The provider reported an error before any code was issued. Terminal:
	// never retried automatically.
	if params.Error != "" {
		msg := msgProviderErr
		if params.Error == "access_denied" {
			msg = msgCancelled
		}
		slog.Info("provider callback error",
			slog.String("request_id", payload.RequestID),
			slog.String("error", params.Error),
			slog.String("description", params.ErrorDescription),
		)
		s.finish(ctx, payload.Flow, payload.RequestID, false, msg)
		return &CallbackResult{Flow: payload.Flow, Success: false, Message: msg}, nil
	}

	claims, err := s.states.Validate(ctx, params.State)
	if err != nil {
		if errors.Is(err, ErrStateMissing) || errors.Is(err, ErrStateMismatch) {
			// Possible replay or tampering. The record stays pending and
			// the gate is released so a later legitimate attempt isn't
			// misreported as in-progress.
			slog.Warn("state validation failed",
				slog.String("request_id", payload.RequestID),
				slog.Any("error", err),
			)
			if relErr := s.gate.Release(ctx, payload.RequestID); relErr != nil {
				slog.Warn("releasing gate", slog.Any("error", relErr))
			}
			return &CallbackResult{Flow: payload.Flow, Success: false, Message: msgInvalidState}, nil
		}
		return nil, apperror.NewInternal(err)
	}

	// Resolve the session and redirect URI for the flow. Popup flows carry
	// them on the request record; the legacy flow kept them in the state
	// record.
	sessionID := claims.SessionID
	redirectURI := s.redirectFor(claims.Flow)

	if claims.Flow != FlowLegacyLogin {
		req, err := s.repo.FindByID(ctx, claims.RequestID)
		if err != nil {
			if isNotFound(err) {
				// Swept or never existed. Nothing to transition; just
				// close the gate.
				if doneErr := s.gate.MarkDone(ctx, claims.RequestID); doneErr != nil {
					slog.Warn("marking gate done", slog.Any("error", doneErr))
				}
				return &CallbackResult{Flow: claims.Flow, Success: false, Message: msgExpired}, nil
			}
			return nil, apperror.NewInternal(err)
		}

		if req.Terminal() {
			// A previous invocation already resolved it (e.g. the gate key
			// expired but the record kept its terminal status).
			if doneErr := s.gate.MarkDone(ctx, req.ID); doneErr != nil {
				slog.Warn("marking gate done", slog.Any("error", doneErr))
			}
			return &CallbackResult{
				Flow:         claims.Flow,
				Benign:       true,
				BenignReason: AlreadyDone.String(),
			}, nil
		}

		// Expiry is evaluated here too -- an expired-but-unswept record is
		// invalid even though the sweeper hasn't reaped it yet.
		if req.Expired(time.Now().UTC()) {
			s.finish(ctx, claims.Flow, req.ID, false, msgExpired)
			return &CallbackResult{Flow: claims.Flow, Success: false, Message: msgExpired}, nil
		}

		sessionID = req.SessionID
		redirectURI = req.RedirectURI
	}

	// Exchange the one-time code. A failure here is terminal for the
	// attempt -- the provider will reject the code a second time anyway.
	profile, err := s.provider.Exchange(ctx, params.Code, redirectURI)
	if err != nil {
		slog.Warn("code exchange failed",
			slog.String("request_id", claims.RequestID),
			slog.Any("error", err),
		)
		s.finish(ctx, claims.Flow, claims.RequestID, false, msgProviderErr)
		return &CallbackResult{Flow: claims.Flow, Success: false, Message: msgProviderErr}, nil
	}

	// Bind the session: login finds-or-creates by Google account, connect
	// upgrades the already-bound user.
	switch claims.Flow {
	case FlowConnect:
		_, err = s.identity.ConnectGoogle(ctx, sessionID, profile)
	default:
		_, err = s.identity.LoginWithGoogle(ctx, sessionID, profile)
	}
	if err != nil {
		msg := apperror.SafeMessage(err)
		s.finish(ctx, claims.Flow, claims.RequestID, false, msg)
		return &CallbackResult{Flow: claims.Flow, Success: false, Message: msg}, nil
	}

	s.finish(ctx, claims.Flow, claims.RequestID, true, "")
	return &CallbackResult{Flow: claims.Flow, Success: true}, nil
}

// Watch opens a live subscription on a request's status for the opener tab.
// The subscription goes on the wire before the snapshot is read: a terminal
// transition published in between is then delivered on the channel instead of
// falling into the gap and leaving the watcher hanging until expiry.
func (s *service) Watch(ctx context.Context, sessionID, id string) (*WatchSession, error) {
	events, stop, err := s.notifier.Watch(ctx, id)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	req, err := s.GetRequest(ctx, sessionID, id)
	if err != nil {
		stop()
		return nil, err
	}

	return &WatchSession{Current: req, Events: events, Stop: stop}, nil
}

// finish applies the terminal outcome: transition the request record (popup
// flows only), notify watchers, and mark the gate processed. Transition
// conflicts mean another path already resolved the record -- logged, not
// propagated, because the user outcome is unaffected.
func (s *service) finish(ctx context.Context, flow, requestID string, success bool, errMsg string) {
	if flow != FlowLegacyLogin {
		var err error
		event := StatusEvent{RequestID: requestID}
		if success {
			err = s.repo.MarkCompleted(ctx, requestID)
			event.Status = StatusCompleted
		} else {
			err = s.repo.MarkFailed(ctx, requestID, errMsg)
			event.Status = StatusFailed
			event.Error = &errMsg
		}
		if err != nil {
			slog.Warn("transitioning auth request",
				slog.String("request_id", requestID),
				slog.Any("error", err),
			)
		} else {
			s.notifier.Publish(ctx, event)
		}
	}

	if err := s.gate.MarkDone(ctx, requestID); err != nil {
		slog.Warn("marking gate done",
			slog.String("request_id", requestID),
			slog.Any("error", err),
		)
	}
}

// isNotFound checks if an error is an apperror with a 404 code.
func isNotFound(err error) bool {
	var appErr *apperror.AppError
	return errors.As(err, &appErr) && appErr.Code == 404
}
