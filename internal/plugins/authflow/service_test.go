package authflow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koinonia-app/koinonia/internal/apperror"
	"github.com/koinonia-app/koinonia/internal/oauth"
	"github.com/koinonia-app/koinonia/internal/plugins/identity"
)

// --- Mock Repository ---

// mockFlowRepo is a stateful in-memory Repository so tests can observe the
// record's status transitions.
type mockFlowRepo struct {
	mu       sync.Mutex
	requests map[string]*AuthRequest

	findErr error        // overrides FindByID when set
	onFind  func(id string) // runs before FindByID reads, when set
}

func newMockFlowRepo() *mockFlowRepo {
	return &mockFlowRepo{requests: make(map[string]*AuthRequest)}
}

func (m *mockFlowRepo) Create(ctx context.Context, req *AuthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *req
	m.requests[req.ID] = &copied
	return nil
}

func (m *mockFlowRepo) FindByID(ctx context.Context, id string) (*AuthRequest, error) {
	if m.onFind != nil {
		m.onFind(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	req, ok := m.requests[id]
	if !ok {
		return nil, apperror.NewNotFound("auth request not found")
	}
	copied := *req
	return &copied, nil
}

func (m *mockFlowRepo) MarkCompleted(ctx context.Context, id string) error {
	return m.transition(id, StatusCompleted, nil)
}

func (m *mockFlowRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	return m.transition(id, StatusFailed, &errMsg)
}

func (m *mockFlowRepo) transition(id, status string, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status != StatusPending {
		return apperror.NewConflict("auth request already resolved")
	}
	req.Status = status
	req.Error = errMsg
	return nil
}

func (m *mockFlowRepo) CollectExpired(ctx context.Context, kind string, now time.Time) ([]string, error) {
	return nil, nil
}

func (m *mockFlowRepo) CollectCompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}

func (m *mockFlowRepo) DeleteByIDs(ctx context.Context, ids []string) error {
	return nil
}

// status returns the stored status for assertions.
func (m *mockFlowRepo) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok {
		return req.Status
	}
	return ""
}

// --- Mock Identity Service ---

type mockIdentity struct {
	getStateFn        func(ctx context.Context, sessionID string) (*identity.AuthState, error)
	loginWithGoogleFn func(ctx context.Context, sessionID string, profile *oauth.Profile) (*identity.User, error)
	connectGoogleFn   func(ctx context.Context, sessionID string, profile *oauth.Profile) (*identity.ConnectResult, error)
}

func (m *mockIdentity) GetState(ctx context.Context, sessionID string) (*identity.AuthState, error) {
	if m.getStateFn != nil {
		return m.getStateFn(ctx, sessionID)
	}
	return &identity.AuthState{Authenticated: true, User: &identity.User{ID: "u1"}}, nil
}

func (m *mockIdentity) LoginAnon(ctx context.Context, sessionID string) (*identity.User, error) {
	return nil, errors.New("not implemented")
}

func (m *mockIdentity) LoginWithGoogle(ctx context.Context, sessionID string, profile *oauth.Profile) (*identity.User, error) {
	if m.loginWithGoogleFn != nil {
		return m.loginWithGoogleFn(ctx, sessionID, profile)
	}
	return &identity.User{ID: "u1"}, nil
}

func (m *mockIdentity) ConnectGoogle(ctx context.Context, sessionID string, profile *oauth.Profile) (*identity.ConnectResult, error) {
	if m.connectGoogleFn != nil {
		return m.connectGoogleFn(ctx, sessionID, profile)
	}
	return &identity.ConnectResult{User: &identity.User{ID: "u1"}}, nil
}

func (m *mockIdentity) BindSession(ctx context.Context, sessionID, userID string) error {
	return nil
}

func (m *mockIdentity) Logout(ctx context.Context, sessionID string) error {
	return nil
}

func (m *mockIdentity) SetAccessLevel(ctx context.Context, userID, level string) error {
	return nil
}

// --- Mock Provider ---

const mockConsentPrefix = "https://accounts.example.com/consent?state="

type mockProvider struct {
	exchangeFn func(ctx context.Context, code, redirectURI string) (*oauth.Profile, error)
}

func (m *mockProvider) Name() string { return "google" }

func (m *mockProvider) AuthCodeURL(state, redirectURI string) string {
	return mockConsentPrefix + state
}

func (m *mockProvider) Exchange(ctx context.Context, code, redirectURI string) (*oauth.Profile, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code, redirectURI)
	}
	return &oauth.Profile{AccountID: "g-1", Email: "a@example.com", DisplayName: "Alice"}, nil
}

// --- Test Helpers ---

const (
	testBaseURL = "http://localhost:8080"
	testSession = "33333333-3333-3333-3333-333333333333"
)

type testDeps struct {
	repo     *mockFlowRepo
	identity *mockIdentity
	provider *mockProvider
	notifier *Notifier
	svc      Service
}

func newTestService(t *testing.T) *testDeps {
	t.Helper()
	rdb := newTestRedis(t)
	deps := &testDeps{
		repo:     newMockFlowRepo(),
		identity: &mockIdentity{},
		provider: &mockProvider{},
		notifier: NewNotifier(rdb),
	}
	deps.svc = NewService(
		deps.repo,
		NewStateStore(rdb, time.Minute),
		NewGate(rdb, time.Minute),
		deps.notifier,
		deps.identity,
		deps.provider,
		testBaseURL,
		time.Minute,
	)
	return deps
}

func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// createLoginRequest creates a pending login request through the service.
func createLoginRequest(t *testing.T, deps *testDeps) *AuthRequest {
	t.Helper()
	req, err := deps.svc.CreateRequest(context.Background(), testSession, CreateRequestInput{
		Flow:        FlowLogin,
		RedirectURI: testBaseURL + pathPopupCallback,
	})
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	return req
}

// issueState walks the normal path to a provider-bound state token. The
// mock provider appends the raw state to a fixed prefix.
func issueState(t *testing.T, deps *testDeps, req *AuthRequest) string {
	t.Helper()
	url, err := deps.svc.AuthorizationURL(context.Background(), testSession, req.ID)
	if err != nil {
		t.Fatalf("building authorization URL: %v", err)
	}
	return strings.TrimPrefix(url, mockConsentPrefix)
}

// --- CreateRequest Tests ---

func TestCreateRequest_Login(t *testing.T) {
	deps := newTestService(t)

	req := createLoginRequest(t, deps)
	if req.Status != StatusPending {
		t.Errorf("expected pending status, got %s", req.Status)
	}
	if req.Kind != FlowLogin {
		t.Errorf("expected login kind, got %s", req.Kind)
	}
	if !req.ExpiresAt.After(req.CreatedAt) {
		t.Error("expected expiry after creation")
	}
}

func TestCreateRequest_UnknownFlow(t *testing.T) {
	deps := newTestService(t)

	_, err := deps.svc.CreateRequest(context.Background(), testSession, CreateRequestInput{
		Flow:        "sso",
		RedirectURI: testBaseURL + pathPopupCallback,
	})
	assertAppError(t, err, http.StatusBadRequest)
}

func TestCreateRequest_WrongRedirectURI(t *testing.T) {
	deps := newTestService(t)

	_, err := deps.svc.CreateRequest(context.Background(), testSession, CreateRequestInput{
		Flow:        FlowLogin,
		RedirectURI: "https://evil.example.com/callback",
	})
	assertAppError(t, err, http.StatusBadRequest)
}

func TestCreateRequest_ConnectRequiresAuth(t *testing.T) {
	deps := newTestService(t)
	deps.identity.getStateFn = func(ctx context.Context, sessionID string) (*identity.AuthState, error) {
		return &identity.AuthState{Authenticated: false, Reason: identity.ReasonUnknownSession}, nil
	}

	_, err := deps.svc.CreateRequest(context.Background(), testSession, CreateRequestInput{
		Flow:        FlowConnect,
		RedirectURI: testBaseURL + pathConnectCallback,
	})
	assertAppError(t, err, http.StatusUnauthorized)
}

func TestCreateRequest_Disabled(t *testing.T) {
	deps := newTestService(t)
	rdb := newTestRedis(t)
	disabled := NewService(
		deps.repo,
		NewStateStore(rdb, time.Minute),
		NewGate(rdb, time.Minute),
		NewNotifier(rdb),
		deps.identity,
		nil, // no provider configured
		testBaseURL,
		time.Minute,
	)

	_, err := disabled.CreateRequest(context.Background(), testSession, CreateRequestInput{
		Flow:        FlowLogin,
		RedirectURI: testBaseURL + pathPopupCallback,
	})
	assertAppError(t, err, http.StatusServiceUnavailable)
}

// --- GetRequest Tests ---

func TestGetRequest_OtherSessionHidden(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)

	_, err := deps.svc.GetRequest(context.Background(), "44444444-4444-4444-4444-444444444444", req.ID)
	assertAppError(t, err, http.StatusNotFound)
}

// --- AuthorizationURL Tests ---

func TestAuthorizationURL_TerminalRequest(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)
	deps.repo.MarkCompleted(context.Background(), req.ID)

	_, err := deps.svc.AuthorizationURL(context.Background(), testSession, req.ID)
	assertAppError(t, err, http.StatusConflict)
}

// --- HandleCallback Tests ---

func TestHandleCallback_Success(t *testing.T) {
	deps := newTestService(t)
	var loginSession string
	deps.identity.loginWithGoogleFn = func(ctx context.Context, sessionID string, profile *oauth.Profile) (*identity.User, error) {
		loginSession = sessionID
		return &identity.User{ID: "u1"}, nil
	}

	req := createLoginRequest(t, deps)
	state := issueState(t, deps, req)

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if loginSession != testSession {
		t.Errorf("expected login for session %s, got %s", testSession, loginSession)
	}
	if got := deps.repo.status(req.ID); got != StatusCompleted {
		t.Errorf("expected completed record, got %s", got)
	}
}

func TestHandleCallback_DuplicateIsBenign(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)
	state := issueState(t, deps, req)

	if _, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Benign {
		t.Fatalf("expected benign duplicate, got %+v", result)
	}
	if result.BenignReason != "already_processed" {
		t.Errorf("expected already_processed, got %s", result.BenignReason)
	}
	if got := deps.repo.status(req.ID); got != StatusCompleted {
		t.Errorf("duplicate must not disturb the record, got %s", got)
	}
}

func TestHandleCallback_GarbageState(t *testing.T) {
	deps := newTestService(t)

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "x", State: "not a token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Benign {
		t.Errorf("expected plain failure, got %+v", result)
	}
	if result.Message == "" {
		t.Error("expected a user-facing message")
	}
}

func TestHandleCallback_UserCancelled(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)
	state := issueState(t, deps, req)

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{
		State: state,
		Error: "access_denied",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for a cancelled consent")
	}
	if result.Message != msgCancelled {
		t.Errorf("expected cancellation copy, got %q", result.Message)
	}
	if got := deps.repo.status(req.ID); got != StatusFailed {
		t.Errorf("expected failed record, got %s", got)
	}

	// Terminal: a retry of the same callback is benign, not a second attempt.
	retry, err := deps.svc.HandleCallback(context.Background(), CallbackParams{State: state, Error: "access_denied"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !retry.Benign {
		t.Errorf("expected benign retry, got %+v", retry)
	}
}

func TestHandleCallback_MismatchLeavesRequestPending(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)
	state := issueState(t, deps, req)

	// A forged token for the same request: parses, fails comparison.
	forged := `{"flow":"connect","requestId":"` + req.ID + `","v":1}`

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "x", State: forged})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Benign {
		t.Fatalf("expected plain failure, got %+v", result)
	}
	if got := deps.repo.status(req.ID); got != StatusPending {
		t.Fatalf("mismatch must leave the record pending, got %s", got)
	}

	// The gate was released: the legitimate callback still goes through.
	retry, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !retry.Success {
		t.Errorf("expected legitimate callback to succeed, got %+v", retry)
	}
}

func TestHandleCallback_ExchangeFailure(t *testing.T) {
	deps := newTestService(t)
	deps.provider.exchangeFn = func(ctx context.Context, code, redirectURI string) (*oauth.Profile, error) {
		return nil, errors.New("invalid_grant")
	}

	req := createLoginRequest(t, deps)
	state := issueState(t, deps, req)

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "bad", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if got := deps.repo.status(req.ID); got != StatusFailed {
		t.Errorf("expected failed record, got %s", got)
	}
}

func TestHandleCallback_ConnectConflictRecorded(t *testing.T) {
	deps := newTestService(t)
	deps.identity.connectGoogleFn = func(ctx context.Context, sessionID string, profile *oauth.Profile) (*identity.ConnectResult, error) {
		return nil, apperror.NewConflictType(apperror.TypeGoogleAccountInUse,
			"this Google account is already connected to another user")
	}

	req, err := deps.svc.CreateRequest(context.Background(), testSession, CreateRequestInput{
		Flow:        FlowConnect,
		RedirectURI: testBaseURL + pathConnectCallback,
	})
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	state := issueState(t, deps, req)

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for a linking conflict")
	}
	if result.Message != "this Google account is already connected to another user" {
		t.Errorf("expected the safe conflict message, got %q", result.Message)
	}
	if got := deps.repo.status(req.ID); got != StatusFailed {
		t.Errorf("expected failed record, got %s", got)
	}
}

func TestHandleCallback_ExpiredRecord(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)
	state := issueState(t, deps, req)

	// Backdate the record past its expiry; the sweeper hasn't run yet.
	deps.repo.mu.Lock()
	deps.repo.requests[req.ID].ExpiresAt = time.Now().UTC().Add(-time.Second)
	deps.repo.mu.Unlock()

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for an expired request")
	}
	if result.Message != msgExpired {
		t.Errorf("expected expiry copy, got %q", result.Message)
	}
	if got := deps.repo.status(req.ID); got != StatusFailed {
		t.Errorf("expected failed record, got %s", got)
	}
}

func TestHandleCallback_SweptRecord(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)
	state := issueState(t, deps, req)

	// The sweeper got there first.
	deps.repo.mu.Lock()
	delete(deps.repo.requests, req.ID)
	deps.repo.mu.Unlock()

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for a swept request")
	}
	if result.Message != msgExpired {
		t.Errorf("expected expiry copy, got %q", result.Message)
	}
}

// --- Watch Tests ---

func TestWatch_TransitionDuringSnapshotDelivered(t *testing.T) {
	// A terminal transition published while the snapshot is being read must
	// arrive on the event channel -- the subscription is on the wire before
	// the snapshot read, so nothing falls into the gap.
	deps := newTestService(t)
	ctx := context.Background()
	req := createLoginRequest(t, deps)

	deps.repo.onFind = func(id string) {
		deps.notifier.Publish(ctx, StatusEvent{RequestID: id, Status: StatusCompleted})
	}

	watch, err := deps.svc.Watch(ctx, testSession, req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer watch.Stop()

	if watch.Current.Status != StatusPending {
		t.Fatalf("expected a pending snapshot, got %s", watch.Current.Status)
	}

	select {
	case event := <-watch.Events:
		if event.Status != StatusCompleted {
			t.Errorf("expected completed transition, got %s", event.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transition published during snapshot read was lost")
	}
}

func TestWatch_StopsSubscriptionWhenSnapshotDenied(t *testing.T) {
	deps := newTestService(t)
	req := createLoginRequest(t, deps)

	_, err := deps.svc.Watch(context.Background(), "44444444-4444-4444-4444-444444444444", req.ID)
	assertAppError(t, err, http.StatusNotFound)
}

// --- Legacy Flow Tests ---

func TestLegacyFlow_EndToEnd(t *testing.T) {
	deps := newTestService(t)
	var loginSession string
	deps.identity.loginWithGoogleFn = func(ctx context.Context, sessionID string, profile *oauth.Profile) (*identity.User, error) {
		loginSession = sessionID
		return &identity.User{ID: "u1"}, nil
	}

	url, err := deps.svc.LegacyAuthorizationURL(context.Background(), testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := strings.TrimPrefix(url, mockConsentPrefix)

	result, err := deps.svc.HandleCallback(context.Background(), CallbackParams{Code: "auth-code", State: state})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Flow != FlowLegacyLogin {
		t.Errorf("expected legacy flow, got %s", result.Flow)
	}
	if loginSession != testSession {
		t.Errorf("expected the state record's session, got %s", loginSession)
	}
}
