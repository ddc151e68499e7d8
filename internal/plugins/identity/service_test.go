package identity

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/koinonia-app/koinonia/internal/apperror"
	"github.com/koinonia-app/koinonia/internal/oauth"
)

// --- Mock Repository ---

// mockRepo implements Repository for testing.
type mockRepo struct {
	createUserFn         func(ctx context.Context, user *User) error
	findUserByIDFn       func(ctx context.Context, id string) (*User, error)
	findUserByGoogleIDFn func(ctx context.Context, googleID string) (*User, error)
	emailInUseFn         func(ctx context.Context, email, excludeUserID string) (bool, error)
	linkGoogleFn         func(ctx context.Context, userID, googleID, email, displayName string) error
	updateLastLoginFn    func(ctx context.Context, id string) error
	bindFn               func(ctx context.Context, sessionID, userID string) error
	findBoundUserFn      func(ctx context.Context, sessionID string) (*User, error)
	unbindFn             func(ctx context.Context, sessionID string) error
	updateAccessLevelFn  func(ctx context.Context, id, level string) error
	countAdminsFn        func(ctx context.Context) (int, error)
}

func (m *mockRepo) CreateUser(ctx context.Context, user *User) error {
	if m.createUserFn != nil {
		return m.createUserFn(ctx, user)
	}
	return nil
}

func (m *mockRepo) FindUserByID(ctx context.Context, id string) (*User, error) {
	if m.findUserByIDFn != nil {
		return m.findUserByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockRepo) FindUserByGoogleID(ctx context.Context, googleID string) (*User, error) {
	if m.findUserByGoogleIDFn != nil {
		return m.findUserByGoogleIDFn(ctx, googleID)
	}
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockRepo) EmailInUse(ctx context.Context, email, excludeUserID string) (bool, error) {
	if m.emailInUseFn != nil {
		return m.emailInUseFn(ctx, email, excludeUserID)
	}
	return false, nil
}

func (m *mockRepo) LinkGoogle(ctx context.Context, userID, googleID, email, displayName string) error {
	if m.linkGoogleFn != nil {
		return m.linkGoogleFn(ctx, userID, googleID, email, displayName)
	}
	return nil
}

func (m *mockRepo) UpdateLastLogin(ctx context.Context, id string) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id)
	}
	return nil
}

func (m *mockRepo) Bind(ctx context.Context, sessionID, userID string) error {
	if m.bindFn != nil {
		return m.bindFn(ctx, sessionID, userID)
	}
	return nil
}

func (m *mockRepo) FindBoundUser(ctx context.Context, sessionID string) (*User, error) {
	if m.findBoundUserFn != nil {
		return m.findBoundUserFn(ctx, sessionID)
	}
	return nil, apperror.NewNotFound("no binding")
}

func (m *mockRepo) Unbind(ctx context.Context, sessionID string) error {
	if m.unbindFn != nil {
		return m.unbindFn(ctx, sessionID)
	}
	return nil
}

func (m *mockRepo) UpdateAccessLevel(ctx context.Context, id, level string) error {
	if m.updateAccessLevelFn != nil {
		return m.updateAccessLevelFn(ctx, id, level)
	}
	return nil
}

func (m *mockRepo) CountAdmins(ctx context.Context) (int, error) {
	if m.countAdminsFn != nil {
		return m.countAdminsFn(ctx)
	}
	return 0, nil
}

// --- Test Helpers ---

const testSession = "11111111-1111-1111-1111-111111111111"

func strPtr(s string) *string { return &s }

// assertAppError checks that err is an *apperror.AppError with the expected code.
func assertAppError(t *testing.T, err error, expectedCode int) *apperror.AppError {
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
	return appErr
}

// --- GetState Tests ---

func TestGetState_NoSession(t *testing.T) {
	svc := NewService(&mockRepo{})

	state, err := svc.GetState(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Authenticated {
		t.Error("expected unauthenticated state")
	}
	if state.Reason != ReasonNoSession {
		t.Errorf("expected reason %q, got %q", ReasonNoSession, state.Reason)
	}
}

func TestGetState_UnknownSession(t *testing.T) {
	// Default mock returns not-found for FindBoundUser; a fresh client-minted
	// session must resolve to unauthenticated, never to an error.
	svc := NewService(&mockRepo{})

	state, err := svc.GetState(context.Background(), testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Authenticated {
		t.Error("expected unauthenticated state")
	}
	if state.Reason != ReasonUnknownSession {
		t.Errorf("expected reason %q, got %q", ReasonUnknownSession, state.Reason)
	}
}

func TestGetState_BoundSession(t *testing.T) {
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return &User{ID: "u1", Kind: KindRegistered, AccessLevel: AccessSystemAdmin}, nil
		},
	}
	svc := NewService(repo)

	state, err := svc.GetState(context.Background(), testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.Authenticated {
		t.Fatal("expected authenticated state")
	}
	if state.User == nil || state.User.ID != "u1" {
		t.Error("expected bound user in state")
	}
	if !state.IsAdmin {
		t.Error("expected IsAdmin for system admin")
	}
}

func TestGetState_RepoFailure(t *testing.T) {
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewService(repo)

	_, err := svc.GetState(context.Background(), testSession)
	assertAppError(t, err, http.StatusInternalServerError)
}

// --- LoginAnon Tests ---

func TestLoginAnon_CreatesAndBinds(t *testing.T) {
	var createdID, boundUser string
	repo := &mockRepo{
		createUserFn: func(ctx context.Context, user *User) error {
			if user.Kind != KindAnonymous {
				t.Errorf("expected anonymous kind, got %s", user.Kind)
			}
			if user.AccessLevel != AccessUser {
				t.Errorf("expected access level user, got %s", user.AccessLevel)
			}
			createdID = user.ID
			return nil
		},
		bindFn: func(ctx context.Context, sessionID, userID string) error {
			if sessionID != testSession {
				t.Errorf("expected session %s, got %s", testSession, sessionID)
			}
			boundUser = userID
			return nil
		},
	}
	svc := NewService(repo)

	user, err := svc.LoginAnon(context.Background(), testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID == "" || user.ID != createdID {
		t.Error("expected created user to be returned")
	}
	if boundUser != user.ID {
		t.Error("expected session bound to the new user")
	}
}

// --- LoginWithGoogle Tests ---

func TestLoginWithGoogle_ExistingUser(t *testing.T) {
	existing := &User{ID: "u1", Kind: KindRegistered, GoogleID: strPtr("g-123")}
	created := false
	var bound string
	repo := &mockRepo{
		findUserByGoogleIDFn: func(ctx context.Context, googleID string) (*User, error) {
			if googleID != "g-123" {
				t.Errorf("expected google id g-123, got %s", googleID)
			}
			return existing, nil
		},
		createUserFn: func(ctx context.Context, user *User) error {
			created = true
			return nil
		},
		bindFn: func(ctx context.Context, sessionID, userID string) error {
			bound = userID
			return nil
		},
	}
	svc := NewService(repo)

	user, err := svc.LoginWithGoogle(context.Background(), testSession, &oauth.Profile{
		AccountID: "g-123", Email: "a@example.com", DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected no new user for a known google id")
	}
	if user.ID != "u1" || bound != "u1" {
		t.Error("expected session rebound to the existing user")
	}
}

func TestLoginWithGoogle_FirstLoginCreatesUser(t *testing.T) {
	var created *User
	repo := &mockRepo{
		createUserFn: func(ctx context.Context, user *User) error {
			created = user
			return nil
		},
	}
	svc := NewService(repo)

	user, err := svc.LoginWithGoogle(context.Background(), testSession, &oauth.Profile{
		AccountID: "g-456", Email: "Bob@Example.COM", DisplayName: " Bob ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created == nil {
		t.Fatal("expected a user to be created")
	}
	if user.Kind != KindRegistered {
		t.Errorf("expected registered kind, got %s", user.Kind)
	}
	if user.Email == nil || *user.Email != "bob@example.com" {
		t.Error("expected email normalized to lowercase")
	}
	if user.DisplayName != "Bob" {
		t.Errorf("expected trimmed display name, got %q", user.DisplayName)
	}
	if user.GoogleID == nil || *user.GoogleID != "g-456" {
		t.Error("expected google id stored")
	}
}

func TestLoginWithGoogle_LastLoginFailureIsNonFatal(t *testing.T) {
	repo := &mockRepo{
		findUserByGoogleIDFn: func(ctx context.Context, googleID string) (*User, error) {
			return &User{ID: "u1", Kind: KindRegistered}, nil
		},
		updateLastLoginFn: func(ctx context.Context, id string) error {
			return errors.New("deadlock")
		},
	}
	svc := NewService(repo)

	if _, err := svc.LoginWithGoogle(context.Background(), testSession, &oauth.Profile{AccountID: "g"}); err != nil {
		t.Fatalf("expected login to succeed despite last-login failure, got %v", err)
	}
}

// --- ConnectGoogle Tests ---

func TestConnectGoogle_UpgradesAnonymous(t *testing.T) {
	anon := &User{ID: "u1", Kind: KindAnonymous, DisplayName: "Guest"}
	linked := false
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return anon, nil
		},
		linkGoogleFn: func(ctx context.Context, userID, googleID, email, displayName string) error {
			if userID != "u1" || googleID != "g-1" {
				t.Errorf("unexpected link args: %s %s", userID, googleID)
			}
			if email != "a@example.com" {
				t.Errorf("expected normalized email, got %s", email)
			}
			linked = true
			return nil
		},
	}
	svc := NewService(repo)

	result, err := svc.ConnectGoogle(context.Background(), testSession, &oauth.Profile{
		AccountID: "g-1", Email: "A@Example.com", DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !linked {
		t.Error("expected LinkGoogle to be called")
	}
	if !result.Converted {
		t.Error("expected Converted=true for an anonymous account")
	}
	if result.User.Kind != KindRegistered {
		t.Error("expected user upgraded to registered")
	}
}

func TestConnectGoogle_RegisteredNotConverted(t *testing.T) {
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return &User{ID: "u1", Kind: KindRegistered, DisplayName: "Alice"}, nil
		},
	}
	svc := NewService(repo)

	result, err := svc.ConnectGoogle(context.Background(), testSession, &oauth.Profile{AccountID: "g-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Converted {
		t.Error("expected Converted=false for an already-registered account")
	}
}

func TestConnectGoogle_SameAccountIsNoOp(t *testing.T) {
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return &User{ID: "u1", Kind: KindRegistered, GoogleID: strPtr("g-1")}, nil
		},
		linkGoogleFn: func(ctx context.Context, userID, googleID, email, displayName string) error {
			t.Error("LinkGoogle must not be called for a re-link of the same account")
			return nil
		},
	}
	svc := NewService(repo)

	result, err := svc.ConnectGoogle(context.Background(), testSession, &oauth.Profile{AccountID: "g-1"})
	if err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if result.Converted {
		t.Error("expected Converted=false for a no-op re-link")
	}
}

func TestConnectGoogle_DifferentAccountConflict(t *testing.T) {
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return &User{ID: "u1", Kind: KindRegistered, GoogleID: strPtr("g-old")}, nil
		},
	}
	svc := NewService(repo)

	_, err := svc.ConnectGoogle(context.Background(), testSession, &oauth.Profile{AccountID: "g-new"})
	appErr := assertAppError(t, err, http.StatusConflict)
	if appErr.Type != apperror.TypeAlreadyConnected {
		t.Errorf("expected type %s, got %s", apperror.TypeAlreadyConnected, appErr.Type)
	}
}

func TestConnectGoogle_AccountInUse_NoMutation(t *testing.T) {
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return &User{ID: "u1", Kind: KindAnonymous}, nil
		},
		findUserByGoogleIDFn: func(ctx context.Context, googleID string) (*User, error) {
			return &User{ID: "u2", Kind: KindRegistered, GoogleID: strPtr("g-1")}, nil
		},
		linkGoogleFn: func(ctx context.Context, userID, googleID, email, displayName string) error {
			t.Error("LinkGoogle must not be called when the google account is taken")
			return nil
		},
	}
	svc := NewService(repo)

	_, err := svc.ConnectGoogle(context.Background(), testSession, &oauth.Profile{AccountID: "g-1"})
	appErr := assertAppError(t, err, http.StatusConflict)
	if appErr.Type != apperror.TypeGoogleAccountInUse {
		t.Errorf("expected type %s, got %s", apperror.TypeGoogleAccountInUse, appErr.Type)
	}
}

func TestConnectGoogle_EmailCollision(t *testing.T) {
	repo := &mockRepo{
		findBoundUserFn: func(ctx context.Context, sessionID string) (*User, error) {
			return &User{ID: "u1", Kind: KindAnonymous}, nil
		},
		emailInUseFn: func(ctx context.Context, email, excludeUserID string) (bool, error) {
			if excludeUserID != "u1" {
				t.Errorf("expected exclusion of the connecting user, got %s", excludeUserID)
			}
			return true, nil
		},
	}
	svc := NewService(repo)

	_, err := svc.ConnectGoogle(context.Background(), testSession, &oauth.Profile{
		AccountID: "g-1", Email: "taken@example.com",
	})
	appErr := assertAppError(t, err, http.StatusConflict)
	if appErr.Type != apperror.TypeEmailAlreadyExists {
		t.Errorf("expected type %s, got %s", apperror.TypeEmailAlreadyExists, appErr.Type)
	}
}

func TestConnectGoogle_StaleBinding(t *testing.T) {
	// Default mock returns not-found for FindBoundUser.
	svc := NewService(&mockRepo{})

	_, err := svc.ConnectGoogle(context.Background(), testSession, &oauth.Profile{AccountID: "g-1"})
	appErr := assertAppError(t, err, http.StatusConflict)
	if appErr.Type != apperror.TypeInvalidConversion {
		t.Errorf("expected type %s, got %s", apperror.TypeInvalidConversion, appErr.Type)
	}
}

// --- SetAccessLevel Tests ---

func TestSetAccessLevel_LastAdminGuard(t *testing.T) {
	repo := &mockRepo{
		findUserByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, AccessLevel: AccessSystemAdmin}, nil
		},
		countAdminsFn: func(ctx context.Context) (int, error) {
			return 1, nil
		},
		updateAccessLevelFn: func(ctx context.Context, id, level string) error {
			t.Error("update must not run when demoting the last admin")
			return nil
		},
	}
	svc := NewService(repo)

	err := svc.SetAccessLevel(context.Background(), "u1", AccessUser)
	assertAppError(t, err, http.StatusConflict)
}

func TestSetAccessLevel_DemoteWithOtherAdmins(t *testing.T) {
	updated := false
	repo := &mockRepo{
		findUserByIDFn: func(ctx context.Context, id string) (*User, error) {
			return &User{ID: id, AccessLevel: AccessSystemAdmin}, nil
		},
		countAdminsFn: func(ctx context.Context) (int, error) {
			return 2, nil
		},
		updateAccessLevelFn: func(ctx context.Context, id, level string) error {
			updated = true
			return nil
		},
	}
	svc := NewService(repo)

	if err := svc.SetAccessLevel(context.Background(), "u1", AccessUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated {
		t.Error("expected access level update")
	}
}

func TestSetAccessLevel_UnknownLevel(t *testing.T) {
	svc := NewService(&mockRepo{})

	err := svc.SetAccessLevel(context.Background(), "u1", "superuser")
	assertAppError(t, err, http.StatusBadRequest)
}

// --- Misc ---

func TestNormalizeEmail(t *testing.T) {
	if got := normalizeEmail("  Alice@Example.COM "); got != "alice@example.com" {
		t.Errorf("unexpected normalization: %q", got)
	}
}
