package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/agrimarket/web-client/internal/core/domain"
	"github.com/agrimarket/web-client/internal/core/ports"
	"github.com/agrimarket/web-client/internal/infrastructure/storage/file"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubGateway struct {
	loginFn     func(ctx context.Context, email, password string) (string, domain.Profile, error)
	registerFn  func(ctx context.Context, fields map[string]any) (string, domain.Profile, error)
	profileFn   func(ctx context.Context, token string) (domain.Profile, error)
	meFn        func(ctx context.Context, token string) (domain.Profile, error)
	sendOTPFn   func(ctx context.Context, phone string) error
	verifyOTPFn func(ctx context.Context, phone, otp string) (string, domain.Profile, error)
	forwardFn   func(ctx context.Context, token string, req ports.ForwardRequest) (*ports.ForwardResponse, error)

	profileCalls int
}

func (g *stubGateway) Login(ctx context.Context, email, password string) (string, domain.Profile, error) {
	return g.loginFn(ctx, email, password)
}

func (g *stubGateway) Register(ctx context.Context, fields map[string]any) (string, domain.Profile, error) {
	return g.registerFn(ctx, fields)
}

func (g *stubGateway) Profile(ctx context.Context, token string) (domain.Profile, error) {
	g.profileCalls++
	return g.profileFn(ctx, token)
}

func (g *stubGateway) Me(ctx context.Context, token string) (domain.Profile, error) {
	return g.meFn(ctx, token)
}

func (g *stubGateway) SendOTP(ctx context.Context, phone string) error {
	return g.sendOTPFn(ctx, phone)
}

func (g *stubGateway) VerifyOTP(ctx context.Context, phone, otp string) (string, domain.Profile, error) {
	return g.verifyOTPFn(ctx, phone, otp)
}

func (g *stubGateway) ForgotPassword(_ context.Context, _ string) (string, error) {
	return "Reset link sent", nil
}

func (g *stubGateway) ResetPassword(_ context.Context, _, _ string) (string, error) {
	return "", &domain.RequestError{Kind: domain.KindRejected, Status: 400}
}

func (g *stubGateway) Forward(ctx context.Context, token string, req ports.ForwardRequest) (*ports.ForwardResponse, error) {
	return g.forwardFn(ctx, token, req)
}

func (g *stubGateway) Ping(context.Context) error { return nil }

type stubStore struct {
	mu       sync.Mutex
	token    string
	loadErr  error
	saveErr  error
	clears   int
	lastSave string
}

func (s *stubStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.loadErr
}

func (s *stubStore) Save(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.token = token
	s.lastSave = token
	return nil
}

func (s *stubStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.token = ""
	return nil
}

func (s *stubStore) stored() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func newSvc(gw *stubGateway, store *stubStore) *SessionService {
	return NewSessionService(gw, store, zerolog.Nop())
}

func rejectLogin(msg string, status int) func(context.Context, string, string) (string, domain.Profile, error) {
	return func(context.Context, string, string) (string, domain.Profile, error) {
		return "", nil, &domain.RequestError{Kind: domain.KindRejected, Status: status, Message: msg}
	}
}

// ---------------------------------------------------------------------------
// Login / register
// ---------------------------------------------------------------------------

func TestSessionService_Login_Success(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{
		loginFn: func(_ context.Context, email, password string) (string, domain.Profile, error) {
			if email != "asha@farm.in" || password != "secret1" {
				t.Fatalf("unexpected args: %s %s", email, password)
			}
			return "tok-1", domain.Profile{"role": "farmer", "name": "Asha"}, nil
		},
	}
	svc := newSvc(gw, store)

	user, err := svc.Login(context.Background(), "asha@farm.in", "secret1")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if user.Role() != domain.RoleFarmer {
		t.Fatalf("unexpected role: %s", user.Role())
	}

	snap := svc.Snapshot()
	if snap.State() != domain.StateAuthenticated || snap.Token != "tok-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !svc.IsAuthenticated() {
		t.Fatalf("expected authenticated")
	}
	if store.stored() != "tok-1" {
		t.Fatalf("expected token persisted, got %q", store.stored())
	}
}

func TestSessionService_Login_BackendMessageSurfaced(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{loginFn: rejectLogin("Password must be at least 6 characters", 400)}
	svc := newSvc(gw, store)

	_, err := svc.Login(context.Background(), "a@b.com", "short")

	var re *domain.RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if re.Message != "Password must be at least 6 characters" {
		t.Fatalf("unexpected message: %q", re.Message)
	}
	if svc.Snapshot().State() != domain.StateUnauthenticated {
		t.Fatalf("state should remain unauthenticated")
	}
	if store.lastSave != "" {
		t.Fatalf("nothing should be persisted on failure")
	}
}

func TestSessionService_Login_UnreachableUsesFallback(t *testing.T) {
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "", nil, errors.New("dial tcp 127.0.0.1:5000: connect: connection refused")
		},
	}
	svc := newSvc(gw, &stubStore{})

	_, err := svc.Login(context.Background(), "a@b.com", "whatever")
	var re *domain.RequestError
	if !errors.As(err, &re) || re.Message != domain.MsgLoginFailed || re.Kind != domain.KindUnreachable {
		t.Fatalf("expected unreachable fallback, got %+v", err)
	}
}

func TestSessionService_Login_MissingTokenIsMalformed(t *testing.T) {
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "", domain.Profile{"role": "consumer"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})

	_, err := svc.Login(context.Background(), "a@b.com", "secret1")
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if svc.IsAuthenticated() {
		t.Fatalf("should not authenticate without a token")
	}
}

func TestSessionService_Login_UnknownRoleStillAuthenticates(t *testing.T) {
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"name": "no role"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})

	user, err := svc.Login(context.Background(), "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if domain.LandingPath(user.Role()) != domain.DefaultLandingPath {
		t.Fatalf("unknown role should route to the default landing path")
	}
}

func TestSessionService_Register_SameEffectAsLogin(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{
		registerFn: func(_ context.Context, fields map[string]any) (string, domain.Profile, error) {
			if fields["role"] != "wholesaler" || fields["businessName"] != "Mandi Traders" {
				t.Fatalf("fields not forwarded: %+v", fields)
			}
			return "reg-tok", domain.Profile{"role": "wholesaler"}, nil
		},
	}
	svc := newSvc(gw, store)

	user, err := svc.Register(context.Background(), map[string]any{
		"role":         "wholesaler",
		"businessName": "Mandi Traders",
	})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if user.Role() != domain.RoleWholesaler || store.stored() != "reg-tok" {
		t.Fatalf("unexpected result: user=%+v stored=%q", user, store.stored())
	}
}

func TestSessionService_Register_FailureFallback(t *testing.T) {
	gw := &stubGateway{
		registerFn: func(context.Context, map[string]any) (string, domain.Profile, error) {
			return "", nil, &domain.RequestError{Kind: domain.KindRejected, Status: 500}
		},
	}
	svc := newSvc(gw, &stubStore{})

	_, err := svc.Register(context.Background(), map[string]any{"email": "x@y.z"})
	var re *domain.RequestError
	if !errors.As(err, &re) || re.Message != domain.MsgRegisterFailed {
		t.Fatalf("expected registration fallback message, got %v", err)
	}
}

func TestSessionService_Login_PersistFailureKeepsSession(t *testing.T) {
	store := &stubStore{saveErr: errors.New("disk full")}
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "consumer"}, nil
		},
	}
	svc := newSvc(gw, store)

	if _, err := svc.Login(context.Background(), "a@b.com", "secret1"); err != nil {
		t.Fatalf("persist failure must not fail login: %v", err)
	}
	if !svc.IsAuthenticated() {
		t.Fatalf("expected authenticated in memory")
	}
}

// ---------------------------------------------------------------------------
// Restore
// ---------------------------------------------------------------------------

func TestSessionService_Restore_NoToken(t *testing.T) {
	gw := &stubGateway{}
	svc := newSvc(gw, &stubStore{})

	if state := svc.Restore(context.Background()); state != domain.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", state)
	}
	if gw.profileCalls != 0 {
		t.Fatalf("profile should not be fetched without a token")
	}
}

func TestSessionService_Restore_Success(t *testing.T) {
	store := &stubStore{token: "abc123"}
	gw := &stubGateway{
		profileFn: func(_ context.Context, token string) (domain.Profile, error) {
			if token != "abc123" {
				t.Fatalf("unexpected token: %s", token)
			}
			return domain.Profile{"role": "farmer", "name": "Asha"}, nil
		},
	}
	svc := newSvc(gw, store)

	if state := svc.Restore(context.Background()); state != domain.StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", state)
	}
	snap := svc.Snapshot()
	if snap.User.Role() != domain.RoleFarmer || snap.Token != "abc123" || snap.Loading {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSessionService_Restore_Unauthorized(t *testing.T) {
	store := &stubStore{token: "abc123"}
	gw := &stubGateway{
		profileFn: func(context.Context, string) (domain.Profile, error) {
			return nil, &domain.RequestError{Kind: domain.KindRejected, Status: 401, Message: "Not authorized"}
		},
	}
	svc := newSvc(gw, store)

	if state := svc.Restore(context.Background()); state != domain.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", state)
	}
	if store.stored() != "" {
		t.Fatalf("stale token should be removed, got %q", store.stored())
	}
	if snap := svc.Snapshot(); snap.Token != "" || snap.User != nil {
		t.Fatalf("session should be empty: %+v", snap)
	}
}

func TestSessionService_Restore_LoadErrorClearsStore(t *testing.T) {
	gw := &stubGateway{}
	store := &stubStore{loadErr: errors.New("decode token file: invalid character")}
	svc := newSvc(gw, store)

	if state := svc.Restore(context.Background()); state != domain.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", state)
	}
	if store.clears != 1 {
		t.Fatalf("unreadable token should be cleared, got %d clears", store.clears)
	}
	if gw.profileCalls != 0 {
		t.Fatalf("profile should not be fetched")
	}
}

func TestSessionService_Restore_ExpiredJWTSkipsNetwork(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := expired.SignedString([]byte("backend-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	store := &stubStore{token: signed}
	gw := &stubGateway{}
	svc := newSvc(gw, store)

	if state := svc.Restore(context.Background()); state != domain.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", state)
	}
	if gw.profileCalls != 0 {
		t.Fatalf("expired token should not reach the backend")
	}
	if store.stored() != "" {
		t.Fatalf("expired token should be cleared")
	}
}

func TestSessionService_Restore_ValidJWTIsFetched(t *testing.T) {
	live := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, _ := live.SignedString([]byte("backend-secret"))

	gw := &stubGateway{
		profileFn: func(context.Context, string) (domain.Profile, error) {
			return domain.Profile{"role": "admin"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{token: signed})

	if state := svc.Restore(context.Background()); state != domain.StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", state)
	}
}

func TestSessionService_Restore_LateResponseAfterLogoutIgnored(t *testing.T) {
	store := &stubStore{token: "abc123"}
	started := make(chan struct{})
	release := make(chan struct{})
	gw := &stubGateway{
		profileFn: func(context.Context, string) (domain.Profile, error) {
			close(started)
			<-release
			return domain.Profile{"role": "farmer"}, nil
		},
	}
	svc := newSvc(gw, store)

	done := make(chan domain.State)
	go func() { done <- svc.Restore(context.Background()) }()

	<-started
	if svc.Snapshot().State() != domain.StateRestoring {
		t.Fatalf("expected restoring while profile fetch is in flight")
	}
	svc.Logout(context.Background())
	close(release)

	if state := <-done; state != domain.StateUnauthenticated {
		t.Fatalf("late restore must not re-authenticate, got %s", state)
	}
	if svc.IsAuthenticated() {
		t.Fatalf("session re-authenticated after logout")
	}
	if store.stored() != "" {
		t.Fatalf("token should remain cleared")
	}
}

func TestSessionService_Login_SupersededByLogout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			close(started)
			<-release
			return "tok", domain.Profile{"role": "consumer"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})

	errc := make(chan error)
	go func() {
		_, err := svc.Login(context.Background(), "a@b.com", "secret1")
		errc <- err
	}()

	<-started
	svc.Logout(context.Background())
	close(release)

	if err := <-errc; !errors.Is(err, domain.ErrSessionSuperseded) {
		t.Fatalf("expected ErrSessionSuperseded, got %v", err)
	}
	if svc.IsAuthenticated() {
		t.Fatalf("superseded login must not authenticate")
	}
}

func TestSessionService_LoginAfterRestoreAndLogout_Reproduces(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok-9", domain.Profile{"role": "wholesaler"}, nil
		},
		profileFn: func(_ context.Context, token string) (domain.Profile, error) {
			if token != "tok-9" {
				return nil, &domain.RequestError{Kind: domain.KindRejected, Status: 401}
			}
			return domain.Profile{"role": "wholesaler"}, nil
		},
	}

	first := newSvc(gw, store)
	if _, err := first.Login(context.Background(), "w@b.com", "secret1"); err != nil {
		t.Fatalf("login: %v", err)
	}

	// A fresh manager over the same store models a reload.
	reloaded := newSvc(gw, store)
	reloaded.Restore(context.Background())
	if got := reloaded.Snapshot().User.Role(); got != domain.RoleWholesaler {
		t.Fatalf("restore should reproduce role, got %q", got)
	}

	reloaded.Logout(context.Background())
	again := newSvc(gw, store)
	if state := again.Restore(context.Background()); state != domain.StateUnauthenticated {
		t.Fatalf("restore after logout should be unauthenticated, got %s", state)
	}
}

// ---------------------------------------------------------------------------
// Logout / update / subscribe / do
// ---------------------------------------------------------------------------

func TestSessionService_Logout_Idempotent(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "admin"}, nil
		},
	}
	svc := newSvc(gw, store)
	_, _ = svc.Login(context.Background(), "a@b.com", "secret1")

	svc.Logout(context.Background())
	once := svc.Snapshot()
	svc.Logout(context.Background())
	twice := svc.Snapshot()

	if once.State() != domain.StateUnauthenticated || twice.State() != domain.StateUnauthenticated {
		t.Fatalf("expected unauthenticated after logout")
	}
	if once.Token != twice.Token || (once.User == nil) != (twice.User == nil) || once.Loading != twice.Loading {
		t.Fatalf("second logout changed state: %+v vs %+v", once, twice)
	}
	if store.stored() != "" {
		t.Fatalf("token not cleared")
	}
}

func TestSessionService_UpdateUser_MergesWithoutNetwork(t *testing.T) {
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "farmer", "name": "Asha"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})
	_, _ = svc.Login(context.Background(), "a@b.com", "secret1")

	svc.UpdateUser(map[string]any{"foo": 1})

	snap := svc.Snapshot()
	if snap.Token != "tok" {
		t.Fatalf("token changed: %q", snap.Token)
	}
	if snap.User["foo"] != 1 || snap.User["name"] != "Asha" || snap.User.Role() != domain.RoleFarmer {
		t.Fatalf("unexpected merged user: %+v", snap.User)
	}
	if gw.profileCalls != 0 {
		t.Fatalf("update must not call the backend")
	}
}

func TestSessionService_UpdateUser_NoopWhenLoggedOut(t *testing.T) {
	svc := newSvc(&stubGateway{}, &stubStore{})
	svc.UpdateUser(map[string]any{"foo": 1})
	if svc.IsAuthenticated() {
		t.Fatalf("update must not create a session")
	}
}

func TestSessionService_SnapshotIsACopy(t *testing.T) {
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "farmer"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})
	_, _ = svc.Login(context.Background(), "a@b.com", "secret1")

	snap := svc.Snapshot()
	snap.User["role"] = "admin"

	if svc.Snapshot().User.Role() != domain.RoleFarmer {
		t.Fatalf("mutating a snapshot leaked into the session")
	}
}

func TestSessionService_Subscribe(t *testing.T) {
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "consumer"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})

	var states []domain.State
	cancel := svc.Subscribe(func(s domain.Session) { states = append(states, s.State()) })

	_, _ = svc.Login(context.Background(), "a@b.com", "secret1")
	svc.Logout(context.Background())
	cancel()
	_, _ = svc.Login(context.Background(), "a@b.com", "secret1")

	if len(states) != 2 || states[0] != domain.StateAuthenticated || states[1] != domain.StateUnauthenticated {
		t.Fatalf("unexpected notifications: %v", states)
	}
}

func TestSessionService_Do_AttachesCurrentToken(t *testing.T) {
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok-7", domain.Profile{"role": "farmer"}, nil
		},
		forwardFn: func(_ context.Context, token string, req ports.ForwardRequest) (*ports.ForwardResponse, error) {
			if token != "tok-7" || req.Path != "/api/crops/my" {
				t.Fatalf("unexpected forward: token=%q path=%q", token, req.Path)
			}
			return &ports.ForwardResponse{Status: 200, Body: []byte(`[]`)}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})

	if _, err := svc.Do(context.Background(), ports.ForwardRequest{Method: "GET", Path: "/api/crops/my"}); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated before login, got %v", err)
	}

	_, _ = svc.Login(context.Background(), "a@b.com", "secret1")
	resp, err := svc.Do(context.Background(), ports.ForwardRequest{Method: "GET", Path: "/api/crops/my"})
	if err != nil || resp.Status != 200 {
		t.Fatalf("unexpected forward result: %+v %v", resp, err)
	}
}

// ---------------------------------------------------------------------------
// OAuth / OTP / password
// ---------------------------------------------------------------------------

func TestSessionService_LoginWithToken(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{
		meFn: func(_ context.Context, token string) (domain.Profile, error) {
			if token != "oauth-tok" {
				t.Fatalf("unexpected token %q", token)
			}
			return domain.Profile{"role": "consumer", "email": "g@gmail.com"}, nil
		},
	}
	svc := newSvc(gw, store)

	user, err := svc.LoginWithToken(context.Background(), "oauth-tok")
	if err != nil || user.Role() != domain.RoleConsumer {
		t.Fatalf("unexpected result: %+v %v", user, err)
	}
	if store.stored() != "oauth-tok" {
		t.Fatalf("oauth token not persisted")
	}

	if _, err := svc.LoginWithToken(context.Background(), ""); err == nil {
		t.Fatalf("empty token must fail")
	}
}

func TestSessionService_OTP(t *testing.T) {
	gw := &stubGateway{
		sendOTPFn: func(_ context.Context, phone string) error {
			if phone != "+919800000000" {
				t.Fatalf("unexpected phone %q", phone)
			}
			return nil
		},
		verifyOTPFn: func(_ context.Context, _, otp string) (string, domain.Profile, error) {
			if otp != "123456" {
				return "", nil, &domain.RequestError{Kind: domain.KindRejected, Status: 400, Message: "Invalid OTP"}
			}
			return "otp-tok", domain.Profile{"role": "farmer"}, nil
		},
	}
	svc := newSvc(gw, &stubStore{})

	if err := svc.RequestOTP(context.Background(), "+919800000000"); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}

	_, err := svc.VerifyOTP(context.Background(), "+919800000000", "000000")
	var re *domain.RequestError
	if !errors.As(err, &re) || re.Message != "Invalid OTP" {
		t.Fatalf("expected Invalid OTP, got %v", err)
	}

	if _, err := svc.VerifyOTP(context.Background(), "+919800000000", "123456"); err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	if !svc.IsAuthenticated() {
		t.Fatalf("expected authenticated after OTP")
	}
}

func TestSessionService_PasswordReset_DoesNotTouchSession(t *testing.T) {
	svc := newSvc(&stubGateway{}, &stubStore{})

	msg, err := svc.ForgotPassword(context.Background(), "a@b.com")
	if err != nil || msg != "Reset link sent" {
		t.Fatalf("unexpected forgot result: %q %v", msg, err)
	}

	_, err = svc.ResetPassword(context.Background(), "reset-tok", "newpass1")
	var re *domain.RequestError
	if !errors.As(err, &re) || re.Message != domain.MsgPasswordResetFail {
		t.Fatalf("expected reset fallback, got %v", err)
	}
	if svc.IsAuthenticated() {
		t.Fatalf("password flows must not authenticate")
	}
}

// ---------------------------------------------------------------------------
// Ordering and store I/O
// ---------------------------------------------------------------------------

// recorder collects subscriber notifications. It blocks on the first
// authenticated snapshot until released.
type recorder struct {
	mu      sync.Mutex
	states  []domain.State
	held    chan struct{}
	release chan struct{}
	blocked bool
}

func (r *recorder) observe(s domain.Session) {
	r.mu.Lock()
	r.states = append(r.states, s.State())
	block := !r.blocked && s.State() == domain.StateAuthenticated
	if block {
		r.blocked = true
	}
	r.mu.Unlock()

	if block {
		close(r.held)
		<-r.release
	}
}

func (r *recorder) last() domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func TestSessionService_Subscribe_LogoutDuringRestoreNotificationArrivesLast(t *testing.T) {
	store := &stubStore{token: "abc123"}
	gw := &stubGateway{
		profileFn: func(context.Context, string) (domain.Profile, error) {
			return domain.Profile{"role": "farmer"}, nil
		},
	}
	svc := newSvc(gw, store)
	rec := &recorder{held: make(chan struct{}), release: make(chan struct{})}
	svc.Subscribe(rec.observe)

	restored := make(chan domain.State)
	go func() { restored <- svc.Restore(context.Background()) }()
	<-rec.held

	loggedOut := make(chan struct{})
	go func() {
		svc.Logout(context.Background())
		close(loggedOut)
	}()
	select {
	case <-loggedOut:
	case <-time.After(2 * time.Second):
		t.Fatalf("logout blocked behind a slow subscriber")
	}

	close(rec.release)
	<-restored

	if svc.Snapshot().State() != domain.StateUnauthenticated {
		t.Fatalf("expected unauthenticated manager")
	}
	if got := rec.last(); got != domain.StateUnauthenticated {
		t.Fatalf("last notification = %s, want unauthenticated (all: %v)", got, rec.states)
	}
	want := []domain.State{domain.StateRestoring, domain.StateAuthenticated, domain.StateUnauthenticated}
	if len(rec.states) != len(want) {
		t.Fatalf("unexpected notifications: %v", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("unexpected notifications: %v", rec.states)
		}
	}
}

// blockingStore holds Save until released.
type blockingStore struct {
	stubStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Save(ctx context.Context, token string) error {
	close(s.entered)
	<-s.release
	return s.stubStore.Save(ctx, token)
}

func TestSessionService_SlowStoreDoesNotBlockReads(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "consumer"}, nil
		},
	}
	svc := NewSessionService(gw, store, zerolog.Nop())

	loggedIn := make(chan error)
	go func() {
		_, err := svc.Login(context.Background(), "a@b.com", "secret1")
		loggedIn <- err
	}()
	<-store.entered

	read := make(chan domain.State)
	go func() { read <- svc.Snapshot().State() }()
	select {
	case state := <-read:
		if state != domain.StateAuthenticated {
			t.Fatalf("expected authenticated while the token is being written, got %s", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("snapshot blocked behind the token store")
	}

	close(store.release)
	if err := <-loggedIn; err != nil {
		t.Fatalf("login: %v", err)
	}
	if store.stored() != "tok" {
		t.Fatalf("token not persisted")
	}
}

func TestSessionService_StoreEndsWithLatestChange(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "consumer"}, nil
		},
	}
	svc := NewSessionService(gw, store, zerolog.Nop())

	loggedIn := make(chan struct{})
	go func() {
		_, _ = svc.Login(context.Background(), "a@b.com", "secret1")
		close(loggedIn)
	}()
	<-store.entered

	// Logout commits while the login's write is still in progress.
	loggedOut := make(chan struct{})
	go func() {
		svc.Logout(context.Background())
		close(loggedOut)
	}()
	close(store.release)
	<-loggedIn
	<-loggedOut

	if store.stored() != "" {
		t.Fatalf("store should match the logout, got %q", store.stored())
	}
}

func TestSessionService_StartRestore_LoginTakesPrecedence(t *testing.T) {
	store := &stubStore{token: "stale"}
	started := make(chan struct{})
	release := make(chan struct{})
	gw := &stubGateway{
		profileFn: func(context.Context, string) (domain.Profile, error) {
			close(started)
			<-release
			return nil, &domain.RequestError{Kind: domain.KindRejected, Status: 401}
		},
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "fresh", domain.Profile{"role": "farmer"}, nil
		},
	}
	svc := newSvc(gw, store)

	restored := svc.StartRestore(context.Background())
	if svc.Snapshot().State() != domain.StateRestoring {
		t.Fatalf("expected restoring once StartRestore returns")
	}

	if _, err := svc.Login(context.Background(), "a@b.com", "secret1"); err != nil {
		t.Fatalf("login during restore should win, got %v", err)
	}
	<-started
	close(release)

	if state := <-restored; state != domain.StateAuthenticated {
		t.Fatalf("restore outcome should reflect the login, got %s", state)
	}
	if store.stored() != "fresh" {
		t.Fatalf("failed restore must not clear the login's token, got %q", store.stored())
	}
}

func TestSessionService_Restore_SkippedWhenSignedIn(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok", domain.Profile{"role": "admin"}, nil
		},
	}
	svc := newSvc(gw, store)
	if _, err := svc.Login(context.Background(), "a@b.com", "secret1"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if state := svc.Restore(context.Background()); state != domain.StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", state)
	}
	if gw.profileCalls != 0 {
		t.Fatalf("restore should not refetch while signed in")
	}
}

func TestSessionService_CorruptTokenFileRecovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	gw := &stubGateway{
		loginFn: func(context.Context, string, string) (string, domain.Profile, error) {
			return "tok-7", domain.Profile{"role": "farmer"}, nil
		},
		profileFn: func(_ context.Context, token string) (domain.Profile, error) {
			if token != "tok-7" {
				return nil, &domain.RequestError{Kind: domain.KindRejected, Status: 401}
			}
			return domain.Profile{"role": "farmer"}, nil
		},
	}

	first := NewSessionService(gw, file.NewTokenStore(path, "token", ""), zerolog.Nop())
	if state := first.Restore(context.Background()); state != domain.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", state)
	}
	if _, err := first.Login(context.Background(), "f@b.com", "secret1"); err != nil {
		t.Fatalf("login: %v", err)
	}

	reloaded := NewSessionService(gw, file.NewTokenStore(path, "token", ""), zerolog.Nop())
	if state := reloaded.Restore(context.Background()); state != domain.StateAuthenticated {
		t.Fatalf("expected authenticated after reload, got %s", state)
	}
	if got := reloaded.Snapshot().User.Role(); got != domain.RoleFarmer {
		t.Fatalf("unexpected role %q", got)
	}
}
