package service

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/agrimarket/web-client/internal/core/domain"
	"github.com/agrimarket/web-client/internal/core/ports"
)

// SessionService implements ports.SessionManager.
//
// State changes happen under mu. Network calls run outside it and are applied
// only when the generation captured before the call is still current, so a
// response that arrives after a logout (or a newer login) is dropped.
//
// Each committed change queues a snapshot in the outbox; one goroutine at a
// time drains it, so subscribers observe changes in commit order. Token
// store writes also happen outside mu: a change records the token the store
// should hold and syncStore writes the latest recorded value.
type SessionService struct {
	gateway ports.AuthGateway
	store   ports.TokenStore
	log     zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	session    domain.Session
	generation uint64
	subs       map[int]func(domain.Session)
	nextSubID  int
	outbox     []domain.Session
	delivering bool
	storeSeq   uint64
	storeToken string

	storeMu   sync.Mutex
	syncedSeq uint64
}

var _ ports.SessionManager = (*SessionService)(nil)

// NewSessionService returns an empty (unauthenticated) session manager.
func NewSessionService(gateway ports.AuthGateway, store ports.TokenStore, log zerolog.Logger) *SessionService {
	return &SessionService{
		gateway: gateway,
		store:   store,
		log:     log,
		now:     time.Now,
		subs:    make(map[int]func(domain.Session)),
	}
}

// Restore re-establishes the session from the persisted token. Failures are
// not reported: the session falls back to unauthenticated and the stale token
// is removed.
func (s *SessionService) Restore(ctx context.Context) domain.State {
	return <-s.StartRestore(ctx)
}

// StartRestore reads the persisted token and, when there is one, enters
// restoring before it returns. The profile fetch continues in the background
// and the resulting state is sent on the returned channel. Operations started
// after StartRestore returns take precedence over the restore.
//
// Restoring is skipped while a user is signed in.
func (s *SessionService) StartRestore(ctx context.Context) <-chan domain.State {
	out := make(chan domain.State, 1)
	if s.IsAuthenticated() {
		out <- domain.StateAuthenticated
		return out
	}

	token, err := s.store.Load(ctx)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("could not read persisted token, discarding it")
		out <- s.discardStored(ctx)
		return out
	case token == "":
		s.log.Debug().Msg("no persisted token")
		out <- s.Snapshot().State()
		return out
	case tokenExpired(token, s.now()):
		s.log.Info().Msg("persisted token expired, discarded")
		out <- s.discardStored(ctx)
		return out
	}

	s.mu.Lock()
	if s.session.User != nil {
		s.mu.Unlock()
		out <- domain.StateAuthenticated
		return out
	}
	s.generation++
	gen := s.generation
	s.session = domain.Session{Token: token, Loading: true}
	s.publishLocked()
	s.mu.Unlock()
	s.flush()

	go func() { out <- s.finishRestore(ctx, gen, token) }()
	return out
}

// discardStored clears an unusable persisted token unless a user signed in
// meanwhile.
func (s *SessionService) discardStored(ctx context.Context) domain.State {
	s.mu.Lock()
	if s.session.User != nil {
		s.mu.Unlock()
		return domain.StateAuthenticated
	}
	s.wantStoredLocked("")
	s.mu.Unlock()
	s.persist(ctx, "could not clear persisted token")
	return domain.StateUnauthenticated
}

func (s *SessionService) finishRestore(ctx context.Context, gen uint64, token string) domain.State {
	profile, err := s.gateway.Profile(ctx, token)

	s.mu.Lock()
	if s.generation != gen {
		state := s.session.State()
		s.mu.Unlock()
		s.log.Debug().Str("state", string(state)).Msg("profile restore superseded, response ignored")
		return state
	}
	if err != nil {
		s.session = domain.Session{}
		s.wantStoredLocked("")
		s.publishLocked()
		s.mu.Unlock()
		s.flush()
		s.persist(ctx, "could not clear persisted token")
		s.log.Info().Err(err).Msg("profile restore failed, session cleared")
		return domain.StateUnauthenticated
	}
	if profile == nil {
		profile = domain.Profile{}
	}
	s.session = domain.Session{Token: token, User: profile.Clone()}
	s.publishLocked()
	s.mu.Unlock()
	s.flush()

	s.log.Info().Str("role", string(profile.Role())).Msg("session restored")
	return domain.StateAuthenticated
}

// Login authenticates with email and password.
func (s *SessionService) Login(ctx context.Context, email, password string) (domain.Profile, error) {
	gen := s.currentGeneration()
	token, profile, err := s.gateway.Login(ctx, email, password)
	return s.establish(ctx, gen, "password", token, profile, err, domain.MsgLoginFailed)
}

// Register creates an account; fields are forwarded to the backend as-is.
func (s *SessionService) Register(ctx context.Context, fields map[string]any) (domain.Profile, error) {
	gen := s.currentGeneration()
	token, profile, err := s.gateway.Register(ctx, fields)
	return s.establish(ctx, gen, "register", token, profile, err, domain.MsgRegisterFailed)
}

// LoginWithToken adopts a token issued by the backend's OAuth callback.
func (s *SessionService) LoginWithToken(ctx context.Context, token string) (domain.Profile, error) {
	if token == "" {
		return nil, &domain.RequestError{Kind: domain.KindRejected, Message: domain.MsgOAuthFailed}
	}
	gen := s.currentGeneration()
	profile, err := s.gateway.Me(ctx, token)
	return s.establish(ctx, gen, "oauth", token, profile, err, domain.MsgOAuthFailed)
}

// RequestOTP asks the backend to send a one-time code. Session is untouched.
func (s *SessionService) RequestOTP(ctx context.Context, phone string) error {
	if err := s.gateway.SendOTP(ctx, phone); err != nil {
		return domain.AsRequestError(err, domain.MsgOTPSendFailed)
	}
	return nil
}

// VerifyOTP completes an OTP login.
func (s *SessionService) VerifyOTP(ctx context.Context, phone, otp string) (domain.Profile, error) {
	gen := s.currentGeneration()
	token, profile, err := s.gateway.VerifyOTP(ctx, phone, otp)
	return s.establish(ctx, gen, "otp", token, profile, err, domain.MsgOTPFailed)
}

// ForgotPassword requests a reset link and returns the backend's message.
func (s *SessionService) ForgotPassword(ctx context.Context, email string) (string, error) {
	msg, err := s.gateway.ForgotPassword(ctx, email)
	if err != nil {
		return "", domain.AsRequestError(err, domain.MsgPasswordForgotFail)
	}
	return msg, nil
}

// ResetPassword sets a new password using an emailed reset token.
func (s *SessionService) ResetPassword(ctx context.Context, resetToken, password string) (string, error) {
	msg, err := s.gateway.ResetPassword(ctx, resetToken, password)
	if err != nil {
		return "", domain.AsRequestError(err, domain.MsgPasswordResetFail)
	}
	return msg, nil
}

// Logout clears the session and the persisted token. It never fails.
func (s *SessionService) Logout(ctx context.Context) {
	if wasAuthenticated := s.reset(ctx, true); wasAuthenticated {
		s.log.Info().Msg("logged out")
	}
}

// reset moves to unauthenticated, invalidating any in-flight response.
func (s *SessionService) reset(ctx context.Context, clearStore bool) (wasAuthenticated bool) {
	s.mu.Lock()
	wasAuthenticated = s.session.User != nil
	s.generation++
	s.session = domain.Session{}
	if clearStore {
		s.wantStoredLocked("")
	}
	s.publishLocked()
	s.mu.Unlock()
	s.flush()

	if clearStore {
		s.persist(ctx, "could not clear persisted token")
	}
	return wasAuthenticated
}

// UpdateUser shallow-merges partial into the current profile. It does not
// call the backend and is a no-op when logged out.
func (s *SessionService) UpdateUser(partial map[string]any) {
	s.mu.Lock()
	if s.session.User == nil {
		s.mu.Unlock()
		return
	}
	s.session.User = s.session.User.Merge(partial)
	s.publishLocked()
	s.mu.Unlock()
	s.flush()
}

// Snapshot returns a copy of the current session.
func (s *SessionService) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// IsAuthenticated reports whether a profile is held.
func (s *SessionService) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.User != nil
}

// Subscribe registers fn to receive every published snapshot in commit
// order. Calls never overlap; fn may call back into the manager.
func (s *SessionService) Subscribe(fn func(domain.Session)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Do sends req to the backend with the current bearer token.
func (s *SessionService) Do(ctx context.Context, req ports.ForwardRequest) (*ports.ForwardResponse, error) {
	s.mu.Lock()
	token, ok := s.session.Token, s.session.User != nil
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotAuthenticated
	}
	return s.gateway.Forward(ctx, token, req)
}

// establish applies a successful token-issuing response, or converts the
// failure into a RequestError. The session is left untouched on failure.
func (s *SessionService) establish(
	ctx context.Context,
	gen uint64,
	method string,
	token string,
	profile domain.Profile,
	err error,
	fallback string,
) (domain.Profile, error) {
	if err != nil {
		re := domain.AsRequestError(err, fallback)
		s.log.Info().Str("method", method).Str("kind", string(re.Kind)).Int("status", re.Status).Msg("authentication failed")
		return nil, re
	}
	if token == "" {
		s.log.Warn().Str("method", method).Msg("backend reported success without a token")
		return nil, &domain.RequestError{Kind: domain.KindMalformed, Message: fallback, Err: domain.ErrMalformedResponse}
	}
	if profile == nil {
		profile = domain.Profile{}
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Info().Str("method", method).Msg("authentication superseded, response ignored")
		return nil, &domain.RequestError{Kind: domain.KindSuperseded, Message: domain.MsgSessionChanged, Err: domain.ErrSessionSuperseded}
	}
	s.generation++
	s.session = domain.Session{Token: token, User: profile.Clone()}
	s.wantStoredLocked(token)
	s.publishLocked()
	s.mu.Unlock()
	s.flush()
	s.persist(ctx, "could not persist token, session will not survive a restart")

	if !profile.Role().Valid() {
		s.log.Warn().Str("method", method).Str("role", string(profile.Role())).Msg("authenticated with unknown role")
	}
	s.log.Info().Str("method", method).Str("role", string(profile.Role())).Msg("authenticated")
	return profile.Clone(), nil
}

func (s *SessionService) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *SessionService) snapshotLocked() domain.Session {
	return domain.Session{
		Token:   s.session.Token,
		User:    s.session.User.Clone(),
		Loading: s.session.Loading,
	}
}

// publishLocked queues the current snapshot for subscribers. The caller
// must call flush after releasing mu.
func (s *SessionService) publishLocked() {
	s.outbox = append(s.outbox, s.snapshotLocked())
}

// flush delivers queued snapshots in order. If another goroutine is already
// delivering, flush returns at once and that goroutine delivers ours too.
func (s *SessionService) flush() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true

	for len(s.outbox) > 0 {
		snap := s.outbox[0]
		s.outbox = s.outbox[1:]
		subs := make([]func(domain.Session), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}

		s.mu.Unlock()
		for _, fn := range subs {
			fn(snap)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// wantStoredLocked records the token the store should hold; "" means none.
func (s *SessionService) wantStoredLocked(token string) {
	s.storeSeq++
	s.storeToken = token
}

// syncStore writes the most recently recorded token to the store. A write
// for an older change is never applied after a newer one.
func (s *SessionService) syncStore(ctx context.Context) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	s.mu.Lock()
	seq, token := s.storeSeq, s.storeToken
	s.mu.Unlock()
	if seq == s.syncedSeq {
		return nil
	}

	var err error
	if token == "" {
		err = s.store.Clear(ctx)
	} else {
		err = s.store.Save(ctx, token)
	}
	if err != nil {
		return err
	}
	s.syncedSeq = seq
	return nil
}

func (s *SessionService) persist(ctx context.Context, failure string) {
	if err := s.syncStore(ctx); err != nil {
		s.log.Warn().Err(err).Msg(failure)
	}
}

// tokenExpired reads the exp claim of a JWT without verifying it. Opaque or
// unparsable tokens are never considered expired; the backend decides.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}
