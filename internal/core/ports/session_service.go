package ports

import (
	"context"

	"github.com/agrimarket/web-client/internal/core/domain"
)

// SessionManager owns the authenticated-user lifecycle for the client.
// Network-facing operations return *domain.RequestError on failure.
type SessionManager interface {
	Restore(ctx context.Context) domain.State
	Login(ctx context.Context, email, password string) (domain.Profile, error)
	Register(ctx context.Context, fields map[string]any) (domain.Profile, error)
	LoginWithToken(ctx context.Context, token string) (domain.Profile, error)
	RequestOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, otp string) (domain.Profile, error)
	ForgotPassword(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, resetToken, password string) (string, error)
	Logout(ctx context.Context)
	UpdateUser(partial map[string]any)

	Snapshot() domain.Session
	IsAuthenticated() bool
	Subscribe(fn func(domain.Session)) (cancel func())

	// Do performs an authenticated backend call using the current token.
	Do(ctx context.Context, req ForwardRequest) (*ForwardResponse, error)
}
