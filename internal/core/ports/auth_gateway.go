package ports

import (
	"context"
	"net/http"

	"github.com/agrimarket/web-client/internal/core/domain"
)

// AuthGateway is the backend's auth contract. Token-bearing calls take the
// token explicitly; no client-wide default header exists.
type AuthGateway interface {
	Login(ctx context.Context, email, password string) (string, domain.Profile, error)
	Register(ctx context.Context, fields map[string]any) (string, domain.Profile, error)
	Profile(ctx context.Context, token string) (domain.Profile, error)
	// Me resolves a token handed over by the OAuth callback.
	Me(ctx context.Context, token string) (domain.Profile, error)

	SendOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, otp string) (string, domain.Profile, error)

	ForgotPassword(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, resetToken, password string) (string, error)

	// Forward sends an arbitrary request to the backend with the given token.
	Forward(ctx context.Context, token string, req ForwardRequest) (*ForwardResponse, error)

	// Ping reports whether the backend answers at all.
	Ping(ctx context.Context) error
}

// ForwardRequest describes a backend call made on behalf of a UI consumer.
type ForwardRequest struct {
	Method string
	Path   string // relative to the backend base URL, including the query
	Header http.Header
	Body   []byte
}

// ForwardResponse is the raw backend reply to a ForwardRequest.
type ForwardResponse struct {
	Status int
	Header http.Header
	Body   []byte
}
