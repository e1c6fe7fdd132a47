// Package backend implements ports.AuthGateway against the marketplace REST
// API. Every request carries its own Authorization header; the client holds
// no session state.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrimarket/web-client/internal/core/domain"
	"github.com/agrimarket/web-client/internal/core/ports"
)

const (
	pathLogin          = "/api/auth/login"
	pathRegister       = "/api/auth/register"
	pathProfile        = "/api/auth/profile"
	pathMe             = "/api/auth/me"
	pathSendOTP        = "/api/auth/send-otp"
	pathVerifyOTP      = "/api/auth/verify-otp"
	pathForgotPassword = "/api/auth/forgot-password"
	pathResetPassword  = "/api/auth/reset-password/"

	maxBodyBytes = 10 << 20
)

// hopHeaders are not copied onto forwarded requests or responses.
var hopHeaders = map[string]struct{}{
	"Authorization":     {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
	"Content-Length":    {},
	"Cookie":            {},
	"Host":              {},
}

// Client talks to the backend over HTTP.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     zerolog.Logger
}

var _ ports.AuthGateway = (*Client)(nil)

// New returns a Client for baseURL. A nil httpClient uses one without a
// timeout; callers bound requests with their context.
func New(baseURL string, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: base url %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: u, http: httpClient, log: log}, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.baseURL.String() }

func (c *Client) Login(ctx context.Context, email, password string) (string, domain.Profile, error) {
	body := map[string]string{"email": email, "password": password}
	return c.authenticate(ctx, pathLogin, body, domain.MsgLoginFailed)
}

func (c *Client) Register(ctx context.Context, fields map[string]any) (string, domain.Profile, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return c.authenticate(ctx, pathRegister, fields, domain.MsgRegisterFailed)
}

func (c *Client) VerifyOTP(ctx context.Context, phone, otp string) (string, domain.Profile, error) {
	body := map[string]string{"phone": phone, "otp": otp}
	return c.authenticate(ctx, pathVerifyOTP, body, domain.MsgOTPFailed)
}

func (c *Client) Profile(ctx context.Context, token string) (domain.Profile, error) {
	status, raw, err := c.do(ctx, http.MethodGet, pathProfile, token, nil)
	if err != nil {
		return nil, err
	}
	if !ok(status) {
		return nil, failure(status, raw, domain.MsgRequestFailed)
	}
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	return profileFrom(fields), nil
}

// meResponse is the shape of GET /api/auth/me.
type meResponse struct {
	Success bool           `json:"success"`
	User    map[string]any `json:"user"`
	Message string         `json:"message"`
}

func (c *Client) Me(ctx context.Context, token string) (domain.Profile, error) {
	status, raw, err := c.do(ctx, http.MethodGet, pathMe, token, nil)
	if err != nil {
		return nil, err
	}
	if !ok(status) {
		return nil, failure(status, raw, domain.MsgOAuthFailed)
	}

	var resp meResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.RequestError{Kind: domain.KindMalformed, Status: status, Message: domain.MsgOAuthFailed, Err: err}
	}
	if !resp.Success || resp.User == nil {
		msg := resp.Message
		if msg == "" {
			msg = domain.MsgOAuthFailed
		}
		return nil, &domain.RequestError{Kind: domain.KindRejected, Status: http.StatusUnauthorized, Message: msg}
	}
	return domain.Profile(resp.User), nil
}

func (c *Client) SendOTP(ctx context.Context, phone string) error {
	status, raw, err := c.do(ctx, http.MethodPost, pathSendOTP, "", map[string]string{"phone": phone})
	if err != nil {
		return err
	}
	if !ok(status) {
		return failure(status, raw, domain.MsgOTPSendFailed)
	}
	return nil
}

func (c *Client) ForgotPassword(ctx context.Context, email string) (string, error) {
	return c.message(ctx, pathForgotPassword, map[string]string{"email": email}, domain.MsgPasswordForgotFail)
}

func (c *Client) ResetPassword(ctx context.Context, resetToken, password string) (string, error) {
	path := pathResetPassword + url.PathEscape(resetToken)
	return c.message(ctx, path, map[string]string{"password": password}, domain.MsgPasswordResetFail)
}

// Forward relays req to the backend with token as the bearer credential.
func (c *Client) Forward(ctx context.Context, token string, req ports.ForwardRequest) (*ports.ForwardResponse, error) {
	target, err := c.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	copyHeaders(httpReq.Header, req.Header)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.RequestError{Kind: domain.KindUnreachable, Message: domain.MsgRequestFailed, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.RequestError{Kind: domain.KindUnreachable, Status: resp.StatusCode, Message: domain.MsgRequestFailed, Err: err}
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("forwarded request")

	out := &ports.ForwardResponse{Status: resp.StatusCode, Header: http.Header{}, Body: raw}
	copyHeaders(out.Header, resp.Header)
	return out, nil
}

// Ping succeeds when the backend returns any HTTP response.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend ping: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// authenticate posts body to a token-issuing endpoint.
func (c *Client) authenticate(ctx context.Context, path string, body any, fallback string) (string, domain.Profile, error) {
	status, raw, err := c.do(ctx, http.MethodPost, path, "", body)
	if err != nil {
		return "", nil, err
	}
	if !ok(status) {
		return "", nil, failure(status, raw, fallback)
	}

	fields, err := decodeObject(raw)
	if err != nil {
		return "", nil, err
	}
	token, _ := fields["token"].(string)
	if token == "" {
		return "", nil, &domain.RequestError{Kind: domain.KindMalformed, Status: status, Message: fallback, Err: domain.ErrMalformedResponse}
	}
	return token, profileFrom(fields), nil
}

// message posts body and returns the backend's message field.
func (c *Client) message(ctx context.Context, path string, body any, fallback string) (string, error) {
	status, raw, err := c.do(ctx, http.MethodPost, path, "", body)
	if err != nil {
		return "", err
	}
	if !ok(status) {
		return "", failure(status, raw, fallback)
	}
	// The message is informational; an odd body still counts as success.
	var resp struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.Debug().Err(err).Str("path", path).Int("status", status).Msg("undecodable message body")
	}
	return resp.Message, nil
}

// do sends a JSON request and returns the status and raw body. Transport
// failures come back as an unreachable RequestError.
func (c *Client) do(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	target, err := c.resolve(path)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("backend: encode body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend unreachable")
		return 0, nil, &domain.RequestError{Kind: domain.KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, &domain.RequestError{Kind: domain.KindUnreachable, Status: resp.StatusCode, Err: err}
	}

	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend call")
	return resp.StatusCode, raw, nil
}

func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("backend: parse path %q: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("backend: path %q must be relative", path)
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func ok(status int) bool { return status >= 200 && status < 300 }

// failure turns a non-2xx reply into a rejected RequestError, preferring the
// backend's own message.
func failure(status int, raw []byte, fallback string) *domain.RequestError {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := fallback
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			msg = body.Message
		case body.Error != "":
			msg = body.Error
		}
	}
	return &domain.RequestError{Kind: domain.KindRejected, Status: status, Message: msg}
}

func decodeObject(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		if err == nil {
			err = domain.ErrMalformedResponse
		}
		return nil, &domain.RequestError{Kind: domain.KindMalformed, Err: err}
	}
	return fields, nil
}

// profileFrom extracts the profile from a success body: a nested "user"
// object when present, otherwise the body itself without the token.
func profileFrom(fields map[string]any) domain.Profile {
	if nested, ok := fields["user"].(map[string]any); ok {
		return domain.Profile(nested)
	}
	profile := make(domain.Profile, len(fields))
	for k, v := range fields {
		if k == "token" {
			continue
		}
		profile[k] = v
	}
	return profile
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
