package handler

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/agrimarket/web-client/internal/api/metrics"
	"github.com/agrimarket/web-client/internal/core/domain"
	"github.com/agrimarket/web-client/internal/core/ports"
)

// oauthFailedPath is where a failed OAuth hand-over lands.
const oauthFailedPath = "/login?error=oauth_failed"

type SessionHandler struct {
	session ports.SessionManager
}

func NewSessionHandler(session ports.SessionManager) *SessionHandler {
	return &SessionHandler{session: session}
}

type loginRequest struct {
	Email    string `json:"email"    validate:"required"`
	Password string `json:"password" validate:"required"`
}

type otpSendRequest struct {
	Phone string `json:"phone" validate:"required"`
}

type otpVerifyRequest struct {
	Phone string `json:"phone" validate:"required"`
	OTP   string `json:"otp"   validate:"required"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required"`
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	State         domain.State   `json:"state"`
	Authenticated bool           `json:"authenticated"`
	Loading       bool           `json:"loading"`
	User          domain.Profile `json:"user"`
}

type authResponse struct {
	User     domain.Profile `json:"user"`
	Redirect string         `json:"redirect"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Get returns the current session. The token is never exposed.
//
// @Summary      Current session
// @Tags         session
// @Produce      json
// @Success      200  {object}  sessionResponse
// @Router       /session [get]
func (h *SessionHandler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, toSessionResponse(h.session.Snapshot()))
}

// Login authenticates with email and password.
//
// @Summary      Login
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Login credentials"
// @Success      200   {object}  authResponse
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      502   {object}  map[string]string
// @Router       /session/login [post]
func (h *SessionHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	user, err := h.session.Login(c.Request().Context(), req.Email, req.Password)
	metrics.AuthAttemptsTotal.WithLabelValues("password", metrics.Outcome(err)).Inc()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAuthResponse(user))
}

// Register creates an account. The body is forwarded to the backend as-is.
//
// @Summary      Register
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      object  true  "Registration fields"
// @Success      200   {object}  authResponse
// @Failure      400   {object}  map[string]string
// @Failure      502   {object}  map[string]string
// @Router       /session/register [post]
func (h *SessionHandler) Register(c echo.Context) error {
	fields, err := bindObject(c)
	if err != nil {
		return err
	}

	user, err := h.session.Register(c.Request().Context(), fields)
	metrics.AuthAttemptsTotal.WithLabelValues("register", metrics.Outcome(err)).Inc()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAuthResponse(user))
}

// SendOTP asks the backend to text a one-time code.
//
// @Summary      Send OTP
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      otpSendRequest  true  "Phone number"
// @Success      204
// @Failure      400   {object}  map[string]string
// @Router       /session/otp/send [post]
func (h *SessionHandler) SendOTP(c echo.Context) error {
	var req otpSendRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.session.RequestOTP(c.Request().Context(), req.Phone); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// VerifyOTP completes an OTP login.
//
// @Summary      Verify OTP
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      otpVerifyRequest  true  "Phone and code"
// @Success      200   {object}  authResponse
// @Failure      400   {object}  map[string]string
// @Router       /session/otp/verify [post]
func (h *SessionHandler) VerifyOTP(c echo.Context) error {
	var req otpVerifyRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	user, err := h.session.VerifyOTP(c.Request().Context(), req.Phone, req.OTP)
	metrics.AuthAttemptsTotal.WithLabelValues("otp", metrics.Outcome(err)).Inc()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAuthResponse(user))
}

// OAuthCallback adopts the token the backend hands over after Google sign-in
// and redirects to the role's landing page.
//
// @Summary      OAuth callback
// @Tags         session
// @Param        token  query  string  true  "Backend-issued token"
// @Success      302
// @Router       /session/oauth/callback [get]
func (h *SessionHandler) OAuthCallback(c echo.Context) error {
	user, err := h.session.LoginWithToken(c.Request().Context(), c.QueryParam("token"))
	metrics.AuthAttemptsTotal.WithLabelValues("oauth", metrics.Outcome(err)).Inc()
	if err != nil {
		c.Logger().Warnf("oauth hand-over failed: %v", err)
		return c.Redirect(http.StatusFound, oauthFailedPath)
	}
	return c.Redirect(http.StatusFound, domain.LandingPath(user.Role()))
}

// ForgotPassword requests a password reset link.
//
// @Summary      Forgot password
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      forgotPasswordRequest  true  "Account email"
// @Success      200   {object}  messageResponse
// @Router       /session/password/forgot [post]
func (h *SessionHandler) ForgotPassword(c echo.Context) error {
	var req forgotPasswordRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	msg, err := h.session.ForgotPassword(c.Request().Context(), req.Email)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Message: msg})
}

// ResetPassword sets a new password with an emailed reset token.
//
// @Summary      Reset password
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        token  path      string                true  "Reset token"
// @Param        body   body      resetPasswordRequest  true  "New password"
// @Success      200    {object}  messageResponse
// @Router       /session/password/reset/{token} [post]
func (h *SessionHandler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	token, err := url.PathUnescape(c.Param("token"))
	if err != nil || token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reset token is required")
	}
	msg, err := h.session.ResetPassword(c.Request().Context(), token, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Message: msg})
}

// Logout ends the session. It always succeeds.
//
// @Summary      Logout
// @Tags         session
// @Success      204
// @Router       /session/logout [post]
func (h *SessionHandler) Logout(c echo.Context) error {
	h.session.Logout(c.Request().Context())
	metrics.LogoutsTotal.Inc()
	return c.NoContent(http.StatusNoContent)
}

// UpdateUser merges the body into the cached profile without calling the
// backend.
//
// @Summary      Update cached profile
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      object  true  "Profile fields"
// @Success      200   {object}  map[string]interface{}
// @Failure      401   {object}  map[string]string
// @Router       /session/user [patch]
func (h *SessionHandler) UpdateUser(c echo.Context) error {
	if !h.session.IsAuthenticated() {
		return domain.ErrNotAuthenticated
	}
	fields, err := bindObject(c)
	if err != nil {
		return err
	}
	h.session.UpdateUser(fields)
	return c.JSON(http.StatusOK, h.session.Snapshot().User)
}

func toSessionResponse(s domain.Session) sessionResponse {
	return sessionResponse{
		State:         s.State(),
		Authenticated: s.IsAuthenticated(),
		Loading:       s.Loading,
		User:          s.User,
	}
}

func toAuthResponse(user domain.Profile) authResponse {
	return authResponse{User: user, Redirect: domain.LandingPath(user.Role())}
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// bindObject decodes a free-form JSON object body.
func bindObject(c echo.Context) (map[string]any, error) {
	var fields map[string]any
	if err := (&echo.DefaultBinder{}).BindBody(c, &fields); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
