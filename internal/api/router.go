package api

import (
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	_ "github.com/agrimarket/web-client/docs"
	"github.com/agrimarket/web-client/internal/api/handler"
	"github.com/agrimarket/web-client/internal/api/middleware"
	"github.com/agrimarket/web-client/internal/core/ports"
	"github.com/agrimarket/web-client/internal/infrastructure/http/handlers"
)

const metricsNamespace = "webclient"

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Session ports.SessionManager
	// Readiness lists the dependencies probed by /health/ready.
	Readiness map[string]ports.Pinger
	Log       zerolog.Logger

	// Registry receives the HTTP metrics. Defaults to the global registry.
	Registry *prometheus.Registry
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(deps.Log)

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(requestLogger(deps.Log))
	e.Use(prometheusMiddleware(deps.Registry))
	e.Use(middleware.SameOrigin(true))

	// --- Session routes ---
	sessionHandler := handler.NewSessionHandler(deps.Session)

	s := e.Group("/session")
	s.GET("", sessionHandler.Get)
	s.POST("/login", sessionHandler.Login)
	s.POST("/register", sessionHandler.Register)
	s.POST("/otp/send", sessionHandler.SendOTP)
	s.POST("/otp/verify", sessionHandler.VerifyOTP)
	s.GET("/oauth/callback", sessionHandler.OAuthCallback)
	s.POST("/password/forgot", sessionHandler.ForgotPassword)
	s.POST("/password/reset/:token", sessionHandler.ResetPassword)
	s.POST("/logout", sessionHandler.Logout)
	s.PATCH("/user", sessionHandler.UpdateUser)

	// --- Authenticated backend calls ---
	proxyHandler := handler.NewProxyHandler(deps.Session)
	// Reads are guarded too: they carry the user's token.
	e.Any("/backend/*", proxyHandler.Forward,
		middleware.SameOrigin(false),
		middleware.RequireSession(deps.Session),
	)

	// --- Health probes (no auth required) ---
	healthHandler := handlers.NewHealthHandler()
	healthDepsHandler := handlers.NewHealthDependenciesHandler(deps.Readiness)

	e.GET("/health", healthHandler.Liveness)            // liveness  – is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness – are dependencies up?

	// --- Operations ---
	e.GET("/metrics", metricsHandler(deps.Registry))
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	return e
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			evt := log.Info()
			if v.Error != nil {
				evt = log.Warn().Err(v.Error)
			}
			evt.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}

func prometheusMiddleware(reg *prometheus.Registry) echo.MiddlewareFunc {
	cfg := echoprometheus.MiddlewareConfig{Namespace: metricsNamespace}
	if reg != nil {
		cfg.Registerer = reg
	}
	return echoprometheus.NewMiddlewareWithConfig(cfg)
}

func metricsHandler(reg *prometheus.Registry) echo.HandlerFunc {
	if reg == nil {
		return echoprometheus.NewHandler()
	}
	return echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg})
}
