package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/agrimarket/web-client/internal/api/metrics"
	"github.com/agrimarket/web-client/internal/core/ports"
)

// maxForwardBody caps the request body relayed to the backend.
const maxForwardBody = 10 << 20

// Inbound headers the shell never relays; the session supplies credentials.
var strippedHeaders = []string{"Authorization", "Cookie", "Host", echo.HeaderContentLength}

// ProxyHandler relays UI calls to the backend with the session's token.
type ProxyHandler struct {
	session ports.SessionManager
}

func NewProxyHandler(session ports.SessionManager) *ProxyHandler {
	return &ProxyHandler{session: session}
}

// Forward relays the request under /backend/* to the same path on the
// backend.
//
// @Summary      Authenticated backend call
// @Tags         backend
// @Param        path  path  string  true  "Backend path"
// @Success      200
// @Failure      401  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /backend/{path} [get]
func (h *ProxyHandler) Forward(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxForwardBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	header := c.Request().Header.Clone()
	for _, k := range strippedHeaders {
		header.Del(k)
	}

	path := "/" + c.Param("*")
	if q := c.QueryString(); q != "" {
		path += "?" + q
	}

	resp, err := h.session.Do(c.Request().Context(), ports.ForwardRequest{
		Method: c.Request().Method,
		Path:   path,
		Header: header,
		Body:   body,
	})
	if err != nil {
		metrics.ForwardedRequestsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ForwardedRequestsTotal.WithLabelValues(strconv.Itoa(resp.Status)).Inc()

	for k, vv := range resp.Header {
		if k == echo.HeaderContentLength {
			continue
		}
		for _, v := range vv {
			c.Response().Header().Add(k, v)
		}
	}
	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(resp.Status, contentType, resp.Body)
}
