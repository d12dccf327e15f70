package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"ncr-proxy-go/internal/model"
	"ncr-proxy-go/internal/service"
)

// RoutePrefix is the inbound path the relay is mounted on.
const RoutePrefix = "/api/ncr"

// relayFailure is the fixed 500 body for relay-internal failures.
type relayFailure struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	TargetURL  string `json:"targetUrl"`
	BackendURL string `json:"backendUrl"`
}

// RelayHandler forwards /api/ncr/* requests to the backend.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request to the backend and writes the backend's status
// and body back to the client.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	// The body limit middleware surfaces as a read error here.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}

	rr := &model.RelayRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Segments: pathSegments(req.URL),
		Query:    model.ParseQuery(req.URL.RawQuery),
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.service.Forward(rr)
	if err != nil {
		return h.mapError(c, err)
	}

	switch p := resp.Body.(type) {
	case model.JSONPayload:
		return c.JSONBlob(resp.StatusCode, p.Raw)
	case model.TextPayload:
		contentType := p.ContentType
		if contentType == "" {
			contentType = echo.MIMETextPlainCharsetUTF8
		}
		return c.Blob(resp.StatusCode, contentType, []byte(p.Text))
	default:
		return c.NoContent(resp.StatusCode)
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrBackendNotConfigured) {
		h.logger.Error("backend URL not configured", "path", path)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "Backend URL not configured",
			"message": service.MissingBackendMessage,
		})
	}

	body := relayFailure{
		Error:   "Failed to proxy request to backend",
		Message: err.Error(),
	}
	var kind service.FailureKind
	var re *service.RelayError
	if errors.As(err, &re) {
		kind = re.Kind
		body.Message = re.Err.Error()
		body.TargetURL = re.TargetURL
		body.BackendURL = re.BackendURL
	}

	h.logger.Error("error proxying request to backend",
		"err", err,
		"kind", kind,
		"path", path,
		"target_url", body.TargetURL,
		"backend_url", body.BackendURL,
	)
	return c.JSON(http.StatusInternalServerError, body)
}

// pathSegments splits the part of the path after RoutePrefix on raw slashes
// and unescapes each segment, so an encoded %2F stays inside its segment.
func pathSegments(u *url.URL) []string {
	rest := strings.TrimPrefix(u.EscapedPath(), RoutePrefix)
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return nil
	}
	segments := strings.Split(rest, "/")
	for i, s := range segments {
		if unescaped, err := url.PathUnescape(s); err == nil {
			segments[i] = unescaped
		}
	}
	return segments
}
