// Package service implements the core relay forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"ncr-proxy-go/internal/client"
	"ncr-proxy-go/internal/config"
	"ncr-proxy-go/internal/metrics"
	"ncr-proxy-go/internal/model"
)

// ErrBackendNotConfigured is returned when no backend origin is configured.
var ErrBackendNotConfigured = errors.New("backend URL not configured")

// MissingBackendMessage tells operators which variables supply the origin.
var MissingBackendMessage = strings.Join(config.BackendEnvKeys, " or ") + " environment variable must be set"

const (
	// APIPrefix is the namespace prepended to the joined path segments.
	APIPrefix = "/api/ncr/"

	// ReservedQueryKey carries the wildcard segments and is never forwarded.
	ReservedQueryKey = "params"

	defaultContentType = "application/json"
)

// FailureKind classifies a relay-internal failure.
type FailureKind string

// Failure kinds.
const (
	FailureRequest   FailureKind = "request"   // outbound body could not be built
	FailureTransport FailureKind = "transport" // network, DNS or timeout
	FailureDecode    FailureKind = "decode"    // response body unreadable or not parseable
)

// RelayError is a failure of the relay itself, as opposed to a backend status.
type RelayError struct {
	Kind       FailureKind
	TargetURL  string
	BackendURL string
	Err        error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s failure: %v", e.Kind, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// RelayService forwards requests to the configured backend.
type RelayService struct {
	client     *client.BackendClient
	backendURL string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:     c,
		backendURL: cfg.Backend.BaseURL,
		logger:     logger.With("component", "relay_service"),
		metrics:    m,
	}
}

// Forward relays rr to the backend and returns the response to write back.
//
// ErrBackendNotConfigured is returned before any network activity when the
// origin is unset. Any other error is a *RelayError. Backend error statuses
// are not errors; they come back in the response unchanged.
func (s *RelayService) Forward(rr *model.RelayRequest) (*model.RelayResponse, error) {
	if s.backendURL == "" {
		return nil, ErrBackendNotConfigured
	}

	targetURL := s.buildTargetURL(rr.Segments, rr.Query)
	header := buildRequestHeaders(rr.Header)

	var body io.Reader
	if hasForwardableBody(rr.Method, rr.Header.Get("Content-Type"), rr.Body) {
		encoded, err := encodeRequestBody(rr.Header.Get("Content-Type"), rr.Body)
		if err != nil {
			return nil, s.fail(FailureRequest, targetURL, fmt.Errorf("encode request body: %w", err))
		}
		body = bytes.NewReader(encoded)
	}

	ctx := rr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Debug("forwarding request",
		"method", rr.Method,
		"target_url", targetURL,
		"has_body", body != nil,
	)

	resp, err := s.client.DoStream(ctx, rr.Method, targetURL, header, body)
	if errors.Is(err, client.ErrBuildRequest) {
		return nil, s.fail(FailureRequest, targetURL, err)
	}
	if err != nil {
		return nil, s.fail(FailureTransport, targetURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := decodeResponseBody(rr.Method, resp)
	if err != nil {
		return nil, s.fail(FailureDecode, targetURL, err)
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Body:       payload,
	}, nil
}

func (s *RelayService) fail(kind FailureKind, targetURL string, err error) *RelayError {
	if s.metrics != nil {
		s.metrics.RelayFailures.WithLabelValues(string(kind)).Inc()
	}
	return &RelayError{
		Kind:       kind,
		TargetURL:  targetURL,
		BackendURL: s.backendURL,
		Err:        err,
	}
}

// buildTargetURL joins the segments verbatim under APIPrefix and appends the
// forwarded query, if any. Only stray '%' bytes are escaped.
func (s *RelayService) buildTargetURL(segments []string, query model.Query) string {
	target := s.backendURL + APIPrefix + escapeStrayPercent(strings.Join(segments, "/"))
	if qs := query.Without(ReservedQueryKey).Encode(); qs != "" {
		target += "?" + qs
	}
	return target
}

// buildRequestHeaders applies the outbound allowlist: a JSON content type
// baseline, then Authorization and Content-Type from the client.
func buildRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	dst.Set("Content-Type", defaultContentType)
	if v := src.Get("Authorization"); v != "" {
		dst.Set("Authorization", v)
	}
	if v := src.Get("Content-Type"); v != "" {
		dst.Set("Content-Type", v)
	}
	return dst
}

// hasForwardableBody reports whether the method may carry a body and the
// client actually sent one. A JSON body whose value is null, false, zero or
// the empty string counts as absent.
func hasForwardableBody(method, contentType string, body []byte) bool {
	if method == http.MethodGet || method == http.MethodHead {
		return false
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	if isJSONMediaType(mediaType(contentType)) {
		return !isFalsyJSON(trimmed)
	}
	return true
}

// escapeStrayPercent rewrites every '%' not followed by two hex digits as
// "%25" and leaves everything else untouched, so a decoded "100%" still
// makes a parseable request target.
func escapeStrayPercent(path string) string {
	if !strings.Contains(path, "%") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path) + 4)
	for i := 0; i < len(path); i++ {
		if path[i] == '%' && (i+2 >= len(path) || !isHex(path[i+1]) || !isHex(path[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(path[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
