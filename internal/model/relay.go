// Package model defines shared types for the relay.
package model

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// RelayRequest represents a client request to be forwarded to the backend.
type RelayRequest struct {
	Ctx      context.Context
	Method   string
	Segments []string // wildcard path segments, already unescaped
	Query    Query
	Header   http.Header
	Body     []byte // nil or empty when the client sent no body
}

// RelayResponse is the backend's answer as it will be written to the client.
type RelayResponse struct {
	StatusCode int
	Body       Payload
}

// Payload is the relayed response body. It is either a JSONPayload or a
// TextPayload, selected by the backend's declared content type.
type Payload interface {
	payload()
}

// JSONPayload is a backend body that was declared and parsed as JSON.
type JSONPayload struct {
	Raw json.RawMessage
}

// TextPayload is any other backend body, relayed unmodified.
type TextPayload struct {
	Text        string
	ContentType string // as declared by the backend; may be empty
}

func (JSONPayload) payload() {}
func (TextPayload) payload() {}

// BackendResponse represents the raw upstream response.
// The caller is responsible for closing Body.
type BackendResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
