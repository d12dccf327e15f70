package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"ncr-proxy-go/internal/client"
	"ncr-proxy-go/internal/config"
	"ncr-proxy-go/internal/service"
)

func newTestRelayHandler(backendURL string) *RelayHandler {
	cfg := &config.Config{
		Backend: config.BackendConfig{BaseURL: backendURL},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bc := client.NewBackendClient(cfg, logger, nil)
	svc := service.NewRelayService(bc, cfg, logger, nil)
	return NewRelayHandler(svc, logger)
}

// serve routes req through a fresh Echo instance with only the relay mounted.
func serve(h *RelayHandler, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	e.Any(RoutePrefix+"/*", h.Handle)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRelayHandler_Handle_JSON(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ncr/test/create-product" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/api/ncr/test/create-product")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	h := newTestRelayHandler(backend.URL)
	req := httptest.NewRequest(http.MethodGet, "/api/ncr/test/create-product", http.NoBody)
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got := rec.Body.String(); got != `{"ok":true}` {
		t.Errorf("body = %q, want %q", got, `{"ok":true}`)
	}
}

func TestRelayHandler_Handle_TextNotFound(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	}))
	defer backend.Close()

	h := newTestRelayHandler(backend.URL)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/ncr/nope", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := rec.Body.String(); got != "not found" {
		t.Errorf("body = %q, want %q", got, "not found")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/plain")
	}
}

func TestRelayHandler_Handle_POSTForwardsBodyAndHeaders(t *testing.T) {
	type seen struct {
		method string
		auth   string
		ctype  string
		cookie string
		body   string
	}
	got := make(chan seen, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{
			method: r.Method,
			auth:   r.Header.Get("Authorization"),
			ctype:  r.Header.Get("Content-Type"),
			cookie: r.Header.Get("Cookie"),
			body:   string(b),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))
	defer backend.Close()

	h := newTestRelayHandler(backend.URL)
	req := httptest.NewRequest(http.MethodPost, "/api/ncr/test/create-product", strings.NewReader(`{ "name": "Latte" }`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token-123")
	req.Header.Set("Cookie", "session=abc")
	rec := serve(h, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	s := <-got
	if s.method != http.MethodPost {
		t.Errorf("method = %q, want POST", s.method)
	}
	if s.auth != "Bearer token-123" {
		t.Errorf("Authorization = %q, want %q", s.auth, "Bearer token-123")
	}
	if s.ctype != "application/json" {
		t.Errorf("Content-Type = %q, want %q", s.ctype, "application/json")
	}
	if s.cookie != "" {
		t.Errorf("Cookie should not be forwarded, got %q", s.cookie)
	}
	if s.body != `{"name":"Latte"}` {
		t.Errorf("body = %q, want %q", s.body, `{"name":"Latte"}`)
	}
}

func TestRelayHandler_Handle_NoAuthorizationWhenAbsent(t *testing.T) {
	got := make(chan []string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Values("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	h := newTestRelayHandler(backend.URL)
	rec := serve(h, httptest.NewRequest(http.MethodDelete, "/api/ncr/items/1", http.NoBody))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if auth := <-got; len(auth) != 0 {
		t.Errorf("Authorization = %v, want none", auth)
	}
}

func TestRelayHandler_Handle_QueryForwarding(t *testing.T) {
	got := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h := newTestRelayHandler(backend.URL)
	req := httptest.NewRequest(http.MethodGet, "/api/ncr/orders?storeID=9&params=x&tag=a&tag=b", http.NoBody)
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if q := <-got; q != "storeID=9&tag=a&tag=b" {
		t.Errorf("query = %q, want %q", q, "storeID=9&tag=a&tag=b")
	}
}

func TestRelayHandler_Handle_LiteralPercentInPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantURI string
	}{
		{"trailing percent", "/api/ncr/discount/100%25", "/api/ncr/discount/100%25"},
		{"percent before non-hex", "/api/ncr/a%25zz", "/api/ncr/a%25zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(chan string, 1)
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got <- r.RequestURI
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"ok":true}`))
			}))
			defer backend.Close()

			rec := serve(newTestRelayHandler(backend.URL), httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
			}
			if uri := <-got; uri != tt.wantURI {
				t.Errorf("backend saw %q, want %q", uri, tt.wantURI)
			}
		})
	}
}

func TestRelayHandler_Handle_MissingBackend(t *testing.T) {
	h := newTestRelayHandler("")
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/ncr/anything", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "Backend URL not configured" {
		t.Errorf("error = %q, want %q", body["error"], "Backend URL not configured")
	}
	for _, key := range config.BackendEnvKeys {
		if !strings.Contains(body["message"], key) {
			t.Errorf("message = %q, want mention of %s", body["message"], key)
		}
	}
}

func TestRelayHandler_Handle_TransportFailureEnvelope(t *testing.T) {
	// Reserve a port, then close it so the dial is refused.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	h := newTestRelayHandler(deadURL)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/ncr/orders?page=2", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"error", "message", "targetUrl", "backendUrl"} {
		if body[key] == "" {
			t.Errorf("envelope field %q is empty: %v", key, body)
		}
	}
	if body["targetUrl"] != deadURL+"/api/ncr/orders?page=2" {
		t.Errorf("targetUrl = %q, want %q", body["targetUrl"], deadURL+"/api/ncr/orders?page=2")
	}
	if body["backendUrl"] != deadURL {
		t.Errorf("backendUrl = %q, want %q", body["backendUrl"], deadURL)
	}
}

func TestRelayHandler_Handle_MalformedJSONFromBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer backend.Close()

	h := newTestRelayHandler(backend.URL)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/ncr/x", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body relayFailure
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "Failed to proxy request to backend" {
		t.Errorf("error = %q, want %q", body.Error, "Failed to proxy request to backend")
	}
	if body.TargetURL != backend.URL+"/api/ncr/x" {
		t.Errorf("targetUrl = %q, want %q", body.TargetURL, backend.URL+"/api/ncr/x")
	}
}

func TestRelayHandler_mapError_Unclassified(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &RelayHandler{logger: logger}

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/ncr/x", http.NoBody), rec)

	if err := h.mapError(c, fmt.Errorf("boom")); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body relayFailure
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Message != "boom" {
		t.Errorf("message = %q, want %q", body.Message, "boom")
	}
}

func TestRelayHandler_Handle_ConcurrentRequestsIndependent(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer backend.Close()

	h := newTestRelayHandler(backend.URL)
	e := echo.New()
	e.Any(RoutePrefix+"/*", h.Handle)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			path := fmt.Sprintf("/api/ncr/item/%d", i)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
			if rec.Body.String() != path {
				errs <- fmt.Errorf("body = %q, want %q", rec.Body.String(), path)
				return
			}
			errs <- nil
		}()
	}
	for j := 0; j < n; j++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
	if hits.Load() != n {
		t.Errorf("backend hits = %d, want %d", hits.Load(), n)
	}
}

func TestPathSegments(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/api/ncr/test/create-product", []string{"test", "create-product"}},
		{"/api/ncr/orders", []string{"orders"}},
		{"/api/ncr/", nil},
		{"/api/ncr", nil},
		{"/api/ncr/a%2Fb/c", []string{"a/b", "c"}},
		{"/api/ncr/with%20space", []string{"with space"}},
		{"/api/ncr/trailing/", []string{"trailing", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			u, err := url.Parse(tt.path)
			if err != nil {
				t.Fatal(err)
			}
			got := pathSegments(u)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("pathSegments(%q) = %#v, want %#v", tt.path, got, tt.want)
			}
		})
	}
}
