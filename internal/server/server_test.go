package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/neuralsieve/relay/internal/model"
	"github.com/neuralsieve/relay/internal/service"
	"github.com/neuralsieve/relay/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server  *Server
	store   *store.Store
	authSvc *service.AuthService
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// fully wired Server. Rate limiting is disabled unless a test opts in.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	st, err := store.New(store.DriverSQLite, "")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	authSvc := service.NewAuthService(st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DefaultConfig()
	cfg.RateLimitPerMin = 0
	for _, m := range mutate {
		m(&cfg)
	}
	srv := New(cfg, st, authSvc, logger)

	return &testEnv{
		server:  srv,
		store:   st,
		authSvc: authSvc,
	}
}

// seedKey creates an API key with the given scope and returns the raw key.
func (e *testEnv) seedKey(t *testing.T, name string, scope model.Scope) string {
	t.Helper()
	rawKey, _, err := e.authSvc.CreateKey(context.Background(), name, scope)
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return rawKey
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doKey executes an HTTP request authenticated with an API key.
func (e *testEnv) doKey(t *testing.T, method, path string, body io.Reader, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": apiKey,
	})
}

// submit posts a capture with the given key and returns its id.
func (e *testEnv) submit(t *testing.T, apiKey, content string) int64 {
	t.Helper()
	body := jsonBody(t, map[string]string{"content": content})
	rr := e.doKey(t, "POST", "/api/v1/captures", body, apiKey)
	assertStatus(t, rr, http.StatusAccepted)

	var resp struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rr, &resp)
	if resp.ID == 0 {
		t.Fatal("submit: got zero capture id")
	}
	return resp.ID
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Health checks
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["pending"] != float64(0) {
		t.Errorf("pending = %v, want 0 on a fresh store", resp["pending"])
	}
}

func TestOpenAPIDoc(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc map[string]interface{}
	decodeJSON(t, rr, &doc)
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v, want 3.1.0", doc["openapi"])
	}
	paths, ok := doc["paths"].(map[string]interface{})
	if !ok {
		t.Fatal("expected paths object")
	}
	if _, ok := paths["/api/v1/captures"]; !ok {
		t.Error("missing /api/v1/captures path")
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct {
		method, path string
	}{
		{"POST", "/api/v1/captures"},
		{"GET", "/api/v1/captures/pending"},
		{"POST", "/api/v1/captures/1/ack"},
		{"GET", "/api/v1/system/key"},
		{"POST", "/api/v1/system/key"},
		{"DELETE", "/api/v1/system/key/1"},
	}

	for _, p := range paths {
		rr := env.do(t, p.method, p.path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", p.method, p.path, rr.Code)
		}
	}
}

// Unknown, malformed, and revoked keys must be indistinguishable from the
// outside: the same 401 status and the same body.
func TestAuthUniformFailure(t *testing.T) {
	env := newTestEnv(t)

	rawKey := env.seedKey(t, "to-revoke", model.ScopeStandard)
	keys, err := env.authSvc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := env.authSvc.Revoke(context.Background(), keys[0].ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	attempts := []string{
		"sieve_live_" + strings.Repeat("f", 64), // never existed
		"garbage",                               // malformed
		rawKey,                                  // valid once, now revoked
	}

	var bodies []string
	for _, key := range attempts {
		rr := env.doKey(t, "GET", "/api/v1/captures/pending", nil, key)
		assertStatus(t, rr, http.StatusUnauthorized)
		bodies = append(bodies, rr.Body.String())
	}
	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Errorf("401 bodies differ between failure modes:\n%s\nvs\n%s", bodies[0], bodies[i])
		}
	}
}

func TestAuthBearerHeader(t *testing.T) {
	env := newTestEnv(t)
	rawKey := env.seedKey(t, "agent", model.ScopeStandard)

	rr := env.do(t, "GET", "/api/v1/captures/pending", nil, map[string]string{
		"Authorization": "Bearer " + rawKey,
	})
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Capture lifecycle
// ---------------------------------------------------------------------------

func TestCaptureLifecycle(t *testing.T) {
	env := newTestEnv(t)
	submitKey := env.seedKey(t, "extension", model.ScopeStandard)
	agentKey := env.seedKey(t, "agent", model.ScopeStandard)

	// Submit.
	id := env.submit(t, submitKey, "highlighted passage")

	// The agent lists it.
	rr := env.doKey(t, "GET", "/api/v1/captures/pending", nil, agentKey)
	assertStatus(t, rr, http.StatusOK)

	var pending model.PendingResponse
	decodeJSON(t, rr, &pending)
	if pending.Count != 1 || len(pending.Captures) != 1 {
		t.Fatalf("pending count = %d (len %d), want 1", pending.Count, len(pending.Captures))
	}
	if pending.Captures[0].ID != id {
		t.Errorf("pending id = %d, want %d", pending.Captures[0].ID, id)
	}
	if pending.Captures[0].Content != "highlighted passage" {
		t.Errorf("content = %q", pending.Captures[0].Content)
	}
	if pending.Captures[0].Status != model.StatusPending {
		t.Errorf("status = %q, want pending", pending.Captures[0].Status)
	}

	// Ack it.
	rr = env.doKey(t, "POST", fmt.Sprintf("/api/v1/captures/%d/ack", id), nil, agentKey)
	assertStatus(t, rr, http.StatusOK)

	var ackResp struct {
		Status string `json:"status"`
		ID     int64  `json:"id"`
	}
	decodeJSON(t, rr, &ackResp)
	if ackResp.Status != model.StatusAcked || ackResp.ID != id {
		t.Errorf("ack response = %+v", ackResp)
	}

	// Queue is empty again.
	rr = env.doKey(t, "GET", "/api/v1/captures/pending", nil, agentKey)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &pending)
	if pending.Count != 0 || len(pending.Captures) != 0 {
		t.Errorf("queue not empty after ack: count = %d", pending.Count)
	}

	// A second ack is a 404, same as an unknown id.
	rr = env.doKey(t, "POST", fmt.Sprintf("/api/v1/captures/%d/ack", id), nil, agentKey)
	assertStatus(t, rr, http.StatusNotFound)

	rr = env.doKey(t, "POST", "/api/v1/captures/99999/ack", nil, agentKey)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestSubmitURLOnly(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "share-sheet", model.ScopeStandard)

	body := jsonBody(t, map[string]string{
		"url":        "https://example.com/article",
		"annotation": "read later",
	})
	rr := env.doKey(t, "POST", "/api/v1/captures", body, key)
	assertStatus(t, rr, http.StatusAccepted)

	rr = env.doKey(t, "GET", "/api/v1/captures/pending", nil, key)
	var pending model.PendingResponse
	decodeJSON(t, rr, &pending)
	if len(pending.Captures) != 1 {
		t.Fatalf("got %d pending", len(pending.Captures))
	}
	c := pending.Captures[0]
	if c.URL == nil || *c.URL != "https://example.com/article" {
		t.Errorf("url = %v", c.URL)
	}
	if c.Annotation == nil || *c.Annotation != "read later" {
		t.Errorf("annotation = %v", c.Annotation)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "extension", model.ScopeStandard)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"empty payload", map[string]interface{}{}},
		{"whitespace content", map[string]interface{}{"content": "   "}},
		{"bad url scheme", map[string]interface{}{"url": "file:///etc/passwd"}},
		{"oversize annotation", map[string]interface{}{
			"content":    "text",
			"annotation": strings.Repeat("a", model.MaxAnnotationLength+1),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doKey(t, "POST", "/api/v1/captures", jsonBody(t, tt.body), key)
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}
}

func TestSubmitMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "extension", model.ScopeStandard)

	rr := env.doKey(t, "POST", "/api/v1/captures", strings.NewReader("{not json"), key)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestSubmitContentTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxContentBytes = 100
	})
	key := env.seedKey(t, "extension", model.ScopeStandard)

	body := jsonBody(t, map[string]string{"content": strings.Repeat("x", 101)})
	rr := env.doKey(t, "POST", "/api/v1/captures", body, key)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestSubmitBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxBodySize = 256
	})
	key := env.seedKey(t, "extension", model.ScopeStandard)

	body := jsonBody(t, map[string]string{"content": strings.Repeat("x", 1024)})
	rr := env.doKey(t, "POST", "/api/v1/captures", body, key)
	assertStatus(t, rr, http.StatusRequestEntityTooLarge)
}

func TestQueueFull(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxPending = 2
	})
	key := env.seedKey(t, "extension", model.ScopeStandard)

	env.submit(t, key, "one")
	env.submit(t, key, "two")

	rr := env.doKey(t, "POST", "/api/v1/captures", jsonBody(t, map[string]string{"content": "three"}), key)
	assertStatus(t, rr, http.StatusServiceUnavailable)

	// Acking one frees a slot.
	pendingRR := env.doKey(t, "GET", "/api/v1/captures/pending", nil, key)
	var pending model.PendingResponse
	decodeJSON(t, pendingRR, &pending)
	rr = env.doKey(t, "POST", fmt.Sprintf("/api/v1/captures/%d/ack", pending.Captures[0].ID), nil, key)
	assertStatus(t, rr, http.StatusOK)

	env.submit(t, key, "three")
}

func TestPendingOrderAndLimit(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "extension", model.ScopeStandard)

	for i := 0; i < 5; i++ {
		env.submit(t, key, fmt.Sprintf("capture-%d", i))
	}

	rr := env.doKey(t, "GET", "/api/v1/captures/pending?limit=3", nil, key)
	assertStatus(t, rr, http.StatusOK)

	var pending model.PendingResponse
	decodeJSON(t, rr, &pending)
	if pending.Count != 3 {
		t.Fatalf("count = %d, want 3", pending.Count)
	}
	for i, c := range pending.Captures {
		want := fmt.Sprintf("capture-%d", i)
		if c.Content != want {
			t.Errorf("captures[%d].Content = %q, want %q (oldest first)", i, c.Content, want)
		}
	}
}

func TestAckInvalidID(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "agent", model.ScopeStandard)

	rr := env.doKey(t, "POST", "/api/v1/captures/abc/ack", nil, key)
	assertStatus(t, rr, http.StatusBadRequest)
}

// A capture survives in the queue until acknowledged, regardless of how many
// times it is listed. Listing must never consume.
func TestListDoesNotConsume(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "agent", model.ScopeStandard)

	id := env.submit(t, key, "durable")

	for i := 0; i < 3; i++ {
		rr := env.doKey(t, "GET", "/api/v1/captures/pending", nil, key)
		assertStatus(t, rr, http.StatusOK)
		var pending model.PendingResponse
		decodeJSON(t, rr, &pending)
		if pending.Count != 1 || pending.Captures[0].ID != id {
			t.Fatalf("iteration %d: pending = %+v", i, pending)
		}
	}
}

// ---------------------------------------------------------------------------
// Key management
// ---------------------------------------------------------------------------

func TestKeyManagementRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	standardKey := env.seedKey(t, "standard", model.ScopeStandard)

	paths := []struct {
		method, path string
	}{
		{"GET", "/api/v1/system/key"},
		{"POST", "/api/v1/system/key"},
		{"DELETE", "/api/v1/system/key/1"},
	}

	for _, p := range paths {
		rr := env.doKey(t, p.method, p.path, nil, standardKey)
		if rr.Code != http.StatusForbidden {
			t.Errorf("%s %s with standard key: status = %d, want 403", p.method, p.path, rr.Code)
		}
	}
}

func TestCreateKeyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	adminKey := env.seedKey(t, "admin", model.ScopeAdmin)

	body := jsonBody(t, map[string]string{"name": "new-device"})
	rr := env.doKey(t, "POST", "/api/v1/system/key", body, adminKey)
	assertStatus(t, rr, http.StatusCreated)

	var resp struct {
		ID        int64  `json:"id"`
		Key       string `json:"key"`
		KeyPrefix string `json:"key_prefix"`
		Name      string `json:"name"`
		Scope     string `json:"scope"`
	}
	decodeJSON(t, rr, &resp)

	if !strings.HasPrefix(resp.Key, "sieve_live_") {
		t.Errorf("raw key %q missing prefix", resp.Key)
	}
	if resp.Scope != "standard" {
		t.Errorf("scope = %q, want standard default", resp.Scope)
	}
	if resp.Name != "new-device" {
		t.Errorf("name = %q", resp.Name)
	}

	// The returned key works immediately.
	rr = env.doKey(t, "GET", "/api/v1/captures/pending", nil, resp.Key)
	assertStatus(t, rr, http.StatusOK)
}

func TestCreateKeyValidation(t *testing.T) {
	env := newTestEnv(t)
	adminKey := env.seedKey(t, "admin", model.ScopeAdmin)

	rr := env.doKey(t, "POST", "/api/v1/system/key", jsonBody(t, map[string]string{}), adminKey)
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.doKey(t, "POST", "/api/v1/system/key",
		jsonBody(t, map[string]string{"name": "x", "scope": "superuser"}), adminKey)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestListKeysNeverLeaksSecrets(t *testing.T) {
	env := newTestEnv(t)
	adminKey := env.seedKey(t, "admin", model.ScopeAdmin)
	env.seedKey(t, "device", model.ScopeStandard)

	rr := env.doKey(t, "GET", "/api/v1/system/key", nil, adminKey)
	assertStatus(t, rr, http.StatusOK)

	bodyStr := rr.Body.String()
	if strings.Contains(bodyStr, "key_hash") {
		t.Error("listing must not include key hashes")
	}
	if strings.Contains(bodyStr, adminKey) {
		t.Error("listing must not include raw keys")
	}

	var resp model.ListResponse
	decodeJSON(t, rr, &resp)
	if resp.Meta == nil || resp.Meta.Count != 2 {
		t.Errorf("meta = %+v, want count 2", resp.Meta)
	}
}

func TestRevokeKeyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	adminKey := env.seedKey(t, "admin", model.ScopeAdmin)
	deviceKey := env.seedKey(t, "device", model.ScopeStandard)

	// Find the device key's id.
	keys, err := env.authSvc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var deviceID int64
	for _, k := range keys {
		if k.Name == "device" {
			deviceID = k.ID
		}
	}

	rr := env.doKey(t, "DELETE", fmt.Sprintf("/api/v1/system/key/%d", deviceID), nil, adminKey)
	assertStatus(t, rr, http.StatusOK)

	// The revoked key stops working immediately.
	rr = env.doKey(t, "GET", "/api/v1/captures/pending", nil, deviceKey)
	assertStatus(t, rr, http.StatusUnauthorized)

	// Revoking again still succeeds.
	rr = env.doKey(t, "DELETE", fmt.Sprintf("/api/v1/system/key/%d", deviceID), nil, adminKey)
	assertStatus(t, rr, http.StatusOK)

	// Unknown id is a 404.
	rr = env.doKey(t, "DELETE", "/api/v1/system/key/99999", nil, adminKey)
	assertStatus(t, rr, http.StatusNotFound)
}

// Admin scope grants credential management on top of the capture operations,
// not instead of them.
func TestAdminKeyCanUseQueue(t *testing.T) {
	env := newTestEnv(t)
	adminKey := env.seedKey(t, "admin", model.ScopeAdmin)

	id := env.submit(t, adminKey, "from admin")
	rr := env.doKey(t, "POST", fmt.Sprintf("/api/v1/captures/%d/ack", id), nil, adminKey)
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestRateLimitPerKey(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimitPerMin = 5
	})
	keyA := env.seedKey(t, "busy", model.ScopeStandard)
	keyB := env.seedKey(t, "quiet", model.ScopeStandard)

	var limited bool
	for i := 0; i < 10; i++ {
		rr := env.doKey(t, "GET", "/api/v1/captures/pending", nil, keyA)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected 429 after exceeding the per-key limit")
	}

	// A different credential is unaffected.
	rr := env.doKey(t, "GET", "/api/v1/captures/pending", nil, keyB)
	assertStatus(t, rr, http.StatusOK)
}

// Invalid credentials are rejected by authentication before the limiter ever
// sees them: a flood of distinct garbage keys gets a uniform 401, never a
// 429, and cannot consume a valid key's budget.
func TestRateLimitOnlyAfterAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimitPerMin = 3
	})
	validKey := env.seedKey(t, "legit", model.ScopeStandard)

	for i := 0; i < 10; i++ {
		garbage := fmt.Sprintf("sieve_live_garbage_%d", i)
		rr := env.doKey(t, "GET", "/api/v1/captures/pending", nil, garbage)
		assertStatus(t, rr, http.StatusUnauthorized)
	}

	// The valid key's budget is untouched by the failed attempts.
	rr := env.doKey(t, "GET", "/api/v1/captures/pending", nil, validKey)
	assertStatus(t, rr, http.StatusOK)
}
