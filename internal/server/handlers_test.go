package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/protocol"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

type testServer struct {
	srv       *Server
	handler   http.Handler
	pushCalls *atomic.Int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	var pushCalls atomic.Int64
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	cfg := testConfig(t)
	cfg.PushBaseURL = gateway.URL

	db, err := statestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	srv, err := New(cfg, zerolog.Nop(), db)
	if err != nil {
		t.Fatal(err)
	}
	go srv.hub.Run()

	return &testServer{srv: srv, handler: srv.routes(), pushCalls: &pushCalls}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// login authenticates and returns the session cookie and CSRF token.
func (ts *testServer) login(t *testing.T) (*http.Cookie, string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/login", map[string]string{"password": "test-password"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success   bool   `json:"success"`
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c, resp.CSRFToken
		}
	}
	t.Fatal("no session cookie in login response")
	return nil, ""
}

func (ts *testServer) authed(cookie *http.Cookie, csrf string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(cookie)
		if csrf != "" {
			r.Header.Set("X-CSRF-Token", csrf)
		}
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/login", map[string]string{"password": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodPost, "/login", map[string]string{"password": "wrong"}, nil)
	}
	rec := ts.do(t, http.MethodPost, "/login", map[string]string{"password": "test-password"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after repeated failures, got %d", rec.Code)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/devices", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without session, got %d", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if err := ts.srv.store.Set(ctx, "devices/A1", map[string]any{"model": "pixel"}); err != nil {
		t.Fatal(err)
	}

	cookie, csrf := ts.login(t)
	rec := ts.do(t, http.MethodGet, "/api/devices", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool             `json:"success"`
		Count   int              `json:"count"`
		Data    []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Count != 1 || resp.Data[0]["id"] != "A1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Data[0]["connectivity"] != "Offline" {
		t.Errorf("never-connected device must be Offline, got %v", resp.Data[0]["connectivity"])
	}
}

func TestSubmitCommandRequiresCSRF(t *testing.T) {
	ts := newTestServer(t)
	cookie, _ := ts.login(t)

	body := map[string]any{"uniqueid": "A1", "action": "ping"}
	rec := ts.do(t, http.MethodPost, "/api/command", body, ts.authed(cookie, ""))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestSubmitAndQueryCommand(t *testing.T) {
	ts := newTestServer(t)
	cookie, csrf := ts.login(t)

	body := map[string]any{"uniqueid": "a1", "action": "sms", "to": "123", "body": "hi"}
	rec := ts.do(t, http.MethodPost, "/api/command", body, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/commands/latest/A1", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			DeviceID string `json:"uniqueid"`
			Action   string `json:"action"`
			To       string `json:"to"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.DeviceID != "A1" || resp.Data.Action != "sms" || resp.Data.To != "123" {
		t.Errorf("unexpected latest command: %+v", resp.Data)
	}

	rec = ts.do(t, http.MethodGet, "/api/command-logs", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var logs struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatal(err)
	}
	if logs.Count != 1 {
		t.Errorf("expected 1 audit entry, got %d", logs.Count)
	}
}

func TestSubmitCommandValidation(t *testing.T) {
	ts := newTestServer(t)
	cookie, csrf := ts.login(t)

	rec := ts.do(t, http.MethodPost, "/api/command", map[string]any{"action": "ping"}, ts.authed(cookie, csrf))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing device id, got %d", rec.Code)
	}
}

func TestCheckOnlineCooldown(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if err := ts.srv.store.Set(ctx, "devices/A1", map[string]any{"deliveryToken": "tok-1"}); err != nil {
		t.Fatal(err)
	}

	cookie, csrf := ts.login(t)

	rec := ts.do(t, http.MethodGet, "/api/checkonline/A1", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var first struct {
		Triggered bool `json:"triggered"`
		Sent      bool `json:"sent"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if !first.Triggered || !first.Sent {
		t.Errorf("first trigger should send a ping: %+v", first)
	}
	if ts.pushCalls.Load() != 1 {
		t.Errorf("expected 1 gateway call, got %d", ts.pushCalls.Load())
	}

	// Second call inside the cooldown window: still 200, no push.
	rec = ts.do(t, http.MethodGet, "/api/checkonline/A1", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for throttled trigger, got %d", rec.Code)
	}
	var second struct {
		Triggered  bool  `json:"triggered"`
		RetryAfter int64 `json:"retryAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if second.Triggered {
		t.Error("second trigger inside the window must be throttled")
	}
	if ts.pushCalls.Load() != 1 {
		t.Errorf("throttled trigger must not call the gateway, got %d calls", ts.pushCalls.Load())
	}
}

func TestCheckOnlineWithoutToken(t *testing.T) {
	ts := newTestServer(t)
	cookie, csrf := ts.login(t)

	rec := ts.do(t, http.MethodGet, "/api/checkonline/GHOST", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Triggered bool `json:"triggered"`
		Sent      bool `json:"sent"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Triggered || resp.Sent {
		t.Errorf("tokenless device: trigger allowed but nothing sent, got %+v", resp)
	}
}

func TestRestartLifecycle(t *testing.T) {
	ts := newTestServer(t)
	cookie, csrf := ts.login(t)

	rec := ts.do(t, http.MethodGet, "/api/restart/A1", nil, ts.authed(cookie, csrf))
	var empty struct {
		Data any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &empty); err != nil {
		t.Fatal(err)
	}
	if empty.Data != nil {
		t.Errorf("expected null before create, got %v", empty.Data)
	}

	rec = ts.do(t, http.MethodPost, "/api/restart/A1", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/restart/A1", nil, ts.authed(cookie, csrf))
	var live struct {
		Data struct {
			UID string `json:"uid"`
			Age int64  `json:"age"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &live); err != nil {
		t.Fatal(err)
	}
	if live.Data.UID != "A1" {
		t.Errorf("expected live request for A1, got %+v", live.Data)
	}
}

func TestLastCheckAbsent(t *testing.T) {
	ts := newTestServer(t)
	cookie, csrf := ts.login(t)

	rec := ts.do(t, http.MethodGet, "/api/lastcheck/NOPE", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data != nil {
		t.Errorf("expected null data, got %v", resp.Data)
	}
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t)
	cookie, csrf := ts.login(t)

	rec := ts.do(t, http.MethodPost, "/logout", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/devices", nil, ts.authed(cookie, csrf))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("session must be dead after logout, got %d", rec.Code)
	}
}

func TestWebSocketDeviceSession(t *testing.T) {
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer device-secret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	msg, err := protocol.NewMessage(protocol.TypeRegisterDevice, protocol.RegisterDevicePayload{ID: "a1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp protocol.Message
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.Type != protocol.TypeRegistered {
		t.Fatalf("expected registered ack, got %q", resp.Type)
	}
	var reg protocol.RegisteredPayload
	if err := resp.ParsePayload(&reg); err != nil {
		t.Fatal(err)
	}
	if reg.ID != "A1" {
		t.Errorf("expected normalized id, got %q", reg.ID)
	}
}

func TestWebSocketRejectsBadDeviceToken(t *testing.T) {
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}
