package http

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"realtime_server/adapter/out/bus"
	"realtime_server/adapter/out/offline"
	"realtime_server/core/domain"
	"realtime_server/core/service/analytics"
	"realtime_server/core/service/auth"
	"realtime_server/core/service/notification"
	"realtime_server/core/service/realtime"
	"realtime_server/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const secret = "http-test-secret"

type fixture struct {
	app      *fiber.App
	hub      *realtime.Hub
	bus      *bus.MemoryBus
	queue    *offline.MemoryQueue
	resolver *auth.Resolver
	revoked  *memoryRevocation
}

type memoryRevocation struct {
	mu  sync.Mutex
	ttl map[string]time.Duration
}

func (m *memoryRevocation) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ttl[jti]
	return ok, nil
}

func (m *memoryRevocation) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl[jti] = ttl
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mb := bus.NewMemoryBus("http-test", zerolog.Nop())
	hub, err := realtime.NewHub(realtime.Config{
		NodeID:       "http-test",
		NodeSequence: 1,
		WellKnown: []domain.ChannelConfig{
			{Name: "general", Kind: domain.ChannelPublic},
		},
	}, mb)
	if err != nil {
		t.Fatal(err)
	}
	queue := offline.NewMemoryQueue(50, time.Hour)
	notifier := notification.NewService(hub, queue, notification.Config{NotificationTTL: time.Hour})
	hub.AttachNotifications(notifier)
	stats := analytics.NewService(hub, nil, analytics.Config{}, zerolog.Nop())
	revoked := &memoryRevocation{ttl: make(map[string]time.Duration)}
	resolver := auth.NewResolver(auth.Config{Secret: secret}, zerolog.Nop(), auth.WithRevocation(revoked))

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	app.Use(middleware.RequestID())
	NewHealthHandler(HealthDeps{
		Bus:         mb,
		Connections: hub.ConnectionCount,
		Gatherer:    prometheus.NewRegistry(),
	}).Register(app)

	api := app.Group("/api/v1")
	NewSSEHandler(hub, 20*time.Millisecond, zerolog.Nop()).Register(api, middleware.StreamAuth(resolver))
	NewNotificationHandler(notifier, zerolog.Nop()).Register(api, middleware.ServiceAuth(resolver))
	NewChannelHandler(stats).Register(api, middleware.ServiceAuth(resolver))
	NewTokenHandler(resolver, hub, zerolog.Nop()).Register(api, middleware.ServiceAuth(resolver))

	return &fixture{app: app, hub: hub, bus: mb, queue: queue, resolver: resolver, revoked: revoked}
}

func token(t *testing.T, sub string, perms ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func tokenWithID(t *testing.T, sub, jti string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, bearer, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

const orderBody = `{"type":"order_update","title":"Order shipped","message":"on its way","priority":"high"}`

func TestNotificationRoutes_Auth(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		bearer string
		status int
		code   string
	}{
		{"no token", "", nethttp.StatusUnauthorized, "UNAUTHORIZED"},
		{"user token", token(t, "u9", domain.PermissionUser), nethttp.StatusForbidden, "FORBIDDEN"},
		{"service token", token(t, "orders-svc", domain.PermissionService), nethttp.StatusAccepted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, "POST", "/api/v1/notifications/broadcast", tt.bearer, orderBody)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", status, tt.status, body)
			}
			if tt.code != "" && errorCode(body) != tt.code {
				t.Errorf("code = %q, want %q", errorCode(body), tt.code)
			}
		})
	}
}

func TestNotifyUser_QueuesWhileOffline(t *testing.T) {
	f := newFixture(t)
	svc := token(t, "orders-svc", domain.PermissionService)

	status, body := f.do(t, "POST", "/api/v1/notifications/users/u1", svc, orderBody)
	if status != nethttp.StatusAccepted {
		t.Fatalf("status = %d (%v)", status, body)
	}
	data, _ := body["data"].(map[string]any)
	if id, _ := data["id"].(string); id == "" {
		t.Errorf("missing notification id in %v", body)
	}

	n, err := f.queue.Len(context.Background(), "u1")
	if err != nil || n != 1 {
		t.Errorf("queued = %d, %v; want 1", n, err)
	}

	status, _ = f.do(t, "POST", "/api/v1/notifications/roles/admin", svc, orderBody)
	if status != nethttp.StatusAccepted {
		t.Errorf("role status = %d", status)
	}
}

func TestNotify_Invalid(t *testing.T) {
	f := newFixture(t)
	svc := token(t, "orders-svc", domain.PermissionService)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"type":`, "BAD_REQUEST"},
		{"unknown type", `{"type":"telepathy","title":"x"}`, "INVALID_MESSAGE"},
		{"missing title", `{"type":"system"}`, "INVALID_MESSAGE"},
		{"bad priority", `{"type":"system","title":"x","priority":"meh"}`, "INVALID_MESSAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, "POST", "/api/v1/notifications/users/u1", svc, tt.body)
			if status != nethttp.StatusBadRequest || errorCode(body) != tt.code {
				t.Errorf("got %d %q, want 400 %q", status, errorCode(body), tt.code)
			}
		})
	}
}

func TestChannelRoutes(t *testing.T) {
	f := newFixture(t)
	svc := token(t, "ops", domain.PermissionService)

	status, body := f.do(t, "GET", "/api/v1/channels/general/stats", svc, "")
	if status != nethttp.StatusOK {
		t.Fatalf("stats status = %d (%v)", status, body)
	}
	data, _ := body["data"].(map[string]any)
	if data["channel"] != "general" {
		t.Errorf("stats = %v", data)
	}

	if status, _ := f.do(t, "GET", "/api/v1/channels/nowhere/stats", svc, ""); status != nethttp.StatusNotFound {
		t.Errorf("unknown channel status = %d, want 404", status)
	}

	status, body = f.do(t, "GET", "/api/v1/channels/general/presence", svc, "")
	if status != nethttp.StatusOK {
		t.Fatalf("presence status = %d", status)
	}
	data, _ = body["data"].(map[string]any)
	if data["count"] != float64(0) {
		t.Errorf("presence = %v", data)
	}

	status, body = f.do(t, "GET", "/api/v1/analytics", svc, "")
	if status != nethttp.StatusOK {
		t.Fatalf("analytics status = %d", status)
	}
	data, _ = body["data"].(map[string]any)
	if data["node"] != "http-test" {
		t.Errorf("analytics = %v", data)
	}
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)

	if status, _ := f.do(t, "GET", "/api/v1/events", "", ""); status != nethttp.StatusUnauthorized {
		t.Fatalf("anonymous stream status = %d, want 401", status)
	}

	req := httptest.NewRequest("GET", "/api/v1/events?token="+token(t, "u1"), nil)
	type result struct {
		resp *nethttp.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := f.app.Test(req, -1)
		done <- result{resp, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ConnectionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("SSE connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frame, err := f.hub.EncodeFrame(domain.EventNotification, domain.NotificationPayload{ID: "n1", Title: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.hub.DeliverToUser("u1", frame); got != 1 {
		t.Fatalf("DeliverToUser() = %d, want 1", got)
	}
	time.Sleep(50 * time.Millisecond)
	f.hub.Shutdown(context.Background(), "shutdown")

	var res result
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("SSE stream did not end after shutdown")
	}
	if res.err != nil {
		t.Fatal(res.err)
	}
	defer res.resp.Body.Close()
	if ct := res.resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	raw, _ := io.ReadAll(res.resp.Body)
	for _, want := range []string{"event: connected", "event: notification", "event: shutdown"} {
		if !bytes.Contains(raw, []byte(want)) {
			t.Errorf("stream missing %q:\n%s", want, raw)
		}
	}
	if f.hub.ConnectionCount() != 0 {
		t.Errorf("connections after stream end = %d", f.hub.ConnectionCount())
	}
}

func TestRevokeToken(t *testing.T) {
	f := newFixture(t)
	svc := token(t, "auth-svc", domain.PermissionService)
	ctx := context.Background()

	tok := tokenWithID(t, "u1", "jti-1")
	p, err := f.resolver.Resolve(ctx, "Bearer "+tok)
	if err != nil || p.UserID != "u1" {
		t.Fatalf("Resolve() = %+v, %v", p, err)
	}
	revokedConn, err := f.hub.Connect(ctx, p, domain.TransportWebSocket)
	if err != nil {
		t.Fatal(err)
	}
	otherConn, err := f.hub.Connect(ctx, domain.Principal{UserID: "u1", SessionID: "other"}, domain.TransportWebSocket)
	if err != nil {
		t.Fatal(err)
	}

	status, body := f.do(t, "POST", "/api/v1/tokens/revoke", svc, `{"token":"`+tok+`"}`)
	if status != nethttp.StatusOK {
		t.Fatalf("status = %d (%v)", status, body)
	}
	data, _ := body["data"].(map[string]any)
	if data["disconnected"] != float64(1) || data["session_id"] != "jti-1" {
		t.Errorf("revoke result = %v", data)
	}
	if !revokedConn.Closed() || revokedConn.CloseReason() != "token revoked" {
		t.Errorf("revoked session still open, reason %q", revokedConn.CloseReason())
	}
	if otherConn.Closed() {
		t.Error("unrelated session was closed")
	}

	f.revoked.mu.Lock()
	ttl, ok := f.revoked.ttl["jti-1"]
	f.revoked.mu.Unlock()
	if !ok || ttl <= 0 || ttl > time.Hour+2*time.Minute {
		t.Errorf("blacklist ttl = %v (present %v), want bounded by token expiry", ttl, ok)
	}

	// The cached principal is gone with the token.
	if p, _ := f.resolver.Resolve(ctx, "Bearer "+tok); !p.Guest {
		t.Errorf("revoked token still resolves to %+v", p)
	}
}

func TestRevokeToken_Invalid(t *testing.T) {
	f := newFixture(t)
	svc := token(t, "auth-svc", domain.PermissionService)

	tests := []struct {
		name   string
		bearer string
		body   string
		status int
		code   string
	}{
		{"user caller", token(t, "u9", domain.PermissionUser), `{"token":"x"}`, nethttp.StatusForbidden, "FORBIDDEN"},
		{"missing token", svc, `{}`, nethttp.StatusBadRequest, "BAD_REQUEST"},
		{"malformed body", svc, `{"token":`, nethttp.StatusBadRequest, "BAD_REQUEST"},
		{"unsigned garbage", svc, `{"token":"not-a-jwt"}`, nethttp.StatusUnauthorized, "INVALID_TOKEN"},
		{"no jti", svc, `{"token":"` + token(t, "u1") + `"}`, nethttp.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, "POST", "/api/v1/tokens/revoke", tt.bearer, tt.body)
			if status != tt.status || errorCode(body) != tt.code {
				t.Errorf("got %d %q, want %d %q", status, errorCode(body), tt.status, tt.code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, "GET", "/health", "", "")
	if status != nethttp.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", status, body)
	}

	if status, _ := f.do(t, "GET", "/ready", "", ""); status != nethttp.StatusOK {
		t.Errorf("ready with bus up = %d", status)
	}
	f.bus.SetConnected(false)
	status, body = f.do(t, "GET", "/ready", "", "")
	if status != nethttp.StatusServiceUnavailable {
		t.Errorf("ready with bus down = %d", status)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["bus"] != "disconnected" {
		t.Errorf("checks = %v", checks)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := f.app.Test(req, 2000)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
