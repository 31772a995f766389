package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/session"
)

type fakeSessions struct {
	mu       sync.Mutex
	calls    []string
	apiCalls int
	err      error
	sendID   string
	sent     []session.SendRequest
	webhook  model.WebhookConfig
	// sendGate holds SendMessage until closed.
	sendGate chan struct{}
}

func (f *fakeSessions) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeSessions) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeSessions) Connect(ctx context.Context) error { return f.record("connect") }

func (f *fakeSessions) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if err := f.record("pairing:" + phone); err != nil {
		return "", err
	}
	return "ABCD-1234", nil
}

func (f *fakeSessions) SendMessage(ctx context.Context, req session.SendRequest) (string, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err := f.record("send"); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	return f.sendID, nil
}

func (f *fakeSessions) Logout(ctx context.Context) error     { return f.record("logout") }
func (f *fakeSessions) ClearError(ctx context.Context) error { return f.record("clearError") }

func (f *fakeSessions) ConfigureWebhook(url string, enabled bool) error {
	if err := f.record("webhook"); err != nil {
		return err
	}
	f.mu.Lock()
	f.webhook = model.WebhookConfig{URL: url, Enabled: enabled}
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) RecordAPICall() {
	f.mu.Lock()
	f.apiCalls++
	f.mu.Unlock()
}

func (f *fakeSessions) apiCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apiCalls
}

func (f *fakeSessions) Snapshot() model.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Snapshot{
		ConnectionStatus: model.Connected,
		ConnectedPhone:   "15551234567",
		WebhookURL:       f.webhook.URL,
		IsWebhookEnabled: f.webhook.Enabled,
		DashboardStats:   model.NewDashboardStats(),
	}
}

func (f *fakeSessions) Contacts() []model.Contact {
	return []model.Contact{{ID: "999@x", Name: "Zed"}}
}

const testKey = "secret"

func newTestServer(t *testing.T, sessions *fakeSessions, tweak func(*Options)) (*httptest.Server, *Broadcaster) {
	t.Helper()
	b := NewBroadcaster(0, zerolog.Nop(), nil)
	b.SetSource(sessions)
	opts := Options{APIKey: testKey, Logger: zerolog.Nop(), CommandTimeout: time.Second}
	if tweak != nil {
		tweak(&opts)
	}
	srv := httptest.NewServer(NewServer(sessions, b, opts).Handler())
	t.Cleanup(func() {
		b.Stop()
		srv.Close()
	})
	return srv, b
}

func apiRequest(t *testing.T, method, url, key, body string) (*http.Response, apiResponse) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		presented  string
		wantStatus int
		wantCalls  int
	}{
		{"missing", testKey, "", http.StatusUnauthorized, 0},
		{"wrong", testKey, "nope", http.StatusUnauthorized, 0},
		{"valid", testKey, testKey, http.StatusOK, 1},
		{"unconfigured", "", "", http.StatusUnauthorized, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSessions{}
			srv, _ := newTestServer(t, fs, func(o *Options) { o.APIKey = tt.configured })
			resp, body := apiRequest(t, http.MethodGet, srv.URL+"/api/status", tt.presented, "")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && body.Message != "Unauthorized: Invalid API Key" {
				t.Errorf("message = %q", body.Message)
			}
			if got := fs.apiCallCount(); got != tt.wantCalls {
				t.Errorf("api calls counted = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestSend(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
	}{
		{"success", nil, `{"to":"123@x","text":"hi"}`, http.StatusOK},
		{"missing text", nil, `{"to":"123@x"}`, http.StatusBadRequest},
		{"bad json", nil, `{`, http.StatusBadRequest},
		{"not connected", session.ErrNotConnected, `{"to":"123@x","text":"hi"}`, http.StatusConflict},
		{"adapter failure", fmt.Errorf("send message: %w", errors.New("boom")), `{"to":"123@x","text":"hi"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSessions{err: tt.err, sendID: "M1"}
			srv, _ := newTestServer(t, fs, nil)
			resp, body := apiRequest(t, http.MethodPost, srv.URL+"/api/message/send", testKey, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantStatus == http.StatusOK && (body.Status != "success" || body.MessageID != "M1") {
				t.Errorf("body = %+v", body)
			}
			if tt.wantStatus != http.StatusOK && body.Status != "error" {
				t.Errorf("body = %+v, want error status", body)
			}
		})
	}
}

func TestPairingCodeEndpoint(t *testing.T) {
	fs := &fakeSessions{}
	srv, _ := newTestServer(t, fs, nil)
	resp, body := apiRequest(t, http.MethodPost, srv.URL+"/api/pairing-code", testKey, `{"phoneNumber":"15551234567"}`)
	if resp.StatusCode != http.StatusOK || body.Code != "ABCD-1234" {
		t.Fatalf("status %d body %+v", resp.StatusCode, body)
	}
	if !fs.called("pairing:15551234567") {
		t.Error("RequestPairingCode not called with the phone number")
	}
}

func TestWebhookEndpoints(t *testing.T) {
	fs := &fakeSessions{}
	srv, _ := newTestServer(t, fs, nil)

	resp, _ := apiRequest(t, http.MethodPost, srv.URL+"/api/webhook", testKey, `{"url":"http://hook","enabled":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/webhook", nil)
	req.Header.Set("X-API-Key", testKey)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var view webhookView
	if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.URL != "http://hook" || !view.Enabled {
		t.Errorf("webhook view = %+v", view)
	}
}

func TestNotImplementedEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessions{}, nil)
	for _, path := range []string{"/api/message/send/image", "/api/group/create"} {
		resp, body := apiRequest(t, http.MethodPost, srv.URL+path, testKey, "{}")
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("%s: status = %d, want 501", path, resp.StatusCode)
		}
		if body.Message != "Endpoint not implemented yet." {
			t.Errorf("%s: message = %q", path, body.Message)
		}
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessions{}, func(o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 2
	})
	var codes []int
	for i := 0; i < 3; i++ {
		resp, _ := apiRequest(t, http.MethodGet, srv.URL+"/api/stats", testKey, "")
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrInvalidRequest, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", session.ErrNotConnected), http.StatusConflict},
		{session.ErrAlreadyConnected, http.StatusConflict},
		{session.ErrSessionError, http.StatusConflict},
		{session.ErrManagerClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("adapter exploded"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func dialGateway(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWS_CommandsReachSession(t *testing.T) {
	fs := &fakeSessions{sendID: "M1"}
	srv, _ := newTestServer(t, fs, nil)
	conn := dialGateway(t, srv, "")

	if kind, _, _ := readFrame(t, conn); kind != model.EventInitialData {
		t.Fatalf("first frame = %s, want initialData", kind)
	}

	cmds := []string{
		`{"type":"requestQR"}`,
		`{"type":"requestCode","payload":{"phoneNumber":"4412"}}`,
		`{"type":"sendMessage","payload":{"to":"123@x","text":"hi","tempId":"tmp-1"}}`,
		`{"type":"saveWebhook","payload":{"url":"http://hook","enabled":true}}`,
		`{"type":"clearError"}`,
		`{"type":"logout"}`,
	}
	for _, c := range cmds {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(c)); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"connect", "pairing:4412", "send", "webhook", "clearError", "logout"}
	deadline := time.Now().Add(2 * time.Second)
	for _, name := range want {
		for !fs.called(name) {
			if time.Now().After(deadline) {
				t.Fatalf("%s never reached the session", name)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.sent) != 1 || fs.sent[0].TempID != "tmp-1" {
		t.Errorf("sent = %+v, want tempId carried through", fs.sent)
	}
}

func TestWS_CommandsRunInOrderPerObserver(t *testing.T) {
	gate := make(chan struct{})
	fs := &fakeSessions{sendID: "M1", sendGate: gate}
	srv, _ := newTestServer(t, fs, nil)
	conn := dialGateway(t, srv, "")
	readFrame(t, conn)

	for _, c := range []string{
		`{"type":"sendMessage","payload":{"to":"123@x","text":"bye"}}`,
		`{"type":"logout"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(c)); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if fs.called("logout") {
		t.Fatal("logout overtook the pending sendMessage")
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for !fs.called("logout") {
		if time.Now().After(deadline) {
			t.Fatal("logout never reached the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fmt.Sprint(fs.calls) != "[send logout]" {
		t.Errorf("calls = %v, want [send logout]", fs.calls)
	}
}

func TestWS_CommandErrorGoesToIssuer(t *testing.T) {
	fs := &fakeSessions{}
	srv, b := newTestServer(t, fs, nil)
	issuer := dialGateway(t, srv, "")
	other := dialGateway(t, srv, "")
	readFrame(t, issuer)
	readFrame(t, other)

	if err := issuer.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatal(err)
	}
	kind, _, raw := readFrame(t, issuer)
	if kind != MsgCommandError {
		t.Fatalf("frame = %s, want commandError", kind)
	}
	var p CommandErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatal(err)
	}
	if p.Command != "bogus" {
		t.Errorf("payload = %+v", p)
	}

	// The other observer sees the next broadcast, not the error.
	b.Publish(model.EventCode, model.CodePayload{Code: "1"})
	if kind, _, _ := readFrame(t, other); kind != model.EventCode {
		t.Errorf("other observer frame = %s, want code", kind)
	}
}

func TestWS_AuthToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeSessions{}, func(o *Options) { o.AuthToken = "tok" })
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	conn := dialGateway(t, srv, "?token=tok")
	if kind, _, _ := readFrame(t, conn); kind != model.EventInitialData {
		t.Errorf("first frame = %s", kind)
	}
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(&fakeSessions{}, nil, Options{Logger: zerolog.Nop()})
	restricted := NewServer(&fakeSessions{}, nil, Options{Logger: zerolog.Nop(), AllowedOrigins: []string{"https://dash.example.com"}})

	tests := []struct {
		name   string
		s      *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"same host", open, "http://gateway:3001", true},
		{"localhost", open, "http://localhost:5173", true},
		{"loopback v6", open, "http://[::1]:5173", true},
		{"foreign", open, "https://evil.example", false},
		{"allowed", restricted, "https://dash.example.com", true},
		{"allowed host other scheme", restricted, "http://dash.example.com", true},
		{"not allowed", restricted, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://gateway:3001/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := tt.s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
