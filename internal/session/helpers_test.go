package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/stats"
)

// fakeAdapter is a scriptable Adapter. Tests drive its events with emit.
type fakeAdapter struct {
	sink Sink

	mu          sync.Mutex
	openErr     error
	openGate    chan struct{}
	openCalls   int
	sendID      string
	sendErr     error
	sent        []SendRequest
	code        string
	codeErr     error
	avatar      string
	avatarErr   error
	avatarGate  chan struct{}
	avatarCalls int
	logouts     int
	destroyed   int
}

// Open blocks on openGate when set, ignoring ctx, so tests can deliver its
// result after the session has moved on.
func (f *fakeAdapter) Open(ctx context.Context) error {
	f.mu.Lock()
	f.openCalls++
	gate, err := f.openGate, f.openErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeAdapter) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.codeErr
}

// ChatID mirrors the real adapter: bare numbers become user ids.
func (f *fakeAdapter) ChatID(to string) (string, error) {
	if strings.Contains(to, "@") {
		return to, nil
	}
	if strings.Trim(to, "0123456789") != "" {
		return "", errors.New("not a phone number")
	}
	return to + "@s.whatsapp.net", nil
}

func (f *fakeAdapter) Send(ctx context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, SendRequest{To: to, Text: text})
	return f.sendID, nil
}

func (f *fakeAdapter) FetchAvatar(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	gate := f.avatarGate
	f.avatarCalls++
	u, err := f.avatar, f.avatarErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return u, err
}

func (f *fakeAdapter) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeAdapter) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
}

func (f *fakeAdapter) emit(ev AdapterEvent) { f.sink(ev) }

func (f *fakeAdapter) counts() (open, logouts, destroyed, sends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls, f.logouts, f.destroyed, len(f.sent)
}

type published struct {
	kind    model.EventKind
	payload any
}

// recordingPublisher stores every published event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (r *recordingPublisher) Publish(kind model.EventKind, payload any) {
	r.mu.Lock()
	r.events = append(r.events, published{kind, payload})
	r.mu.Unlock()
}

func (r *recordingPublisher) all(kind model.EventKind) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e.payload)
		}
	}
	return out
}

// waitFor polls until at least n events of kind have been published.
func (r *recordingPublisher) waitFor(t *testing.T, kind model.EventKind, n int) []any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.all(kind); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, have %d", n, kind, len(r.all(kind)))
	return nil
}

// fakeWebhooks records dispatches instead of sending them.
type fakeWebhooks struct {
	mu         sync.Mutex
	cfg        model.WebhookConfig
	dispatched []published
}

func (w *fakeWebhooks) Dispatch(event string, payload any) {
	w.mu.Lock()
	w.dispatched = append(w.dispatched, published{model.EventKind(event), payload})
	w.mu.Unlock()
}

func (w *fakeWebhooks) Configure(url string, enabled bool) {
	w.mu.Lock()
	w.cfg = model.WebhookConfig{URL: url, Enabled: enabled}
	w.mu.Unlock()
}

func (w *fakeWebhooks) Config() model.WebhookConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

func (w *fakeWebhooks) Log() []model.WebhookEvent { return nil }

func (w *fakeWebhooks) events(name string) []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []any
	for _, d := range w.dispatched {
		if string(d.kind) == name {
			out = append(out, d.payload)
		}
	}
	return out
}

type fakeCreds struct {
	mu      sync.Mutex
	cleared int
}

func (c *fakeCreds) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	return nil
}

func (c *fakeCreds) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

// harness wires a Manager to fakes and runs it for the duration of a test.
type harness struct {
	m        *Manager
	pub      *recordingPublisher
	hooks    *fakeWebhooks
	stats    *stats.Aggregator
	creds    *fakeCreds
	mu       sync.Mutex
	adapters []*fakeAdapter
	// prepare configures each adapter as the factory creates it.
	prepare func(*fakeAdapter)
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		pub:   &recordingPublisher{},
		hooks: &fakeWebhooks{},
		stats: stats.New(time.Hour),
		creds: &fakeCreds{},
	}
	opts := Options{
		Factory: func(sink Sink) (Adapter, error) {
			a := &fakeAdapter{sink: sink, sendID: "M1", code: "ABCD-1234", avatar: "https://cdn.example/a.jpg"}
			h.mu.Lock()
			if h.prepare != nil {
				h.prepare(a)
			}
			h.adapters = append(h.adapters, a)
			h.mu.Unlock()
			return a, nil
		},
		Credentials:         h.creds,
		Publisher:           h.pub,
		Webhooks:            h.hooks,
		Stats:               h.stats,
		Logger:              zerolog.Nop(),
		ReconnectInitial:    5 * time.Millisecond,
		ReconnectMaxElapsed: 200 * time.Millisecond,
		AvatarTimeout:       time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.m = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) adapterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.adapters)
}

func (h *harness) adapter(t *testing.T, i int) *fakeAdapter {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.adapters) {
		t.Fatalf("adapter %d not created (have %d)", i, len(h.adapters))
	}
	return h.adapters[i]
}

// sync waits until the loop has handled every adapter event emitted so far.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		var queued int
		if err := h.m.exec(context.Background(), func() { queued = len(h.m.events) }); err != nil {
			t.Fatalf("sync: %v", err)
		}
		if queued == 0 {
			return
		}
	}
	t.Fatal("sync: event queue never drained")
}

// waitState polls until the manager reaches want.
func (h *harness) waitState(t *testing.T, want model.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", h.m.State(), want)
}

// connected drives a fresh manager to Connected with identity phone.
func (h *harness) connected(t *testing.T, phone string) *fakeAdapter {
	t.Helper()
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a := h.adapter(t, h.adapterCount()-1)
	a.emit(AdapterEvent{Kind: LinkOpened, Identity: phone})
	h.sync(t)
	if got := h.m.State(); got != model.Connected {
		t.Fatalf("state = %v, want CONNECTED", got)
	}
	return a
}

var errBoom = errors.New("boom")
