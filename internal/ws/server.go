package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/metrics"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/session"
	"golang.org/x/time/rate"
)

const (
	maxCommandSize = 64 << 10
	maxBodySize    = 1 << 20
	pongWait       = 60 * time.Second
	commandQueue   = 16
)

// Sessions is the subset of *session.Manager the gateway exposes.
type Sessions interface {
	Connect(ctx context.Context) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	SendMessage(ctx context.Context, req session.SendRequest) (string, error)
	Logout(ctx context.Context) error
	ClearError(ctx context.Context) error
	ConfigureWebhook(url string, enabled bool) error
	RecordAPICall()
	Snapshot() model.Snapshot
	Contacts() []model.Contact
}

type Options struct {
	// APIKey guards /api. An empty key rejects every API call.
	APIKey string
	// AuthToken guards /ws. Empty disables the check.
	AuthToken      string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	CommandTimeout time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Health         http.Handler
}

type Server struct {
	sessions       Sessions
	broadcaster    *Broadcaster
	apiKey         string
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	cmdTimeout     time.Duration
	log            zerolog.Logger
	metrics        *metrics.Metrics
	health         http.Handler
	limiter        *keyedLimiter
}

func NewServer(sessions Sessions, broadcaster *Broadcaster, opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	s := &Server{
		sessions:       sessions,
		broadcaster:    broadcaster,
		apiKey:         opts.APIKey,
		authToken:      opts.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		cmdTimeout:     opts.CommandTimeout,
		log:            opts.Logger.With().Str("component", "gateway").Logger(),
		metrics:        opts.Metrics,
		health:         opts.Health,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		s.limiter = newKeyedLimiter(rate.Limit(opts.RateLimit), burst)
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	if s.health != nil {
		mux.Handle("GET /api/health", s.health)
	}
	mux.Handle("GET /metrics", s.metrics.Handler())

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireAPIKey(s.rateLimited(h)))
	}
	api("GET /api/status", s.handleStatus)
	api("POST /api/connect", s.handleConnect)
	api("POST /api/pairing-code", s.handlePairingCode)
	api("POST /api/message/send", s.handleSend)
	api("POST /api/logout", s.handleLogout)
	api("POST /api/error/clear", s.handleClearError)
	api("GET /api/webhook", s.handleGetWebhook)
	api("POST /api/webhook", s.handleSetWebhook)
	api("GET /api/stats", s.handleStats)
	api("GET /api/contacts", s.handleContacts)
	for _, p := range []string{
		"POST /api/message/send/image",
		"POST /api/message/send/audio",
		"POST /api/message/send/video",
		"POST /api/message/send/location",
		"POST /api/group/create",
	} {
		api(p, notImplemented)
	}
}

// Handler returns the full route table behind the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting websocket client")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.log.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	go s.readPump(c, r.RemoteAddr)
}

func (s *Server) readPump(c *client, remote string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.broadcaster.RemoveClient(c)
		s.log.Info().Str("remote", remote).Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// One observer's commands run in the order they were sent.
	cmds := make(chan ClientCommand, commandQueue)
	defer close(cmds)
	go func() {
		for cmd := range cmds {
			s.runCommand(ctx, c, cmd)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.broadcaster.sendTo(c, MsgCommandError, CommandErrorPayload{Message: "malformed command"})
			continue
		}
		select {
		case cmds <- cmd:
		default:
			s.broadcaster.sendTo(c, MsgCommandError, CommandErrorPayload{Command: cmd.Type, Message: "too many pending commands"})
		}
	}
}

func (s *Server) runCommand(ctx context.Context, c *client, cmd ClientCommand) {
	ctx, cancel := context.WithTimeout(ctx, s.cmdTimeout)
	defer cancel()

	if err := s.execCommand(ctx, cmd); err != nil {
		s.log.Debug().Err(err).Str("command", string(cmd.Type)).Msg("command failed")
		s.broadcaster.sendTo(c, MsgCommandError, CommandErrorPayload{Command: cmd.Type, Message: err.Error()})
	}
}

// execCommand maps an observer command onto the session verbs. Results reach
// observers through the regular event stream.
func (s *Server) execCommand(ctx context.Context, cmd ClientCommand) error {
	switch cmd.Type {
	case CmdRequestQR:
		return s.sessions.Connect(ctx)
	case CmdRequestCode:
		var p RequestCodePayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		_, err := s.sessions.RequestPairingCode(ctx, p.PhoneNumber)
		return err
	case CmdSendMessage:
		var p session.SendRequest
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		_, err := s.sessions.SendMessage(ctx, p)
		return err
	case CmdLogout:
		return s.sessions.Logout(ctx)
	case CmdSaveWebhook:
		var p SaveWebhookPayload
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return s.sessions.ConfigureWebhook(p.URL, p.Enabled)
	case CmdClearError:
		return s.sessions.ClearError(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", session.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidRequest, err)
	}
	return nil
}

// --- REST ---

type apiResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Code      string `json:"code,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Connect(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, apiResponse{Status: "success"})
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	var body RequestCodePayload
	if !readJSON(w, r, &body) {
		return
	}
	code, err := s.sessions.RequestPairingCode(r.Context(), body.PhoneNumber)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success", Code: code})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body session.SendRequest
	if !readJSON(w, r, &body) {
		return
	}
	if body.To == "" || body.Text == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: `Missing "to" or "text" in request body`})
		return
	}
	id, err := s.sessions.SendMessage(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success", MessageID: id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success"})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ClearError(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success"})
}

type webhookView struct {
	URL     string               `json:"webhookUrl"`
	Enabled bool                 `json:"isWebhookEnabled"`
	Events  []model.WebhookEvent `json:"webhookEvents"`
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	writeJSON(w, http.StatusOK, webhookView{URL: snap.WebhookURL, Enabled: snap.IsWebhookEnabled, Events: snap.WebhookEvents})
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var body SaveWebhookPayload
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.sessions.ConfigureWebhook(body.URL, body.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Status: "success"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot().DashboardStats)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Contacts())
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, apiResponse{Status: "error", Message: "Endpoint not implemented yet."})
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrSessionError):
		return http.StatusConflict
	case errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Warn().Err(err).Int("status", code).Msg("api call failed")
	}
	writeJSON(w, code, apiResponse{Status: "error", Message: err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- auth & limits ---

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, apiResponse{Status: "error", Message: "Unauthorized: Invalid API Key"})
			return
		}
		s.sessions.RecordAPICall()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			s.metrics.RateLimited()
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, apiResponse{Status: "error", Message: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const maxLimiters = 4096

// keyedLimiter hands out one token bucket per remote host.
type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newKeyedLimiter(limit rate.Limit, burst int) *keyedLimiter {
	return &keyedLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		if len(k.limiters) >= maxLimiters {
			k.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Gateway-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe serves h on host:port until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, h http.Handler, log zerolog.Logger) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
