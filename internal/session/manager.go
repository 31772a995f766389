package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/metrics"
	"github.com/wa-gateway/backend/internal/model"
)

var (
	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrSessionError     = errors.New("session is in error state, clear it first")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrManagerClosed    = errors.New("session manager stopped")
)

// UnsupportedText stands in for inbound messages without a text body.
const UnsupportedText = "Unsupported message type"

const (
	pairingFailedMessage = "Could not request pairing code. Is the phone number valid?"
	teardownTimeout      = 15 * time.Second
	eventBuffer          = 256
)

// Publisher fans events out to observers. Satisfied by *ws.Broadcaster.
type Publisher interface {
	Publish(kind model.EventKind, payload any)
}

// Webhooks is the outbound webhook pipeline. Satisfied by *webhook.Dispatcher.
type Webhooks interface {
	Dispatch(event string, payload any)
	Configure(url string, enabled bool)
	Config() model.WebhookConfig
	Log() []model.WebhookEvent
}

// Stats is the traffic counter set. Satisfied by *stats.Aggregator.
type Stats interface {
	RecordSent()
	RecordReceived()
	RecordAPICall()
	Reset()
	Snapshot() model.DashboardStats
}

type Options struct {
	Factory     AdapterFactory
	Credentials CredentialStore
	Publisher   Publisher
	Webhooks    Webhooks
	Stats       Stats
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Privacy     PrivacyFilter

	ReconnectInitial    time.Duration
	ReconnectMaxElapsed time.Duration
	AvatarTTL           time.Duration
	AvatarTimeout       time.Duration
}

// SendRequest is an outbound text message. TempID is the caller's provisional
// id, echoed back in a messageUpdate once the protocol id is known.
type SendRequest struct {
	To     string `json:"to"`
	Text   string `json:"text"`
	TempID string `json:"tempId,omitempty"`
}

type pendingMessage struct {
	contact model.Contact
	message model.Message
}

// Manager owns the single protocol session. All session mutation happens on
// the goroutine running Run; the exported verbs hand work to it and perform
// network calls on the caller's goroutine.
type Manager struct {
	opts     Options
	log      zerolog.Logger
	contacts *Store
	avatars  *avatars

	cmds   chan func()
	events chan AdapterEvent
	done   chan struct{}
	runCtx context.Context

	// Owned by the loop.
	adapter         Adapter
	gen             uint64
	reconnecting    bool
	reconnectAgain  bool
	reconnectCancel context.CancelFunc
	tearing         chan struct{}
	pending         map[string][]pendingMessage

	mu      sync.RWMutex
	state   model.ConnectionState
	phone   string
	pairing model.PairingMaterial
}

func New(opts Options) *Manager {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMaxElapsed <= 0 {
		opts.ReconnectMaxElapsed = 5 * time.Minute
	}
	if opts.AvatarTTL <= 0 {
		opts.AvatarTTL = time.Hour
	}
	if opts.AvatarTimeout <= 0 {
		opts.AvatarTimeout = 5 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	log := opts.Logger.With().Str("component", "session").Logger()

	return &Manager{
		opts:     opts,
		log:      log,
		contacts: NewStore(),
		avatars:  newAvatars(opts.AvatarTTL, opts.AvatarTimeout, log),
		cmds:     make(chan func()),
		events:   make(chan AdapterEvent, eventBuffer),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		pending:  make(map[string][]pendingMessage),
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.EventKind, any) {}

// Run processes verbs and adapter events until ctx is cancelled. On return the
// adapter is destroyed but credentials are kept.
func (m *Manager) Run(ctx context.Context) {
	m.runCtx = ctx
	defer m.shutdown()
	defer close(m.done)

	m.opts.Metrics.SetConnectionState(model.Disconnected)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.cmds:
			fn()
		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) shutdown() {
	m.cancelReconnect()
	if m.adapter != nil {
		m.adapter.Destroy()
		m.adapter = nil
	}
	if m.tearing != nil {
		select {
		case <-m.tearing:
		case <-time.After(teardownTimeout):
			m.log.Warn().Msg("credential cleanup still running at shutdown")
		}
	}
}

// do hands fn to the loop without waiting for it to run.
func (m *Manager) do(ctx context.Context, fn func()) error {
	select {
	case m.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrManagerClosed
	}
}

// exec runs fn on the loop and waits for it.
func (m *Manager) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := m.do(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

func (m *Manager) sinkFor(gen uint64) Sink {
	return func(ev AdapterEvent) {
		ev.gen = gen
		select {
		case m.events <- ev:
		case <-m.done:
		}
	}
}

// --- verbs ---

// Connect starts a session if none exists. With a session already in place it
// only re-announces the current QR code.
func (m *Manager) Connect(ctx context.Context) error {
	a, gen, opened, err := m.acquire(ctx, false)
	if err != nil || !opened {
		return err
	}
	return m.open(ctx, a, gen)
}

// RequestPairingCode links by phone number instead of QR, connecting first
// when needed.
func (m *Manager) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return "", fmt.Errorf("%w: phone number is required", ErrInvalidRequest)
	}

	a, gen, opened, err := m.acquire(ctx, true)
	if err != nil {
		return "", err
	}
	if opened {
		if err := m.open(ctx, a, gen); err != nil {
			return "", err
		}
	}

	code, err := a.RequestPairingCode(ctx, phone)
	if err != nil {
		m.log.Warn().Err(err).Str("phone", m.opts.Privacy.ID(phone)).Msg("pairing code request failed")
		_ = m.exec(context.Background(), func() { m.applyPairingFailure(gen, pairingFailedMessage) })
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	_ = m.exec(context.Background(), func() { m.applyPairingCode(gen, code) })
	return code, nil
}

// acquire returns the current adapter, creating it when there is none.
// opened reports whether a fresh adapter was created and still needs Open.
func (m *Manager) acquire(ctx context.Context, forPairing bool) (a Adapter, gen uint64, opened bool, err error) {
	for {
		var wait chan struct{}
		if e := m.exec(ctx, func() {
			if m.tearing != nil {
				select {
				case <-m.tearing:
					m.tearing = nil
				default:
					wait = m.tearing
					return
				}
			}
			if forPairing && m.State() == model.Connected {
				err = ErrAlreadyConnected
				return
			}
			a, gen, opened, err = m.beginConnect()
		}); e != nil {
			return nil, 0, false, e
		}
		if wait == nil {
			return a, gen, opened, err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, 0, false, ctx.Err()
		}
	}
}

func (m *Manager) beginConnect() (Adapter, uint64, bool, error) {
	if m.State() == model.Errored {
		return nil, 0, false, ErrSessionError
	}
	if m.adapter != nil {
		m.mu.RLock()
		qr := m.pairing.QR
		m.mu.RUnlock()
		if qr != "" {
			m.publish(model.EventQR, model.QRPayload{QR: qr})
		}
		return m.adapter, m.gen, false, nil
	}

	m.gen++
	gen := m.gen
	a, err := m.opts.Factory(m.sinkFor(gen))
	if err != nil {
		m.log.Error().Err(err).Msg("create session adapter")
		m.enterError(fmt.Sprintf("create session: %v", err))
		return nil, 0, false, fmt.Errorf("create session: %w", err)
	}
	m.adapter = a
	m.log.Info().Uint64("generation", gen).Msg("session starting")
	m.setState(model.Pairing, "")
	return a, gen, true, nil
}

func (m *Manager) open(ctx context.Context, a Adapter, gen uint64) error {
	err := a.Open(ctx)
	if err == nil {
		return nil
	}
	m.log.Error().Err(err).Msg("open session")
	_ = m.exec(context.Background(), func() {
		if gen != m.gen {
			return
		}
		if old := m.detachAdapter(); old != nil {
			go old.Destroy()
		}
		m.enterError(fmt.Sprintf("open session: %v", err))
	})
	return fmt.Errorf("open session: %w", err)
}

// SendMessage sends a text message through the connected session.
func (m *Manager) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || req.Text == "" {
		return "", fmt.Errorf("%w: to and text are required", ErrInvalidRequest)
	}

	var a Adapter
	var err error
	if e := m.exec(ctx, func() {
		if m.State() != model.Connected || m.adapter == nil {
			err = ErrNotConnected
			return
		}
		a = m.adapter
	}); e != nil {
		return "", e
	}
	if err != nil {
		return "", err
	}

	// Record and report under the id the protocol uses for this chat, so
	// receipts and replies land on the same contact.
	chat, err := a.ChatID(req.To)
	if err != nil {
		if !errors.Is(err, ErrInvalidRequest) {
			err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return "", err
	}
	req.To = chat

	id, err := a.Send(ctx, req.To, req.Text)
	if err != nil {
		m.log.Warn().Err(err).Str("to", m.opts.Privacy.ID(req.To)).Msg("send failed")
		return "", fmt.Errorf("send message: %w", err)
	}
	if e := m.exec(context.Background(), func() { m.recordSent(req, id) }); e != nil {
		m.log.Warn().Err(e).Str("id", id).Msg("message sent but not recorded")
	}
	return id, nil
}

// Logout unlinks the device and returns to Disconnected. Protocol errors are
// logged; local cleanup always happens.
func (m *Manager) Logout(ctx context.Context) error {
	var done chan struct{}
	if err := m.exec(ctx, func() {
		a := m.detachAdapter()
		m.resetSession()
		done = m.startTeardown(a, true)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearError leaves the Error state. The adapter is discarded; credentials
// are kept.
func (m *Manager) ClearError(ctx context.Context) error {
	return m.exec(ctx, func() {
		if m.State() != model.Errored {
			return
		}
		if a := m.detachAdapter(); a != nil {
			go a.Destroy()
		}
		m.setState(model.Disconnected, "")
	})
}

// ConfigureWebhook replaces the webhook target. An empty URL is allowed and
// effectively disables delivery.
func (m *Manager) ConfigureWebhook(rawURL string, enabled bool) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook url must be an absolute http(s) url", ErrInvalidRequest)
		}
	}
	m.opts.Webhooks.Configure(rawURL, enabled)
	return nil
}

func (m *Manager) RecordAPICall() {
	m.opts.Stats.RecordAPICall()
}

func (m *Manager) State() model.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Contacts() []model.Contact {
	return m.contacts.GetAll()
}

// Snapshot returns everything a newly attached observer needs.
func (m *Manager) Snapshot() model.Snapshot {
	m.mu.RLock()
	snap := model.Snapshot{
		ConnectionStatus: m.state,
		ConnectedPhone:   m.phone,
		QRCode:           m.pairing.QR,
		PairingCode:      m.pairing.Code,
		PairingError:     m.pairing.Error,
	}
	m.mu.RUnlock()

	wc := m.opts.Webhooks.Config()
	snap.WebhookURL = wc.URL
	snap.IsWebhookEnabled = wc.Enabled
	snap.WebhookEvents = m.opts.Webhooks.Log()
	snap.DashboardStats = m.opts.Stats.Snapshot()
	snap.Contacts = m.contacts.GetAll()
	return snap
}

// --- loop internals ---

func (m *Manager) publish(kind model.EventKind, payload any) {
	m.opts.Publisher.Publish(kind, payload)
}

// setState moves to st and announces it. Pairing material only survives in
// Pairing, the phone only in Connected and the error only in Error.
func (m *Manager) setState(st model.ConnectionState, phone string) {
	m.mu.Lock()
	prev := m.state
	m.state = st
	m.phone = ""
	if st == model.Connected {
		m.phone = phone
	}
	if st != model.Pairing {
		m.pairing.QR = ""
		m.pairing.Code = ""
	}
	if st != model.Errored {
		m.pairing.Error = ""
	}
	phone = m.phone
	m.mu.Unlock()

	if prev != st {
		ev := m.log.Info().Str("from", prev.String()).Str("to", st.String())
		if phone != "" {
			ev = ev.Str("phone", m.opts.Privacy.ID(phone))
		}
		ev.Msg("connection state changed")
	}
	m.opts.Metrics.SetConnectionState(st)
	m.publish(model.EventStatusUpdate, model.StatusUpdatePayload{Status: st, Phone: phone})
}

func (m *Manager) enterError(msg string) {
	m.mu.Lock()
	m.pairing.Error = msg
	m.mu.Unlock()
	m.setState(model.Errored, "")
	m.publish(model.EventPairingError, model.PairingErrorPayload{Message: msg})
}

// detachAdapter forgets the current adapter and bumps the generation so its
// late events and avatar lookups are dropped.
func (m *Manager) detachAdapter() Adapter {
	a := m.adapter
	m.adapter = nil
	m.gen++
	m.cancelReconnect()
	clear(m.pending)
	return a
}

// resetSession is the shared cleanup for logout and remote logout.
func (m *Manager) resetSession() {
	m.opts.Stats.Reset()
	m.setState(model.Disconnected, "")
	m.publish(model.EventDashboardStats, m.opts.Stats.Snapshot())
}

// startTeardown logs out (optionally), destroys a and clears credentials off
// the loop. New sessions wait for it to finish.
func (m *Manager) startTeardown(a Adapter, logout bool) chan struct{} {
	done := make(chan struct{})
	prev := m.tearing
	m.tearing = done
	creds := m.opts.Credentials
	log := m.log

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if a != nil {
			if logout {
				if err := a.Logout(ctx); err != nil {
					log.Warn().Err(err).Msg("protocol logout failed")
				}
			}
			a.Destroy()
		}
		if creds != nil {
			if err := creds.Clear(ctx); err != nil {
				log.Warn().Err(err).Msg("clear credentials")
			}
		}
		log.Info().Msg("session cleaned up")
	}()
	return done
}

func (m *Manager) handleEvent(ev AdapterEvent) {
	if ev.gen != m.gen || m.adapter == nil {
		m.opts.Metrics.StaleEvent()
		m.log.Debug().Str("kind", ev.Kind.String()).Uint64("generation", ev.gen).Msg("dropping stale adapter event")
		return
	}

	switch ev.Kind {
	case QRReceived:
		m.onQR(ev.QR)
	case PairingCodeReady:
		m.applyPairingCode(ev.gen, ev.Code)
	case PairingCodeFailed:
		msg := ev.Error
		if msg == "" {
			msg = pairingFailedMessage
		}
		m.applyPairingFailure(ev.gen, msg)
	case LinkOpened:
		m.onLinkOpened(ev.Identity)
	case LinkClosed:
		m.onLinkClosed(ev)
	case MessageReceived:
		m.onMessage(ev)
	case MessageStatusChanged:
		m.onStatus(ev)
	}
}

func (m *Manager) onQR(qr string) {
	if qr == "" || m.State() != model.Pairing {
		return
	}
	m.mu.Lock()
	if m.pairing.Code != "" {
		// A pairing code is on screen; a QR would replace it.
		m.mu.Unlock()
		return
	}
	m.pairing.QR = qr
	m.mu.Unlock()
	m.publish(model.EventQR, model.QRPayload{QR: qr})
}

func (m *Manager) applyPairingCode(gen uint64, code string) {
	if gen != m.gen || m.State() != model.Pairing {
		return
	}
	m.mu.Lock()
	m.pairing.Code = code
	m.pairing.QR = ""
	m.mu.Unlock()
	m.publish(model.EventCode, model.CodePayload{Code: code})
}

func (m *Manager) applyPairingFailure(gen uint64, msg string) {
	if gen != m.gen {
		return
	}
	m.enterError(msg)
}

// onLinkOpened completes pairing or a reconnect. Error is only left through
// ClearError, so a link opening there is ignored.
func (m *Manager) onLinkOpened(identity string) {
	switch st := m.State(); st {
	case model.Pairing, model.Connected:
		m.cancelReconnect()
		m.setState(model.Connected, identity)
	default:
		m.log.Debug().Str("state", st.String()).Msg("ignoring link opened")
	}
}

func (m *Manager) onLinkClosed(ev AdapterEvent) {
	switch st := m.State(); st {
	case model.Pairing, model.Connected:
	default:
		m.log.Debug().Str("state", st.String()).Str("reason", ev.Reason).Msg("ignoring link closed")
		return
	}

	if !ev.Recoverable {
		m.log.Info().Str("reason", ev.Reason).Msg("logged out remotely")
		a := m.detachAdapter()
		m.resetSession()
		m.startTeardown(a, false)
		return
	}

	m.log.Info().Str("reason", ev.Reason).Msg("link closed, reconnecting")
	m.setState(model.Pairing, "")
	m.startReconnect()
}

func (m *Manager) startReconnect() {
	if m.reconnecting {
		m.reconnectAgain = true
		return
	}
	a, gen := m.adapter, m.gen
	ctx, cancel := context.WithCancel(m.runCtx)
	m.reconnecting = true
	m.reconnectCancel = cancel

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectInitial
	b.MaxElapsedTime = m.opts.ReconnectMaxElapsed
	b.Reset()
	log := m.log

	go func() {
		err := backoff.RetryNotify(func() error {
			return a.Open(ctx)
		}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("reconnect attempt failed")
		})
		_ = m.do(context.Background(), func() { m.reconnectFinished(gen, err) })
	}()
}

func (m *Manager) reconnectFinished(gen uint64, err error) {
	if gen != m.gen || !m.reconnecting {
		return
	}
	m.cancelReconnect()
	if err != nil {
		if a := m.detachAdapter(); a != nil {
			go a.Destroy()
		}
		m.enterError(fmt.Sprintf("reconnect failed: %v", err))
		return
	}
	if m.reconnectAgain {
		m.reconnectAgain = false
		m.startReconnect()
	}
}

func (m *Manager) cancelReconnect() {
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	m.reconnecting = false
	m.reconnectAgain = false
}

func (m *Manager) onMessage(ev AdapterEvent) {
	if ev.FromMe {
		return
	}
	id := ev.ChatID
	if id == "" {
		id = ev.SenderID
	}
	if id == "" {
		return
	}
	name := ev.SenderName
	if name == "" {
		name = id
	}
	text := ev.Text
	if text == "" {
		text = UnsupportedText
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msgID := ev.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	msg := model.Message{
		ID:        msgID,
		Text:      text,
		Timestamp: ts,
		Sender:    model.Inbound,
		Status:    model.StatusDelivered,
	}
	contact := m.contacts.Upsert(id, name, func(c *model.Contact) {
		if ev.SenderName != "" {
			c.Name = ev.SenderName
		}
		c.LastMessage = text
		c.Timestamp = ts
		c.UnreadCount++
		c.Messages = append(c.Messages, msg)
	})
	m.opts.Stats.RecordReceived()
	m.opts.Metrics.Message(model.Inbound)

	p := pendingMessage{contact: contact, message: msg}
	if queue, busy := m.pending[id]; busy {
		m.pending[id] = append(queue, p)
		return
	}
	if u, ok := m.avatars.cached(id); ok {
		m.contacts.SetAvatar(id, u)
		p.contact.AvatarURL = u
		m.emitMessage(p)
		return
	}

	m.pending[id] = []pendingMessage{p}
	a, gen, ctx := m.adapter, m.gen, m.runCtx
	go func() {
		u := m.avatars.resolve(ctx, a, id)
		_ = m.do(context.Background(), func() { m.avatarResolved(gen, id, u) })
	}()
}

func (m *Manager) avatarResolved(gen uint64, id, avatarURL string) {
	if gen != m.gen {
		return
	}
	m.contacts.SetAvatar(id, avatarURL)
	queue := m.pending[id]
	delete(m.pending, id)
	for _, p := range queue {
		p.contact.AvatarURL = avatarURL
		m.emitMessage(p)
	}
}

func (m *Manager) emitMessage(p pendingMessage) {
	m.publish(model.EventNewMessage, model.NewMessagePayload{Contact: p.contact, Message: p.message})
	m.opts.Webhooks.Dispatch(model.HookNewMessage, model.NewMessageHook{Contact: p.contact, Message: p.message})
}

func (m *Manager) onStatus(ev AdapterEvent) {
	if !ev.FromMe || ev.MessageID == "" {
		return
	}
	status := deliveryStatus(ev.Status)
	found, changed := m.contacts.UpdateStatus(ev.ChatID, ev.MessageID, status)
	if found && !changed {
		return
	}
	m.publish(model.EventMessageUpdate, model.MessageUpdatePayload{
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
		Status:    status,
	})
}

func (m *Manager) recordSent(req SendRequest, id string) {
	now := time.Now()
	m.contacts.Upsert(req.To, req.To, func(c *model.Contact) {
		c.LastMessage = req.Text
		c.Timestamp = now
		c.Messages = append(c.Messages, model.Message{
			ID:        id,
			Text:      req.Text,
			Timestamp: now,
			Sender:    model.Outbound,
			Status:    model.StatusSent,
		})
	})
	m.opts.Stats.RecordSent()
	m.opts.Metrics.Message(model.Outbound)

	if req.TempID != "" {
		m.publish(model.EventMessageUpdate, model.MessageUpdatePayload{
			ChatID:    req.To,
			MessageID: req.TempID,
			Status:    model.StatusSent,
			FinalID:   id,
		})
	}
	m.opts.Webhooks.Dispatch(model.HookMessageSent, model.MessageSentHook{To: req.To, Text: req.Text, MessageID: id})
}

func deliveryStatus(tag StatusTag) model.DeliveryStatus {
	switch tag {
	case StatusDeliveryAck:
		return model.StatusDelivered
	case StatusRead, StatusPlayed:
		return model.StatusRead
	default:
		return model.StatusSent
	}
}

// normalizePhone keeps only the digits of a phone number.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
