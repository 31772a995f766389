package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/session"
)

const userServer = "s.whatsapp.net"

var (
	ErrNotLinked     = errors.New("mock: link not open")
	ErrAlreadyPaired = errors.New("mock: device already paired")
	errNoAvatar      = errors.New("mock: no profile picture")
)

type Options struct {
	// Tick is the simulation step. Every timed behaviour is counted in ticks.
	Tick time.Duration
	// PairTicks is how long pairing takes before the simulated phone "scans".
	PairTicks int
	// QREvery rotates the QR payload every n ticks while pairing.
	QREvery int
	// DropEvery simulates a recoverable link loss every n linked ticks; zero
	// disables it.
	DropEvery int
	// Quiet disables generated inbound traffic.
	Quiet    bool
	Identity string
	Seed     int64
	Logger   zerolog.Logger
}

func (o *Options) defaults() {
	if o.Tick <= 0 {
		o.Tick = 500 * time.Millisecond
	}
	if o.PairTicks <= 0 {
		o.PairTicks = 10
	}
	if o.QREvery <= 0 {
		o.QREvery = 40
	}
	if o.Identity == "" {
		o.Identity = "15550001234"
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
}

// Device is the simulated credential store shared by every adapter the
// factory builds, so pairing survives reconnects.
type Device struct {
	mu     sync.Mutex
	paired bool
}

func NewDevice(paired bool) *Device {
	return &Device{paired: paired}
}

func (d *Device) Paired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paired
}

func (d *Device) setPaired(v bool) {
	d.mu.Lock()
	d.paired = v
	d.mu.Unlock()
}

// Clear forgets the pairing.
func (d *Device) Clear(ctx context.Context) error {
	d.setPaired(false)
	return nil
}

// Factory builds scripted adapters on device.
func Factory(device *Device, opts Options) session.AdapterFactory {
	opts.defaults()
	return func(sink session.Sink) (session.Adapter, error) {
		ctx, cancel := context.WithCancel(context.Background())
		return &Adapter{
			opts:     opts,
			device:   device,
			sink:     sink,
			log:      opts.Logger.With().Str("component", "mock").Logger(),
			rng:      rand.New(rand.NewSource(opts.Seed)),
			ctx:      ctx,
			cancel:   cancel,
			contacts: defaultContacts(),
		}, nil
	}
}

type receipt struct {
	chat   string
	id     string
	status session.StatusTag
	due    int
}

// Adapter simulates one linked device. All timed behaviour runs on a single
// ticker goroutine started by the first Open.
type Adapter struct {
	opts   Options
	device *Device
	sink   session.Sink
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rng      *rand.Rand
	running  bool
	tick     int
	opening  bool
	pairing  bool
	pairAt   int
	linked   bool
	linkedAt int
	qrSeq    int
	receipts []receipt
	contacts []*mockContact
}

func (a *Adapter) Open(ctx context.Context) error {
	if err := a.ctx.Err(); err != nil {
		return fmt.Errorf("mock: adapter destroyed: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.linked = false
	if a.device.Paired() {
		a.opening = true
	} else if !a.pairing {
		a.pairing = true
		a.qrSeq = 0
		a.pairAt = a.tick + a.opts.PairTicks
	}
	if !a.running {
		a.running = true
		go a.run()
	}
	return nil
}

func (a *Adapter) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device.Paired() {
		return "", ErrAlreadyPaired
	}
	a.pairing = true
	a.pairAt = a.tick + a.opts.PairTicks
	return fmt.Sprintf("%04d-%04d", a.rng.Intn(10000), a.rng.Intn(10000)), nil
}

// ChatID promotes a bare phone number to a user id; full ids pass through.
func (a *Adapter) ChatID(to string) (string, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to, nil
	}
	digits := strings.TrimPrefix(to, "+")
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return "", fmt.Errorf("%w: recipient %q is not a phone number", session.ErrInvalidRequest, to)
	}
	return digits + "@" + userServer, nil
}

func (a *Adapter) Send(ctx context.Context, to, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.linked {
		return "", ErrNotLinked
	}
	id := "MOCK" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	a.receipts = append(a.receipts,
		receipt{chat: to, id: id, status: session.StatusDeliveryAck, due: a.tick + 1},
		receipt{chat: to, id: id, status: session.StatusRead, due: a.tick + 3},
	)
	return id, nil
}

func (a *Adapter) FetchAvatar(ctx context.Context, id string) (string, error) {
	for _, c := range a.contacts {
		if c.chat == id || c.sender == id {
			if c.avatar == "" {
				return "", errNoAvatar
			}
			return c.avatar, nil
		}
	}
	return "", errNoAvatar
}

func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	a.linked = false
	a.pairing = false
	a.mu.Unlock()
	a.device.setPaired(false)
	return nil
}

func (a *Adapter) Destroy() {
	a.cancel()
}

func (a *Adapter) run() {
	ticker := time.NewTicker(a.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range a.step() {
				if a.ctx.Err() != nil {
					return
				}
				a.sink(ev)
			}
		}
	}
}

// step advances the simulation by one tick and returns the events it produced.
func (a *Adapter) step() []session.AdapterEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tick++

	var out []session.AdapterEvent
	switch {
	case a.pairing:
		if a.tick >= a.pairAt {
			a.pairing = false
			a.device.setPaired(true)
			out = append(out, a.link())
			break
		}
		if a.qrSeq == 0 || a.tick%a.opts.QREvery == 0 {
			a.qrSeq++
			out = append(out, session.AdapterEvent{
				Kind: session.QRReceived,
				QR:   fmt.Sprintf("2@mock-%d-%d,%s", a.qrSeq, a.tick, a.opts.Identity),
			})
		}
	case a.opening:
		a.opening = false
		out = append(out, a.link())
	case a.linked:
		out = append(out, a.dueReceipts()...)
		if !a.opts.Quiet {
			out = append(out, a.traffic()...)
		}
		if a.opts.DropEvery > 0 && (a.tick-a.linkedAt)%a.opts.DropEvery == 0 {
			a.linked = false
			a.log.Debug().Int("tick", a.tick).Msg("simulating link loss")
			out = append(out, session.AdapterEvent{Kind: session.LinkClosed, Reason: "mock connection lost", Recoverable: true})
		}
	}
	return out
}

func (a *Adapter) link() session.AdapterEvent {
	a.linked = true
	a.linkedAt = a.tick
	return session.AdapterEvent{Kind: session.LinkOpened, Identity: a.opts.Identity}
}

func (a *Adapter) dueReceipts() []session.AdapterEvent {
	var out []session.AdapterEvent
	kept := a.receipts[:0]
	for _, r := range a.receipts {
		if r.due > a.tick {
			kept = append(kept, r)
			continue
		}
		out = append(out, session.AdapterEvent{
			Kind:      session.MessageStatusChanged,
			ChatID:    r.chat,
			MessageID: r.id,
			Timestamp: time.Now(),
			FromMe:    true,
			Status:    r.status,
		})
	}
	a.receipts = kept
	return out
}
