package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/metrics"
	"github.com/wa-gateway/backend/internal/model"
)

const (
	// LogCapacity bounds the delivery log; older entries are evicted.
	LogCapacity = 50

	DefaultTimeout   = 5 * time.Second
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Recorder counts finished deliveries. Satisfied by *stats.Aggregator.
type Recorder interface {
	RecordWebhook()
}

// RecordFunc is called with every finalised event, after it is in the log.
type RecordFunc func(model.WebhookEvent)

type Options struct {
	Timeout   time.Duration
	Workers   int
	QueueSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Recorder  Recorder
	Client    *http.Client
}

type job struct {
	url   string
	seq   uint64
	event model.WebhookEvent
}

// entry is a finished event tagged with its dispatch sequence.
type entry struct {
	seq   uint64
	event model.WebhookEvent
}

// Dispatcher POSTs events to the configured target on a small worker pool.
// Each dispatched event is attempted once and always ends up in the log as
// SUCCESS or FAILED.
type Dispatcher struct {
	client   *http.Client
	timeout  time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
	recorder Recorder
	onRecord RecordFunc
	now      func() time.Time

	mu      sync.Mutex
	target  model.WebhookConfig
	seq     uint64
	entries []entry // newest dispatch first
	closed  bool

	queue chan job
	wg    sync.WaitGroup
}

// New starts the worker pool. Call Close to stop it.
func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	d := &Dispatcher{
		client:   client,
		timeout:  opts.Timeout,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
		now:      time.Now,
		queue:    make(chan job, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// OnRecord registers the callback for finalised events. Must be called before
// the first Dispatch.
func (d *Dispatcher) OnRecord(fn RecordFunc) {
	d.onRecord = fn
}

// Configure replaces the target. Events already queued keep the target they
// were enqueued with.
func (d *Dispatcher) Configure(url string, enabled bool) {
	d.mu.Lock()
	d.target = model.WebhookConfig{URL: url, Enabled: enabled}
	d.mu.Unlock()
	d.log.Info().Str("url", url).Bool("enabled", enabled).Msg("webhook configured")
}

// Config returns the current target.
func (d *Dispatcher) Config() model.WebhookConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// Log returns a copy of the delivery log, most recently dispatched first.
func (d *Dispatcher) Log() []model.WebhookEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.WebhookEvent, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.event
	}
	return out
}

// Dispatch enqueues one delivery. It is a no-op when the webhook is disabled
// or has no URL, and never blocks the caller.
func (d *Dispatcher) Dispatch(event string, payload any) {
	d.mu.Lock()
	target := d.target
	closed := d.closed
	d.mu.Unlock()

	if !target.Active() || closed {
		return
	}

	// The envelope goes out as FAILED and is only promoted once the target
	// acknowledges it.
	ev := model.WebhookEvent{
		ID:        "wh_" + uuid.NewString(),
		Event:     event,
		Payload:   payload,
		Status:    model.WebhookFailed,
		Timestamp: d.now().UTC(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.seq++
	seq := d.seq
	select {
	case d.queue <- job{url: target.URL, seq: seq, event: ev}:
		d.mu.Unlock()
		return
	default:
	}
	d.mu.Unlock()

	d.log.Warn().Str("event", event).Msg("webhook queue full, recording as failed")
	d.metrics.WebhookDropped()
	d.finish(seq, ev, 0)
}

// Close stops accepting events and waits for queued deliveries to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		start := time.Now()
		err := d.post(j.url, j.event)
		ev := j.event
		if err != nil {
			ev.Status = model.WebhookFailed
			d.log.Warn().Err(err).Str("event", ev.Event).Str("url", j.url).Msg("webhook delivery failed")
		} else {
			ev.Status = model.WebhookSuccess
			d.log.Debug().Str("event", ev.Event).Str("url", j.url).Msg("webhook delivered")
		}
		d.finish(j.seq, ev, time.Since(start).Seconds())
	}
}

func (d *Dispatcher) post(url string, ev model.WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook target returned %s", resp.Status)
	}
	return nil
}

// finish records ev in the log by dispatch order, so a slow early delivery
// cannot evict an event dispatched after it.
func (d *Dispatcher) finish(seq uint64, ev model.WebhookEvent, seconds float64) {
	d.mu.Lock()
	i := slices.IndexFunc(d.entries, func(e entry) bool { return e.seq < seq })
	if i < 0 {
		i = len(d.entries)
	}
	d.entries = slices.Insert(d.entries, i, entry{seq: seq, event: ev})
	if len(d.entries) > LogCapacity {
		d.entries = d.entries[:LogCapacity]
	}
	d.mu.Unlock()

	d.metrics.WebhookDelivered(ev.Status, seconds)
	if d.recorder != nil {
		d.recorder.RecordWebhook()
	}
	if d.onRecord != nil {
		d.onRecord(ev)
	}
}
