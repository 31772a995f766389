package stats

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/wa-gateway/backend/internal/model"
)

// DefaultInterval is how often Run publishes a dashboard snapshot.
const DefaultInterval = 5 * time.Second

// PublishFunc receives each periodic snapshot.
type PublishFunc func(model.DashboardStats)

type counters struct {
	sent     int
	received int
	webhooks int
	apiCalls int
}

// Aggregator holds the process-wide traffic counters. All methods are safe for
// concurrent use; snapshots are copies.
type Aggregator struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time

	total   counters
	week    counters
	prev    counters
	hasPrev bool
	start   time.Time // Monday 00:00 of the week being counted
	traffic [7]model.TrafficDay
}

// New creates an Aggregator that publishes every interval. A non-positive
// interval falls back to DefaultInterval.
func New(interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	a := &Aggregator{interval: interval, now: time.Now}
	a.resetTraffic()
	return a
}

func (a *Aggregator) RecordSent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	day := a.rotate()
	a.total.sent++
	a.week.sent++
	a.traffic[day].Sent++
}

func (a *Aggregator) RecordReceived() {
	a.mu.Lock()
	defer a.mu.Unlock()
	day := a.rotate()
	a.total.received++
	a.week.received++
	a.traffic[day].Received++
}

func (a *Aggregator) RecordWebhook() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotate()
	a.total.webhooks++
	a.week.webhooks++
}

func (a *Aggregator) RecordAPICall() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotate()
	a.total.apiCalls++
	a.week.apiCalls++
}

// Reset zeroes every counter, the histogram and the week-over-week baseline.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = counters{}
	a.week = counters{}
	a.prev = counters{}
	a.hasPrev = false
	a.start = time.Time{}
	a.resetTraffic()
}

// Snapshot returns a copy of the current stats.
func (a *Aggregator) Snapshot() model.DashboardStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotate()

	st := model.DashboardStats{
		MessageSent:     a.total.sent,
		MessageReceived: a.total.received,
		WebhookEvents:   a.total.webhooks,
		APICalls:        a.total.apiCalls,
		WeeklyTraffic:   a.traffic,
	}
	if a.hasPrev {
		st.SentChange = change(a.prev.sent, a.week.sent)
		st.ReceivedChange = change(a.prev.received, a.week.received)
		st.WebhookChange = change(a.prev.webhooks, a.week.webhooks)
		st.APICallsChange = change(a.prev.apiCalls, a.week.apiCalls)
	}
	return st
}

// Run publishes a snapshot every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, publish PublishFunc) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish(a.Snapshot())
		}
	}
}

// rotate moves the week window forward when the clock has crossed into a new
// week and returns today's histogram index. Callers hold mu.
func (a *Aggregator) rotate() int {
	now := a.now()
	ws := weekStart(now)
	switch {
	case a.start.IsZero():
		a.start = ws
	case ws.After(a.start):
		// Only an adjacent week is a meaningful baseline.
		if ws.Sub(a.start) <= 8*24*time.Hour {
			a.prev = a.week
			a.hasPrev = true
		} else {
			a.prev = counters{}
			a.hasPrev = false
		}
		a.week = counters{}
		a.start = ws
		a.resetTraffic()
	}
	return weekdayIndex(now)
}

func (a *Aggregator) resetTraffic() {
	for i, name := range model.Weekdays {
		a.traffic[i] = model.TrafficDay{Name: name}
	}
}

// weekdayIndex maps t to 0 for Monday through 6 for Sunday.
func weekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// weekStart returns Monday 00:00 of the week containing t, in t's location.
func weekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -weekdayIndex(t))
}

// change is the percentage delta from prev to cur, rounded to one decimal.
// A zero baseline yields 0.
func change(prev, cur int) float64 {
	if prev == 0 {
		return 0
	}
	pct := float64(cur-prev) / float64(prev) * 100
	return math.Round(pct*10) / 10
}
