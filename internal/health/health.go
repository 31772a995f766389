package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/wa-gateway/backend/internal/model"
)

const probeTimeout = 2 * time.Second

// Report is the body of GET /api/health.
type Report struct {
	Status        string                `json:"status"`
	Connection    model.ConnectionState `json:"connection"`
	UptimeSeconds float64               `json:"uptimeSeconds"`
	Goroutines    int                   `json:"goroutines"`
	Threads       int32                 `json:"threads,omitempty"`
	RSSBytes      uint64                `json:"rssBytes,omitempty"`
	CPUPercent    float64               `json:"cpuPercent"`
	Observers     int                   `json:"observers"`
}

// Handler reports process and session health.
type Handler struct {
	start     time.Time
	proc      *process.Process
	state     func() model.ConnectionState
	observers func() int
	log       zerolog.Logger
}

// New returns a handler for the current process. state and observers may be nil.
func New(state func() model.ConnectionState, observers func() int, log zerolog.Logger) *Handler {
	h := &Handler{
		start:     time.Now(),
		state:     state,
		observers: observers,
		log:       log.With().Str("component", "health").Logger(),
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		h.log.Warn().Err(err).Msg("process stats unavailable")
	} else {
		h.proc = p
	}
	return h
}

func (h *Handler) Report(ctx context.Context) Report {
	r := Report{
		Status:        "ok",
		UptimeSeconds: time.Since(h.start).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if h.state != nil {
		r.Connection = h.state()
		if r.Connection == model.Errored {
			r.Status = "degraded"
		}
	}
	if h.observers != nil {
		r.Observers = h.observers()
	}
	if h.proc == nil {
		return r
	}

	if mem, err := h.proc.MemoryInfoWithContext(ctx); err == nil {
		r.RSSBytes = mem.RSS
	}
	if cpu, err := h.proc.CPUPercentWithContext(ctx); err == nil {
		r.CPUPercent = cpu
	}
	if n, err := h.proc.NumThreadsWithContext(ctx); err == nil {
		r.Threads = n
	}
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Report(ctx)); err != nil {
		h.log.Debug().Err(err).Msg("write health report")
	}
}
