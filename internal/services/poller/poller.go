package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CourierBox/internal/logging"
	"go.uber.org/zap"
)

// Job runs one cycle and reports how many items it handled.
type Job func(ctx context.Context) (int, error)

// Poller runs a Job on a fixed interval and on demand via Trigger.
type Poller struct {
	name string
	job  Job
	log  *zap.Logger

	interval  time.Duration
	immediate bool

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(name string, job Job) *Poller {
	return &Poller{
		name:              name,
		job:               job,
		log:               zap.NewNop(),
		interval:          30 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithSettings(interval time.Duration, immediate bool) *Poller {
	if interval > 0 {
		p.interval = interval
	}
	p.immediate = immediate
	return p
}

func (p *Poller) WithLogger(l *zap.Logger) *Poller {
	p.log = logging.OrNop(l).With(zap.String("poller", p.name))
	return p
}

func (p *Poller) Interval() time.Duration { return p.interval }

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	Name           string     `json:"name"`
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalRuns      int64      `json:"totalRuns"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		Name:           p.name,
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalRuns:      p.totalRuns.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalErrors:    p.totalErrors.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	if p.immediate {
		p.runOnce(ctx)
	}

	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

// Start runs the loop in the background. The returned stop cancels it and
// waits for the current cycle to finish.
func (p *Poller) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())
	p.totalRuns.Add(1)

	p.inFlight.Add(1)
	n, err := p.job(ctx)
	p.inFlight.Add(-1)

	p.totalProcessed.Add(int64(n))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.totalErrors.Add(1)
		p.lastErrorMu.Lock()
		p.lastError = err.Error()
		p.lastErrorMu.Unlock()
		p.log.Error("poll cycle", zap.Error(err))
	}
}
