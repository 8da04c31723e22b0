package engine

import (
	"time"

	"github.com/openfroyo/rowforge/pkg/telemetry"
)

// ProgressConfig controls how often progress is reported.
type ProgressConfig struct {
	// EveryRows emits after this many processed rows. Default 100.
	EveryRows int

	// Interval emits when this much time passed since the last emission.
	// Default 5s.
	Interval time.Duration
}

func (c ProgressConfig) withDefaults() ProgressConfig {
	if c.EveryRows <= 0 {
		c.EveryRows = 100
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	return c
}

// progressEmitter reports progress on the first row, every EveryRows rows,
// every Interval, and once when the run ends.
type progressEmitter struct {
	cfg      ProgressConfig
	runID    string
	started  time.Time
	last     time.Time
	lastRows int
	emitted  bool
	onEmit   func(Progress)
	events   *telemetry.EventPublisher
	now      func() time.Time
}

func newProgressEmitter(cfg ProgressConfig, runID string, onEmit func(Progress), events *telemetry.EventPublisher, now func() time.Time) *progressEmitter {
	t := now()
	return &progressEmitter{
		cfg:     cfg.withDefaults(),
		runID:   runID,
		started: t,
		last:    t,
		onEmit:  onEmit,
		events:  events,
		now:     now,
	}
}

// Tick emits when a threshold was crossed.
func (p *progressEmitter) Tick(s *RunSummary) {
	now := p.now()
	due := !p.emitted ||
		s.RowsProcessed-p.lastRows >= p.cfg.EveryRows ||
		now.Sub(p.last) >= p.cfg.Interval
	if due && s.RowsProcessed > 0 {
		p.emit(s, now)
	}
}

// Final emits the closing snapshot.
func (p *progressEmitter) Final(s *RunSummary) {
	p.emit(s, p.now())
}

func (p *progressEmitter) emit(s *RunSummary, now time.Time) {
	p.emitted = true
	p.last = now
	p.lastRows = s.RowsProcessed

	pr := Progress{
		RunID:           p.runID,
		RowsProcessed:   s.RowsProcessed,
		RowsSucceeded:   s.RowsSucceeded,
		RowsFailed:      s.RowsFailed,
		RowsQuarantined: s.RowsQuarantined,
		RowsRouted:      s.RowsRouted,
		Elapsed:         now.Sub(p.started),
	}
	if p.onEmit != nil {
		p.onEmit(pr)
	}
	_ = p.events.PublishProgress(p.runID, map[string]int{
		"rows_processed":   pr.RowsProcessed,
		"rows_succeeded":   pr.RowsSucceeded,
		"rows_failed":      pr.RowsFailed,
		"rows_quarantined": pr.RowsQuarantined,
		"rows_routed":      pr.RowsRouted,
	}, pr.Elapsed)
}
