package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types published by the engine.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunResumed      = "run.resumed"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeRunInterrupted  = "run.interrupted"
	EventTypeProgress        = "run.progress"
	EventTypeBatchFlushed    = "aggregation.flushed"
	EventTypeCoalesceMerged  = "coalesce.merged"
	EventTypeSinkWritten     = "sink.written"
	EventTypeRowQuarantined  = "row.quarantined"
	EventTypeCheckpointSaved = "checkpoint.saved"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	ErrPublisherStopped = errors.New("event publisher stopped")
	ErrEventBufferFull  = errors.New("event buffer full")
)

// Event is one notification on the in-process bus. It is informational
// only; the audit trail, not the bus, is the record of a run.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Level     string         `json:"level"`
	RunID     string         `json:"run_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type (
	EventSubscriber func(Event)
	EventFilter     func(Event) bool
)

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in publish order. In sync
// mode subscribers run on the publishing goroutine; in async mode a single
// worker delivers them and Shutdown drains whatever was accepted.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter

	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

// NewEventPublisher builds a publisher. A disabled config yields one that
// accepts and drops everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("async events need a positive buffer size, got %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Subscribe registers fn for events that pass filter. A nil filter
// matches everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events for which filter returns false before any
// subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// Publish stamps e with an id and time when missing and delivers it.
func (ep *EventPublisher) Publish(e Event) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	if ep.stopped.Load() {
		return ErrPublisherStopped
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = EventLevelInfo
	}
	if !ep.admit(e) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(e)
		return nil
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return ErrEventBufferFull
	}
}

func (ep *EventPublisher) admit(e Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case e := <-ep.queue:
			ep.deliver(e)
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					ep.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered, or for ctx to end.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	ep.once.Do(func() {
		ep.stopped.Store(true)
		if ep.stop != nil {
			close(ep.stop)
		}
	})
	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) PublishRunStarted(runID, configHash string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "orchestrator",
		RunID:   runID,
		Message: "run started",
		Data:    map[string]any{"config_hash": configHash},
	})
}

func (ep *EventPublisher) PublishRunResumed(runID, configHash string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunResumed,
		Source:  "orchestrator",
		RunID:   runID,
		Message: "run resumed",
		Data:    map[string]any{"config_hash": configHash},
	})
}

func (ep *EventPublisher) PublishRunCompleted(runID, status string, d time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "orchestrator",
		RunID:   runID,
		Message: "run " + status,
		Data:    map[string]any{"status": status, "duration_seconds": d.Seconds()},
	})
}

func (ep *EventPublisher) PublishRunFailed(runID string, cause error) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "orchestrator",
		Level:   EventLevelError,
		RunID:   runID,
		Message: cause.Error(),
	})
}

func (ep *EventPublisher) PublishRunInterrupted(runID string, rowsProcessed int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunInterrupted,
		Source:  "orchestrator",
		Level:   EventLevelWarning,
		RunID:   runID,
		Message: fmt.Sprintf("interrupted after %d rows", rowsProcessed),
		Data:    map[string]any{"rows_processed": rowsProcessed},
	})
}

// PublishProgress copies counts into the event data next to the elapsed time.
func (ep *EventPublisher) PublishProgress(runID string, counts map[string]int, elapsed time.Duration) error {
	data := map[string]any{"elapsed_seconds": elapsed.Seconds()}
	for k, v := range counts {
		data[k] = v
	}
	return ep.Publish(Event{
		Type:    EventTypeProgress,
		Source:  "orchestrator",
		RunID:   runID,
		Message: fmt.Sprintf("%d rows processed", counts["rows_processed"]),
		Data:    data,
	})
}

func (ep *EventPublisher) PublishBatchFlushed(runID, nodeID, batchID, trigger string, size int) error {
	return ep.Publish(Event{
		Type:    EventTypeBatchFlushed,
		Source:  "aggregation",
		RunID:   runID,
		NodeID:  nodeID,
		Message: fmt.Sprintf("batch %s flushed on %s", batchID, trigger),
		Data:    map[string]any{"batch_id": batchID, "trigger": trigger, "size": size},
	})
}

func (ep *EventPublisher) PublishCoalesceMerged(runID, nodeID, tokenID, reason string, branches []string) error {
	return ep.Publish(Event{
		Type:    EventTypeCoalesceMerged,
		Source:  "coalesce",
		RunID:   runID,
		NodeID:  nodeID,
		TokenID: tokenID,
		Message: fmt.Sprintf("merged %d branches (%s)", len(branches), reason),
		Data:    map[string]any{"branches": branches, "reason": reason},
	})
}

func (ep *EventPublisher) PublishSinkWritten(runID, nodeID, artifact string, rows int) error {
	return ep.Publish(Event{
		Type:    EventTypeSinkWritten,
		Source:  "sink",
		RunID:   runID,
		NodeID:  nodeID,
		Message: fmt.Sprintf("wrote %d rows", rows),
		Data:    map[string]any{"artifact": artifact, "rows": rows},
	})
}

func (ep *EventPublisher) PublishRowQuarantined(runID, nodeID, tokenID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRowQuarantined,
		Source:  "source",
		Level:   EventLevelWarning,
		RunID:   runID,
		NodeID:  nodeID,
		TokenID: tokenID,
		Message: reason,
	})
}

// FilterByType matches events whose type is one of types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}
