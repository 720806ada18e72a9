// Package progress fans state-machine transitions out to subscribers:
// SSE connections, WebSocket adapters, and a webhook dispatcher.
// Publication is best-effort and never blocks job execution; the
// checkpoint log, not the stream, is the source of truth.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
)

// EventType classifies a progress stream event.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventStage     EventType = "stage"
	EventSuspended EventType = "suspended"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
)

// Event is one entry of a job's progress stream. Events for a job are
// published in transition order; delivery is best-effort.
type Event struct {
	Type        EventType   `json:"type"`
	JobID       string      `json:"job_id"`
	Stage       types.Stage `json:"stage"`
	Progress    float64     `json:"progress"`
	Timestamp   time.Time   `json:"timestamp"`
	ErrorDetail string      `json:"error_detail,omitempty"`
}

// SnapshotEvent synthesizes a stream event from a job's persisted
// state, for subscribers arriving before any transition has been
// published in this process: pending jobs, and every job after a
// restart, including suspended ones awaiting approval.
func SnapshotEvent(job *types.Job) Event {
	ev := Event{
		JobID:       job.ID,
		Stage:       job.Stage,
		Progress:    job.Progress,
		Timestamp:   job.UpdatedAt,
		ErrorDetail: job.ErrorDetail,
	}
	switch {
	case job.Stage == types.StageCompleted:
		ev.Type = EventComplete
	case job.Stage == types.StageFailed || job.Stage == types.StageCancelled:
		ev.Type = EventError
	case job.Stage.IsSuspended():
		ev.Type = EventSuspended
	default:
		ev.Type = EventProgress
	}
	return ev
}

// Sink receives published events. The hub is the in-process sink;
// the webhook dispatcher is another.
type Sink interface {
	Publish(ev Event)
}

// multiSink fans one publish out to several sinks.
type multiSink []Sink

func (m multiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// Combine merges sinks into one. Nil sinks are skipped.
func Combine(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type subscriber struct {
	ch chan Event
}

// Hub is the per-job fan-out of progress events. Slow subscribers
// lose events rather than stalling the publisher; the last event per
// job is retained and replayed to new subscriptions.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[int]*subscriber
	last    map[string]Event
	nextID  int
	bufSize int
	logger  *zap.Logger
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(bufSize int, logger *zap.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:    make(map[string]map[int]*subscriber),
		last:    make(map[string]Event),
		bufSize: bufSize,
		logger:  logger.With(zap.String("component", "progress_hub")),
	}
}

// Subscribe registers a listener for one job's events. The last known
// event, if any, is delivered first. The returned cancel func must be
// called to release the subscription.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++

	sub := &subscriber{ch: make(chan Event, h.bufSize)}
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]*subscriber)
	}
	h.subs[jobID][id] = sub

	if last, ok := h.last[jobID]; ok {
		sub.ch <- last
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.subs[jobID]; ok {
			if s, ok := subs[id]; ok {
				delete(subs, id)
				close(s.ch)
			}
			if len(subs) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of its job without
// blocking. A full subscriber buffer drops the event.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.last[ev.JobID] = ev
	subs := make([]*subscriber, 0, len(h.subs[ev.JobID]))
	for _, s := range h.subs[ev.JobID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			h.logger.Debug("dropping progress event for slow subscriber",
				zap.String("job_id", ev.JobID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// Snapshot returns the last known event for a job.
func (h *Hub) Snapshot(jobID string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.last[jobID]
	return ev, ok
}

// Forget drops the retained event for a job (after soft delete).
func (h *Hub) Forget(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, jobID)
}
