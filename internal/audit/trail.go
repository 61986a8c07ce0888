package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Emitter is anything events can be flushed to.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Trail collects the events of one flow in order. The flow records into it
// without doing I/O; the caller flushes it once the flow has finished.
type Trail struct {
	ip        string
	userAgent string
	now       func() time.Time
	events    []Event
}

// NewTrail returns an empty trail stamping events with the client metadata.
func NewTrail(ip, userAgent string, now func() time.Time) *Trail {
	if now == nil {
		now = time.Now
	}
	return &Trail{ip: ip, userAgent: userAgent, now: now}
}

// Record appends an event. An empty actor is recorded as [ActorSystem].
func (t *Trail) Record(action, actor, target string, metadata map[string]string) {
	if t == nil {
		return
	}
	if actor == "" {
		actor = ActorSystem
	}
	t.events = append(t.events, Event{
		ID:        uuid.NewString(),
		Timestamp: t.now().UTC(),
		Action:    action,
		Actor:     actor,
		Target:    target,
		IP:        t.ip,
		UserAgent: t.userAgent,
		Metadata:  metadata,
	})
}

// Events returns the recorded events.
func (t *Trail) Events() []Event {
	if t == nil {
		return nil
	}
	return t.events
}

// Flush emits every recorded event to e and empties the trail.
func (t *Trail) Flush(ctx context.Context, e Emitter) {
	if t == nil {
		return
	}
	if e != nil {
		for _, event := range t.events {
			e.Emit(ctx, event)
		}
	}
	t.events = nil
}
