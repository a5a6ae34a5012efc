package audit

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/skillbox/pkg/logger"
)

// Nop discards every event.
type Nop struct{}

func (Nop) Log(context.Context, Event) error { return nil }

// MemorySink keeps events in memory in arrival order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Log(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// LogSink writes events to the context logger.
type LogSink struct{}

func (LogSink) Log(ctx context.Context, event Event) error {
	entry := logger.G(ctx).
		WithField("audit_kind", string(event.Kind)).
		WithField("skill", event.Skill)
	if event.Path != "" {
		entry = entry.WithField("path", event.Path)
	}
	if event.Bytes != nil {
		entry = entry.WithField("bytes", *event.Bytes)
	}
	if event.SHA256 != "" {
		entry = entry.WithField("sha256", event.SHA256)
	}
	for k, v := range event.Detail {
		entry = entry.WithField("detail."+k, v)
	}

	if event.Kind == KindError {
		entry.Warn("skill audit event")
	} else {
		entry.Info("skill audit event")
	}
	return nil
}

// MultiSink fans an event out to every sink, collecting all failures.
type MultiSink []Sink

func (m MultiSink) Log(ctx context.Context, event Event) error {
	var result *multierror.Error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Log(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
