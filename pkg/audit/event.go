// Package audit records what an orchestrator did with a skill. Events are
// write-once values delivered to a pluggable Sink.
package audit

import (
	"context"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	KindScan     Kind = "scan"
	KindActivate Kind = "activate"
	KindRead     Kind = "read"
	KindRun      Kind = "run"
	KindError    Kind = "error"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Kind      Kind           `json:"kind"`
	Skill     string         `json:"skill"`
	Path      string         `json:"path,omitempty"`
	Bytes     *int           `json:"bytes,omitempty"`
	SHA256    string         `json:"sha256,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewEvent returns an event of kind for skill stamped with the current time.
func NewEvent(kind Kind, skill string) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Skill:     skill,
	}
}

// WithPath sets the path the event refers to.
func (e Event) WithPath(path string) Event {
	e.Path = path
	return e
}

// WithBytes records a byte count.
func (e Event) WithBytes(n int) Event {
	e.Bytes = &n
	return e
}

// WithSHA256 records a content hash.
func (e Event) WithSHA256(sum string) Event {
	e.SHA256 = sum
	return e
}

// WithDetail adds a detail entry. The detail map is copied so events stay
// independent of each other.
func (e Event) WithDetail(key string, value any) Event {
	detail := make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		detail[k] = v
	}
	detail[key] = value
	e.Detail = detail
	return e
}

// Sink consumes audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Log(ctx context.Context, event Event) error
}
