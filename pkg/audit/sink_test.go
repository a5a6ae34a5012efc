package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ err error }

func (f failingSink) Log(context.Context, Event) error { return f.err }

func TestEventBuilders(t *testing.T) {
	base := NewEvent(KindRead, "demo")
	event := base.WithPath("references/guide.md").WithBytes(42).WithSHA256("abc").WithDetail("truncated", true)

	assert.Equal(t, KindRead, event.Kind)
	assert.Equal(t, "demo", event.Skill)
	assert.Equal(t, "references/guide.md", event.Path)
	require.NotNil(t, event.Bytes)
	assert.Equal(t, 42, *event.Bytes)
	assert.Equal(t, map[string]any{"truncated": true}, event.Detail)
	assert.False(t, event.Timestamp.IsZero())

	// Builders never mutate the receiver.
	assert.Empty(t, base.Path)
	assert.Nil(t, base.Bytes)
	assert.Nil(t, base.Detail)

	other := event.WithDetail("extra", 1)
	assert.Len(t, other.Detail, 2)
	assert.Len(t, event.Detail, 1)
}

func TestEvent_JSONOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(NewEvent(KindActivate, "demo"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "activate", decoded["kind"])
	assert.Equal(t, "demo", decoded["skill"])
	assert.Contains(t, decoded, "ts")
	assert.NotContains(t, decoded, "path")
	assert.NotContains(t, decoded, "bytes")
	assert.NotContains(t, decoded, "sha256")
	assert.NotContains(t, decoded, "detail")
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sink.Log(context.Background(), NewEvent(KindScan, "demo")))
		}()
	}
	wg.Wait()

	events := sink.Events()
	assert.Len(t, events, 10)
	events[0].Skill = "mutated"
	assert.Equal(t, "demo", sink.Events()[0].Skill)
}

func TestMultiSink(t *testing.T) {
	first := NewMemorySink()
	second := NewMemorySink()
	boom := errors.New("boom")

	multi := MultiSink{first, nil, failingSink{err: boom}, second}
	err := multi.Log(context.Background(), NewEvent(KindRun, "demo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)

	assert.NoError(t, MultiSink{first}.Log(context.Background(), NewEvent(KindRun, "demo")))
	assert.NoError(t, Nop{}.Log(context.Background(), NewEvent(KindRun, "demo")))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	ctx := logger.WithLogger(context.Background(), logrus.NewEntry(log))

	event := NewEvent(KindError, "demo").WithPath("scripts/run.sh").WithDetail("error_type", "PolicyViolationError")
	require.NoError(t, LogSink{}.Log(ctx, event))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "error", entry["audit_kind"])
	assert.Equal(t, "scripts/run.sh", entry["path"])
	assert.Equal(t, "PolicyViolationError", entry["detail.error_type"])
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	assert.Equal(t, path, sink.Path())

	ctx := context.Background()
	require.NoError(t, sink.Log(ctx, NewEvent(KindActivate, "demo").WithBytes(120).WithSHA256("ff")))
	require.NoError(t, sink.Log(ctx, NewEvent(KindRead, "demo").WithPath("references/a.md")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(raw, []byte("\n")))

	// A corrupt line is skipped on read.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, sink.Log(ctx, NewEvent(KindRun, "demo")))

	events, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, KindActivate, events[0].Kind)
	require.NotNil(t, events[0].Bytes)
	assert.Equal(t, 120, *events[0].Bytes)
	assert.Equal(t, "references/a.md", events[1].Path)
	assert.Equal(t, KindRun, events[2].Kind)
}

func TestFileSink_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Log(context.Background(), NewEvent(KindRead, "demo").WithPath("references/guide.md")))
		}()
	}
	wg.Wait()

	events, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 25)
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenSQLiteSink(ctx, filepath.Join(t.TempDir(), "skillbox.db"))
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Log(ctx, NewEvent(KindActivate, "demo").WithBytes(10).WithSHA256("aa")))
	require.NoError(t, sink.Log(ctx, NewEvent(KindRead, "demo").WithPath("references/a.md").WithDetail("truncated", false)))
	require.NoError(t, sink.Log(ctx, NewEvent(KindRun, "other").WithDetail("exit_code", 3)))

	all, err := sink.Events(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, KindActivate, all[0].Kind)
	require.NotNil(t, all[0].Bytes)
	assert.Equal(t, 10, *all[0].Bytes)
	assert.Equal(t, "aa", all[0].SHA256)
	assert.Equal(t, "references/a.md", all[1].Path)
	assert.Equal(t, false, all[1].Detail["truncated"])
	assert.Equal(t, float64(3), all[2].Detail["exit_code"])

	demo, err := sink.Events(ctx, Query{Skill: "demo"})
	require.NoError(t, err)
	assert.Len(t, demo, 2)

	reads, err := sink.Events(ctx, Query{Kind: KindRead})
	require.NoError(t, err)
	require.Len(t, reads, 1)
	assert.Nil(t, reads[0].Bytes)

	latest, err := sink.Events(ctx, Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, KindRead, latest[0].Kind)
	assert.Equal(t, KindRun, latest[1].Kind)
}
