package stats

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.Archive(10, 3, 8, 2)
	c.Missing(2)
	c.Apply(Event{Stage: StageUsers, Type: EventTypeUserCreated})
	c.Apply(Event{Stage: StageUsers, Type: EventTypeUserCreated})
	c.Apply(Event{Stage: StageReplay, Type: EventTypeTopicCreated, MessageID: "M1"})
	c.Apply(Event{Stage: StageReplay, Type: EventTypeReplyCreated, MessageID: "M2"})
	boom := errors.New("boom")
	c.Apply(Event{Stage: StageReplay, Type: EventTypeError, Err: boom})

	s := c.Snapshot()
	assert.Equal(t, 10, s.Records)
	assert.Equal(t, 2, s.MissingUsers)
	assert.Equal(t, 2, s.UsersCreated)
	assert.Equal(t, 1, s.TopicsCreated)
	assert.Equal(t, 1, s.RepliesPosted)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, boom, s.LastError)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("users", "user_created")))
	assert.Contains(t, s.LogAttrs(), "lastError")
}

func TestCollector_ReportTextfile(t *testing.T) {
	c := NewCollector()
	c.Apply(Event{Stage: StageReplay, Type: EventTypeTopicCreated})

	path := filepath.Join(t.TempDir(), "import.prom")
	require.NoError(t, c.Report(nil, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `mbox_to_discourse_events_total{stage="replay",type="topic_created"} 1`), text)
	assert.Contains(t, text, "mbox_to_discourse_run_duration_seconds")
}

func TestTop(t *testing.T) {
	m := map[string]int{"b@x": 2, "a@x": 2, "c@x": 5, "d@x": 1}
	assert.Equal(t, []Pair{{"c@x", 5}, {"a@x", 2}, {"b@x", 2}}, Top(m, 3))
	assert.Len(t, Top(m, 10), 4)
}

func TestPrettyPrintTop(t *testing.T) {
	var buf bytes.Buffer
	PrettyPrintTop(&buf, map[string]int{"alice@x.com": 3, "bob@y.com": 1}, 5)
	assert.Equal(t, "1. alice@x.com (3)\n2. bob@y.com (1)\n", buf.String())
}
