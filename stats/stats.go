package stats

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Stage string

const (
	StageArchive Stage = "archive"
	StageUsers   Stage = "users"
	StageReplay  Stage = "replay"
)

type EventType string

const (
	EventTypeUserCreated  EventType = "user_created"
	EventTypeTopicCreated EventType = "topic_created"
	EventTypeReplyCreated EventType = "reply_created"
	EventTypeDryRun       EventType = "dry_run"
	EventTypeSkipped      EventType = "skipped"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
}

type Summary struct {
	Records       int
	Authors       int
	Messages      int
	Roots         int
	MissingUsers  int
	UsersCreated  int
	TopicsCreated int
	RepliesPosted int
	DryRun        int
	Skipped       int
	Errors        int
	LastError     error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"records", s.Records,
		"authors", s.Authors,
		"messages", s.Messages,
		"roots", s.Roots,
		"missingUsers", s.MissingUsers,
		"usersCreated", s.UsersCreated,
		"topicsCreated", s.TopicsCreated,
		"repliesCreated", s.RepliesPosted,
		"dryRun", s.DryRun,
		"skipped", s.Skipped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector tallies import events and mirrors them into Prometheus
// counters on its own registry.
type Collector struct {
	summary  Summary
	started  time.Time
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	duration prometheus.Gauge
	lastRun  prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		started:  time.Now(),
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbox_to_discourse",
			Name:      "events_total",
			Help:      "Import events by stage and type.",
		}, []string{"stage", "type"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mbox_to_discourse",
			Name:      "run_duration_seconds",
			Help:      "Duration of the last import run.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mbox_to_discourse",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last import run finished.",
		}),
	}
	c.registry.MustRegister(c.events, c.duration, c.lastRun)
	return c
}

// Archive records the size of the parsed archive.
func (c *Collector) Archive(records, authors, messages, roots int) {
	c.summary.Records = records
	c.summary.Authors = authors
	c.summary.Messages = messages
	c.summary.Roots = roots
}

func (c *Collector) Missing(n int) {
	c.summary.MissingUsers = n
}

func (c *Collector) Apply(evt Event) {
	c.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()

	switch evt.Type {
	case EventTypeUserCreated:
		c.summary.UsersCreated++
	case EventTypeTopicCreated:
		c.summary.TopicsCreated++
	case EventTypeReplyCreated:
		c.summary.RepliesPosted++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	return c.summary
}

// Report logs the summary and, when path is set, writes the counters in
// the node_exporter textfile format.
func (c *Collector) Report(logger *slog.Logger, path string) error {
	elapsed := time.Since(c.started)
	c.duration.Set(elapsed.Seconds())
	c.lastRun.SetToCurrentTime()

	if logger != nil {
		logger.Info("stats summary", append(c.summary.LogAttrs(), "duration", elapsed)...)
	}

	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns up to limit entries ordered by count descending, then key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
