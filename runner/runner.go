// Package runner drives an import from a parsed archive to a populated
// forum. The run is a linear sequence of states and stops at the first
// failure; re-running resumes from the replay journal when one is set.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dhcgn/mbox-to-discourse/discourse"
	"github.com/dhcgn/mbox-to-discourse/mbox"
	"github.com/dhcgn/mbox-to-discourse/model"
	"github.com/dhcgn/mbox-to-discourse/progress"
	"github.com/dhcgn/mbox-to-discourse/state"
	"github.com/dhcgn/mbox-to-discourse/stats"
	"github.com/dhcgn/mbox-to-discourse/thread"
	"github.com/dhcgn/mbox-to-discourse/users"
)

type State int

const (
	Disconnected State = iota
	Connected
	HealthChecked
	Parsed
	Reconciled
	Allocated
	UsersCreated
	TopicsReplayed
	Done
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connected:      "connected",
	HealthChecked:  "health-checked",
	Parsed:         "parsed",
	Reconciled:     "reconciled",
	Allocated:      "allocated",
	UsersCreated:   "users-created",
	TopicsReplayed: "topics-replayed",
	Done:           "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Client is the forum API the driver talks to.
type Client interface {
	users.Directory
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, u discourse.NewUser) error
	CreatePost(ctx context.Context, p discourse.Post) (int, error)
}

type Options struct {
	Source     mbox.Source
	Thread     thread.Options
	CategoryID int
	DryRun     bool
	Progress   bool

	// MetricsFile receives the run counters in textfile format when set.
	MetricsFile string

	// Allocator defaults to a randomly seeded one.
	Allocator *users.Allocator
	// Tracker defaults to an in-memory journal.
	Tracker state.Tracker
	// Stats defaults to a fresh collector.
	Stats *stats.Collector
	// Credentials receives the generated passwords of created accounts.
	// Defaults to stdout.
	Credentials io.Writer
}

type Runner struct {
	opts   Options
	client Client
	logger *slog.Logger
	state  State

	result *thread.Result
	recon  users.Reconciliation
	plan   []model.MissingUser
}

func New(client Client, opts Options, logger *slog.Logger) (*Runner, error) {
	if client == nil {
		return nil, errors.New("runner: client is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: runner: archive source is required", model.ErrArchive)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Allocator == nil {
		opts.Allocator = users.NewAllocator(0)
	}
	if opts.Tracker == nil {
		opts.Tracker = state.NewMemoryTracker()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.Credentials == nil {
		opts.Credentials = os.Stdout
	}
	if opts.Thread.Logger == nil {
		opts.Thread.Logger = logger
	}

	return &Runner{opts: opts, client: client, logger: logger}, nil
}

func (r *Runner) State() State {
	return r.state
}

func (r *Runner) Stats() *stats.Collector {
	return r.opts.Stats
}

// Run executes every stage in order. The stats summary is reported even
// when a stage fails.
func (r *Runner) Run(ctx context.Context) error {
	since := time.Now()

	err := r.run(ctx)

	if reportErr := r.opts.Stats.Report(r.logger, r.opts.MetricsFile); reportErr != nil {
		r.logger.Warn("failed to write metrics", "path", r.opts.MetricsFile, "err", reportErr)
	}

	duration := time.Since(since)
	if err != nil {
		r.logger.Error("import failed", "state", r.state.String(), "duration", duration, "err", err)
		return err
	}

	r.logger.Info("import completed", "duration", duration, "dryRun", r.opts.DryRun)
	return nil
}

func (r *Runner) run(ctx context.Context) error {
	steps := []struct {
		next State
		fn   func(context.Context) error
	}{
		{Connected, r.connect},
		{HealthChecked, r.healthCheck},
		{Parsed, r.parse},
		{Reconciled, r.reconcile},
		{Allocated, r.allocate},
		{UsersCreated, r.createUsers},
		{TopicsReplayed, r.replay},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return err
		}
		r.transition(step.next)
	}
	r.transition(Done)
	return nil
}

func (r *Runner) transition(next State) {
	r.logger.Info("state transition", "from", r.state.String(), "to", next.String())
	r.state = next
}

func (r *Runner) connect(ctx context.Context) error {
	if err := r.client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect: %w", model.ErrConnectivity, err)
	}
	return nil
}

func (r *Runner) healthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx)
	if err == nil {
		return nil
	}

	var statusErr *discourse.StatusError
	if errors.As(err, &statusErr) {
		r.logger.Error("health check rejected",
			"status", statusErr.StatusCode,
			"headers", statusErr.Header,
			"body", string(statusErr.Body),
		)
	}
	return fmt.Errorf("%w: health check: %w", model.ErrConnectivity, err)
}

func (r *Runner) parse(_ context.Context) error {
	res, err := thread.Build(r.opts.Source, r.opts.Thread)
	if err != nil {
		r.opts.Stats.Apply(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Err: err})
		return err
	}
	if res.Forest.Len() == 0 {
		r.logger.Warn("archive produced no importable messages", "records", res.Records)
	}

	r.result = res
	r.opts.Stats.Archive(res.Records, len(res.Authors), res.Forest.Len(), len(res.Forest.Roots()))
	return nil
}

func (r *Runner) reconcile(ctx context.Context) error {
	recon, err := users.Reconcile(ctx, r.client, r.result.Authors, r.logger)
	if err != nil {
		return err
	}

	r.recon = recon
	r.opts.Stats.Missing(len(recon.Missing))
	r.logger.Info("reconciled authors", "authors", len(r.result.Authors), "existing", len(recon.Existing), "missing", len(recon.Missing))
	return nil
}

func (r *Runner) allocate(_ context.Context) error {
	if len(r.recon.Missing) == 0 {
		r.logger.Info("no missing users, skipping allocation")
		return nil
	}

	alloc := *r.opts.Allocator
	alloc.Reserved = append(append([]string(nil), r.opts.Allocator.Reserved...), r.recon.Usernames()...)

	plan, err := alloc.Allocate(r.recon.Missing, r.result.Authors)
	if err != nil {
		r.opts.Stats.Apply(stats.Event{Stage: stats.StageUsers, Type: stats.EventTypeError, Err: err})
		return err
	}
	r.plan = plan
	return nil
}

func (r *Runner) createUsers(ctx context.Context) error {
	for _, u := range r.plan {
		if r.opts.DryRun {
			r.logger.Info("dry run: would create user", "username", u.Username, "email", u.Email, "name", u.DisplayName)
			r.opts.Stats.Apply(stats.Event{Stage: stats.StageUsers, Type: stats.EventTypeDryRun, MessageID: u.Email})
			continue
		}

		err := r.client.CreateUser(ctx, discourse.NewUser{
			Name:     u.DisplayName,
			Username: u.Username,
			Email:    u.Email,
			Password: u.Password,
		})
		if err != nil {
			r.opts.Stats.Apply(stats.Event{Stage: stats.StageUsers, Type: stats.EventTypeError, MessageID: u.Email, Err: err})
			return fmt.Errorf("create user %s: %w", u.Username, err)
		}

		r.logger.Info("created user", "username", u.Username, "email", u.Email)
		r.opts.Stats.Apply(stats.Event{Stage: stats.StageUsers, Type: stats.EventTypeUserCreated, MessageID: u.Email})
		if _, err := fmt.Fprintf(r.opts.Credentials, "%s\t%s\t%s\n", u.Username, u.Email, u.Password); err != nil {
			return fmt.Errorf("write credentials of %s: %w", u.Username, err)
		}
	}
	return nil
}

func (r *Runner) replay(ctx context.Context) error {
	roots := r.result.Forest.Roots()
	bar := progress.New(len(roots), r.opts.Progress)

	for _, root := range roots {
		bar.Step(root.Subject)
		if err := r.replayThread(ctx, root); err != nil {
			bar.Fail("replay of %s failed", root.ID)
			return err
		}
	}
	bar.Stop()
	return nil
}

func (r *Runner) replayThread(ctx context.Context, root model.Message) error {
	topicID, err := r.replayRoot(ctx, root)
	if err != nil {
		return err
	}

	for _, child := range root.Children {
		key := state.ReplyKey(root.ID, child.ID)
		done, err := r.opts.Tracker.AlreadyProcessed(key)
		if err != nil {
			r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeError, MessageID: child.ID, Err: err})
			return fmt.Errorf("journal lookup of reply %s: %w", child.ID, err)
		}
		if done {
			r.logger.Debug("reply already replayed", "root", root.ID, "id", child.ID)
			r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeSkipped, MessageID: child.ID})
			continue
		}
		if r.opts.DryRun {
			r.logger.Info("dry run: would create reply", "root", root.ID, "id", child.ID, "date", child.CreatedAt)
			r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeDryRun, MessageID: child.ID})
			continue
		}

		_, err = r.client.CreatePost(ctx, discourse.Post{
			CategoryID: r.opts.CategoryID,
			Title:      child.Subject,
			Raw:        child.Body,
			TopicID:    topicID,
			CreatedAt:  child.CreatedAt,
		})
		if err != nil {
			r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeError, MessageID: child.ID, Err: err})
			return fmt.Errorf("create reply %s in topic %d: %w", child.ID, topicID, err)
		}
		if err := r.opts.Tracker.MarkProcessed(key, strconv.Itoa(topicID)); err != nil {
			return fmt.Errorf("journal reply %s: %w", child.ID, err)
		}
		r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeReplyCreated, MessageID: child.ID})
	}
	return nil
}

func (r *Runner) replayRoot(ctx context.Context, root model.Message) (int, error) {
	key := state.TopicKey(root.ID)
	v, ok, err := r.opts.Tracker.Value(key)
	if err != nil {
		r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeError, MessageID: root.ID, Err: err})
		return 0, fmt.Errorf("journal lookup of topic %s: %w", root.ID, err)
	}
	if ok {
		topicID, err := strconv.Atoi(v)
		if err == nil {
			r.logger.Debug("topic already replayed", "id", root.ID, "topic", topicID)
			r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeSkipped, MessageID: root.ID})
			return topicID, nil
		}
		r.logger.Warn("ignoring unreadable journal entry", "key", key, "value", v)
	}

	if r.opts.DryRun {
		r.logger.Info("dry run: would create topic", "id", root.ID, "subject", root.Subject, "replies", len(root.Children))
		r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeDryRun, MessageID: root.ID})
		return 0, nil
	}

	r.logger.Info("creating topic", "id", root.ID, "subject", root.Subject, "replies", len(root.Children))
	topicID, err := r.client.CreatePost(ctx, discourse.Post{
		CategoryID: r.opts.CategoryID,
		Title:      root.Subject,
		Raw:        root.Body,
		CreatedAt:  root.CreatedAt,
	})
	if err != nil {
		r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeError, MessageID: root.ID, Err: err})
		return 0, fmt.Errorf("create topic %s: %w", root.ID, err)
	}
	if err := r.opts.Tracker.MarkProcessed(key, strconv.Itoa(topicID)); err != nil {
		return 0, fmt.Errorf("journal topic %s: %w", root.ID, err)
	}
	r.opts.Stats.Apply(stats.Event{Stage: stats.StageReplay, Type: stats.EventTypeTopicCreated, MessageID: root.ID})
	return topicID, nil
}
