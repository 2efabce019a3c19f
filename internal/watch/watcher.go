package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/docker/go-units"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/pkg/logger"
)

// Exit codes reported by Run.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

// DefaultMaxErrors is how many consecutive failed ticks are tolerated.
const DefaultMaxErrors = 10

// ErrTooManyErrors ends a watch after a run of failed polls.
var ErrTooManyErrors = errors.New("watch: too many consecutive errors")

// Options configures a Watcher.
type Options struct {
	PollInterval   time.Duration
	FollowChildren bool
	// Quiet suppresses state change lines; logs are still printed.
	Quiet bool
	// Logs streams task output.
	Logs bool
	// LogNames restricts which outputs are followed; empty means *.log.
	LogNames []string
	// TopURL, when set, is used to read logs over HTTP instead of RPC.
	TopURL     string
	HTTPClient *http.Client
	MaxErrors  int
	// Command is the verb suggested for resuming an interrupted watch.
	Command string
	Out     io.Writer
	Log     *logger.Logger
}

type task struct {
	id        int
	info      TaskInfo
	seen      bool
	changedAt time.Time
	// settled is set once a terminal state was read together with the
	// task's children and the rest of its logs.
	settled bool
}

// Watcher polls a set of tasks until every one is terminal.
type Watcher struct {
	s     *hub.Session
	opts  Options
	tasks map[int]*task
	order []int

	cursors    map[logKey]int64
	lastSource logKey
	streams    int

	errStreak int
	now       func() time.Time
}

// New returns a Watcher driving s.
func New(s *hub.Session, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Command == "" {
		opts.Command = "watch-task"
	}
	return &Watcher{
		s:       s,
		opts:    opts,
		tasks:   map[int]*task{},
		cursors: map[logKey]int64{},
		now:     time.Now,
	}
}

// Run watches ids until all tasks finish and returns ExitOK when every task
// closed, ExitFailed when any failed or was canceled, and ExitInterrupted
// when ctx is canceled. Server-side tasks are never canceled.
func (w *Watcher) Run(ctx context.Context, ids []int) (int, error) {
	for _, id := range ids {
		w.add(id)
	}
	for {
		if ctx.Err() != nil {
			return w.interrupted(), nil
		}
		err := w.tick(ctx)
		switch {
		case err == nil:
			w.errStreak = 0
		case hub.KindOf(err) == hub.KindInterrupted:
			return w.interrupted(), nil
		case hub.IsNotFound(err), hub.IsAuthFailed(err), hub.IsPermissionDenied(err):
			return ExitFailed, err
		default:
			w.errStreak++
			w.opts.Log.WarnContext(ctx, "task poll failed",
				slog.Int("streak", w.errStreak), slog.String("error", err.Error()))
			if w.errStreak >= w.opts.MaxErrors {
				return ExitFailed, fmt.Errorf("%w: %w", ErrTooManyErrors, err)
			}
		}

		if err == nil {
			if done, code := w.finished(); done {
				return code, nil
			}
		}
		if err := sleep(ctx, w.opts.PollInterval); err != nil {
			return w.interrupted(), nil
		}
	}
}

// Watched returns the IDs in the watch set, in the order they were added.
func (w *Watcher) Watched() []int { return slices.Clone(w.order) }

func (w *Watcher) add(id int) bool {
	if _, ok := w.tasks[id]; ok {
		return false
	}
	w.tasks[id] = &task{id: id}
	w.order = append(w.order, id)
	return true
}

func (w *Watcher) active() []*task {
	var out []*task
	for _, id := range w.order {
		if t := w.tasks[id]; !t.settled {
			out = append(out, t)
		}
	}
	return out
}

type polled struct {
	t        *task
	info     *hub.Deferred
	children *hub.Deferred
	outputs  *hub.Deferred
}

// tick polls every active task once.
func (w *Watcher) tick(ctx context.Context) error {
	active := w.active()
	if len(active) == 0 {
		return nil
	}

	m, err := w.s.Multicall(false)
	if err != nil {
		return err
	}
	polls := make([]polled, 0, len(active))
	for _, t := range active {
		p := polled{t: t, info: m.Call("getTaskInfo", t.id)}
		if w.opts.FollowChildren {
			p.children = m.Call("getTaskChildren", t.id)
		}
		if w.opts.Logs {
			p.outputs = m.Call("listTaskOutput", t.id, hub.Kw{"stat": true})
		}
		polls = append(polls, p)
	}
	if _, err := m.Flush(ctx); err != nil {
		return err
	}

	var errs []error
	var logTasks []polled
	var closing []*task
	for _, p := range polls {
		if err := w.updateInfo(p); err != nil {
			errs = append(errs, err)
			continue
		}
		final := p.t.info.State.Terminal()
		if p.children != nil {
			if err := w.addChildren(p); err != nil {
				errs = append(errs, err)
				final = false
			}
		}
		if p.outputs != nil {
			logTasks = append(logTasks, p)
		}
		if final {
			closing = append(closing, p.t)
		}
	}
	if len(logTasks) > 0 {
		if err := w.readLogs(ctx, logTasks); err != nil {
			// Terminal tasks stay active until their log tail is read.
			return errors.Join(append(errs, err)...)
		}
	}
	for _, t := range closing {
		t.settled = true
	}
	return errors.Join(errs...)
}

func (w *Watcher) updateInfo(p polled) error {
	v, err := p.info.Result()
	if err != nil {
		return err
	}
	if v == nil {
		return hub.Errorf(hub.KindNotFound, "No such task: %d", p.t.id)
	}
	var info TaskInfo
	if err := hub.Decode(v, &info); err != nil {
		return err
	}

	t := p.t
	now := w.now()
	switch {
	case !t.seen:
		w.printf("%d %s: %s\n", t.id, info.Describe(), info.State)
		t.changedAt = now
	case info.State != t.info.State:
		w.printf("%d %s: %s -> %s (%s)\n", t.id, info.Describe(), t.info.State, info.State,
			units.HumanDuration(now.Sub(t.changedAt)))
		t.changedAt = now
	}
	t.info = info
	t.seen = true
	return nil
}

func (w *Watcher) addChildren(p polled) error {
	v, err := p.children.Result()
	if err != nil {
		return err
	}
	var children []TaskInfo
	if err := hub.Decode(v, &children); err != nil {
		return err
	}
	for _, c := range children {
		if w.add(c.ID) {
			w.opts.Log.Debug("following child task", slog.Int("parent", p.t.id), slog.Int("task", c.ID))
		}
	}
	return nil
}

// finished reports whether all tasks are settled, and the exit code.
func (w *Watcher) finished() (bool, int) {
	code := ExitOK
	for _, id := range w.order {
		t := w.tasks[id]
		if !t.settled {
			return false, 0
		}
		if t.info.State != Closed {
			code = ExitFailed
		}
	}
	return true, code
}

// readLogs fetches every followed log from its cursor to its current end.
func (w *Watcher) readLogs(ctx context.Context, polls []polled) error {
	type tail struct {
		key  logKey
		size int64
		d    *hub.Deferred
	}
	var tails []tail
	for _, p := range polls {
		v, err := p.outputs.Result()
		if err != nil {
			return err
		}
		sizes, err := parseOutputs(v)
		if err != nil {
			return err
		}
		for _, name := range selectLogs(sizes, w.opts.LogNames) {
			key := logKey{task: p.t.id, name: name}
			if _, ok := w.cursors[key]; !ok {
				w.cursors[key] = 0
				w.streams++
			}
			if size := sizes[name]; size < 0 || size > w.cursors[key] {
				tails = append(tails, tail{key: key, size: size})
			}
		}
	}
	if len(tails) == 0 {
		return nil
	}

	if w.opts.TopURL != "" {
		for _, tl := range tails {
			data, err := fetchRange(ctx, w.opts.HTTPClient,
				TaskLogURL(w.opts.TopURL, tl.key.task, tl.key.name), w.cursors[tl.key])
			if err != nil {
				return err
			}
			w.emit(tl.key, data)
		}
		return nil
	}

	m, err := w.s.Multicall(false)
	if err != nil {
		return err
	}
	for i, tl := range tails {
		kw := hub.Kw{"offset": w.cursors[tl.key]}
		if tl.size >= 0 {
			kw["size"] = tl.size - w.cursors[tl.key]
		}
		tails[i].d = m.Call("downloadTaskOutput", tl.key.task, tl.key.name, kw)
	}
	if _, err := m.Flush(ctx); err != nil {
		return err
	}
	for _, tl := range tails {
		v, err := tl.d.Result()
		if err != nil {
			return err
		}
		data, err := decodeChunk(v)
		if err != nil {
			return err
		}
		w.emit(tl.key, data)
	}
	return nil
}

// emit prints new log bytes and advances the cursor by what was read.
func (w *Watcher) emit(key logKey, data []byte) {
	if len(data) == 0 {
		return
	}
	if (len(w.tasks) > 1 || w.streams > 1) && key != w.lastSource {
		fmt.Fprintf(w.opts.Out, "\n==> %s <==\n", key)
	}
	w.lastSource = key
	_, _ = w.opts.Out.Write(data)
	w.cursors[key] += int64(len(data))
}

func (w *Watcher) printf(format string, args ...any) {
	if w.opts.Quiet {
		return
	}
	fmt.Fprintf(w.opts.Out, format, args...)
}

// interrupted prints the tasks still running and returns ExitInterrupted.
func (w *Watcher) interrupted() int {
	var running []*task
	for _, id := range w.order {
		if t := w.tasks[id]; !t.seen || !t.info.State.Terminal() {
			running = append(running, t)
		}
	}
	if len(running) > 0 {
		fmt.Fprintf(w.opts.Out, "\nTasks still running. You can continue to watch with the '%s' command.\n", w.opts.Command)
		fmt.Fprintln(w.opts.Out, "Running Tasks:")
		for _, t := range running {
			state := "unknown"
			if t.seen {
				state = t.info.State.String()
			}
			fmt.Fprintf(w.opts.Out, "%d %s: %s\n", t.id, t.info.Describe(), state)
		}
	}
	return ExitInterrupted
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
