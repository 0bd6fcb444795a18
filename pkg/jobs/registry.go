package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/pkg/sharedstore"
	"github.com/3leaps/stashd/pkg/supervise"
)

// Config carries the worker invocation and persistence settings for a
// Registry.
type Config struct {
	// WorkerCommand is the executable every job runs. WorkerArgs are
	// prepended to the per-job arguments.
	WorkerCommand string
	WorkerArgs    []string
	WorkerDir     string

	// TTL applies to every per-job store key (hash, progress, logs).
	TTL time.Duration

	MaxLogLines    int
	LogBatchSize   int
	LogBufferLines int

	// ProgressInterval throttles progress writes to the store.
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxLogLines <= 0 {
		c.MaxLogLines = 5000
	}
	if c.LogBatchSize <= 0 {
		c.LogBatchSize = 10
	}
	if c.LogBufferLines <= 0 {
		c.LogBufferLines = 1000
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	return c
}

// Registry tracks every worker job started by this process and serves
// lookups for jobs persisted by other processes through the shared store.
type Registry struct {
	cfg   Config
	store sharedstore.Store
	log   *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func NewRegistry(store sharedstore.Store, cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log,
		jobs:  make(map[string]*job),
	}
}

// Start spawns one worker process for args and returns immediately with the
// new job's summary. onExit, if non-nil, runs once after the job reaches a
// terminal state.
func (r *Registry) Start(ctx context.Context, args []string, onExit func(*Summary)) (*Summary, error) {
	if strings.TrimSpace(r.cfg.WorkerCommand) == "" {
		return nil, fmt.Errorf("worker command is not configured")
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	j := &job{
		id:        id,
		args:      append([]string(nil), args...),
		createdAt: now,
		updatedAt: now,
		status:    StatusRunning,
		subs:      make(map[int]*subscriber),
	}
	j.logs = newLogBatcher(r.store, logsListKey(id), r.cfg.LogBatchSize, int64(r.cfg.MaxLogLines), r.cfg.TTL, r.log)
	j.sync = newProgressSyncer(r.cfg.ProgressInterval, func(p Progress) {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.HSet(wctx, progressHashKey(id), progressFields(p), r.cfg.TTL); err != nil {
			r.log.Warn("progress write failed", zap.String("job_id", id), zap.Error(err))
		}
	})

	workerArgs := append(append([]string(nil), r.cfg.WorkerArgs...), args...)
	handle, err := supervise.Start(r.cfg.WorkerDir, r.cfg.WorkerCommand, workerArgs, r.cfg.LogBufferLines, func(line string) {
		r.onLine(j, line)
	})
	if err != nil {
		j.sync.Stop()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	j.handle = handle

	r.mu.Lock()
	r.jobs[id] = j
	r.mu.Unlock()

	j.mu.Lock()
	fields := j.storeFieldsLocked()
	j.emitLocked(Event{Type: EventStart, JobID: id, Status: StatusRunning}, false)
	j.mu.Unlock()
	r.persist(ctx, id, fields)

	r.log.Info("job started",
		zap.String("job_id", id),
		zap.Int("pid", handle.PID()),
		zap.Strings("args", args))

	go func() {
		code := handle.Wait()
		r.finalize(j, code, onExit)
	}()

	return j.summary(), nil
}

// onLine handles one worker output line: buffer it for log readers and, if
// it parses as progress, update the snapshot and notify subscribers.
func (r *Registry) onLine(j *job, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j.logs.Append(ctx, line)

	p, ok := ParseProgressLine(line)
	if !ok {
		return
	}

	j.mu.Lock()
	if !j.status.Terminal() {
		j.progress = p
		j.updatedAt = time.Now().UTC()
		snapshot := p
		j.emitLocked(Event{Type: EventProgress, JobID: j.id, Status: j.status, Progress: &snapshot}, false)
	}
	j.mu.Unlock()

	j.sync.Update(p)
}

// finalize runs exactly once per job, after the worker exits. A job already
// cancelled keeps its cancelled status and gets no exit code.
func (r *Registry) finalize(j *job, code int, onExit func(*Summary)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j.logs.Flush(ctx)
	j.sync.Stop()

	j.mu.Lock()
	if !j.status.Terminal() {
		if code == 0 {
			j.status = StatusCompleted
		} else {
			j.status = StatusFailed
		}
		c := code
		j.exitCode = &c
	}
	j.updatedAt = time.Now().UTC()
	fields := j.storeFieldsLocked()
	ev := j.terminalEventLocked()
	j.emitLocked(ev, true)
	summary := j.summaryLocked()
	j.mu.Unlock()

	r.persist(ctx, j.id, fields)
	if err := r.store.HSet(ctx, progressHashKey(j.id), progressFields(summary.Progress), r.cfg.TTL); err != nil {
		r.log.Warn("final progress write failed", zap.String("job_id", j.id), zap.Error(err))
	}

	r.log.Info("job finished",
		zap.String("job_id", j.id),
		zap.String("status", string(summary.Status)),
		zap.Intp("exit_code", summary.ExitCode))

	if onExit != nil {
		onExit(summary)
	}
}

func (r *Registry) persist(ctx context.Context, id string, fields map[string]string) {
	if err := r.store.HSet(ctx, jobHashKey(id), fields, r.cfg.TTL); err != nil {
		r.log.Warn("job persist failed", zap.String("job_id", id), zap.Error(err))
	}
}

// Get returns the job's summary, consulting the shared store for jobs this
// process does not own.
func (r *Registry) Get(ctx context.Context, id string) (*Summary, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if ok {
		return j.summary(), nil
	}

	fields, err := r.store.HGetAll(ctx, jobHashKey(id))
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	s, ok := summaryFromFields(id, fields)
	if !ok {
		return nil, ErrNotFound
	}
	pf, err := r.store.HGetAll(ctx, progressHashKey(id))
	if err == nil && len(pf) > 0 {
		s.Progress = progressFromFields(pf)
	}
	return s, nil
}

// Logs returns up to lastN of the job's newest output lines, joined by
// newlines. lastN <= 0 returns everything retained. Store-backed logs are
// preferred; the in-process ring buffer serves as fallback when the store
// has nothing for the job.
func (r *Registry) Logs(ctx context.Context, id string, lastN int) (string, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()

	if ok {
		j.logs.Flush(ctx)
	}

	if r.store.Available() || !ok {
		start := int64(0)
		if lastN > 0 {
			start = int64(-lastN)
		}
		lines, err := r.store.LRange(ctx, logsListKey(id), start, -1)
		if err == nil && len(lines) > 0 {
			return strings.Join(lines, "\n"), nil
		}
	}

	if !ok {
		if _, err := r.Get(ctx, id); err != nil {
			return "", err
		}
		return "", nil
	}

	return strings.Join(j.handle.Logs(lastN), "\n"), nil
}

// Cancel terminates the worker's process tree and marks the job cancelled.
// Only jobs owned by this process can be cancelled.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return ErrAlreadyFinished
	}
	j.status = StatusCancelled
	j.updatedAt = time.Now().UTC()
	fields := j.storeFieldsLocked()
	ev := j.terminalEventLocked()
	j.emitLocked(ev, true)
	j.mu.Unlock()

	r.persist(ctx, id, fields)

	if err := j.handle.Terminate(); err != nil {
		r.log.Warn("terminate failed, killing", zap.String("job_id", id), zap.Error(err))
		if err := j.handle.Kill(); err != nil {
			return fmt.Errorf("kill job %s: %w", id, err)
		}
	}

	// Escalate if the tree ignores SIGTERM.
	go func() {
		select {
		case <-j.handle.Done():
		case <-time.After(10 * time.Second):
			_ = j.handle.Kill()
		}
	}()

	r.log.Info("job cancelled", zap.String("job_id", id))
	return nil
}

// Subscribe attaches a consumer to the job's event stream. For terminal
// jobs the channel delivers the terminal event and closes immediately,
// including jobs known only through the store. The returned cancel func
// detaches the consumer and is safe to call more than once.
func (r *Registry) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return r.subscribeRemote(ctx, id)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.status.Terminal() {
		ch := make(chan Event, 1)
		ch <- j.terminalEventLocked()
		close(ch)
		return ch, func() {}, nil
	}

	sub := newSubscriber()
	key := j.nextSub
	j.nextSub++
	j.subs[key] = sub

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if s, ok := j.subs[key]; ok {
			delete(j.subs, key)
			close(s.ch)
		}
	}
	return sub.ch, cancel, nil
}

// subscribeRemote serves jobs this process does not own, reconstructed from
// the store. Another process holds the live stream, so the channel carries a
// single event (terminal, or a progress snapshot) and closes.
func (r *Registry) subscribeRemote(ctx context.Context, id string) (<-chan Event, func(), error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, 1)
	if s.Status.Terminal() {
		if s.Status == StatusCancelled {
			ch <- Event{Type: EventCancelled, JobID: id, Status: s.Status}
		} else {
			ch <- Event{Type: EventEnd, JobID: id, Status: s.Status, ExitCode: s.ExitCode}
		}
	} else {
		p := s.Progress
		ch <- Event{Type: EventProgress, JobID: id, Status: s.Status, Progress: &p}
	}
	close(ch)
	return ch, func() {}, nil
}

// List returns summaries for every known job, locally owned ones first by
// creation time descending, then store-only jobs.
func (r *Registry) List(ctx context.Context) ([]*Summary, error) {
	r.mu.Lock()
	local := make([]*Summary, 0, len(r.jobs))
	seen := make(map[string]bool, len(r.jobs))
	for id, j := range r.jobs {
		local = append(local, j.summary())
		seen[id] = true
	}
	r.mu.Unlock()

	sort.Slice(local, func(i, k int) bool {
		return local[i].CreatedAt.After(local[k].CreatedAt)
	})

	if !r.store.Available() {
		return local, nil
	}

	keys, err := r.store.Keys(ctx, "job:*")
	if err != nil {
		return local, fmt.Errorf("list jobs: %w", err)
	}
	var remote []*Summary
	for _, key := range keys {
		id := strings.TrimPrefix(key, "job:")
		if strings.Contains(id, ":") || seen[id] {
			continue
		}
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		if s, ok := summaryFromFields(id, fields); ok {
			remote = append(remote, s)
		}
	}
	sort.Slice(remote, func(i, k int) bool {
		return remote[i].CreatedAt.After(remote[k].CreatedAt)
	})

	return append(local, remote...), nil
}
