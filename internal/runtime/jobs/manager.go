package jobs

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/filters"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
)

// Event types published for job changes.
const (
	EventAdded   = "ADDED"
	EventChanged = "CHANGED"
	EventRemoved = "REMOVED"
)

// Publisher receives job events in the order they happen. It is called with
// the manager lock held and must not block or call back into the manager.
type Publisher func(eventType string, snap Snapshot)

// Options configure a Manager.
type Options struct {
	Logger logging.ServiceLogger
	Hooks  Hooks
	// Publisher receives ADDED/CHANGED/REMOVED events for non-transient jobs.
	Publisher Publisher
	// Retention is how long finished jobs stay queryable.
	Retention time.Duration
	// MaxRetained caps finished jobs kept regardless of age. Zero means no cap.
	MaxRetained  int
	ReapInterval time.Duration
	Now          func() time.Time
}

// Submission is a request to start a job.
type Submission struct {
	Method *methods.Method
	Args   map[string]any
	// DisplayArgs are the redacted arguments shown in snapshots. Defaults to Args.
	DisplayArgs map[string]any
	Username    string
	Run         Runner
}

// Manager owns every job. A single mutex serializes state transitions so
// events come out in order.
type Manager struct {
	opts  Options
	codec *logCodec

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*Job
	pending []*Job
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	codec, err := newLogCodec()
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		codec:  codec,
		base:   base,
		cancel: cancel,
		jobs:   make(map[int64]*Job),
	}, nil
}

// Submit enqueues a job. A job whose lock key is held waits behind it unless
// the queue for that key is full, in which case an identical queued job is
// returned or the call fails with LockBusy.
func (m *Manager) Submit(sub Submission) (*Job, error) {
	if sub.Method == nil || sub.Run == nil {
		return nil, fmt.Errorf("jobs: submission needs a method and a runner")
	}
	if !sub.Method.IsJob() {
		return nil, fmt.Errorf("jobs: %s is not a job method", sub.Method.Key())
	}
	lock := sub.Method.Lock(sub.Args)
	display := sub.DisplayArgs
	if display == nil {
		display = sub.Args
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if lock != "" {
		held, waiting := m.lockStateLocked(lock)
		if held && waiting >= sub.Method.Job.QueueSize() {
			if dup := m.duplicateLocked(sub, lock); dup != nil {
				return dup, nil
			}
			return nil, errs.New(errs.KindLockBusy, "lock %q is busy (%d jobs waiting)", lock, waiting)
		}
	}

	m.nextID++
	job := &Job{
		mgr:         m,
		id:          m.nextID,
		method:      sub.Method,
		args:        sub.Args,
		display:     display,
		description: sub.Method.JobDescription(sub.Args),
		lock:        lock,
		username:    sub.Username,
		run:         sub.Run,
		state:       StateQueued,
		created:     m.opts.Now(),
		done:        make(chan struct{}),
	}
	if sub.Method.Job.Logs {
		job.logs = &logBuffer{codec: m.codec}
	}
	m.jobs[job.id] = job
	m.pending = append(m.pending, job)
	m.emitLocked(EventAdded, job)
	m.scheduleLocked()
	return job, nil
}

func (m *Manager) lockStateLocked(lock string) (held bool, waiting int) {
	for _, j := range m.jobs {
		if j.lock != lock {
			continue
		}
		switch j.state {
		case StateRunning:
			held = true
		case StateQueued, StateWaiting:
			waiting++
		}
	}
	return held, waiting
}

// duplicateLocked finds a queued job the same user submitted with the same
// method and arguments.
func (m *Manager) duplicateLocked(sub Submission, lock string) *Job {
	for _, j := range m.pending {
		if j.lock == lock && j.username == sub.Username && j.method.Key() == sub.Method.Key() && reflect.DeepEqual(j.args, sub.Args) {
			return j
		}
	}
	return nil
}

// scheduleLocked starts every pending job whose lock is free, oldest first.
func (m *Manager) scheduleLocked() {
	busy := map[string]bool{}
	for _, j := range m.jobs {
		if j.state == StateRunning && j.lock != "" {
			busy[j.lock] = true
		}
	}
	rest := m.pending[:0]
	for _, j := range m.pending {
		if j.state != StateQueued && j.state != StateWaiting {
			continue
		}
		if j.lock != "" && busy[j.lock] {
			if j.state != StateWaiting {
				j.state = StateWaiting
				m.emitLocked(EventChanged, j)
			}
			rest = append(rest, j)
			continue
		}
		if j.lock != "" {
			busy[j.lock] = true
		}
		m.startLocked(j)
	}
	for i := len(rest); i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = rest
}

func (m *Manager) startLocked(j *Job) {
	ctx, cancel := context.WithCancel(m.base)
	j.cancel = cancel
	j.state = StateRunning
	j.started = m.opts.Now()
	m.emitLocked(EventChanged, j)
	hc := j.hookContextLocked()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if h := m.opts.Hooks.OnJobStart; h != nil {
			h(hc)
		}
		result, err := m.invoke(ctx, j)
		m.finish(j, result, err)
	}()
}

func (m *Manager) invoke(ctx context.Context, j *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e := errs.New(errs.KindInternal, "job panicked: %v", r)
			e.Trace = string(debug.Stack())
			result, err = nil, e
		}
	}()
	return j.run(ctx, j)
}

func (m *Manager) finish(j *Job, result any, err error) {
	m.mu.Lock()
	j.cancel()
	switch {
	case j.aborting:
		j.state = StateAborted
		j.err = errs.New(errs.KindCancelled, "job aborted")
	case err != nil:
		j.state = StateFailed
		j.err = errs.Normalize(err)
	default:
		j.state = StateSuccess
		j.result = result
		j.progress.Percent = 100
	}
	callbacks, hc, jobErr := m.closeLocked(j)
	m.scheduleLocked()
	m.mu.Unlock()

	m.afterFinish(j, callbacks, hc, jobErr)
}

// closeLocked seals a job that just reached a terminal state.
func (m *Manager) closeLocked(j *Job) ([]func(*Job), JobContext, error) {
	j.finished = m.opts.Now()
	if j.logs != nil {
		j.logs.seal()
	}
	close(j.done)
	if j.method.Job.Transient {
		delete(m.jobs, j.id)
	} else {
		m.emitLocked(EventChanged, j)
	}
	callbacks := j.onFinish
	j.onFinish = nil
	var jobErr error
	if j.err != nil {
		jobErr = j.err
	}
	return callbacks, j.hookContextLocked(), jobErr
}

func (m *Manager) afterFinish(j *Job, callbacks []func(*Job), hc JobContext, err error) {
	if err == nil {
		if h := m.opts.Hooks.OnJobDone; h != nil {
			h(hc)
		}
	} else if h := m.opts.Hooks.OnJobError; h != nil {
		h(hc, err)
	}
	for _, cb := range callbacks {
		cb(j)
	}
}

func (j *Job) hookContextLocked() JobContext {
	hc := JobContext{
		ID:          j.id,
		Method:      j.method.Key(),
		Description: j.description,
		LockKey:     j.lock,
		State:       j.state,
		StartedAt:   j.started,
	}
	if !j.finished.IsZero() && !j.started.IsZero() {
		hc.Duration = j.finished.Sub(j.started)
	}
	return hc
}

// Get returns a job by id.
func (m *Manager) Get(id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "job %d does not exist", id)
	}
	return j, nil
}

// Abort stops a job. Queued and waiting jobs are aborted immediately; a
// running job has its context cancelled and abort hooks run, and reaches
// ABORTED once its handler returns.
func (m *Manager) Abort(id int64) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.KindNotFound, "job %d does not exist", id)
	}
	switch j.state {
	case StateQueued, StateWaiting:
		j.aborting = true
		j.state = StateAborted
		j.err = errs.New(errs.KindCancelled, "job aborted")
		callbacks, hc, jobErr := m.closeLocked(j)
		m.scheduleLocked()
		m.mu.Unlock()
		m.afterFinish(j, callbacks, hc, jobErr)
		return nil
	case StateRunning:
		if !j.method.Job.Abortable {
			m.mu.Unlock()
			return errs.New(errs.KindConflict, "job %d is not abortable", id)
		}
		if j.aborting {
			m.mu.Unlock()
			return nil
		}
		j.aborting = true
		hooks := j.onAbort
		j.onAbort = nil
		cancel := j.cancel
		m.mu.Unlock()
		cancel()
		for _, h := range hooks {
			h()
		}
		return nil
	default:
		state := j.state
		m.mu.Unlock()
		return errs.New(errs.KindConflict, "job %d is already %s", id, state)
	}
}

// Logs returns the log output of a job.
func (m *Manager) Logs(id int64) (string, error) {
	j, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if j.logs == nil {
		return "", errs.New(errs.KindNotFound, "job %d has no logs", id)
	}
	return j.logs.text()
}

// Snapshots returns every retained job ordered by id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshotLocked())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Query filters job snapshots.
func (m *Manager) Query(f filters.Filters, opts filters.Options) (any, error) {
	snaps := m.Snapshots()
	entries := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		entries = append(entries, s.Map())
	}
	return filters.Apply(entries, f, opts)
}

// Reap expires finished jobs older than the retention window and trims the
// oldest finished jobs beyond MaxRetained. It returns the number removed.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()

	var finished []*Job
	for _, j := range m.jobs {
		if j.state.Finished() {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(a, b int) bool {
		if finished[a].finished.Equal(finished[b].finished) {
			return finished[a].id < finished[b].id
		}
		return finished[a].finished.Before(finished[b].finished)
	})

	excess := 0
	if m.opts.MaxRetained > 0 && len(finished) > m.opts.MaxRetained {
		excess = len(finished) - m.opts.MaxRetained
	}
	removed := 0
	for i, j := range finished {
		expired := m.opts.Retention > 0 && now.Sub(j.finished) >= m.opts.Retention
		if !expired && i >= excess {
			continue
		}
		j.state = StateExpired
		delete(m.jobs, j.id)
		m.emitLocked(EventRemoved, j)
		removed++
	}
	return removed
}

// Run reaps finished jobs until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.opts.Logger.Debug("Expired finished jobs", logging.LogFields{"count": n})
			}
		}
	}
}

// Close cancels every running job and waits for their handlers to return.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	for _, j := range m.jobs {
		if j.state == StateRunning {
			j.aborting = true
		}
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.codec.close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) emitLocked(eventType string, j *Job) {
	if m.opts.Publisher == nil || j.method.Job.Transient {
		return
	}
	m.opts.Publisher(eventType, j.snapshotLocked())
}
