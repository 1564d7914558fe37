// Package jobs runs long-running method calls as tracked jobs: queued behind
// a lock key, observable through progress events, abortable, and retained for
// a while after they finish.
package jobs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
)

// State of a job.
type State string

const (
	StateQueued  State = "QUEUED"
	StateWaiting State = "WAITING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
	StateExpired State = "EXPIRED"
)

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	switch s {
	case StateSuccess, StateFailed, StateAborted, StateExpired:
		return true
	}
	return false
}

// Progress of a running job.
type Progress struct {
	Percent     float64 `json:"percent"`
	Description string  `json:"description"`
	Extra       any     `json:"extra"`
}

// ExcInfo describes why a job failed.
type ExcInfo struct {
	Type  errs.Kind `json:"type"`
	Extra any       `json:"extra,omitempty"`
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	ID          int64          `json:"id"`
	Method      string         `json:"method"`
	Arguments   map[string]any `json:"arguments"`
	Description string         `json:"description"`
	LockKey     string         `json:"lock_key,omitempty"`
	Username    string         `json:"username,omitempty"`
	Abortable   bool           `json:"abortable"`
	Transient   bool           `json:"transient"`
	State       State          `json:"state"`
	Progress    Progress       `json:"progress"`
	Result      any            `json:"result"`
	Error       string         `json:"error,omitempty"`
	Exception   string         `json:"exception,omitempty"`
	ExcInfo     *ExcInfo       `json:"exc_info,omitempty"`
	TimeCreated time.Time      `json:"time_created"`
	// TimeStarted and TimeFinished are nil until the job gets there.
	TimeStarted  *time.Time `json:"time_started"`
	TimeFinished *time.Time `json:"time_finished"`
	HasLogs      bool       `json:"logs"`
}

// Map renders the snapshot as a generic document for filtering.
func (s Snapshot) Map() map[string]any {
	out := map[string]any{}
	_ = jsoncodec.Convert(s, &out)
	return out
}

// Runner is the body of a job.
type Runner func(ctx context.Context, job *Job) (any, error)

// Job is one submitted call. It implements methods.JobControl.
type Job struct {
	mgr *Manager

	id          int64
	method      *methods.Method
	args        map[string]any
	display     map[string]any
	description string
	lock        string
	username    string
	run         Runner

	// guarded by mgr.mu
	state    State
	progress Progress
	result   any
	err      *errs.Error
	created  time.Time
	started  time.Time
	finished time.Time
	aborting bool
	cancel   context.CancelFunc
	onAbort  []func()
	onFinish []func(*Job)
	done     chan struct{}
	logs     *logBuffer
}

var _ methods.JobControl = (*Job)(nil)

func (j *Job) ID() int64 { return j.id }

// Method is the method the job runs.
func (j *Job) Method() *methods.Method { return j.method }

// Args are the validated arguments passed to the runner.
func (j *Job) Args() map[string]any { return j.args }

func (j *Job) LockKey() string { return j.lock }

func (j *Job) State() State {
	j.mgr.mu.Lock()
	defer j.mgr.mu.Unlock()
	return j.state
}

// Snapshot returns a copy of the job state.
func (j *Job) Snapshot() Snapshot {
	j.mgr.mu.Lock()
	defer j.mgr.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:          j.id,
		Method:      j.method.Key(),
		Arguments:   j.display,
		Description: j.description,
		LockKey:     j.lock,
		Username:    j.username,
		Transient:   j.method.Job != nil && j.method.Job.Transient,
		Abortable:   j.method.Job != nil && j.method.Job.Abortable,
		State:       j.state,
		Progress:    j.progress,
		Result:      j.result,
		TimeCreated: j.created,
		HasLogs:     j.logs != nil,
	}
	if !j.started.IsZero() {
		t := j.started
		s.TimeStarted = &t
	}
	if !j.finished.IsZero() {
		t := j.finished
		s.TimeFinished = &t
	}
	if j.err != nil {
		s.Error = j.err.Error()
		s.Exception = j.err.Trace
		s.ExcInfo = &ExcInfo{Type: j.err.Kind}
		if len(j.err.Details) > 0 {
			s.ExcInfo.Extra = j.err.Details
		} else if len(j.err.Extra) > 0 {
			s.ExcInfo.Extra = j.err.Extra
		}
	}
	return s
}

// SetProgress records progress. Events are emitted only when a value changes.
func (j *Job) SetProgress(percent float64, description string, extra any) {
	j.mgr.mu.Lock()
	defer j.mgr.mu.Unlock()
	if j.state.Finished() {
		return
	}
	next := Progress{Percent: percent, Description: description, Extra: extra}
	if next.Percent < 0 {
		next.Percent = 0
	}
	if next.Percent > 100 {
		next.Percent = 100
	}
	if progressEqual(j.progress, next) {
		return
	}
	j.progress = next
	j.mgr.emitLocked(EventChanged, j)
}

func progressEqual(a, b Progress) bool {
	if a.Percent != b.Percent || a.Description != b.Description {
		return false
	}
	ea, _ := jsoncodec.MarshalString(a.Extra)
	eb, _ := jsoncodec.MarshalString(b.Extra)
	return ea == eb
}

// AddAbortHook registers fn to run when the job is aborted. If the job is
// already being aborted fn runs immediately.
func (j *Job) AddAbortHook(fn func()) {
	j.mgr.mu.Lock()
	if !j.aborting {
		j.onAbort = append(j.onAbort, fn)
		j.mgr.mu.Unlock()
		return
	}
	j.mgr.mu.Unlock()
	fn()
}

// OnFinish registers fn to run once the job reaches a terminal state.
func (j *Job) OnFinish(fn func(*Job)) {
	j.mgr.mu.Lock()
	if !j.state.Finished() {
		j.onFinish = append(j.onFinish, fn)
		j.mgr.mu.Unlock()
		return
	}
	j.mgr.mu.Unlock()
	fn(j)
}

// Logs returns the job log writer. Methods without job logs get io.Discard.
func (j *Job) Logs() io.Writer {
	if j.logs == nil {
		return io.Discard
	}
	return j.logs
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done, returning its result or
// its error.
func (j *Job) Wait(ctx context.Context) (any, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	j.mgr.mu.Lock()
	defer j.mgr.mu.Unlock()
	if j.err != nil {
		return nil, j.err
	}
	return j.result, nil
}

// Err is the failure of a finished job, nil on success.
func (j *Job) Err() error {
	j.mgr.mu.Lock()
	defer j.mgr.mu.Unlock()
	if j.err == nil {
		return nil
	}
	return j.err
}

// logBuffer collects job log output in memory and compresses it once the job
// finishes.
type logBuffer struct {
	mu         sync.Mutex
	raw        bytes.Buffer
	compressed []byte
	sealed     bool
	codec      *logCodec
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return 0, errs.New(errs.KindConflict, "job logs are closed")
	}
	return b.raw.Write(p)
}

func (b *logBuffer) seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.sealed = true
	b.compressed = b.codec.encode(b.raw.Bytes())
	b.raw = bytes.Buffer{}
}

func (b *logBuffer) text() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.sealed {
		return b.raw.String(), nil
	}
	out, err := b.codec.decode(b.compressed)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *logBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return len(b.compressed)
	}
	return b.raw.Len()
}
