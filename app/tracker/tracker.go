// Package tracker implements the job and task state machine on top of the job store.
// Every mutation is a load-modify-save sequence under a single lock, so concurrent
// updates of the same job never lose each other's changes.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
)

// errors returned by tracker operations, check with errors.Is
var (
	ErrNotFound     = persistence.ErrNotFound
	ErrUnknownTask  = errors.New("task not enabled for job")
	ErrJobTerminal  = errors.New("job already in terminal state")
	ErrTaskTerminal = errors.New("task already in terminal state")
	ErrTaskBusy     = errors.New("another task of the job is running")
	ErrBadStatus    = errors.New("status can't go back")
	ErrStorage      = errors.New("job storage failure")
)

// Store defines job storage used by the tracker, implemented by persistence.FileStore
type Store interface {
	Create(config json.RawMessage, enabled []enums.TaskName) (persistence.Job, error)
	Get(id string) (persistence.Job, error)
	Save(job persistence.Job) error
	List(limit int) []persistence.Summary
	Delete(id string) (bool, error)
	CleanupOlderThan(age time.Duration) []string
}

// History defines event log, implemented by persistence.SQLiteHistory
type History interface {
	Record(ev persistence.Event) error
	DeleteJob(jobID string) error
	DeleteOlderThan(age time.Duration) (int64, error)
}

// Tracker is the only writer of job records
type Tracker struct {
	store   Store
	history History // optional
	pid     int
	now     func() time.Time

	mu sync.Mutex
}

// Option sets optional tracker parameters
type Option func(t *Tracker)

// WithHistory enables recording of job events
func WithHistory(h History) Option {
	return func(t *Tracker) { t.history = h }
}

// WithClock overrides time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithPID overrides pid recorded as the owner of running jobs
func WithPID(pid int) Option {
	return func(t *Tracker) { t.pid = pid }
}

// New makes tracker for the store
func New(store Store, opts ...Option) *Tracker {
	res := &Tracker{store: store, pid: os.Getpid(), now: time.Now}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// Create makes a queued job with pending tasks for the enabled set and returns its id
func (t *Tracker) Create(config json.RawMessage, tasks []enums.TaskName) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("no tasks enabled")
	}
	seen := map[enums.TaskName]bool{}
	for _, name := range tasks {
		if _, err := enums.ParseTaskName(name.String()); err != nil {
			return "", fmt.Errorf("task %q: %w", name, ErrUnknownTask)
		}
		if seen[name] {
			return "", fmt.Errorf("task %s listed twice", name)
		}
		seen[name] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	job, err := t.store.Create(config, tasks)
	if err != nil {
		log.Printf("[ERROR] can't create job, %v", err)
		return "", fmt.Errorf("create job: %w: %w", ErrStorage, err)
	}
	t.record(persistence.Event{JobID: job.ID, Type: enums.EventTypeCreated, Status: job.Status.String()})
	return job.ID, nil
}

// Get returns job record
func (t *Tracker) Get(id string) (persistence.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(id)
}

// List returns up to limit job summaries, newest first
func (t *Tracker) List(limit int) []persistence.Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.List(limit)
}

// TransitionJob sets job status. Running stamps start time and owner pid on the first start,
// terminal statuses stamp completion time and clear the owner pid. Non-empty errMsg is stored as job error.
func (t *Tracker) TransitionJob(id string, status enums.JobStatus, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update(id, func(job *persistence.Job) (persistence.Event, error) {
		return t.transitionJob(job, status, errMsg)
	})
}

func (t *Tracker) transitionJob(job *persistence.Job, status enums.JobStatus, errMsg string) (persistence.Event, error) {
	if job.Status.IsTerminal() {
		return persistence.Event{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobTerminal)
	}
	if status == enums.JobStatusQueued && job.Status != enums.JobStatusQueued {
		return persistence.Event{}, fmt.Errorf("job %s is %s, can't set %s: %w", job.ID, job.Status, status, ErrBadStatus)
	}

	now := t.now().UTC()
	job.Status = status
	switch {
	case status == enums.JobStatusRunning && job.StartedAt == nil:
		job.StartedAt = &now
		job.OwnerPID = t.pid
	case status.IsTerminal():
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		job.OwnerPID = 0
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	return persistence.Event{JobID: job.ID, Type: enums.EventTypeJob, Status: status.String(), Message: errMsg}, nil
}

// TransitionTask sets status of the job's task. Result is stored for completed tasks,
// errMsg for failed ones. Terminal task statuses move current task to the next pending one.
func (t *Tracker) TransitionTask(id string, task enums.TaskName, status enums.TaskStatus,
	result json.RawMessage, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update(id, func(job *persistence.Job) (persistence.Event, error) {
		return t.transitionTask(job, task, status, result, errMsg)
	})
}

func (t *Tracker) transitionTask(job *persistence.Job, task enums.TaskName, status enums.TaskStatus,
	result json.RawMessage, errMsg string) (persistence.Event, error) {
	if job.Status.IsTerminal() {
		return persistence.Event{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobTerminal)
	}
	tsk, ok := job.Tasks[task]
	if !ok || tsk == nil {
		return persistence.Event{}, fmt.Errorf("task %s of job %s: %w", task, job.ID, ErrUnknownTask)
	}
	if tsk.Status.IsTerminal() {
		return persistence.Event{}, fmt.Errorf("task %s of job %s is %s: %w", task, job.ID, tsk.Status, ErrTaskTerminal)
	}
	if status == enums.TaskStatusPending && tsk.Status != enums.TaskStatusPending {
		return persistence.Event{}, fmt.Errorf("task %s of job %s is %s, can't set %s: %w",
			task, job.ID, tsk.Status, status, ErrBadStatus)
	}

	now := t.now().UTC()
	switch status {
	case enums.TaskStatusRunning:
		for name, other := range job.Tasks {
			if name != task && other != nil && other.Status == enums.TaskStatusRunning {
				return persistence.Event{}, fmt.Errorf("task %s of job %s: %w", name, job.ID, ErrTaskBusy)
			}
		}
		if tsk.StartedAt == nil {
			tsk.StartedAt = &now
		}
		current := task
		job.CurrentTask = &current
	case enums.TaskStatusCompleted:
		tsk.CompletedAt = &now
		tsk.Result = result
		if job.Results == nil {
			job.Results = map[enums.TaskName]json.RawMessage{}
		}
		if result != nil {
			job.Results[task] = result
		}
		job.Progress.CompletedTasks++
	case enums.TaskStatusFailed:
		tsk.CompletedAt = &now
		tsk.Error = errMsg
	case enums.TaskStatusSkipped:
		tsk.CompletedAt = &now
	}
	tsk.Status = status

	if status.IsTerminal() {
		job.CurrentTask = nil
		if next, ok := job.NextPending(); ok {
			job.CurrentTask = &next
		}
	}
	return persistence.Event{JobID: job.ID, Type: enums.EventTypeTask, Task: task.String(),
		Status: status.String(), Message: errMsg}, nil
}

// UpdateProgressStep sets human-readable description of the current step.
// Rejected with ErrJobTerminal once the job is finished.
func (t *Tracker) UpdateProgressStep(id, step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update(id, func(job *persistence.Job) (persistence.Event, error) {
		if job.Status.IsTerminal() {
			return persistence.Event{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobTerminal)
		}
		job.Progress.CurrentStep = step
		return persistence.Event{}, nil
	})
}

// SetWorkflowTimestamp sets the timestamp shared by all tasks of the job.
// Set once, returns the effective value which may differ from ts if it was set before.
func (t *Tracker) SetWorkflowTimestamp(id, ts string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := ts
	err := t.update(id, func(job *persistence.Job) (persistence.Event, error) {
		if job.Status.IsTerminal() {
			return persistence.Event{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobTerminal)
		}
		if job.WorkflowTimestamp != "" {
			res = job.WorkflowTimestamp
			return persistence.Event{}, nil
		}
		job.WorkflowTimestamp = ts
		return persistence.Event{}, nil
	})
	if err != nil {
		return "", err
	}
	return res, nil
}

// Cancel marks active job cancelled and skips its pending tasks. Work in flight is not interrupted,
// its late transitions are rejected with ErrJobTerminal.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.update(id, func(job *persistence.Job) (persistence.Event, error) {
		ev, err := t.transitionJob(job, enums.JobStatusCancelled, "")
		if err != nil {
			return ev, err
		}
		now := t.now().UTC()
		for _, tsk := range job.Tasks {
			if tsk != nil && tsk.Status == enums.TaskStatusPending {
				tsk.Status = enums.TaskStatusSkipped
				tsk.CompletedAt = &now
			}
		}
		job.CurrentTask = nil
		job.Progress.CurrentStep = "Cancelled"
		return ev, nil
	})
}

// Delete removes job record and its history, returns false if job didn't exist
func (t *Tracker) Delete(id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok, err := t.store.Delete(id)
	if err != nil {
		log.Printf("[ERROR] can't delete job %s, %v", id, err)
		return false, fmt.Errorf("delete job %s: %w: %w", id, ErrStorage, err)
	}
	if ok && t.history != nil {
		if err := t.history.DeleteJob(id); err != nil {
			log.Printf("[WARN] can't delete history of job %s, %v", id, err)
		}
	}
	return ok, nil
}

// Cleanup removes jobs not modified for longer than maxAge together with their history.
// Returns number of removed jobs.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := t.store.CleanupOlderThan(maxAge)
	if t.history != nil {
		for _, id := range removed {
			if err := t.history.DeleteJob(id); err != nil {
				log.Printf("[WARN] can't delete history of job %s, %v", id, err)
			}
		}
		if n, err := t.history.DeleteOlderThan(maxAge); err != nil {
			log.Printf("[WARN] can't prune history, %v", err)
		} else if n > 0 {
			log.Printf("[DEBUG] pruned %d history events", n)
		}
	}
	log.Printf("[INFO] cleanup removed %d jobs older than %v", len(removed), maxAge)
	return len(removed)
}

// update runs load-modify-save for the job, must be called under lock.
// Nothing is saved if fn returns error.
func (t *Tracker) update(id string, fn func(job *persistence.Job) (persistence.Event, error)) error {
	job, err := t.load(id)
	if err != nil {
		return err
	}
	ev, err := fn(&job)
	if err != nil {
		log.Printf("[DEBUG] rejected update of job %s, %v", id, err)
		return err
	}
	if err := t.store.Save(job); err != nil {
		log.Printf("[ERROR] can't save job %s, %v", id, err)
		return fmt.Errorf("save job %s: %w: %w", id, ErrStorage, err)
	}
	if ev.JobID != "" {
		if ev.Task != "" {
			log.Printf("[INFO] updated job %s task %s status to %s", id, ev.Task, ev.Status)
		} else {
			log.Printf("[INFO] updated job %s status to %s", id, ev.Status)
		}
		t.record(ev)
	}
	return nil
}

func (t *Tracker) load(id string) (persistence.Job, error) {
	job, err := t.store.Get(id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		log.Printf("[ERROR] can't load job %s, %v", id, err)
		return persistence.Job{}, fmt.Errorf("load job %s: %w: %w", id, ErrStorage, err)
	}
	return job, nil
}

func (t *Tracker) record(ev persistence.Event) {
	if t.history == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now().UTC()
	}
	if err := t.history.Record(ev); err != nil {
		log.Printf("[WARN] can't record %s event of job %s, %v", ev.Type, ev.JobID, err)
	}
}
