// Package resumer reconciles jobs left active by a previous process.
// Run once on startup, before any new work is accepted.
package resumer

import (
	"fmt"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
)

// InterruptedMessage is set as error of jobs and tasks failed by the scan
const InterruptedMessage = "process interrupted (server restart)"

// DefaultStaleAfter is used when Resumer.StaleAfter not set
const DefaultStaleAfter = 2 * time.Hour

// Store defines access to all job records
type Store interface {
	Jobs() ([]persistence.Job, error)
	Save(job persistence.Job) error
}

// ProcessChecker reports if a process with given pid is alive
type ProcessChecker interface {
	Alive(pid int) bool
}

// EventRecorder records interrupted events, optional
type EventRecorder interface {
	Record(ev persistence.Event) error
}

// Resumer finds queued or running jobs whose owner process is gone and marks them failed
type Resumer struct {
	Store      Store
	Processes  ProcessChecker // defaults to gopsutil based checker
	History    EventRecorder
	StaleAfter time.Duration // used for jobs without owner pid
	PID        int           // current process, defaults to os.Getpid
	Now        func() time.Time
}

// Scan checks all active jobs and fails interrupted ones, returns number of failed jobs.
// Problems are logged and never stop the scan.
func (r *Resumer) Scan() int {
	jobs, err := r.Store.Jobs()
	if err != nil {
		log.Printf("[WARN] can't scan jobs for interrupted, %v", err)
		return 0
	}

	count := 0
	for _, job := range jobs {
		if !job.Status.IsActive() {
			continue
		}
		reason, interrupted := r.interrupted(job)
		if !interrupted {
			log.Printf("[DEBUG] job %s (%s) still owned by live process %d", job.ID, job.Status, job.OwnerPID)
			continue
		}
		r.fail(&job)
		if err := r.Store.Save(job); err != nil {
			log.Printf("[WARN] can't save interrupted job %s, %v", job.ID, err)
			continue
		}
		log.Printf("[INFO] job %s marked failed, %s", job.ID, reason)
		if r.History != nil {
			ev := persistence.Event{JobID: job.ID, Type: enums.EventTypeInterrupted,
				Status: job.Status.String(), Message: InterruptedMessage, CreatedAt: r.now()}
			if err := r.History.Record(ev); err != nil {
				log.Printf("[WARN] can't record interruption of job %s, %v", job.ID, err)
			}
		}
		count++
	}
	log.Printf("[INFO] recovery scan done, %d of %d jobs interrupted", count, len(jobs))
	return count
}

func (r *Resumer) interrupted(job persistence.Job) (reason string, ok bool) {
	if job.OwnerPID > 0 {
		if job.OwnerPID == r.pid() {
			// pid reused by this process, the previous owner is gone
			return fmt.Sprintf("owner pid %d reused by current process", job.OwnerPID), true
		}
		if !r.processes().Alive(job.OwnerPID) {
			return fmt.Sprintf("owner process %d is gone", job.OwnerPID), true
		}
		return "", false
	}

	if job.StartedAt == nil {
		return "no owner and never started", true
	}
	staleAfter := r.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if elapsed := r.now().Sub(*job.StartedAt); elapsed > staleAfter {
		return fmt.Sprintf("no owner, started %v ago", elapsed.Truncate(time.Second)), true
	}
	return "", false
}

func (r *Resumer) fail(job *persistence.Job) {
	now := r.now()
	job.Status = enums.JobStatusFailed
	job.Error = InterruptedMessage
	job.Progress.CurrentStep = InterruptedMessage
	if job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.CurrentTask = nil
	job.OwnerPID = 0
	for _, tsk := range job.Tasks {
		if tsk == nil || tsk.Status.IsTerminal() {
			continue
		}
		tsk.Status = enums.TaskStatusFailed
		tsk.Error = InterruptedMessage
		if tsk.CompletedAt == nil {
			completed := now
			tsk.CompletedAt = &completed
		}
	}
}

func (r *Resumer) processes() ProcessChecker {
	if r.Processes == nil {
		return PsChecker{}
	}
	return r.Processes
}

func (r *Resumer) pid() int {
	if r.PID == 0 {
		return os.Getpid()
	}
	return r.PID
}

func (r *Resumer) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// PsChecker checks process liveness with gopsutil
type PsChecker struct{}

// Alive returns true if process exists. Errors are treated as dead process.
func (PsChecker) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid)) //nolint:gosec // pids fit int32
	if err != nil {
		log.Printf("[DEBUG] can't check pid %d, %v", pid, err)
		return false
	}
	return ok
}
