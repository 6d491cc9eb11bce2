// Package workflow drives jobs through their tasks. Each job runs in its own goroutine,
// tasks are executed strictly in build, deploy, benchmark order and every transition goes through the tracker.
// Results of a finished task feed the configuration of the next one.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
	"github.com/osflow/osflow/app/tracker"
)

// chaining failures
var (
	ErrArtifactMissing = errors.New("build completed but artifact missing, cannot proceed with deploy")
	ErrEndpointMissing = errors.New("deploy completed but cluster endpoint missing, cannot proceed with benchmark")
)

// TimestampFormat is the layout of workflow timestamp
const TimestampFormat = "20060102-150405"

// Tracker defines job state machine used by the runner, implemented by tracker.Tracker
type Tracker interface {
	Get(id string) (persistence.Job, error)
	TransitionJob(id string, status enums.JobStatus, errMsg string) error
	TransitionTask(id string, task enums.TaskName, status enums.TaskStatus, result json.RawMessage, errMsg string) error
	UpdateProgressStep(id, step string) error
	SetWorkflowTimestamp(id, ts string) (string, error)
}

// Notifier is informed about jobs reaching completed or failed state
type Notifier interface {
	JobFinished(ctx context.Context, job persistence.Job) error
}

// RunnerParams defines runner dependencies
type RunnerParams struct {
	Tracker   Tracker
	Executors map[enums.TaskName]Executor
	Notifier  Notifier // optional
	MaxJobs   int      // max concurrently running jobs, 1 if not set
	Now       func() time.Time
}

// Runner executes submitted jobs in background with limited concurrency
type Runner struct {
	RunnerParams
	group *syncs.SizedGroup
}

var stepMessages = map[enums.TaskName]string{
	enums.TaskNameBuild:     "Building OpenSearch...",
	enums.TaskNameDeploy:    "Deploying OpenSearch cluster...",
	enums.TaskNameBenchmark: "Running benchmark...",
}

// NewRunner makes runner. Jobs submitted after ctx is canceled are not started and stay queued.
func NewRunner(ctx context.Context, params RunnerParams) *Runner {
	if params.MaxJobs <= 0 {
		params.MaxJobs = 1
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Runner{RunnerParams: params, group: syncs.NewSizedGroup(params.MaxJobs, syncs.Context(ctx))}
}

// Submit schedules job execution, returns immediately.
// The job waits in queued state if MaxJobs jobs are already running.
func (r *Runner) Submit(jobID string, cfg Config) {
	log.Printf("[DEBUG] job %s submitted", jobID)
	r.group.Go(func(ctx context.Context) {
		r.run(ctx, jobID, cfg)
	})
}

// Wait blocks until all started jobs are done
func (r *Runner) Wait() {
	r.group.Wait()
}

func (r *Runner) run(ctx context.Context, jobID string, cfg Config) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[ERROR] job %s panicked, %v", jobID, rec)
			r.fail(ctx, jobID, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if err := r.Tracker.TransitionJob(jobID, enums.JobStatusRunning, ""); err != nil {
		log.Printf("[WARN] job %s not started, %v", jobID, err)
		return
	}
	ts, err := r.Tracker.SetWorkflowTimestamp(jobID, r.Now().Format(TimestampFormat))
	if err != nil {
		if errors.Is(err, tracker.ErrJobTerminal) {
			log.Printf("[INFO] job %s stopped, it was cancelled", jobID)
			return
		}
		log.Printf("[WARN] can't set workflow timestamp for job %s, %v", jobID, err)
		r.fail(ctx, jobID, err.Error())
		return
	}

	job, err := r.Tracker.Get(jobID)
	if err != nil {
		log.Printf("[WARN] can't load job %s, %v", jobID, err)
		r.fail(ctx, jobID, err.Error())
		return
	}
	tasks := job.TaskNames()
	enabled := map[enums.TaskName]bool{}
	for _, t := range tasks {
		enabled[t] = true
	}
	log.Printf("[INFO] starting workflow for job %s, tasks %v, timestamp %s", jobID, tasks, ts)

	for _, task := range tasks {
		result, err := r.runTask(ctx, jobID, task, ts, cfg)
		if err != nil {
			if errors.Is(err, tracker.ErrJobTerminal) {
				log.Printf("[INFO] job %s stopped, it was cancelled", jobID)
				return
			}
			r.fail(ctx, jobID, err.Error())
			return
		}

		switch {
		case task == enums.TaskNameBuild && enabled[enums.TaskNameDeploy]:
			var res struct {
				S3Info struct {
					S3URI string `json:"s3_uri"`
				} `json:"s3_info"`
			}
			if jerr := json.Unmarshal(result, &res); jerr != nil || res.S3Info.S3URI == "" {
				r.fail(ctx, jobID, ErrArtifactMissing.Error())
				return
			}
			cfg.DistributionURL = res.S3Info.S3URI
			log.Printf("[INFO] job %s, using build artifact %s for deployment", jobID, cfg.DistributionURL)
		case task == enums.TaskNameDeploy && enabled[enums.TaskNameBenchmark]:
			var res struct {
				ClusterInfo struct {
					ClusterEndpoint string `json:"cluster_endpoint"`
				} `json:"cluster_info"`
			}
			if jerr := json.Unmarshal(result, &res); jerr != nil || res.ClusterInfo.ClusterEndpoint == "" {
				r.fail(ctx, jobID, ErrEndpointMissing.Error())
				return
			}
			cfg.ClusterEndpoint = res.ClusterInfo.ClusterEndpoint
			log.Printf("[INFO] job %s, using deployed cluster %s for benchmark", jobID, cfg.ClusterEndpoint)
		}
	}

	if err := r.Tracker.UpdateProgressStep(jobID, "Workflow completed successfully!"); err != nil {
		log.Printf("[WARN] can't update progress of job %s, %v", jobID, err)
	}
	if err := r.Tracker.TransitionJob(jobID, enums.JobStatusCompleted, ""); err != nil {
		log.Printf("[WARN] can't complete job %s, %v", jobID, err)
		return
	}
	log.Printf("[INFO] workflow completed for job %s", jobID)
	r.notify(ctx, jobID)
}

// runTask executes a single task, returns its result. Task failures are recorded in the tracker and returned.
func (r *Runner) runTask(ctx context.Context, jobID string, task enums.TaskName, ts string, cfg Config) (json.RawMessage, error) {
	if err := r.Tracker.TransitionTask(jobID, task, enums.TaskStatusRunning, nil, ""); err != nil {
		return nil, err
	}
	if err := r.Tracker.UpdateProgressStep(jobID, stepMessages[task]); err != nil {
		log.Printf("[WARN] can't update progress of job %s, %v", jobID, err)
	}

	result, err := r.execute(ctx, TaskRequest{JobID: jobID, Task: task, WorkflowTimestamp: ts, Input: cfg.TaskInput(task)})
	if err != nil {
		msg := fmt.Sprintf("%s failed: %v", task, err)
		log.Printf("[WARN] job %s, %s", jobID, msg)
		if terr := r.Tracker.TransitionTask(jobID, task, enums.TaskStatusFailed, nil, msg); terr != nil {
			if errors.Is(terr, tracker.ErrJobTerminal) {
				return nil, terr
			}
			log.Printf("[WARN] can't mark %s failed for job %s, %v", task, jobID, terr)
		}
		return nil, errors.New(msg)
	}

	if err := r.Tracker.TransitionTask(jobID, task, enums.TaskStatusCompleted, result, ""); err != nil {
		return nil, err
	}
	log.Printf("[INFO] %s completed for job %s", task, jobID)
	return result, nil
}

func (r *Runner) execute(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	executor, ok := r.Executors[req.Task]
	if !ok || executor == nil {
		return nil, errors.New("no executor configured")
	}
	result, err := executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	var res struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("can't decode result: %w", err)
	}
	if res.Status != "success" {
		return nil, fmt.Errorf("unsuccessful result %s", string(result))
	}
	return result, nil
}

func (r *Runner) fail(ctx context.Context, jobID, msg string) {
	if err := r.Tracker.UpdateProgressStep(jobID, "Workflow failed"); err != nil {
		log.Printf("[WARN] can't update progress of job %s, %v", jobID, err)
	}
	if err := r.Tracker.TransitionJob(jobID, enums.JobStatusFailed, msg); err != nil {
		log.Printf("[WARN] can't fail job %s, %v", jobID, err)
		return
	}
	log.Printf("[INFO] workflow failed for job %s, %s", jobID, msg)
	r.notify(ctx, jobID)
}

func (r *Runner) notify(ctx context.Context, jobID string) {
	if r.Notifier == nil {
		return
	}
	job, err := r.Tracker.Get(jobID)
	if err != nil {
		log.Printf("[WARN] can't load job %s for notification, %v", jobID, err)
		return
	}
	// sent even if the runner is shutting down
	if err := r.Notifier.JobFinished(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("[WARN] can't send notification for job %s, %v", jobID, err)
	}
}
