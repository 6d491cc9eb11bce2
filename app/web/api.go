package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
	"github.com/osflow/osflow/app/tracker"
	"github.com/osflow/osflow/app/workflow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
	maxEvents        = 1000
)

// SubmitResponse is returned for accepted workflow
type SubmitResponse struct {
	JobID      string          `json:"job_id"`
	Message    string          `json:"message"`
	StatusURL  string          `json:"status_url"`
	Operations map[string]bool `json:"operations"`
}

// ListResponse is returned for jobs listing
type ListResponse struct {
	Jobs  []persistence.Summary `json:"jobs"`
	Total int                   `json:"total"`
}

// EventsResponse is returned for job history
type EventsResponse struct {
	JobID  string              `json:"job_id"`
	Events []persistence.Event `json:"events"`
}

// handleSubmitWorkflow creates a job for the selected operations and starts it in background.
// Operations are selected with build, deploy and benchmark query params, body is the workflow config.
func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	operations := map[string]bool{}
	var tasks []enums.TaskName
	for _, task := range enums.TaskNameValues {
		val := r.URL.Query().Get(task.String())
		if val == "" {
			operations[task.String()] = false
			continue
		}
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, fmt.Sprintf("invalid %s parameter", task))
			return
		}
		operations[task.String()] = enabled
		if enabled {
			tasks = append(tasks, task)
		}
	}

	cfg := workflow.Config{}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "can't decode workflow config")
		return
	}
	if err := cfg.Validate(tasks); err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, err.Error())
		return
	}
	cfg = cfg.WithDefaults()

	stored, err := cfg.Redacted()
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't encode workflow config")
		return
	}
	id, err := s.Tracker.Create(stored, tasks)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't create job")
		return
	}
	s.Runner.Submit(id, cfg)
	log.Printf("[INFO] workflow %s accepted, tasks %v", id, tasks)

	statusURL := "/api/v1/jobs/" + id
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:      id,
		Message:    fmt.Sprintf("Workflow started. Use GET %s to check status.", statusURL),
		StatusURL:  statusURL,
		Operations: operations,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, fmt.Errorf("bad limit %q", v),
				fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
			return
		}
		limit = n
	}
	jobs := s.Tracker.List(limit)
	if jobs == nil {
		jobs = []persistence.Summary{}
	}
	rest.RenderJSON(w, ListResponse{Jobs: jobs, Total: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	rest.RenderJSON(w, job)
}

// handleJobEvents returns recorded transitions of the job, oldest first
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	resp := EventsResponse{JobID: job.ID, Events: []persistence.Event{}}
	if s.History != nil {
		events, err := s.History.Events(job.ID, maxEvents)
		if err != nil {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't load job events")
			return
		}
		if events != nil {
			resp.Events = events
		}
	}
	rest.RenderJSON(w, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.Tracker.Cancel(id)
	switch {
	case err == nil:
		log.Printf("[INFO] job %s cancelled", id)
		rest.RenderJSON(w, rest.JSON{"message": fmt.Sprintf("Job %s cancelled successfully", id)})
	case errors.Is(err, tracker.ErrNotFound):
		rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, err, fmt.Sprintf("job %s not found", id))
	case errors.Is(err, tracker.ErrJobTerminal):
		msg := fmt.Sprintf("job %s is already finished", id)
		if job, gerr := s.Tracker.Get(id); gerr == nil {
			msg = fmt.Sprintf("job %s is already %s", id, job.Status)
		}
		rest.SendErrorJSON(w, r, log.Default(), http.StatusConflict, err, msg)
	default:
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to cancel job")
	}
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.Tracker.Delete(id)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to delete job")
		return
	}
	if !ok {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, fmt.Errorf("no job %s", id),
			fmt.Sprintf("job %s not found", id))
		return
	}
	log.Printf("[INFO] job %s deleted", id)
	rest.RenderJSON(w, rest.JSON{"message": fmt.Sprintf("Job %s deleted successfully", id)})
}

// loadJob gets job by path id, sends error response if it can't
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (persistence.Job, bool) {
	id := r.PathValue("id")
	job, err := s.Tracker.Get(id)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, err, fmt.Sprintf("job %s not found", id))
			return persistence.Job{}, false
		}
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to load job")
		return persistence.Job{}, false
	}
	return job, true
}

// writeJSON writes a JSON response with status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}
