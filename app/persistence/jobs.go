package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/osflow/osflow/app/enums"
)

// ErrNotFound returned when a job record is absent or can't be decoded
var ErrNotFound = errors.New("job not found")

const (
	jobFileExt  = ".json"
	tempFileExt = ".tmp"
)

// Job is the persisted record of a requested workflow
type Job struct {
	ID                string                             `json:"job_id"`
	DisplayID         int                                `json:"display_id,omitempty"`
	Status            enums.JobStatus                    `json:"status"`
	CreatedAt         time.Time                          `json:"created_at"`
	StartedAt         *time.Time                         `json:"started_at"`
	CompletedAt       *time.Time                         `json:"completed_at"`
	Config            json.RawMessage                    `json:"config,omitempty"`
	Tasks             map[enums.TaskName]*Task           `json:"tasks"`
	CurrentTask       *enums.TaskName                    `json:"current_task"`
	Progress          Progress                           `json:"progress"`
	WorkflowTimestamp string                             `json:"workflow_timestamp,omitempty"`
	Results           map[enums.TaskName]json.RawMessage `json:"results"`
	Error             string                             `json:"error,omitempty"`
	OwnerPID          int                                `json:"process_id,omitempty"`
}

// Task is a single step of a job
type Task struct {
	Status      enums.TaskStatus `json:"status"`
	StartedAt   *time.Time       `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Progress keeps task counters and the human-readable current step
type Progress struct {
	TotalTasks     int    `json:"total_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
	CurrentStep    string `json:"current_step"`
}

// Summary is a short view of a job used for listings
type Summary struct {
	ID        string           `json:"job_id"`
	DisplayID int              `json:"display_id"`
	Status    enums.JobStatus  `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	Tasks     []enums.TaskName `json:"tasks"`
	Progress  Progress         `json:"progress"`
}

// TaskNames returns names of the job's tasks in execution order
func (j Job) TaskNames() []enums.TaskName {
	res := make([]enums.TaskName, 0, len(j.Tasks))
	for _, name := range enums.TaskNameValues {
		if _, ok := j.Tasks[name]; ok {
			res = append(res, name)
		}
	}
	return res
}

// NextPending returns the first pending task in execution order
func (j Job) NextPending() (enums.TaskName, bool) {
	for _, name := range j.TaskNames() {
		if t := j.Tasks[name]; t != nil && t.Status == enums.TaskStatusPending {
			return name, true
		}
	}
	return enums.TaskName{}, false
}

// FileStore keeps jobs as json files in a directory, one file per job.
// FileStore doesn't serialize load-modify-save sequences, callers are responsible for that.
type FileStore struct {
	location string

	mu            sync.Mutex // protects lastDisplayID
	lastDisplayID int
}

// NewFileStore makes store for the given directory, creating it if needed
func NewFileStore(location string) (*FileStore, error) {
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("can't resolve jobs location %s: %w", location, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("can't make jobs location %s: %w", abs, err)
	}
	res := &FileStore{location: abs}
	res.removeTempFiles(time.Now())

	jobs, err := res.Jobs()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		res.lastDisplayID = max(res.lastDisplayID, j.DisplayID)
	}
	log.Printf("[INFO] job store at %s, %d jobs", abs, len(jobs))
	return res, nil
}

// Create makes a queued job with a pending task for each enabled task and persists it
func (s *FileStore) Create(config json.RawMessage, enabled []enums.TaskName) (Job, error) {
	tasks := make(map[enums.TaskName]*Task, len(enabled))
	for _, name := range enabled {
		tasks[name] = &Task{Status: enums.TaskStatusPending}
	}

	s.mu.Lock()
	s.lastDisplayID++
	displayID := s.lastDisplayID
	s.mu.Unlock()

	job := Job{
		ID:        uuid.NewString(),
		DisplayID: displayID,
		Status:    enums.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
		Config:    compact(config),
		Tasks:     tasks,
		Progress:  Progress{TotalTasks: len(tasks), CurrentStep: "Initializing..."},
		Results:   map[enums.TaskName]json.RawMessage{},
	}
	if err := s.Save(job); err != nil {
		return Job{}, err
	}
	log.Printf("[INFO] created job %s (#%d) with tasks %v", job.ID, job.DisplayID, job.TaskNames())
	return job, nil
}

// Get loads job by id. Corrupted records are logged and reported as ErrNotFound
func (s *FileStore) Get(id string) (Job, error) {
	if !validID(id) {
		return Job{}, ErrNotFound
	}
	data, err := os.ReadFile(s.fileName(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("can't read job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		log.Printf("[WARN] can't decode job %s, %v", id, err)
		return Job{}, ErrNotFound
	}
	for name, t := range job.Tasks {
		if t == nil {
			log.Printf("[WARN] can't decode job %s, empty task %s", id, name)
			return Job{}, ErrNotFound
		}
	}
	job.Config = compact(job.Config)
	for _, t := range job.Tasks {
		t.Result = compact(t.Result)
	}
	for name, r := range job.Results {
		job.Results[name] = compact(r)
	}
	if job.Results == nil {
		job.Results = map[enums.TaskName]json.RawMessage{}
	}
	return job, nil
}

// Save overwrites the whole job record. Written to a temp file first and renamed,
// so concurrent readers see either the old or the new record.
func (s *FileStore) Save(job Job) error {
	if !validID(job.ID) {
		return fmt.Errorf("invalid job id %q", job.ID)
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("can't encode job %s: %w", job.ID, err)
	}

	tmp, err := os.CreateTemp(s.location, job.ID+"-*"+tempFileExt)
	if err != nil {
		return fmt.Errorf("can't make temp file for job %s: %w", job.ID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("can't write job %s: %w", job.ID, err)
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("can't sync job %s: %w", job.ID, err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't close job %s: %w", job.ID, err)
	}
	if err = os.Rename(tmpName, s.fileName(job.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't rename job %s: %w", job.ID, err)
	}
	log.Printf("[INFO] saved job %s, status %s", job.ID, job.Status)
	return nil
}

// Jobs returns all readable jobs, unreadable records are logged and skipped
func (s *FileStore) Jobs() ([]Job, error) {
	entries, err := os.ReadDir(s.location)
	if err != nil {
		return nil, fmt.Errorf("can't list jobs in %s: %w", s.location, err)
	}

	res := make([]Job, 0, len(entries))
	for _, entry := range entries {
		id, ok := jobIDFromFile(entry)
		if !ok {
			continue
		}
		job, err := s.Get(id)
		if err != nil {
			log.Printf("[WARN] skip job %s, %v", id, err)
			continue
		}
		res = append(res, job)
	}
	return res, nil
}

// List returns up to limit job summaries, newest first.
// Jobs without display id get one from their position in the listing.
func (s *FileStore) List(limit int) []Summary {
	jobs, err := s.Jobs()
	if err != nil {
		log.Printf("[WARN] can't list jobs, %v", err)
		return []Summary{}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].DisplayID > jobs[j].DisplayID
	})

	res := make([]Summary, 0, len(jobs))
	for i, j := range jobs {
		displayID := j.DisplayID
		if displayID == 0 {
			displayID = i + 1
		}
		res = append(res, Summary{
			ID:        j.ID,
			DisplayID: displayID,
			Status:    j.Status,
			CreatedAt: j.CreatedAt,
			Tasks:     j.TaskNames(),
			Progress:  j.Progress,
		})
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// Delete removes job record, returns false if it didn't exist
func (s *FileStore) Delete(id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	err := os.Remove(s.fileName(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("[WARN] tried to delete job %s, but it doesn't exist", id)
			return false, nil
		}
		return false, fmt.Errorf("can't delete job %s: %w", id, err)
	}
	log.Printf("[INFO] deleted job %s", id)
	return true, nil
}

// CleanupOlderThan removes records not modified for longer than age and returns ids of removed jobs.
// Failures are logged and skipped.
func (s *FileStore) CleanupOlderThan(age time.Duration) []string {
	entries, err := os.ReadDir(s.location)
	if err != nil {
		log.Printf("[WARN] can't cleanup jobs in %s, %v", s.location, err)
		return nil
	}

	cutoff := time.Now().Add(-age)
	var removed []string
	for _, entry := range entries {
		id, ok := jobIDFromFile(entry)
		if !ok {
			continue
		}
		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get info for %s, %v", entry.Name(), err)
			continue
		}
		if !finfo.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.location, entry.Name())); err != nil {
			log.Printf("[WARN] can't remove old job %s, %v", entry.Name(), err)
			continue
		}
		log.Printf("[INFO] cleaned up old job %s", id)
		removed = append(removed, id)
	}
	s.removeTempFiles(cutoff)
	return removed
}

// removeTempFiles removes leftovers of interrupted writes modified before cutoff
func (s *FileStore) removeTempFiles(cutoff time.Time) {
	entries, err := os.ReadDir(s.location)
	if err != nil {
		log.Printf("[WARN] can't list temp files in %s, %v", s.location, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tempFileExt) {
			continue
		}
		finfo, err := entry.Info()
		if err != nil || !finfo.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.location, entry.Name())); err != nil {
			log.Printf("[WARN] can't remove temp file %s, %v", entry.Name(), err)
			continue
		}
		log.Printf("[INFO] removed stale temp file %s", entry.Name())
	}
}

func (s *FileStore) String() string {
	return s.location
}

func (s *FileStore) fileName(id string) string {
	return filepath.Join(s.location, id+jobFileExt)
}

func jobIDFromFile(entry fs.DirEntry) (string, bool) {
	if entry.IsDir() || !strings.HasSuffix(entry.Name(), jobFileExt) {
		return "", false
	}
	id := strings.TrimSuffix(entry.Name(), jobFileExt)
	return id, validID(id)
}

// validID rejects ids able to escape the store directory
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func compact(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	buf := bytes.Buffer{}
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}
