// Package enums provides type-safe enumeration types for jobs, tasks and history events.
//
// The enum types are defined as unexported integer types in this file and the go:generate
// directives invoke github.com/go-pkgz/enum to create the exported types (JobStatus, TaskStatus,
// TaskName, EventType) with String, Parse*, MarshalText/UnmarshalText and Scan/Value methods
// in the *_enum.go files.
//
// To regenerate the enum types after modifications:
//
//	go generate ./app/enums
//
// The declaration order of taskName is the fixed execution order of a job's tasks.
package enums

//go:generate go run github.com/go-pkgz/enum@latest -type jobStatus -lower
//go:generate go run github.com/go-pkgz/enum@latest -type taskStatus -lower
//go:generate go run github.com/go-pkgz/enum@latest -type taskName -lower
//go:generate go run github.com/go-pkgz/enum@latest -type eventType -lower

// jobStatus is the status of a job. Generator input only, use JobStatus.
type jobStatus int

const (
	jobStatusQueued jobStatus = iota
	jobStatusRunning
	jobStatusCompleted
	jobStatusFailed
	jobStatusCancelled
)

// taskStatus is the status of a single task. Generator input only, use TaskStatus.
type taskStatus int

const (
	taskStatusPending taskStatus = iota
	taskStatusRunning
	taskStatusCompleted
	taskStatusFailed
	taskStatusSkipped
)

// taskName names a task kind. Generator input only, use TaskName.
type taskName int

const (
	taskNameBuild taskName = iota
	taskNameDeploy
	taskNameBenchmark
)

// eventType is the kind of history event. Generator input only, use EventType.
type eventType int

const (
	eventTypeCreated eventType = iota
	eventTypeJob
	eventTypeTask
	eventTypeInterrupted
	eventTypeDeleted
)

// IsTerminal reports whether no further transitions are allowed for the job
func (e JobStatus) IsTerminal() bool {
	return e == JobStatusCompleted || e == JobStatusFailed || e == JobStatusCancelled
}

// IsActive reports whether the job is queued or running
func (e JobStatus) IsActive() bool {
	return e == JobStatusQueued || e == JobStatusRunning
}

// IsTerminal reports whether the task has finished, one way or another
func (e TaskStatus) IsTerminal() bool {
	return e == TaskStatusCompleted || e == TaskStatusFailed || e == TaskStatusSkipped
}
