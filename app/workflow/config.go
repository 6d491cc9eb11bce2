package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osflow/osflow/app/conditions"
	"github.com/osflow/osflow/app/enums"
)

//go:generate go run ./internal/schema executors-schema.json

const defaultMaxLogLines = 10

// ExecutorsConfig is the yaml file describing how each task is executed
type ExecutorsConfig struct {
	Executors map[string]ExecutorSpec `yaml:"executors" json:"executors" jsonschema:"required,description=executor per task name: build or deploy or benchmark"`
}

// ExecutorSpec defines the command running a task
type ExecutorSpec struct {
	Command     string             `yaml:"command" json:"command" jsonschema:"required,description=shell command with optional {{.JobID}} {{.Task}} {{.Timestamp}} and date templates"`
	Timeout     time.Duration      `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"type=string,description=max run time like 30m or 2h (0 means no limit)"`
	MaxLogLines int                `yaml:"max_log_lines,omitempty" json:"max_log_lines,omitempty" jsonschema:"minimum=0,description=last output lines kept for error message (default 10)"`
	WorkDir     string             `yaml:"workdir,omitempty" json:"workdir,omitempty" jsonschema:"description=working directory of the command"`
	Env         []string           `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"description=extra environment variables"`
	Conditions  *conditions.Config `yaml:"conditions,omitempty" json:"conditions,omitempty" jsonschema:"description=host conditions required to start the task"`
}

// LoadExecutorsConfig reads and validates executors yaml file
func LoadExecutorsConfig(file string) (ExecutorsConfig, error) {
	data, err := os.ReadFile(file) //nolint:gosec // operator-provided path
	if err != nil {
		return ExecutorsConfig{}, fmt.Errorf("can't read executors config %s: %w", file, err)
	}
	res := ExecutorsConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&res); err != nil {
		return ExecutorsConfig{}, fmt.Errorf("can't parse executors config %s: %w", file, err)
	}
	if err := res.Validate(); err != nil {
		return ExecutorsConfig{}, fmt.Errorf("invalid executors config %s: %w", file, err)
	}
	return res, nil
}

// Validate checks task names and required fields
func (c ExecutorsConfig) Validate() error {
	if len(c.Executors) == 0 {
		return errors.New("at least one executor is required")
	}
	for name, spec := range c.Executors {
		if _, err := enums.ParseTaskName(name); err != nil {
			return fmt.Errorf("unknown task %q, expected one of %v", name, enums.TaskNameNames)
		}
		if spec.Command == "" {
			return fmt.Errorf("executor %s: command is required", name)
		}
		if spec.Timeout < 0 {
			return fmt.Errorf("executor %s: timeout can't be negative", name)
		}
		if spec.MaxLogLines < 0 {
			return fmt.Errorf("executor %s: max_log_lines can't be negative", name)
		}
	}
	return nil
}

// Specs returns executor specs keyed by task
func (c ExecutorsConfig) Specs() map[enums.TaskName]ExecutorSpec {
	res := make(map[enums.TaskName]ExecutorSpec, len(c.Executors))
	for name, spec := range c.Executors {
		task, err := enums.ParseTaskName(name)
		if err != nil {
			continue
		}
		if spec.MaxLogLines == 0 {
			spec.MaxLogLines = defaultMaxLogLines
		}
		res[task] = spec
	}
	return res
}
