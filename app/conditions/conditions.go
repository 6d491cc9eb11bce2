// Package conditions checks host state before a workflow task is started.
// All configured conditions must hold, otherwise the task is failed with the reason.
package conditions

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/go-pkgz/syncs"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const defaultMaxConcurrent = 10

// ErrLimitReached reason returned when too many checks are running
const ErrLimitReached = "condition check limit reached, too many tasks waiting for host checks"

// Config defines host conditions, nil fields are not checked
type Config struct {
	CPUBelow      *int     `yaml:"cpu_below,omitempty" json:"cpu_below,omitempty" jsonschema:"minimum=0,maximum=100,description=run only if CPU usage percent is below"`
	MemoryBelow   *int     `yaml:"memory_below,omitempty" json:"memory_below,omitempty" jsonschema:"minimum=0,maximum=100,description=run only if memory usage percent is below"`
	LoadAvgBelow  *float64 `yaml:"load_avg_below,omitempty" json:"load_avg_below,omitempty" jsonschema:"minimum=0,description=run only if 1m load average is below"`
	DiskFreeAbove *int     `yaml:"disk_free_above,omitempty" json:"disk_free_above,omitempty" jsonschema:"minimum=0,maximum=100,description=run only if free disk percent is above"`
	DiskFreePath  string   `yaml:"disk_free_path,omitempty" json:"disk_free_path,omitempty" jsonschema:"description=path checked for free disk space (default /)"`
	Custom        string   `yaml:"custom,omitempty" json:"custom,omitempty" jsonschema:"description=shell command expected to exit with 0"`
}

// Empty returns true if no condition is set
func (c Config) Empty() bool {
	return c.CPUBelow == nil && c.MemoryBelow == nil && c.LoadAvgBelow == nil && c.DiskFreeAbove == nil && c.Custom == ""
}

// Checker evaluates conditions, limiting number of concurrent checks
type Checker struct {
	maxConcurrent int
	sem           syncs.Locker
}

// NewChecker makes checker allowing up to maxConcurrent simultaneous checks, 10 if not positive
func NewChecker(maxConcurrent int) *Checker {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Checker{maxConcurrent: maxConcurrent, sem: syncs.NewSemaphore(maxConcurrent)}
}

// Check verifies all conditions, returns false with reason on the first unmet one
func (c *Checker) Check(ctx context.Context, conditions Config) (bool, string) {
	if conditions.Empty() {
		return true, ""
	}
	if !c.sem.TryLock() {
		return false, ErrLimitReached
	}
	defer c.sem.Unlock()

	if conditions.CPUBelow != nil {
		if ok, reason := c.checkCPU(*conditions.CPUBelow); !ok {
			return false, reason
		}
	}
	if conditions.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*conditions.MemoryBelow); !ok {
			return false, reason
		}
	}
	if conditions.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*conditions.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if conditions.DiskFreeAbove != nil {
		path := conditions.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*conditions.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	if conditions.Custom != "" {
		if ok, reason := c.checkCustom(ctx, conditions.Custom); !ok {
			return false, reason
		}
	}
	return true, ""
}

func (c *Checker) checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

func (c *Checker) checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

func (c *Checker) checkCustom(ctx context.Context, script string) (bool, string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script) //nolint:gosec // operator-provided check
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
