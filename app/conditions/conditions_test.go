package conditions

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_Check(t *testing.T) {
	checker := NewChecker(0)

	tests := []struct {
		name       string
		conditions Config
		wantOK     bool
		wantReason string
	}{
		{name: "no conditions", conditions: Config{}, wantOK: true},
		{name: "memory below high threshold", conditions: Config{MemoryBelow: intPtr(101)}, wantOK: true},
		{name: "memory below zero", conditions: Config{MemoryBelow: intPtr(0)}, wantOK: false, wantReason: "memory at"},
		{name: "disk free low threshold", conditions: Config{DiskFreeAbove: intPtr(0), DiskFreePath: "/"}, wantOK: true},
		{name: "disk free on missing path", conditions: Config{DiskFreeAbove: intPtr(1), DiskFreePath: "/non/existent/path"},
			wantOK: false, wantReason: "failed to get disk usage"},
		{name: "load below huge threshold", conditions: Config{LoadAvgBelow: float64Ptr(100000)}, wantOK: true},
		{name: "custom script success", conditions: Config{Custom: "exit 0"}, wantOK: true},
		{name: "custom script failure", conditions: Config{Custom: "exit 1"}, wantOK: false,
			wantReason: "custom check failed: exit status 1"},
		{name: "multiple conditions one fails", conditions: Config{MemoryBelow: intPtr(101), Custom: "false"},
			wantOK: false, wantReason: "custom check failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOK, gotReason := checker.Check(context.Background(), tt.conditions)
			assert.Equal(t, tt.wantOK, gotOK)
			if tt.wantReason != "" {
				assert.Contains(t, gotReason, tt.wantReason)
			} else {
				assert.Empty(t, gotReason)
			}
		})
	}
}

func TestChecker_CustomScriptFile(t *testing.T) {
	checker := NewChecker(0)
	dir := t.TempDir()
	marker := filepath.Join(dir, "ready")
	script := filepath.Join(dir, "check.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n[ -f "+marker+" ]\n"), 0o755)) //nolint:gosec // executable

	ok, reason := checker.Check(context.Background(), Config{Custom: script})
	assert.False(t, ok)
	assert.Contains(t, reason, "custom check failed")

	require.NoError(t, os.WriteFile(marker, []byte("1"), 0o600))
	ok, reason = checker.Check(context.Background(), Config{Custom: script})
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestChecker_CustomCanceled(t *testing.T) {
	checker := NewChecker(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, reason := checker.Check(ctx, Config{Custom: "sleep 5"})
	assert.False(t, ok)
	assert.Contains(t, reason, "custom check failed")
}

func TestChecker_Limit(t *testing.T) {
	checker := NewChecker(2)
	cond := Config{Custom: "sleep 0.2"}

	var rejected, passed int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, reason := checker.Check(context.Background(), cond)
			if !ok && reason == ErrLimitReached {
				atomic.AddInt32(&rejected, 1)
				return
			}
			if ok {
				atomic.AddInt32(&passed, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&passed), int32(6))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&passed), int32(1))
	assert.Equal(t, int32(6), atomic.LoadInt32(&passed)+atomic.LoadInt32(&rejected))

	// empty config never takes the semaphore
	ok, _ := checker.Check(context.Background(), Config{})
	assert.True(t, ok)
}

func TestNewChecker_Limits(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		expected int
	}{
		{"negative becomes 10", -1, 10},
		{"zero becomes 10", 0, 10},
		{"custom limit 5", 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewChecker(tt.limit).maxConcurrent)
		})
	}
}

func TestConfig_Empty(t *testing.T) {
	assert.True(t, Config{}.Empty())
	assert.True(t, Config{DiskFreePath: "/tmp"}.Empty())
	assert.False(t, Config{Custom: "true"}.Empty())
	assert.False(t, Config{CPUBelow: intPtr(50)}.Empty())
}

func intPtr(i int) *int {
	return &i
}

func float64Ptr(f float64) *float64 {
	return &f
}
