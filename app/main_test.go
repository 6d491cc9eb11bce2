package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/osflow/osflow/app/conditions"
	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
	"github.com/osflow/osflow/app/workflow"
)

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	opts.Notify.EnabledCompletion, opts.Notify.EnabledError = false, false
	opts.Notify.FromEmail = ""
	opts.Notify.Webhooks = []string{"http://localhost/hook"}
	assert.Nil(t, makeNotifier())

	opts.Notify.EnabledCompletion = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.Equal(t, "osflow@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From is setting the From based on hostname")

	opts.Notify.Webhooks = nil
	assert.Nil(t, makeNotifier(), "no destinations")
	opts.Notify.EnabledCompletion = false
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "osflow.log")

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false
	defer func() {
		opts.Log.Enabled = false
		setupLogs()
	}()

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile, logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_makeExecutors(t *testing.T) {
	specs := map[enums.TaskName]workflow.ExecutorSpec{
		enums.TaskNameBuild:  {Command: "build.sh"},
		enums.TaskNameDeploy: {Command: "deploy.sh", Timeout: time.Hour},
	}
	checker := conditions.NewChecker(1)
	buf := &bytes.Buffer{}
	opts.LogPrefix = true
	defer func() { opts.LogPrefix = false }()

	res := makeExecutors(specs, checker, buf)
	require.Len(t, res, 2)
	ex, ok := res[enums.TaskNameDeploy].(*workflow.CommandExecutor)
	require.True(t, ok)
	assert.Equal(t, "deploy.sh", ex.Spec.Command)
	assert.Equal(t, time.Hour, ex.Spec.Timeout)
	assert.Equal(t, checker, ex.Checker)
	assert.Equal(t, buf, ex.Stdout)
	assert.True(t, ex.EnableLogPrefix)
}

type cleanerMock struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (c *cleanerMock) Cleanup(maxAge time.Duration) int {
	c.calls.Add(1)
	c.maxAge.Store(int64(maxAge))
	return 0
}

func Test_startCleanup(t *testing.T) {
	cl := &cleanerMock{}
	c, err := startCleanup(cl, "@every 1s", time.Hour)
	require.NoError(t, err)
	defer c.Stop()
	require.Eventually(t, func() bool { return cl.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(time.Hour), cl.maxAge.Load())

	_, err = startCleanup(cl, "not a schedule", time.Hour)
	require.Error(t, err)
	_, err = startCleanup(cl, "@daily", 0)
	require.Error(t, err)
}

func Test_run(t *testing.T) {
	dir := t.TempDir()
	execFile := filepath.Join(dir, "executors.yml")
	execCfg := `executors:
  build:
    command: 'echo "{\"status\":\"success\",\"s3_info\":{\"s3_uri\":\"s3://b/{{.JobID}}\"}}" > $OSFLOW_RESULT_FILE'
  deploy:
    command: 'echo "{\"status\":\"success\",\"cluster_info\":{\"cluster_endpoint\":\"http://c:9200\"}}" > $OSFLOW_RESULT_FILE'
`
	require.NoError(t, os.WriteFile(execFile, []byte(execCfg), 0o600))

	// job left running by a dead process
	store, err := persistence.NewFileStore(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	stale, err := store.Create(nil, []enums.TaskName{enums.TaskNameBuild})
	require.NoError(t, err)
	stale.Status = enums.JobStatusRunning
	stale.OwnerPID = os.Getpid()
	require.NoError(t, store.Save(stale))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	opts.Executors = execFile
	opts.JobsDir = filepath.Join(dir, "jobs")
	opts.HistoryDB = filepath.Join(dir, "history.db")
	opts.Listen = addr
	opts.MaxJobs = 2
	opts.API.SubmitRate = 100
	opts.Cleanup.Retention = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, os.Stdout) }()

	base := "http://" + addr + "/api/v1"
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	var staleJob persistence.Job
	getJSON(t, base+"/jobs/"+stale.ID, &staleJob)
	assert.Equal(t, enums.JobStatusFailed, staleJob.Status, "interrupted job failed on start")

	resp, err := http.Post(base+"/workflow?build=true&deploy=true", "application/json",
		strings.NewReader(`{"manifest_yml":"m.yml"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	_ = resp.Body.Close()

	var job persistence.Job
	require.Eventually(t, func() bool {
		getJSON(t, fmt.Sprintf("%s/jobs/%s", base, submitted.JobID), &job)
		return job.Status.IsTerminal()
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, enums.JobStatusCompleted, job.Status, job.Error)
	assert.JSONEq(t, `{"status":"success","cluster_info":{"cluster_endpoint":"http://c:9200"}}`,
		string(job.Results[enums.TaskNameDeploy]))

	var events struct {
		Events []persistence.Event `json:"events"`
	}
	getJSON(t, base+"/jobs/"+submitted.JobID+"/events", &events)
	assert.NotEmpty(t, events.Events)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run not finished")
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test url
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
