package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
	"github.com/osflow/osflow/app/tracker"
	"github.com/osflow/osflow/app/workflow"
)

func TestNew(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Tracker: &tracker.Tracker{}})
	require.Error(t, err)

	srv, err := New(Config{Tracker: &tracker.Tracker{}, Runner: &runnerMock{}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, srv.SubmitRate, 0.0001)
}

func TestServer_SubmitWorkflow(t *testing.T) {
	ts, trk, runner, _ := prepServer(t, "")

	body := `{"manifest_yml":"manifests/3.0.0/opensearch-3.0.0.yml","workload_type":"big5","admin_password":"secret"}`
	resp, err := http.Post(ts.URL+"/api/v1/workflow?build=true&deploy=true&benchmark=true", "application/json",
		strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.NotEmpty(t, res.JobID)
	assert.Equal(t, "/api/v1/jobs/"+res.JobID, res.StatusURL)
	assert.Contains(t, res.Message, "Workflow started")
	assert.Equal(t, map[string]bool{"build": true, "deploy": true, "benchmark": true}, res.Operations)

	job, err := trk.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusQueued, job.Status)
	assert.Len(t, job.Tasks, 3)
	assert.NotContains(t, string(job.Config), "secret", "password not persisted")
	assert.Contains(t, string(job.Config), `"data_instance_type":"r6g.2xlarge"`, "defaults applied")

	submits := runner.submitted()
	require.Len(t, submits, 1)
	assert.Equal(t, res.JobID, submits[0].id)
	assert.Equal(t, "secret", submits[0].cfg.AdminPassword, "runner gets full config")
	assert.Equal(t, "benchmark-only", submits[0].cfg.Pipeline)
}

func TestServer_SubmitWorkflowErrors(t *testing.T) {
	tbl := []struct {
		name    string
		query   string
		body    string
		wantErr string
	}{
		{"no operations", "", `{}`, "at least one operation must be specified"},
		{"build without manifest", "build=true", `{}`, "manifest_yml is required"},
		{"deploy without url", "deploy=true", `{}`, "distribution_url is required"},
		{"benchmark without endpoint", "benchmark=true", `{"workload_type":"big5"}`, "cluster_endpoint is required"},
		{"benchmark without workload", "deploy=true&benchmark=true", `{"distribution_url":"s3://x"}`,
			"workload_type is required"},
		{"bad bool", "build=maybe", `{}`, "invalid build parameter"},
		{"bad body", "build=true", `{"manifest_yml":`, "can't decode workflow config"},
	}

	ts, _, runner, _ := prepServer(t, "")
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/workflow?"+tt.query, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, strings.ToLower(readError(t, resp)), strings.ToLower(tt.wantErr))
		})
	}
	assert.Empty(t, runner.submitted())
}

func TestServer_SubmitRateLimit(t *testing.T) {
	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)
	srv, err := New(Config{Tracker: tracker.New(store), Runner: &runnerMock{}, SubmitRate: 1})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	codes := make([]int, 0, 3)
	for range 3 {
		resp, err := http.Post(ts.URL+"/api/v1/workflow?build=true", "application/json",
			strings.NewReader(`{"manifest_yml":"m.yml"}`))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
		_ = resp.Body.Close()
	}
	assert.Equal(t, http.StatusAccepted, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestServer_GetAndListJobs(t *testing.T) {
	ts, trk, _, _ := prepServer(t, "")

	ids := make([]string, 3)
	for i := range ids {
		id, err := trk.Create(json.RawMessage(`{}`), []enums.TaskName{enums.TaskNameBuild})
		require.NoError(t, err)
		ids[i] = id
	}

	var job persistence.Job
	getJSON(t, ts.URL+"/api/v1/jobs/"+ids[1], http.StatusOK, &job)
	assert.Equal(t, ids[1], job.ID)
	assert.Equal(t, enums.JobStatusQueued, job.Status)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job no-such-job not found", readError(t, resp))

	var list ListResponse
	getJSON(t, ts.URL+"/api/v1/jobs", http.StatusOK, &list)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Jobs, 3)

	getJSON(t, ts.URL+"/api/v1/jobs?limit=2", http.StatusOK, &list)
	assert.Equal(t, 2, list.Total)

	for _, bad := range []string{"0", "101", "abc"} {
		resp, err := http.Get(ts.URL + "/api/v1/jobs?limit=" + bad)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
		_ = resp.Body.Close()
	}
}

func TestServer_EmptyList(t *testing.T) {
	ts, _, _, _ := prepServer(t, "")
	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := bytes.Buffer{}
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobs":[],"total":0}`, buf.String())
}

func TestServer_CancelJob(t *testing.T) {
	ts, trk, _, _ := prepServer(t, "")
	id, err := trk.Create(nil, []enums.TaskName{enums.TaskNameBuild, enums.TaskNameDeploy})
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+id+"/cancel")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	job, err := trk.Get(id)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStatusCancelled, job.Status)
	assert.Equal(t, enums.TaskStatusSkipped, job.Tasks[enums.TaskNameDeploy].Status)

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+id+"/cancel")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "job "+id+" is already cancelled", readError(t, resp))
	_ = resp.Body.Close()

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/v1/jobs/nope/cancel")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServer_DeleteJob(t *testing.T) {
	ts, trk, _, hist := prepServer(t, "")
	id, err := trk.Create(nil, []enums.TaskName{enums.TaskNameBuild})
	require.NoError(t, err)

	resp := doRequest(t, http.MethodDelete, ts.URL+"/api/v1/jobs/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	_, err = trk.Get(id)
	require.ErrorIs(t, err, tracker.ErrNotFound)
	events, err := hist.Events(id, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/jobs/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServer_JobEvents(t *testing.T) {
	ts, trk, _, _ := prepServer(t, "")
	id, err := trk.Create(nil, []enums.TaskName{enums.TaskNameBuild})
	require.NoError(t, err)
	require.NoError(t, trk.TransitionJob(id, enums.JobStatusRunning, ""))
	require.NoError(t, trk.TransitionTask(id, enums.TaskNameBuild, enums.TaskStatusFailed, nil, "boom"))

	var res EventsResponse
	getJSON(t, ts.URL+"/api/v1/jobs/"+id+"/events", http.StatusOK, &res)
	assert.Equal(t, id, res.JobID)
	require.Len(t, res.Events, 3)
	assert.Equal(t, enums.EventTypeCreated, res.Events[0].Type)
	assert.Equal(t, enums.EventTypeJob, res.Events[1].Type)
	assert.Equal(t, "running", res.Events[1].Status)
	assert.Equal(t, "build", res.Events[2].Task)
	assert.Equal(t, "boom", res.Events[2].Message)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/jobs/nope/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServer_JobEventsNoHistory(t *testing.T) {
	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)
	trk := tracker.New(store)
	srv, err := New(Config{Tracker: trk, Runner: &runnerMock{}})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	id, err := trk.Create(nil, []enums.TaskName{enums.TaskNameBuild})
	require.NoError(t, err)
	var res EventsResponse
	getJSON(t, ts.URL+"/api/v1/jobs/"+id+"/events", http.StatusOK, &res)
	assert.NotNil(t, res.Events)
	assert.Empty(t, res.Events)
}

func TestServer_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("passwd"), bcrypt.MinCost)
	require.NoError(t, err)
	ts, _, _, _ := prepServer(t, string(hash))

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/jobs")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="osflow"`, resp.Header.Get("WWW-Authenticate"))
	_ = resp.Body.Close()

	for _, tt := range []struct {
		user, passwd string
		code         int
	}{
		{"osflow", "passwd", http.StatusOK},
		{"osflow", "bad", http.StatusUnauthorized},
		{"admin", "passwd", http.StatusUnauthorized},
	} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
		require.NoError(t, err)
		req.SetBasicAuth(tt.user, tt.passwd)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, tt.code, resp.StatusCode, tt.user+":"+tt.passwd)
		_ = resp.Body.Close()
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "ping is public")
	_ = resp.Body.Close()
}

func TestServer_CORS(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("passwd"), bcrypt.MinCost)
	require.NoError(t, err)
	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)
	srv, err := New(Config{Tracker: tracker.New(store), Runner: &runnerMock{}, PasswordHash: string(hash),
		CORSOrigins: []string{"http://localhost:3000"}})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/workflow?build=true", http.NoBody)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	resp := preflight("http://localhost:3000")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "preflight passes without credentials")
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.MethodPost, resp.Header.Get("Access-Control-Allow-Methods"))

	resp = preflight("http://evil.example.com")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.SetBasicAuth("osflow", "passwd")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_NoCORSByDefault(t *testing.T) {
	ts, _, _, _ := prepServer(t, "")
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_Run(t *testing.T) {
	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv, err := New(Config{Address: addr, Version: "test", Tracker: tracker.New(store), Runner: &runnerMock{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not stopped")
	}
}

func prepServer(t *testing.T, passwordHash string) (*httptest.Server, *tracker.Tracker, *runnerMock, *persistence.SQLiteHistory) {
	t.Helper()
	store, err := persistence.NewFileStore(t.TempDir())
	require.NoError(t, err)
	hist, err := persistence.NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })
	trk := tracker.New(store, tracker.WithHistory(hist))
	runner := &runnerMock{}

	srv, err := New(Config{Tracker: trk, Runner: runner, History: hist, PasswordHash: passwordHash, Version: "test",
		SubmitRate: 1000})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, trk, runner, hist
}

func getJSON(t *testing.T, url string, code int, v any) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server url
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, code, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func doRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var res struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res.Error
}

type submitCall struct {
	id  string
	cfg workflow.Config
}

type runnerMock struct {
	mu    sync.Mutex
	calls []submitCall
}

func (r *runnerMock) Submit(jobID string, cfg workflow.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, submitCall{id: jobID, cfg: cfg})
}

func (r *runnerMock) submitted() []submitCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submitCall(nil), r.calls...)
}
