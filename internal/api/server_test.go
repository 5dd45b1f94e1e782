package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ductile-worker/internal/activity"
	"github.com/mattjoyce/ductile-worker/internal/auth"
	"github.com/mattjoyce/ductile-worker/internal/dispatch"
	"github.com/mattjoyce/ductile-worker/internal/events"
	"github.com/mattjoyce/ductile-worker/internal/journal"
	"github.com/mattjoyce/ductile-worker/internal/log"
	"github.com/mattjoyce/ductile-worker/internal/orchestrator"
	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

const adminKey = "test-admin-key"

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeHistory struct {
	entries []*journal.Entry
	kind    string
	limit   int
}

func (h *fakeHistory) Get(_ context.Context, id string) (*journal.Entry, error) {
	for _, e := range h.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, journal.ErrNotFound
}

func (h *fakeHistory) Recent(_ context.Context, kind string, limit int) ([]*journal.Entry, error) {
	h.kind = kind
	h.limit = limit
	return h.entries, nil
}

type fixture struct {
	server  *Server
	handler http.Handler
	hub     *events.Hub
	tracker *activity.Tracker
}

type fixtureOptions struct {
	file    dispatch.ServiceFunc[task.FileTask]
	history History
	config  Config
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	ok := func(msg string) task.Result { return task.Result{Message: msg} }
	file := opts.file
	if file == nil {
		file = func(_ context.Context, ft task.FileTask) (task.Result, error) {
			return task.Result{Message: "read " + ft.Path, Payload: map[string]string{"content": "hello"}}, nil
		}
	}
	svcs := orchestrator.Services{
		Git: dispatch.ServiceFunc[task.GitTask](func(context.Context, task.GitTask) (task.Result, error) {
			return ok("git done"), nil
		}),
		File: file,
		Build: dispatch.ServiceFunc[task.BuildTask](func(context.Context, task.BuildTask) (task.Result, error) {
			return ok("build done"), nil
		}),
	}

	hub := events.NewHub(64)
	orch := orchestrator.New(process.New(100), hub, svcs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Wait()
	})

	cfg := opts.config
	if cfg.APIKey == "" {
		cfg.APIKey = adminKey
	}
	tracker := activity.NewTracker(15*time.Minute, time.Hour)
	s := New(cfg, orch, tracker, hub, opts.history, log.WithComponent("api"))
	return &fixture{server: s, handler: s.Handler(), hub: hub, tracker: tracker}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthzNoAuth(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Contains(t, resp.QueueDepths, "git")
	assert.Contains(t, resp.QueueDepths, "file")
	assert.Contains(t, resp.QueueDepths, "build")
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: Config{
		Tokens: []auth.TokenConfig{{Token: "events-only", Scopes: []string{auth.ScopeEventsRO}}},
	}})

	rr := f.do(t, http.MethodGet, "/process/abc", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/process/abc", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid API key", decode[ErrorResponse](t, rr).Error)

	rr = f.do(t, http.MethodPost, "/tasks/file/read", "events-only", task.FileRequest{Path: "a.txt"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSubmitSync(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.do(t, http.MethodPost, "/tasks/file/read", adminKey, task.FileRequest{Path: "a.txt"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decode[SubmitResponse](t, rr)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "file", resp.Kind)
	assert.Equal(t, process.StatusSuccess, resp.Status)
	assert.Equal(t, "read a.txt", resp.Message)
	assert.False(t, resp.TimeoutExceeded)
}

func TestSubmitAsync(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.do(t, http.MethodPost, "/tasks/git/clone", adminKey,
		task.GitRequest{RepoURL: "https://example.com/repo.git", AsyncRequest: true})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	resp := decode[SubmitResponse](t, rr)
	assert.Equal(t, process.StatusQueued, resp.Status)

	assert.Eventually(t, func() bool {
		rr := f.do(t, http.MethodGet, "/process/"+resp.ID+"?kind=git", adminKey, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		return decode[process.Record](t, rr).Status == process.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{name: "unknown domain", path: "/tasks/docker/run", body: map[string]any{}, want: http.StatusNotFound},
		{name: "unknown operation", path: "/tasks/file/rename", body: task.FileRequest{Path: "a"}, want: http.StatusNotFound},
		{name: "missing path", path: "/tasks/file/read", body: task.FileRequest{}, want: http.StatusBadRequest},
		{name: "bad json", path: "/tasks/file/read", body: "not an object", want: http.StatusBadRequest},
		{name: "bad timeout", path: "/tasks/file/read?timeout=soon", body: task.FileRequest{Path: "a"}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, tt.path, adminKey, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}

	// Rejected submissions never create records.
	counts := decode[HealthzResponse](t, f.do(t, http.MethodGet, "/healthz", "", nil)).Processes
	assert.Empty(t, counts)
}

func TestSubmitSyncTimeout(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, fixtureOptions{file: func(ctx context.Context, _ task.FileTask) (task.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return task.Result{Message: "late"}, nil
	}})
	defer close(release)

	rr := f.do(t, http.MethodPost, "/tasks/file/read?timeout=50ms", adminKey, task.FileRequest{Path: "a.txt"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	resp := decode[SubmitResponse](t, rr)
	assert.True(t, resp.TimeoutExceeded)
	assert.Equal(t, process.StatusInProgress, resp.Status)
}

func TestSubmitSyncSemaphoreFull(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: Config{MaxConcurrentSync: 1}})
	f.server.syncSemaphore <- struct{}{}
	defer func() { <-f.server.syncSemaphore }()

	rr := f.do(t, http.MethodPost, "/tasks/file/read", adminKey, task.FileRequest{Path: "a.txt"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// Async submissions don't need a slot.
	rr = f.do(t, http.MethodPost, "/tasks/file/read", adminKey, task.FileRequest{Path: "a.txt", AsyncRequest: true})
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestGetProcessErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.do(t, http.MethodGet, "/process/missing", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/tasks/file/read", adminKey, task.FileRequest{Path: "a.txt"})
	require.Equal(t, http.StatusOK, rr.Code)
	id := decode[SubmitResponse](t, rr).ID

	rr = f.do(t, http.MethodGet, "/process/"+id+"?kind=git", adminKey, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/process/"+id, adminKey, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newFixture(t, fixtureOptions{file: func(context.Context, task.FileTask) (task.Result, error) {
		started <- struct{}{}
		<-release
		return task.Result{Message: "done"}, nil
	}})
	defer close(release)

	first := decode[SubmitResponse](t, f.do(t, http.MethodPost, "/tasks/file/read", adminKey,
		task.FileRequest{Path: "a", AsyncRequest: true}))
	<-started
	second := decode[SubmitResponse](t, f.do(t, http.MethodPost, "/tasks/file/read", adminKey,
		task.FileRequest{Path: "b", AsyncRequest: true}))

	rr := f.do(t, http.MethodPost, "/process/"+first.ID+"/cancel", adminKey, nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "running work is not cancellable")

	rr = f.do(t, http.MethodPost, "/process/"+second.ID+"/cancel", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rec := decode[process.Record](t, rr)
	assert.Equal(t, process.StatusCancelled, rec.Status)
	assert.Equal(t, process.CancelMessage, rec.Message)

	rr = f.do(t, http.MethodPost, "/process/"+second.ID+"/cancel", adminKey, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/process/missing/cancel", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestActivityRoutes(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.do(t, http.MethodGet, "/activity", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	before := decode[activity.Status](t, rr)
	assert.Equal(t, activity.StateRunning, before.State)
	assert.Nil(t, before.LastActivity, "monitoring is not activity")

	rr = f.do(t, http.MethodGet, "/process/missing", adminKey, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotNil(t, f.tracker.GetStatus().LastActivity)

	base := f.tracker.GetStatus().TimeLeftSeconds
	rr = f.do(t, http.MethodPost, "/activity/adjust", adminKey, AdjustRequest{DeltaSeconds: 600})
	require.Equal(t, http.StatusOK, rr.Code)
	after := decode[activity.Status](t, rr)
	assert.GreaterOrEqual(t, after.TimeLeftSeconds, base+590)
}

func TestAdjustActivityRejectsOutOfRangeDelta(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	before := f.tracker.GetStatus().TimeLeftSeconds

	for _, delta := range []int64{math.MaxInt64, math.MinInt64, maxAdjustSeconds + 1, -maxAdjustSeconds - 1} {
		rr := f.do(t, http.MethodPost, "/activity/adjust", adminKey, AdjustRequest{DeltaSeconds: delta})
		assert.Equal(t, http.StatusBadRequest, rr.Code, "delta %d", delta)
	}
	assert.InDelta(t, before, f.tracker.GetStatus().TimeLeftSeconds, 2)

	rr := f.do(t, http.MethodPost, "/activity/adjust", adminKey, AdjustRequest{DeltaSeconds: maxAdjustSeconds})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestActivityScopes(t *testing.T) {
	f := newFixture(t, fixtureOptions{config: Config{
		Tokens: []auth.TokenConfig{{Token: "reader", Scopes: []string{auth.ScopeActivityRO}}},
	}})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/activity", "reader", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodPost, "/activity/adjust", "reader", AdjustRequest{DeltaSeconds: 60}).Code)
}

func TestHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/history", adminKey, nil).Code)
	})

	h := &fakeHistory{entries: []*journal.Entry{
		{ID: "p1", Kind: "git", Status: process.StatusSuccess, CompletedAt: time.Now().UTC()},
	}}
	f := newFixture(t, fixtureOptions{history: h})

	rr := f.do(t, http.MethodGet, "/history?kind=git&limit=1000", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HistoryResponse](t, rr)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "p1", resp.Entries[0].ID)
	assert.Equal(t, "git", h.kind)
	assert.Equal(t, maxHistoryLimit, h.limit)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/history?limit=x", adminKey, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/history/p1", adminKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/history/p2", adminKey, nil).Code)
}

func TestEventsReplayWithFilter(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.hub.Publish("git.clone", "p1", map[string]string{"n": "1"})
	f.hub.Publish("file.read", "p2", map[string]string{"n": "2"})
	f.hub.Publish("git.pull", "p3", map[string]string{"n": "3"})
	f.hub.Publish("git.push", "p4", map[string]string{"n": "4"})

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?types=git.*", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Replayed: 3 and 4. Live: 6 (5 is filtered out).
	go func() {
		f.hub.Publish("file.write", "p5", nil)
		f.hub.Publish("git.commit", "p6", nil)
	}()

	var ids, types []string
	scanner := bufio.NewScanner(resp.Body)
	for len(types) < 3 && scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "id: "); ok {
			ids = append(ids, v)
		}
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, v)
		}
	}
	assert.Equal(t, []string{"3", "4", "6"}, ids)
	assert.Equal(t, []string{"git.pull", "git.push", "git.commit"}, types)
}

func TestEventsOutliveServerWriteTimeout(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.server.keepAlive = 50 * time.Millisecond

	srv := httptest.NewUnstartedServer(f.handler)
	srv.Config.WriteTimeout = 200 * time.Millisecond
	srv.Start()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	go func() {
		time.Sleep(500 * time.Millisecond)
		f.hub.Publish("git.clone", "p1", map[string]string{"n": "1"})
	}()

	var got string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			got = v
			break
		}
	}
	assert.Equal(t, "git.clone", got, "stream closed early: %v", scanner.Err())
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestOpenAPI(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rr := f.do(t, http.MethodGet, "/openapi.json", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	doc := decode[map[string]any](t, rr)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/tasks/git/clone")
	assert.Contains(t, paths, "/tasks/file/checksum")
	assert.Contains(t, paths, "/tasks/build/run")
	assert.Len(t, paths, len(task.Operations(task.DomainGit))+len(task.Operations(task.DomainFile))+len(task.Operations(task.DomainBuild)))
}
