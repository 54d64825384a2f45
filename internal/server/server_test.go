package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gradeline/internal/db"
	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/migrate"
	"gradeline/internal/orchestrator"
	"gradeline/internal/repo"
)

const testSecret = "test-secret"

type fakeWorkflow struct {
	scheduleErr error
	runErr      error
	scheduled   []string
	runs        int
	state       orchestrator.RunState
}

func (f *fakeWorkflow) Schedule(_ context.Context, title string, docs domain.DocumentIDs, assignmentID string) (domain.Trigger, error) {
	if f.scheduleErr != nil {
		return domain.Trigger{}, f.scheduleErr
	}
	f.scheduled = append(f.scheduled, assignmentID+":"+docs.Reference+":"+docs.Template)
	f.state = orchestrator.RunState{Phase: orchestrator.PhaseScheduled, AssignmentID: assignmentID, TriggerID: "t1"}
	return domain.Trigger{ID: "t1", EntryPoint: orchestrator.EntryPoint, RunAt: time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC), CreatedAt: "2024-01-01T00:00:00Z"}, nil
}

func (f *fakeWorkflow) Run(context.Context) error {
	f.runs++
	if f.runErr != nil {
		return f.runErr
	}
	f.state.Phase = orchestrator.PhaseCompleted
	return nil
}

func (f *fakeWorkflow) Status(context.Context) (orchestrator.RunState, error) {
	if f.state.Phase == "" {
		return orchestrator.RunState{Phase: orchestrator.PhaseIdle}, nil
	}
	return f.state, nil
}

func (f *fakeWorkflow) Cancel(context.Context) (int, error) {
	f.state = orchestrator.RunState{Phase: orchestrator.PhaseIdle}
	return 2, nil
}

type testServer struct {
	URL   string
	repo  repo.Repo
	wf    *fakeWorkflow
	close func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	wf := &fakeWorkflow{}
	handler, err := New(Config{
		Workflow: wf,
		Store:    r,
		ScopeID:  "doc-1",
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, APIKey: "key-1"},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:  "http://" + ln.Addr().String(),
		repo: r,
		wf:   wf,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "grader@example.com")}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func TestHealthAndSpecArePublic(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("schedule-assignment")) {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := http.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()
	for i, b := range bodies {
		if !bytes.Equal(b, bodies[0]) || !bytes.Contains(b, []byte("bearerAuth")) {
			t.Fatalf("response %d differs or lacks security schemes", i)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/run", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, body).Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/run", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, body).Code != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/run", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected wrong api key rejected, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/run", nil, map[string]string{"X-Api-Key": "key-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key: %d %s", res.StatusCode, body)
	}
}

func TestScheduleAndRun(t *testing.T) {
	srv := newTestServer(t)
	h := authHeaders(t)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/assignments/a1/schedule", map[string]any{
		"title":                 "Capitals",
		"reference_document_id": "ref",
		"template_document_id":  "tmpl",
	}, h)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("schedule: %d %s", res.StatusCode, body)
	}
	var trig TriggerResponse
	if err := json.Unmarshal(body, &trig); err != nil || trig.ID != "t1" || trig.RunAt != "2024-01-01T00:00:05Z" {
		t.Fatalf("trigger = %+v, %v", trig, err)
	}
	if len(srv.wf.scheduled) != 1 || srv.wf.scheduled[0] != "a1:ref:tmpl" {
		t.Fatalf("scheduled = %v", srv.wf.scheduled)
	}

	res, body = doJSON(t, http.MethodPost, srv.URL+"/v0/runs", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run: %d %s", res.StatusCode, body)
	}
	var st orchestrator.RunState
	if err := json.Unmarshal(body, &st); err != nil || st.Phase != orchestrator.PhaseCompleted {
		t.Fatalf("state = %+v, %v", st, err)
	}
}

func TestScheduleValidation(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/assignments/a1/schedule", map[string]any{
		"title":                 "Capitals",
		"reference_document_id": "",
		"template_document_id":  "tmpl",
	}, authHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, body)
	}
	if len(srv.wf.scheduled) != 0 {
		t.Fatalf("workflow called for invalid body")
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	h := authHeaders(t)

	srv.wf.scheduleErr = orchestrator.ErrRunInProgress
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v0/assignments/a1/schedule", map[string]any{
		"reference_document_id": "ref",
		"template_document_id":  "tmpl",
	}, h)
	if res.StatusCode != http.StatusConflict || decodeError(t, body).Code != "run_in_progress" {
		t.Fatalf("expected run_in_progress, got %d %s", res.StatusCode, body)
	}

	srv.wf.runErr = &domain.ConfigError{Op: "load run parameters", Missing: []string{"triggerId"}}
	res, body = doJSON(t, http.MethodPost, srv.URL+"/v0/runs", nil, h)
	apiErr := decodeError(t, body)
	if res.StatusCode != http.StatusBadRequest || apiErr.Details["missing"] == nil {
		t.Fatalf("expected bad_request with missing details, got %d %s", res.StatusCode, body)
	}

	srv.wf.runErr = errors.New("disk on fire")
	res, body = doJSON(t, http.MethodPost, srv.URL+"/v0/runs", nil, h)
	if res.StatusCode != http.StatusInternalServerError || decodeError(t, body).Code != "internal_error" {
		t.Fatalf("expected internal_error, got %d %s", res.StatusCode, body)
	}
}

func TestProgressPagination(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := srv.repo.InsertProgress(ctx, domain.ProgressEvent{ScopeID: "doc-1", Kind: "step", Step: i, Message: "step"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := srv.repo.InsertProgress(ctx, domain.ProgressEvent{ScopeID: "other", Kind: "step", Step: 9}); err != nil {
		t.Fatal(err)
	}
	h := authHeaders(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/progress?limit=2", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, body)
	}
	var page paginatedProgress
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[0].Step != 3 || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/progress?limit=2&cursor="+page.NextCursor, nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress page 2: %d %s", res.StatusCode, body)
	}
	page = paginatedProgress{}
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 1 || page.Items[0].Step != 1 || page.NextCursor != "" {
		t.Fatalf("second page = %+v", page)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v0/progress?cursor=abc", nil, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad cursor rejection, got %d %s", res.StatusCode, body)
	}
}

func TestTriggersListAndCancel(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	tx, err := srv.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.repo.InsertTriggerTx(ctx, tx, domain.Trigger{ID: "t9", EntryPoint: orchestrator.EntryPoint, RunAt: time.Now(), CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	h := authHeaders(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v0/triggers", nil, h)
	var list triggerList
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &list) != nil || len(list.Items) != 1 || list.Items[0].ID != "t9" {
		t.Fatalf("list: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodDelete, srv.URL+"/v0/triggers", nil, h)
	var cancelled cancelResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &cancelled) != nil || cancelled.Removed != 2 {
		t.Fatalf("cancel: %d %s", res.StatusCode, body)
	}
}
