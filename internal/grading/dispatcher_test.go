package grading

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gradeline/internal/cache"
	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/repo"
	"gradeline/internal/retry"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memStore) GetValue(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", repo.ErrNotFound
	}
	return v, nil
}

func (s *memStore) SetValue(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string]string{}
	}
	s.m[key] = value
	return nil
}

func newAssignment() *domain.Assignment {
	task := domain.NewTask("Capital of France", "slide-1", domain.TaskText)
	task.SetReferenceContent("Paris")
	a := &domain.Assignment{Tasks: []*domain.Task{task}}
	a.SetParticipants([]domain.Participant{{ExternalID: "p1"}, {ExternalID: "p2"}, {ExternalID: "p3"}})
	for i, answer := range []string{"Paris", "Lyon"} {
		r := &domain.Response{TaskUID: task.UID}
		r.SetContent(answer)
		a.Submissions[i].Responses[task.UID] = r
	}
	return a
}

func backend(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		calls.Add(1)
		if r.URL.Path != "/v1/assess/text" || r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		var req assessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		score := 0.0
		if req.Response.Content == req.Task.Reference {
			score = 5
		}
		json.NewEncoder(w).Encode(domain.Verdict{Scores: map[string]float64{"accuracy": score}})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newDispatcher(url string, c Cache) *Dispatcher {
	client := retry.New(retry.WithMaxRetries(1), retry.WithBackoff(time.Millisecond), retry.WithLogger(logging.Discard()))
	return NewDispatcher(client, c, url+"/", "secret", logging.Discard())
}

func TestGradeUsesCacheOnSecondRun(t *testing.T) {
	srv, calls := backend(t, http.StatusOK)
	rc := cache.New(&memStore{}, time.Hour, logging.Discard())
	d := newDispatcher(srv.URL, rc)
	ctx := context.Background()

	a := newAssignment()
	sum := d.Grade(ctx, a)
	if sum.Sent != 2 || sum.Graded != 2 || sum.Skipped != 1 || sum.Cached != 0 {
		t.Fatalf("first run summary = %+v", sum)
	}
	uid := a.Tasks[0].UID
	if got := a.Submissions[0].Responses[uid].Feedback.Scores["accuracy"]; got != 5 {
		t.Fatalf("p1 score = %v", got)
	}
	if got := a.Submissions[1].Responses[uid].Feedback.Scores["accuracy"]; got != 0 {
		t.Fatalf("p2 score = %v", got)
	}

	again := newAssignment()
	sum = d.Grade(ctx, again)
	if sum.Cached != 2 || sum.Sent != 0 {
		t.Fatalf("second run summary = %+v", sum)
	}
	if calls.Load() != 2 {
		t.Fatalf("backend called %d times", calls.Load())
	}
	if again.Submissions[0].Responses[uid].Feedback == nil {
		t.Fatalf("cached verdict not attached")
	}
}

func TestGradeLeavesFailuresUngraded(t *testing.T) {
	srv, calls := backend(t, http.StatusInternalServerError)
	d := newDispatcher(srv.URL, cache.New(&memStore{}, time.Hour, logging.Discard()))
	a := newAssignment()
	sum := d.Grade(context.Background(), a)
	if sum.Failed != 2 || sum.Graded != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	// fan-out attempt, then CallWithRetries makes two more per item
	if calls.Load() != 6 {
		t.Fatalf("backend called %d times", calls.Load())
	}
	for _, s := range a.Submissions {
		for _, r := range s.Responses {
			if r.Feedback != nil {
				t.Fatalf("failed response should stay ungraded")
			}
		}
	}
}

func TestWarmUpIgnoresOutcome(t *testing.T) {
	d := newDispatcher("http://127.0.0.1:1", cache.New(&memStore{}, time.Hour, logging.Discard()))
	d.WarmUp(context.Background())
}
