package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, "attempt-%d", n)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(rec *sleepRecorder, opts ...Option) *Client {
	base := []Option{WithSleep(rec.sleep), WithLogger(logging.Discard())}
	return New(append(base, opts...)...)
}

func TestCallWithRetriesRecovers(t *testing.T) {
	srv, calls := scriptedServer(t, 500, 500, 200)
	rec := &sleepRecorder{}
	c := newTestClient(rec)

	resp := c.CallWithRetries(context.Background(), Request{URL: srv.URL}, 3)
	if !resp.OK() {
		t.Fatalf("expected success, got %+v", resp)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if string(resp.Body) != "attempt-3" {
		t.Fatalf("final body = %q", resp.Body)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, rec.waits); diff != "" {
		t.Fatalf("backoff (-want +got):\n%s", diff)
	}
}

func TestCallWithRetriesExhaustedReturnsSentinel(t *testing.T) {
	srv, calls := scriptedServer(t, 500)
	rec := &sleepRecorder{}
	c := newTestClient(rec)

	resp := c.CallWithRetries(context.Background(), Request{URL: srv.URL}, 3)
	if resp.OK() {
		t.Fatalf("expected failure")
	}
	if got := atomic.LoadInt32(calls); got != 4 {
		t.Fatalf("attempts = %d, want maxRetries+1 = 4", got)
	}
	if !errors.Is(resp.Err, ErrExhausted) {
		t.Fatalf("expected exhausted sentinel, got %v", resp.Err)
	}
	if domain.KindOf(resp.Err) != domain.KindTransient {
		t.Fatalf("exhaustion must be transient, got %v", domain.KindOf(resp.Err))
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.waits); diff != "" {
		t.Fatalf("backoff (-want +got):\n%s", diff)
	}
}

func TestCallStrictThrowsAfterExhaustion(t *testing.T) {
	srv, calls := scriptedServer(t, 503)
	c := newTestClient(&sleepRecorder{})
	_, err := c.CallStrict(context.Background(), Request{URL: srv.URL}, 2)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestCallStrictAuthFailuresAreImmediate(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			srv, calls := scriptedServer(t, status)
			rec := &sleepRecorder{}
			c := newTestClient(rec)
			_, err := c.CallStrict(context.Background(), Request{URL: srv.URL}, 3)
			var authErr *AuthError
			if !errors.As(err, &authErr) || authErr.StatusCode != status {
				t.Fatalf("expected AuthError %d, got %v", status, err)
			}
			if domain.KindOf(err) != domain.KindFatalAuth {
				t.Fatalf("kind = %v", domain.KindOf(err))
			}
			if got := atomic.LoadInt32(calls); got != 1 {
				t.Fatalf("attempts = %d, want 1", got)
			}
			if len(rec.waits) != 0 {
				t.Fatalf("no backoff expected, got %v", rec.waits)
			}
		})
	}
}

func TestTransportErrorIsRetried(t *testing.T) {
	rec := &sleepRecorder{}
	c := newTestClient(rec)
	resp := c.CallWithRetries(context.Background(), Request{URL: "http://127.0.0.1:1/unreachable"}, 1)
	if resp.OK() || resp.Err == nil {
		t.Fatalf("expected transport failure, got %+v", resp)
	}
	if len(rec.waits) != 1 {
		t.Fatalf("expected one backoff, got %v", rec.waits)
	}
}

func TestCallInBatchesIndexAlignedWithRetry(t *testing.T) {
	var flaky int32
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		id := r.URL.Query().Get("id")
		switch id {
		case "2":
			if atomic.AddInt32(&flaky, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
		case "4":
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, id)
	}))
	defer srv.Close()

	var reqs []Request
	for i := 0; i < 5; i++ {
		reqs = append(reqs, Request{URL: fmt.Sprintf("%s/?id=%d", srv.URL, i)})
	}
	c := newTestClient(&sleepRecorder{}, WithBatchSize(2), WithMaxRetries(1))
	out := c.CallInBatches(context.Background(), reqs)
	if len(out) != len(reqs) {
		t.Fatalf("got %d responses for %d requests", len(out), len(reqs))
	}
	for i, resp := range out {
		if i == 4 {
			if resp.OK() || !errors.Is(resp.Err, ErrExhausted) {
				t.Fatalf("item 4 should be exhausted, got %+v", resp)
			}
			continue
		}
		if !resp.OK() || string(resp.Body) != strconv.Itoa(i) {
			t.Fatalf("item %d: %+v", i, resp)
		}
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("fan-out exceeded batch size: peak %d", p)
	}
}

func TestCallInBatchesEmpty(t *testing.T) {
	c := newTestClient(&sleepRecorder{})
	if out := c.CallInBatches(context.Background(), nil); len(out) != 0 {
		t.Fatalf("expected no responses, got %d", len(out))
	}
}

func TestCallInBatchesBoundsInFlight(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}))
	defer srv.Close()

	c := New(WithBatchSize(3), WithMaxRetries(0), WithLogger(logging.Discard()))
	reqs := make([]Request, 7)
	for i := range reqs {
		reqs[i] = Request{URL: srv.URL + "/" + strconv.Itoa(i)}
	}
	for i, resp := range c.CallInBatches(context.Background(), reqs) {
		if !resp.OK() {
			t.Fatalf("item %d failed: %+v", i, resp)
		}
	}
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Fatalf("peak in-flight = %d, want <= 3", p)
	}
}

func TestCallInBatchesStopsOnCancel(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(WithBatchSize(2), WithMaxRetries(2), WithLogger(logging.Discard()))
	reqs := []Request{{URL: srv.URL}, {URL: srv.URL}, {URL: srv.URL}}
	out := c.CallInBatches(ctx, reqs)
	if len(out) != len(reqs) {
		t.Fatalf("len = %d", len(out))
	}
	for i, resp := range out {
		if !errors.Is(resp.Err, context.Canceled) {
			t.Fatalf("item %d err = %v", i, resp.Err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("sent %d requests after cancel", n)
	}
}
