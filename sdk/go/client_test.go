package gradelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScheduleSendsBodyAndAPIKey(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"t1","entry_point":"runGrading","run_at":"2024-01-01T00:00:05Z","created_at":"2024-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "k"
	trig, err := c.Schedule(context.Background(), "a 1", "Capitals", "ref", "tmpl")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if gotPath != "/v0/assignments/a 1/schedule" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "k" {
		t.Fatalf("api key header = %q", gotKey)
	}
	want := map[string]string{"title": "Capitals", "reference_document_id": "ref", "template_document_id": "tmpl"}
	if diff := cmp.Diff(want, gotBody); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	if trig.ID != "t1" || trig.EntryPoint != "runGrading" {
		t.Fatalf("trigger = %+v", trig)
	}
}

func TestProgressPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("limit") != "2" || r.URL.Query().Get("cursor") != "7" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":6,"kind":"step","step":3,"message":"Loaded tasks"}],"next_cursor":"6"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	page, err := c.ProgressPage(context.Background(), 2, "7")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Step != 3 || page.NextCursor != "6" {
		t.Fatalf("page = %+v", page)
	}
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"run_in_progress","message":"grading run in progress"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).InvokeRun(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "run_in_progress" {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestCancelTriggers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v0/triggers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"removed":3}`))
	}))
	defer srv.Close()

	n, err := New(srv.URL).CancelTriggers(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("cancel = %d, %v", n, err)
	}
}
