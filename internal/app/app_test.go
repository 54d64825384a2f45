package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gradeline/internal/config"
	"gradeline/internal/orchestrator"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte(config.GenerateDefault("doc-1")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	env, err := Open(context.Background(), ws)
	if err != nil {
		t.Fatalf("open env: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenRequiresConfig(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "gl config init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestOpenWiresScope(t *testing.T) {
	env := newTestEnv(t)
	if env.Lock.Scope() != "doc-1" || env.Progress.Scope != "doc-1" {
		t.Fatalf("scope = %q / %q", env.Lock.Scope(), env.Progress.Scope)
	}
	st, err := env.Orchestrator.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Phase != orchestrator.PhaseIdle {
		t.Fatalf("phase = %s", st.Phase)
	}
	if got := ReportsDir(env.Workspace); got != filepath.Join(env.Workspace, ".gradeline", "reports") {
		t.Fatalf("reports dir = %q", got)
	}
}

func TestDriverInvokesRunEntryPoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.Scheduler.CreateOneShot(ctx, orchestrator.EntryPoint, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if n := env.Driver.Tick(ctx); n != 1 {
		t.Fatalf("fired = %d", n)
	}
	// No parameters were saved, so the run fails and clears its triggers.
	st, err := env.Orchestrator.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != orchestrator.PhaseFailed || !strings.Contains(st.Error, "missing") {
		t.Fatalf("state = %+v", st)
	}
	left, err := env.Scheduler.List(ctx, orchestrator.EntryPoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("triggers left = %d", len(left))
	}
	events, err := env.Repo.LatestProgress(ctx, "doc-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Kind != "error" {
		t.Fatalf("events = %+v", events)
	}
	if n := env.Driver.Tick(ctx); n != 0 {
		t.Fatalf("second tick fired = %d", n)
	}
}
