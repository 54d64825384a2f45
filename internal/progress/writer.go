// Package progress records the user-visible run progress channel.
package progress

import (
	"context"
	"log/slog"
	"time"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
)

const (
	KindStart = "start"
	KindStep  = "step"
	KindError = "error"
	KindDone  = "done"
)

// Store persists progress events.
type Store interface {
	InsertProgress(ctx context.Context, evt domain.ProgressEvent) (int64, error)
}

// Writer appends progress events for one document scope. Write failures are
// logged and never reach the caller.
type Writer struct {
	Store  Store
	Scope  string
	Now    func() time.Time
	Logger *slog.Logger
}

func (w Writer) Start(ctx context.Context, message string) {
	w.append(ctx, KindStart, 0, message)
}

func (w Writer) Step(ctx context.Context, step int, message string) {
	w.append(ctx, KindStep, step, message)
}

func (w Writer) Error(ctx context.Context, message string) {
	w.append(ctx, KindError, 0, message)
}

func (w Writer) Done(ctx context.Context, message string) {
	w.append(ctx, KindDone, 0, message)
}

func (w Writer) append(ctx context.Context, kind string, step int, message string) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Logger == nil {
		w.Logger = logging.New("progress")
	}
	evt := domain.ProgressEvent{
		TS:      w.Now().UTC().Format(time.RFC3339),
		ScopeID: w.Scope,
		Kind:    kind,
		Step:    step,
		Message: message,
	}
	if _, err := w.Store.InsertProgress(ctx, evt); err != nil {
		w.Logger.WarnContext(ctx, "progress write failed", "kind", kind, "error", err)
		return
	}
	w.Logger.DebugContext(ctx, "progress", "kind", kind, "step", step, "message", message)
}
