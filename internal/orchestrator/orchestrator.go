// Package orchestrator runs the two-phase grading workflow: Schedule persists
// run parameters and books a continuation, Run replays them under a document
// lock and executes the pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gradeline/internal/domain"
	"gradeline/internal/feedback"
	"gradeline/internal/grading"
	"gradeline/internal/images"
	"gradeline/internal/lock"
	"gradeline/internal/logging"
)

// EntryPoint is the name continuation triggers invoke.
const EntryPoint = "runGrading"

const paramsKey = "run_parameters"

const busyMessage = "Another grading run is in progress for this document. Try again shortly."

// ErrRunInProgress is returned when scheduling while a live run holds the lock.
var ErrRunInProgress = errors.New("grading run in progress")

// Store keeps run parameters and run state.
type Store interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteValue(ctx context.Context, key string) error
}

type DocumentStore interface {
	SaveDocumentIDs(ctx context.Context, assignmentID, title string, docs domain.DocumentIDs) error
}

type Lock interface {
	TryAcquire(ctx context.Context, wait time.Duration) (*lock.Handle, error)
	Holder(ctx context.Context) (string, bool, error)
}

type Scheduler interface {
	CreateOneShot(ctx context.Context, entryPoint string, at time.Time) (domain.Trigger, error)
	RemoveAll(ctx context.Context, entryPoint string) (int, error)
	RemoveByID(ctx context.Context, id string) error
}

// Provider is the roster and document content source.
type Provider interface {
	CurrentCourse(ctx context.Context) (string, error)
	Participants(ctx context.Context, courseID string) ([]domain.Participant, error)
	Submissions(ctx context.Context, courseID, assignmentID string) (map[string]string, error)
	DocumentType(ctx context.Context, documentID string) (domain.DocumentType, error)
	Tasks(ctx context.Context, documentID string, role domain.ArtifactRole) ([]*domain.Task, error)
	Responses(ctx context.Context, documentID string, tasks []*domain.Task) (map[string]*domain.Response, error)
}

type ImageFetcher interface {
	FetchAll(ctx context.Context, entries []images.Entry) []images.Blob
}

type Grader interface {
	Grade(ctx context.Context, a *domain.Assignment) grading.Summary
	WarmUp(ctx context.Context)
}

type FeedbackWriter interface {
	Apply(ctx context.Context, a *domain.Assignment) feedback.ApplyResult
}

type Reporter interface {
	Generate(ctx context.Context, a *domain.Assignment) error
}

type Progress interface {
	Start(ctx context.Context, message string)
	Step(ctx context.Context, step int, message string)
	Error(ctx context.Context, message string)
	Done(ctx context.Context, message string)
}

// Deps are the collaborators an Orchestrator is built from. All are required.
type Deps struct {
	Store     Store
	Documents DocumentStore
	Lock      Lock
	Scheduler Scheduler
	Provider  Provider
	Images    ImageFetcher
	Grader    Grader
	Feedback  FeedbackWriter
	Reports   Reporter
	Progress  Progress
}

type Orchestrator struct {
	Deps
	lockWait time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Orchestrator)

// WithLockWait bounds how long Run waits for the document lock.
func WithLockWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.lockWait = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{Deps: deps, lockWait: lock.DefaultWait, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.New("orchestrator")
	}
	return o
}

// Schedule records the assignment's source documents, books a continuation
// and starts progress reporting. The backend warm-up runs in the background.
func (o *Orchestrator) Schedule(ctx context.Context, title string, docs domain.DocumentIDs, assignmentID string) (domain.Trigger, error) {
	var missing []string
	if assignmentID == "" {
		missing = append(missing, "assignmentId")
	}
	if docs.Reference == "" {
		missing = append(missing, "referenceDocumentId")
	}
	if docs.Template == "" {
		missing = append(missing, "templateDocumentId")
	}
	if len(missing) > 0 {
		return domain.Trigger{}, &domain.ConfigError{Op: "schedule", Missing: missing}
	}
	if err := o.Documents.SaveDocumentIDs(ctx, assignmentID, title, docs); err != nil {
		return domain.Trigger{}, fmt.Errorf("save document ids: %w", err)
	}
	docType, err := o.Provider.DocumentType(ctx, docs.Reference)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("detect document type: %w", err)
	}
	t, err := o.StartProcessing(ctx, assignmentID, docs.Reference, docs.Template, docType)
	if err != nil {
		return domain.Trigger{}, err
	}
	o.Progress.Start(ctx, fmt.Sprintf("Grading of %q scheduled", title))
	go o.Grader.WarmUp(context.WithoutCancel(ctx))
	return t, nil
}

// StartProcessing books one continuation and persists the run parameters that
// go with it. A continuation still pending from an earlier schedule is removed
// first. Nothing is cleaned up on failure.
func (o *Orchestrator) StartProcessing(ctx context.Context, assignmentID, referenceID, templateID string, docType domain.DocumentType) (domain.Trigger, error) {
	if err := o.ensureNotRunning(ctx); err != nil {
		return domain.Trigger{}, err
	}
	if prev, err := o.Parameters(ctx); err == nil && prev.TriggerID != "" {
		if err := o.Scheduler.RemoveByID(ctx, prev.TriggerID); err != nil {
			return domain.Trigger{}, fmt.Errorf("remove superseded continuation: %w", err)
		}
	}
	t, err := o.Scheduler.CreateOneShot(ctx, EntryPoint, time.Time{})
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("create continuation: %w", err)
	}
	params := domain.RunParameters{
		AssignmentID:        assignmentID,
		ReferenceDocumentID: referenceID,
		TemplateDocumentID:  templateID,
		TriggerID:           t.ID,
		DocumentType:        docType,
	}
	data, err := domain.EncodeRunParameters(params)
	if err != nil {
		return domain.Trigger{}, err
	}
	if err := o.Store.SetValue(ctx, paramsKey, string(data), 0); err != nil {
		return domain.Trigger{}, fmt.Errorf("persist run parameters: %w", err)
	}
	if _, err := o.advance(ctx, EventSchedule, func(s *RunState) {
		s.AssignmentID = assignmentID
		s.TriggerID = t.ID
	}); err != nil {
		o.logger.WarnContext(ctx, "record scheduled state failed", "error", err)
	}
	o.logger.InfoContext(ctx, "run scheduled", "assignment_id", assignmentID, "trigger_id", t.ID, "run_at", t.RunAt)
	return t, nil
}

// ensureNotRunning refuses to schedule over a live run and marks a run whose
// lock has lapsed as failed.
func (o *Orchestrator) ensureNotRunning(ctx context.Context) error {
	s, err := o.loadState(ctx)
	if err != nil {
		return err
	}
	if s.Phase != PhaseRunning {
		return nil
	}
	_, held, err := o.Lock.Holder(ctx)
	if err != nil {
		return err
	}
	if held {
		return ErrRunInProgress
	}
	_, err = o.advance(ctx, EventFail, func(s *RunState) { s.Error = "run interrupted" })
	return err
}

// Cancel drops any pending continuation and its parameters.
func (o *Orchestrator) Cancel(ctx context.Context) (int, error) {
	if err := o.ensureNotRunning(ctx); err != nil {
		return 0, err
	}
	n, err := o.Scheduler.RemoveAll(ctx, EntryPoint)
	if err != nil {
		return n, err
	}
	if err := o.Store.DeleteValue(ctx, paramsKey); err != nil {
		return n, err
	}
	if _, err := o.advance(ctx, EventCancel, nil); err != nil {
		return n, err
	}
	o.logger.InfoContext(ctx, "run cancelled", "triggers_removed", n)
	return n, nil
}

// Status returns the persisted run state.
func (o *Orchestrator) Status(ctx context.Context) (RunState, error) {
	return o.loadState(ctx)
}

// Parameters returns the pending run parameters, or repo.ErrNotFound.
func (o *Orchestrator) Parameters(ctx context.Context) (domain.RunParameters, error) {
	raw, err := o.Store.GetValue(ctx, paramsKey)
	if err != nil {
		return domain.RunParameters{}, err
	}
	return domain.DecodeRunParameters([]byte(raw))
}
