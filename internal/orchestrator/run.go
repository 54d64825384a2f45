package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gradeline/internal/domain"
	"gradeline/internal/images"
	"gradeline/internal/lock"
	"gradeline/internal/repo"
)

// pipeline holds the run's working set while steps execute in order.
type pipeline struct {
	params     domain.RunParameters
	courseID   string
	assignment *domain.Assignment
}

type step struct {
	name string
	fn   func(context.Context, *pipeline) error
}

func (o *Orchestrator) steps() []step {
	return []step{
		{"Resolved course", o.resolveCourse},
		{"Built assignment", o.buildAssignment},
		{"Fetched roster", o.fetchRoster},
		{"Loaded tasks", o.populateTasks},
		{"Fetched submissions", o.fetchSubmissions},
		{"Extracted responses", o.extractResponses},
		{"Fetched images", o.processImages},
		{"Graded responses", o.grade},
		{"Applied feedback", o.applyFeedback},
		{"Generated reports", o.report},
	}
}

// Run is the continuation entry point. When the document lock stays busy it
// reports that and returns nil without touching the run parameters. Otherwise
// the lock is released and the parameters deleted on every exit path.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	handle, err := o.Lock.TryAcquire(ctx, o.lockWait)
	if errors.Is(err, lock.ErrBusy) {
		o.logger.InfoContext(ctx, "busy")
		o.Progress.Error(ctx, busyMessage)
		return nil
	}
	if err != nil {
		o.Progress.Error(ctx, "Could not acquire the document lock: "+err.Error())
		return fmt.Errorf("acquire lock: %w", err)
	}
	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			o.fail(ctx, runID, err)
		}
		cleanupCtx := context.WithoutCancel(ctx)
		if relErr := handle.Release(cleanupCtx); relErr != nil {
			logger.ErrorContext(ctx, "release lock failed", "error", relErr)
		}
		if delErr := o.Store.DeleteValue(cleanupCtx, paramsKey); delErr != nil {
			logger.ErrorContext(ctx, "delete run parameters failed", "error", delErr)
		}
	}()

	if _, stErr := o.advance(ctx, EventStart, func(s *RunState) { s.RunID = runID }); stErr != nil {
		logger.WarnContext(ctx, "record running state failed", "error", stErr)
	}

	params, err := o.loadParams(ctx)
	if err != nil {
		o.fail(ctx, runID, err)
		return err
	}
	if err := o.Scheduler.RemoveByID(ctx, params.TriggerID); err != nil {
		logger.WarnContext(ctx, "remove consumed trigger failed", "trigger_id", params.TriggerID, "error", err)
	}

	p := &pipeline{params: params}
	for i, st := range o.steps() {
		if err := st.fn(ctx, p); err != nil {
			err = fmt.Errorf("%s: %w", st.name, err)
			o.fail(ctx, runID, err)
			return err
		}
		o.Progress.Step(ctx, i+1, st.name)
		o.note(ctx, func(s *RunState) {
			s.Step = i + 1
			s.StepName = st.name
		})
		logger.DebugContext(ctx, "step done", "step", i+1, "name", st.name)
	}

	if _, stErr := o.advance(ctx, EventSucceed, nil); stErr != nil {
		logger.WarnContext(ctx, "record completed state failed", "error", stErr)
	}
	o.Progress.Done(ctx, "Grading complete")
	logger.InfoContext(ctx, "run completed", "assignment_id", params.AssignmentID)
	return nil
}

// loadParams reads the persisted parameters. Missing or unreadable parameters
// also clear every continuation for the entry point.
func (o *Orchestrator) loadParams(ctx context.Context) (domain.RunParameters, error) {
	var params domain.RunParameters
	raw, err := o.Store.GetValue(ctx, paramsKey)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return params, fmt.Errorf("read run parameters: %w", err)
	default:
		params, err = domain.DecodeRunParameters([]byte(raw))
		if err != nil {
			o.logger.WarnContext(ctx, "run parameters unreadable", "error", err)
		}
	}
	missing := params.Missing()
	if len(missing) == 0 {
		return params, nil
	}
	if n, rmErr := o.Scheduler.RemoveAll(ctx, EntryPoint); rmErr != nil {
		o.logger.WarnContext(ctx, "remove stray triggers failed", "error", rmErr)
	} else if n > 0 {
		o.logger.InfoContext(ctx, "removed stray triggers", "count", n)
	}
	return params, &domain.ConfigError{Op: "load run parameters", Missing: missing}
}

func (o *Orchestrator) fail(ctx context.Context, runID string, err error) {
	o.logger.ErrorContext(ctx, "run failed", "run_id", runID, "kind", domain.KindOf(err).String(), "error", err)
	o.Progress.Error(ctx, userMessage(err))
	if _, stErr := o.advance(ctx, EventFail, func(s *RunState) { s.Error = err.Error() }); stErr != nil {
		o.logger.WarnContext(ctx, "record failed state failed", "error", stErr)
	}
}

func userMessage(err error) string {
	switch domain.KindOf(err) {
	case domain.KindFatalConfig:
		return "Grading could not start because its saved settings are missing. Please schedule it again. (" + err.Error() + ")"
	case domain.KindFatalAuth:
		return "Grading stopped: a source document could not be accessed. (" + err.Error() + ")"
	default:
		return "Grading failed: " + err.Error()
	}
}

func (o *Orchestrator) resolveCourse(ctx context.Context, p *pipeline) error {
	id, err := o.Provider.CurrentCourse(ctx)
	if err != nil {
		return err
	}
	p.courseID = id
	return nil
}

func (o *Orchestrator) buildAssignment(_ context.Context, p *pipeline) error {
	p.assignment = domain.NewAssignment(p.courseID, p.params)
	return nil
}

func (o *Orchestrator) fetchRoster(ctx context.Context, p *pipeline) error {
	ps, err := o.Provider.Participants(ctx, p.courseID)
	if err != nil {
		return err
	}
	p.assignment.SetParticipants(ps)
	return nil
}

func (o *Orchestrator) populateTasks(ctx context.Context, p *pipeline) error {
	ref, err := o.Provider.Tasks(ctx, p.params.ReferenceDocumentID, domain.RoleReference)
	if err != nil {
		return err
	}
	tmpl, err := o.Provider.Tasks(ctx, p.params.TemplateDocumentID, domain.RoleTemplate)
	if err != nil {
		return err
	}
	p.assignment.MergeTasks(ref, tmpl)
	if len(p.assignment.Tasks) == 0 {
		return &domain.ConfigError{Op: "populate tasks", Missing: []string{"tasks"}}
	}
	return nil
}

func (o *Orchestrator) fetchSubmissions(ctx context.Context, p *pipeline) error {
	docs, err := o.Provider.Submissions(ctx, p.courseID, p.params.AssignmentID)
	if err != nil {
		return err
	}
	n := p.assignment.AttachDocuments(docs)
	o.logger.InfoContext(ctx, "submissions attached", "submitted", n, "participants", len(p.assignment.Submissions))
	return nil
}

// extractResponses skips participants without a document; one unreadable
// document does not stop the others.
func (o *Orchestrator) extractResponses(ctx context.Context, p *pipeline) error {
	for _, s := range p.assignment.Submissions {
		if s.DocumentID == "" {
			continue
		}
		responses, err := o.Provider.Responses(ctx, s.DocumentID, p.assignment.Tasks)
		if err != nil {
			o.logger.WarnContext(ctx, "extract responses failed", "participant", s.Participant.ExternalID, "document_id", s.DocumentID, "error", err)
			continue
		}
		for uid, r := range responses {
			s.Responses[uid] = r
		}
	}
	return nil
}

func (o *Orchestrator) processImages(ctx context.Context, p *pipeline) error {
	entries := images.Collect(p.assignment)
	if len(entries) == 0 {
		return nil
	}
	res := images.WriteBack(p.assignment, o.Images.FetchAll(ctx, entries))
	if len(res.Unmatched) > 0 {
		o.logger.WarnContext(ctx, "fetched images matched no artifact", "ids", res.Unmatched)
	}
	return nil
}

func (o *Orchestrator) grade(ctx context.Context, p *pipeline) error {
	o.Grader.Grade(ctx, p.assignment)
	return ctx.Err()
}

func (o *Orchestrator) applyFeedback(ctx context.Context, p *pipeline) error {
	res := o.Feedback.Apply(ctx, p.assignment)
	if len(res.Failed) > 0 {
		o.logger.WarnContext(ctx, "feedback not applied to some documents", "documents", res.Failed)
	}
	return nil
}

func (o *Orchestrator) report(ctx context.Context, p *pipeline) error {
	return o.Reports.Generate(ctx, p.assignment)
}
