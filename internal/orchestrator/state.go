package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gradeline/internal/repo"
)

// Phase is where a document's grading run currently is.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseScheduled Phase = "scheduled"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Event moves a run between phases.
type Event string

const (
	EventSchedule Event = "schedule"
	EventStart    Event = "start"
	EventSucceed  Event = "succeed"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
)

// Running accepts start again so a run whose process died before cleanup can
// be taken over once its lock lease has lapsed.
var allowedTransitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EventSchedule: PhaseScheduled,
		EventStart:    PhaseRunning,
		EventCancel:   PhaseIdle,
	},
	PhaseScheduled: {
		EventSchedule: PhaseScheduled,
		EventStart:    PhaseRunning,
		EventCancel:   PhaseIdle,
	},
	PhaseRunning: {
		EventStart:   PhaseRunning,
		EventSucceed: PhaseCompleted,
		EventFail:    PhaseFailed,
	},
	PhaseCompleted: {
		EventSchedule: PhaseScheduled,
		EventStart:    PhaseRunning,
		EventCancel:   PhaseIdle,
	},
	PhaseFailed: {
		EventSchedule: PhaseScheduled,
		EventStart:    PhaseRunning,
		EventCancel:   PhaseIdle,
	},
}

var ErrInvalidTransition = errors.New("invalid run transition")

// RunState is the persisted, serializable view of the current run.
type RunState struct {
	Phase        Phase  `json:"phase" enum:"idle,scheduled,running,completed,failed"`
	AssignmentID string `json:"assignment_id,omitempty"`
	TriggerID    string `json:"trigger_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Step         int    `json:"step"`
	StepName     string `json:"step_name,omitempty"`
	Error        string `json:"error,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Transition applies evt to s. It has no side effects; the caller persists
// the result.
func Transition(s RunState, evt Event) (RunState, error) {
	from := s.Phase
	if from == "" {
		from = PhaseIdle
	}
	to, ok := allowedTransitions[from][evt]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, evt, from)
	}
	next := s
	next.Phase = to
	switch evt {
	case EventSchedule, EventCancel:
		next.RunID = ""
		next.Step = 0
		next.StepName = ""
		next.Error = ""
	case EventStart:
		next.Step = 0
		next.StepName = ""
		next.Error = ""
	}
	if evt == EventCancel {
		next.AssignmentID = ""
		next.TriggerID = ""
	}
	return next, nil
}

const stateKey = "run_state"

func (o *Orchestrator) loadState(ctx context.Context) (RunState, error) {
	raw, err := o.Store.GetValue(ctx, stateKey)
	if errors.Is(err, repo.ErrNotFound) {
		return RunState{Phase: PhaseIdle}, nil
	}
	if err != nil {
		return RunState{}, err
	}
	var s RunState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return RunState{}, fmt.Errorf("decode run state: %w", err)
	}
	if s.Phase == "" {
		s.Phase = PhaseIdle
	}
	return s, nil
}

func (o *Orchestrator) saveState(ctx context.Context, s RunState) error {
	s.UpdatedAt = o.now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return o.Store.SetValue(ctx, stateKey, string(data), 0)
}

// advance loads, transitions and persists the state. mutate may fill in
// event data before the write.
func (o *Orchestrator) advance(ctx context.Context, evt Event, mutate func(*RunState)) (RunState, error) {
	cur, err := o.loadState(ctx)
	if err != nil {
		return RunState{}, err
	}
	next, err := Transition(cur, evt)
	if err != nil {
		return cur, err
	}
	if mutate != nil {
		mutate(&next)
	}
	if err := o.saveState(ctx, next); err != nil {
		return cur, err
	}
	return next, nil
}

// note records progress within the running phase without a transition.
func (o *Orchestrator) note(ctx context.Context, mutate func(*RunState)) {
	cur, err := o.loadState(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "load run state failed", "error", err)
		return
	}
	mutate(&cur)
	if err := o.saveState(ctx, cur); err != nil {
		o.logger.WarnContext(ctx, "save run state failed", "error", err)
	}
}
