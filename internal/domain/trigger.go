package domain

import "time"

// Trigger is a one-shot future invocation of a named entry point.
type Trigger struct {
	ID         string     `json:"id"`
	EntryPoint string     `json:"entry_point"`
	RunAt      time.Time  `json:"run_at"`
	FiredAt    *time.Time `json:"fired_at,omitempty"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
}

// ProgressEvent is one entry of the user-visible progress channel.
type ProgressEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	ScopeID string `json:"scope_id"`
	Kind    string `json:"kind" enum:"start,step,error,done"`
	Step    int    `json:"step"`
	Message string `json:"message"`
}

// DocumentIDs are the reference and template sources for an assignment.
type DocumentIDs struct {
	Reference string `json:"reference_document_id"`
	Template  string `json:"template_document_id"`
}
