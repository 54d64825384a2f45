package server

import (
	"time"

	"gradeline/internal/domain"
)

type scheduleRequest struct {
	Title               string `json:"title,omitempty" maxLength:"200"`
	ReferenceDocumentID string `json:"reference_document_id" minLength:"1"`
	TemplateDocumentID  string `json:"template_document_id" minLength:"1"`
}

type TriggerResponse struct {
	ID         string  `json:"id"`
	EntryPoint string  `json:"entry_point"`
	RunAt      string  `json:"run_at" format:"date-time"`
	FiredAt    *string `json:"fired_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

func triggerResponse(t domain.Trigger) TriggerResponse {
	resp := TriggerResponse{
		ID:         t.ID,
		EntryPoint: t.EntryPoint,
		RunAt:      t.RunAt.UTC().Format(time.RFC3339),
		CreatedAt:  t.CreatedAt,
	}
	if t.FiredAt != nil {
		f := t.FiredAt.UTC().Format(time.RFC3339)
		resp.FiredAt = &f
	}
	return resp
}

type triggerList struct {
	Items []TriggerResponse `json:"items"`
}

type cancelResponse struct {
	Removed int `json:"removed"`
}

type ProgressResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Kind    string `json:"kind" enum:"start,step,error,done"`
	Step    int    `json:"step"`
	Message string `json:"message"`
}

func progressResponse(e domain.ProgressEvent) ProgressResponse {
	return ProgressResponse{ID: e.ID, TS: e.TS, Kind: e.Kind, Step: e.Step, Message: e.Message}
}

type paginatedProgress struct {
	Items      []ProgressResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}
