// Package provider talks to the classroom provider: course roster, submitted
// documents, parsed document content, and document formatting updates.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gradeline/internal/domain"
	"gradeline/internal/feedback"
	"gradeline/internal/logging"
	"gradeline/internal/retry"
)

// Caller is the retry client surface the provider needs.
type Caller interface {
	CallWithRetries(ctx context.Context, r retry.Request, maxRetries int) retry.Response
	CallStrict(ctx context.Context, r retry.Request, maxRetries int) (retry.Response, error)
}

type Client struct {
	caller     Caller
	baseURL    string
	token      string
	maxRetries int
	logger     *slog.Logger
}

func New(caller Caller, baseURL, token string, maxRetries int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.New("provider")
	}
	return &Client{
		caller:     caller,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

type courseDTO struct {
	ID string `json:"id"`
}

type participantDTO struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	ExternalID string `json:"id"`
}

type submissionDTO struct {
	ParticipantID string `json:"participant_id"`
	DocumentID    string `json:"document_id"`
}

type artifactDTO struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	Type      string `json:"type"`
}

type itemDTO struct {
	Title      string            `json:"title"`
	LocationID string            `json:"location_id"`
	Type       string            `json:"type"`
	Content    string            `json:"content"`
	Notes      string            `json:"notes"`
	Metadata   map[string]string `json:"metadata"`
	Artifacts  []artifactDTO     `json:"artifacts"`
}

// CurrentCourse resolves the course the configured document belongs to.
func (c *Client) CurrentCourse(ctx context.Context) (string, error) {
	var out courseDTO
	if err := c.get(ctx, "courses/current", &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("provider returned no current course")
	}
	return out.ID, nil
}

func (c *Client) Participants(ctx context.Context, courseID string) ([]domain.Participant, error) {
	var out []participantDTO
	if err := c.get(ctx, "courses/"+url.PathEscape(courseID)+"/participants", &out); err != nil {
		return nil, err
	}
	ps := make([]domain.Participant, 0, len(out))
	for _, p := range out {
		ps = append(ps, domain.Participant{Name: p.Name, Email: p.Email, ExternalID: p.ExternalID})
	}
	return ps, nil
}

// Submissions maps participant external ids to their submitted document ids.
func (c *Client) Submissions(ctx context.Context, courseID, assignmentID string) (map[string]string, error) {
	var out []submissionDTO
	path := fmt.Sprintf("courses/%s/assignments/%s/submissions", url.PathEscape(courseID), url.PathEscape(assignmentID))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	docs := make(map[string]string, len(out))
	for _, s := range out {
		if s.DocumentID != "" {
			docs[s.ParticipantID] = s.DocumentID
		}
	}
	return docs, nil
}

func (c *Client) DocumentType(ctx context.Context, documentID string) (domain.DocumentType, error) {
	var out struct {
		Type string `json:"type"`
	}
	if err := c.get(ctx, "documents/"+url.PathEscape(documentID)+"/type", &out); err != nil {
		return "", err
	}
	dt := domain.DocumentType(strings.ToUpper(out.Type))
	if !dt.Valid() {
		return "", fmt.Errorf("document %s has unsupported type %q", documentID, out.Type)
	}
	return dt, nil
}

// Tasks fetches the task manifest of a reference or template document. The
// manifest is authoritative, so 403 and 404 fail without retrying.
func (c *Client) Tasks(ctx context.Context, documentID string, role domain.ArtifactRole) ([]*domain.Task, error) {
	path := fmt.Sprintf("documents/%s/tasks?role=%s", url.PathEscape(documentID), url.QueryEscape(string(role)))
	resp, err := c.caller.CallStrict(ctx, c.request(http.MethodGet, path, nil), c.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("fetch task manifest %s: %w", documentID, err)
	}
	var items []itemDTO
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return nil, fmt.Errorf("decode task manifest %s: %w", documentID, err)
	}
	tasks := make([]*domain.Task, 0, len(items))
	for _, it := range items {
		typ, err := domain.ParseTaskType(it.Type)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", it.Title, err)
		}
		t := domain.NewTask(it.Title, it.LocationID, typ)
		t.Notes = it.Notes
		t.Metadata = it.Metadata
		arts := artifacts(it.Artifacts, documentID, role)
		if role == domain.RoleTemplate {
			t.SetTemplateContent(it.Content)
			t.TemplateArtifacts = arts
		} else {
			t.SetReferenceContent(it.Content)
			t.ReferenceArtifacts = arts
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Responses extracts a participant document's answers keyed by task UID.
// Items that match no known task are dropped.
func (c *Client) Responses(ctx context.Context, documentID string, tasks []*domain.Task) (map[string]*domain.Response, error) {
	var items []itemDTO
	if err := c.get(ctx, "documents/"+url.PathEscape(documentID)+"/responses", &items); err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.UID] = true
	}
	out := make(map[string]*domain.Response, len(items))
	for _, it := range items {
		uid := domain.TaskUID(it.Title, it.LocationID)
		if !known[uid] {
			c.logger.DebugContext(ctx, "response for unknown task", "document_id", documentID, "title", it.Title)
			continue
		}
		r := &domain.Response{TaskUID: uid, Artifacts: artifacts(it.Artifacts, documentID, domain.RoleSubmission)}
		r.SetContent(it.Content)
		out[uid] = r
	}
	return out, nil
}

// BatchUpdate applies formatting requests to one document in a single call.
func (c *Client) BatchUpdate(ctx context.Context, documentID string, reqs []feedback.FormatRequest) error {
	body, err := json.Marshal(map[string]any{"requests": reqs})
	if err != nil {
		return err
	}
	resp := c.caller.CallWithRetries(ctx, c.request(http.MethodPost, "documents/"+url.PathEscape(documentID)+":batchUpdate", body), c.maxRetries)
	if !resp.OK() {
		return fmt.Errorf("batch update %s: %w", documentID, resp.Err)
	}
	return nil
}

func artifacts(in []artifactDTO, documentID string, role domain.ArtifactRole) []*domain.Artifact {
	var out []*domain.Artifact
	for _, a := range in {
		typ, err := domain.ParseTaskType(a.Type)
		if err != nil {
			continue
		}
		out = append(out, &domain.Artifact{
			ID:              a.ID,
			SourceURL:       a.SourceURL,
			OwnerDocumentID: documentID,
			Role:            role,
			Type:            typ,
		})
	}
	return out
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp := c.caller.CallWithRetries(ctx, c.request(http.MethodGet, path, nil), c.maxRetries)
	if !resp.OK() {
		return fmt.Errorf("provider GET %s: %w", path, resp.Err)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) request(method, path string, body []byte) retry.Request {
	h := http.Header{}
	if body != nil {
		h.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return retry.Request{Method: method, URL: c.baseURL + "/" + path, Header: h, Body: body}
}
