// Package grading sends ungraded responses to the assessment backend and
// attaches the verdicts, consulting the result cache first.
package grading

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/retry"
)

// Cache is the result cache as seen by the dispatcher.
type Cache interface {
	Get(ctx context.Context, referenceHash, responseHash string) (domain.Verdict, bool)
	Put(ctx context.Context, referenceHash, responseHash string, v domain.Verdict)
}

// Client is the subset of the retry client used here.
type Client interface {
	CallInBatches(ctx context.Context, reqs []retry.Request) []retry.Response
	CallWithRetries(ctx context.Context, r retry.Request, maxRetries int) retry.Response
}

type Dispatcher struct {
	client  Client
	cache   Cache
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

func NewDispatcher(client Client, cache Cache, baseURL, apiKey string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.New("grading")
	}
	return &Dispatcher{
		client:  client,
		cache:   cache,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger,
	}
}

// Summary counts what happened to each response during one Grade call.
type Summary struct {
	Cached  int `json:"cached"`
	Sent    int `json:"sent"`
	Graded  int `json:"graded"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type assessRequest struct {
	Task     assessTask     `json:"task"`
	Response assessResponse `json:"response"`
}

type assessTask struct {
	UID       string   `json:"uid"`
	Title     string   `json:"title"`
	Type      string   `json:"type"`
	Reference string   `json:"reference,omitempty"`
	Template  string   `json:"template,omitempty"`
	Notes     string   `json:"notes,omitempty"`
	Images    [][]byte `json:"images,omitempty"`
}

type assessResponse struct {
	Participant string   `json:"participant"`
	Content     string   `json:"content,omitempty"`
	Images      [][]byte `json:"images,omitempty"`
}

type pending struct {
	task     *domain.Task
	response *domain.Response
}

// Grade assigns a verdict to every non-empty response. Cached verdicts are used
// as is; the rest are sent in batches. A response whose request fails stays
// ungraded.
func (d *Dispatcher) Grade(ctx context.Context, a *domain.Assignment) Summary {
	var sum Summary
	var queue []pending
	var reqs []retry.Request
	for _, s := range a.Submissions {
		for _, t := range a.Tasks {
			r, ok := s.Responses[t.UID]
			if !ok || r.Fingerprint() == "" {
				sum.Skipped++
				continue
			}
			if v, hit := d.cache.Get(ctx, t.ReferenceFingerprint(), r.Fingerprint()); hit {
				r.Feedback = &v
				sum.Cached++
				continue
			}
			req, err := d.request(t, s.Participant, r)
			if err != nil {
				d.logger.WarnContext(ctx, "encode assessment failed", "task_uid", t.UID, "error", err)
				sum.Failed++
				continue
			}
			queue = append(queue, pending{task: t, response: r})
			reqs = append(reqs, req)
		}
	}
	sum.Sent = len(reqs)
	if len(reqs) == 0 {
		return sum
	}
	for i, resp := range d.client.CallInBatches(ctx, reqs) {
		p := queue[i]
		if !resp.OK() {
			d.logger.WarnContext(ctx, "assessment failed", "task_uid", p.task.UID, "status", resp.StatusCode, "error", resp.Err)
			sum.Failed++
			continue
		}
		var v domain.Verdict
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			d.logger.WarnContext(ctx, "assessment response malformed", "task_uid", p.task.UID, "error", err)
			sum.Failed++
			continue
		}
		p.response.Feedback = &v
		d.cache.Put(ctx, p.task.ReferenceFingerprint(), p.response.Fingerprint(), v)
		sum.Graded++
	}
	d.logger.InfoContext(ctx, "grading finished", "cached", sum.Cached, "sent", sum.Sent, "graded", sum.Graded, "failed", sum.Failed)
	return sum
}

func (d *Dispatcher) request(t *domain.Task, p domain.Participant, r *domain.Response) (retry.Request, error) {
	body := assessRequest{
		Task: assessTask{
			UID:       t.UID,
			Title:     t.Title,
			Type:      t.Type.Path(),
			Reference: t.ReferenceContent,
			Template:  t.TemplateContent,
			Notes:     t.Notes,
			Images:    contents(t.ReferenceArtifacts),
		},
		Response: assessResponse{
			Participant: p.ExternalID,
			Content:     r.Content,
			Images:      contents(r.Artifacts),
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return retry.Request{}, err
	}
	return retry.Request{
		Method: http.MethodPost,
		URL:    d.baseURL + "/v1/assess/" + t.Type.Path(),
		Header: d.header(),
		Body:   data,
	}, nil
}

func (d *Dispatcher) header() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		h.Set("X-Api-Key", d.apiKey)
	}
	return h
}

func contents(arts []*domain.Artifact) [][]byte {
	var out [][]byte
	for _, a := range arts {
		if len(a.Content) > 0 {
			out = append(out, a.Content)
		}
	}
	return out
}

// WarmUp pings the backend so a cold instance starts before the run. The
// outcome is ignored.
func (d *Dispatcher) WarmUp(ctx context.Context) {
	resp := d.client.CallWithRetries(ctx, retry.Request{
		Method: http.MethodGet,
		URL:    d.baseURL + "/v1/health",
		Header: d.header(),
	}, 0)
	d.logger.DebugContext(ctx, "backend warm-up", "status", resp.StatusCode, "ok", resp.OK())
}
