// Package images finds image artifacts in an assignment, fetches their bytes
// fairly across owning documents, and writes the bytes back.
package images

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/retry"
)

// Entry is one image to fetch.
type Entry struct {
	ArtifactID      string              `json:"artifact_id"`
	URL             string              `json:"url"`
	OwnerDocumentID string              `json:"owner_document_id"`
	Role            domain.ArtifactRole `json:"role"`
	TaskID          string              `json:"task_id"`
	ItemID          string              `json:"item_id,omitempty"`
}

// Blob is a fetched image body.
type Blob struct {
	ArtifactID string
	Content    []byte
	MimeType   string
}

// Collect lists every fetchable image artifact. Artifacts that are not images,
// lack a well-formed URL, or have no owning document are skipped silently.
func Collect(a *domain.Assignment) []Entry {
	var out []Entry
	add := func(arts []*domain.Artifact, taskID, itemID string) {
		for _, art := range arts {
			if art == nil || art.Type != domain.TaskImage {
				continue
			}
			if art.OwnerDocumentID == "" || !wellFormed(art.SourceURL) {
				continue
			}
			out = append(out, Entry{
				ArtifactID:      art.ID,
				URL:             art.SourceURL,
				OwnerDocumentID: art.OwnerDocumentID,
				Role:            art.Role,
				TaskID:          taskID,
				ItemID:          itemID,
			})
		}
	}
	for _, t := range a.Tasks {
		add(t.ReferenceArtifacts, t.UID, "")
		add(t.TemplateArtifacts, t.UID, "")
	}
	for _, s := range a.Submissions {
		for _, t := range a.Tasks {
			if r, ok := s.Responses[t.UID]; ok {
				add(r.Artifacts, t.UID, s.Participant.ExternalID)
			}
		}
	}
	return out
}

func wellFormed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RoundRobin interleaves entries across owning documents, one per document per
// pass, so no single document fills a whole batch. Documents keep first-seen
// order and entries keep their order within a document.
func RoundRobin(entries []Entry) []Entry {
	var order []string
	queues := map[string][]Entry{}
	for _, e := range entries {
		if _, ok := queues[e.OwnerDocumentID]; !ok {
			order = append(order, e.OwnerDocumentID)
		}
		queues[e.OwnerDocumentID] = append(queues[e.OwnerDocumentID], e)
	}
	out := make([]Entry, 0, len(entries))
	for len(out) < len(entries) {
		for _, doc := range order {
			q := queues[doc]
			if len(q) == 0 {
				continue
			}
			out = append(out, q[0])
			queues[doc] = q[1:]
		}
	}
	return out
}

// Batcher is the slice of the retry client the fetcher needs.
type Batcher interface {
	CallInBatches(ctx context.Context, reqs []retry.Request) []retry.Response
}

type Fetcher struct {
	client     Batcher
	batchSize  int
	authHost   string
	authHeader http.Header
	logger     *slog.Logger
}

// NewFetcher builds a fetcher. token, when set, is sent as a bearer credential
// only to image URLs on the same host as providerURL.
func NewFetcher(client Batcher, batchSize int, providerURL, token string, logger *slog.Logger) *Fetcher {
	if batchSize <= 0 {
		batchSize = 30
	}
	if logger == nil {
		logger = logging.New("images")
	}
	f := &Fetcher{client: client, batchSize: batchSize, logger: logger}
	if u, err := url.Parse(providerURL); err == nil && u.Host != "" && token != "" {
		f.authHost = strings.ToLower(u.Host)
		f.authHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	return f
}

func (f *Fetcher) header(rawURL string) http.Header {
	if f.authHost == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || strings.ToLower(u.Host) != f.authHost {
		return nil
	}
	return f.authHeader
}

// FetchAll downloads every entry. Failures are logged and dropped; a missing
// image never aborts the run.
func (f *Fetcher) FetchAll(ctx context.Context, entries []Entry) []Blob {
	merged := RoundRobin(entries)
	var blobs []Blob
	for start := 0; start < len(merged); start += f.batchSize {
		chunk := merged[start:min(start+f.batchSize, len(merged))]
		reqs := make([]retry.Request, len(chunk))
		for i, e := range chunk {
			reqs[i] = retry.Request{Method: http.MethodGet, URL: e.URL, Header: f.header(e.URL)}
		}
		for i, resp := range f.client.CallInBatches(ctx, reqs) {
			e := chunk[i]
			if !resp.OK() {
				f.logger.WarnContext(ctx, "image fetch failed",
					"artifact_id", e.ArtifactID, "document_id", e.OwnerDocumentID, "status", resp.StatusCode, "error", resp.Err)
				continue
			}
			blobs = append(blobs, Blob{
				ArtifactID: e.ArtifactID,
				Content:    resp.Body,
				MimeType:   resp.Header.Get("Content-Type"),
			})
		}
	}
	f.logger.InfoContext(ctx, "images fetched", "requested", len(entries), "fetched", len(blobs))
	return blobs
}

// WriteBackResult summarises a write-back pass.
type WriteBackResult struct {
	Updated   int
	Unmatched []string
}

// WriteBack stores fetched bytes on the matching artifacts. Unknown ids are
// reported, not fatal.
func WriteBack(a *domain.Assignment, blobs []Blob) WriteBackResult {
	index := map[string]*domain.Artifact{}
	put := func(arts []*domain.Artifact) {
		for _, art := range arts {
			if art != nil && art.ID != "" {
				index[art.ID] = art
			}
		}
	}
	for _, t := range a.Tasks {
		put(t.ReferenceArtifacts)
		put(t.TemplateArtifacts)
	}
	for _, s := range a.Submissions {
		for _, r := range s.Responses {
			put(r.Artifacts)
		}
	}
	var res WriteBackResult
	for _, b := range blobs {
		art, ok := index[b.ArtifactID]
		if !ok {
			res.Unmatched = append(res.Unmatched, b.ArtifactID)
			continue
		}
		art.SetContent(b.Content)
		res.Updated++
	}
	return res
}
