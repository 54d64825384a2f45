// Package feedback turns per-cell verdicts into batched background-color
// updates against participant documents.
package feedback

import (
	"context"
	"log/slog"
	"sort"

	"gradeline/internal/config"
	"gradeline/internal/domain"
	"gradeline/internal/logging"
)

// FormatRequest colors one cell. Values are never mutated after Add.
type FormatRequest struct {
	DocumentID string `json:"document_id"`
	SheetID    int64  `json:"sheet_id"`
	Row        int    `json:"row"`
	Column     int    `json:"column"`
	Color      string `json:"color"`
}

// Builder accumulates requests until Flush.
type Builder struct {
	pending map[string][]FormatRequest
	count   int
}

func NewBuilder() *Builder {
	return &Builder{pending: map[string][]FormatRequest{}}
}

func (b *Builder) Add(req FormatRequest) {
	b.pending[req.DocumentID] = append(b.pending[req.DocumentID], req)
	b.count++
}

func (b *Builder) Len() int { return b.count }

// Flush hands back everything collected, grouped by document, along with an
// empty builder. The receiver must not be reused.
func (b *Builder) Flush() (map[string][]FormatRequest, *Builder) {
	out := b.pending
	b.pending = nil
	b.count = 0
	return out, NewBuilder()
}

// Color picks the background for a status; unknown statuses get the neutral color.
func Color(p config.Palette, status domain.CellStatus) string {
	switch status {
	case domain.CellCorrect:
		return p.Correct
	case domain.CellIncorrect:
		return p.Incorrect
	case domain.CellNotAttempted:
		return p.NotAttempted
	default:
		return p.Neutral
	}
}

// DocumentUpdater applies a batch of formatting requests to one document.
type DocumentUpdater interface {
	BatchUpdate(ctx context.Context, documentID string, reqs []FormatRequest) error
}

// ApplyResult lists the documents that were updated and the ones that failed.
type ApplyResult struct {
	Applied []string `json:"applied"`
	Failed  []string `json:"failed"`
}

type Writer struct {
	updater DocumentUpdater
	palette config.Palette
	logger  *slog.Logger
}

func NewWriter(updater DocumentUpdater, palette config.Palette, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = logging.New("feedback")
	}
	return &Writer{updater: updater, palette: palette, logger: logger}
}

// Collect builds one request per graded cell of every submission that has a
// document.
func (w *Writer) Collect(a *domain.Assignment) *Builder {
	b := NewBuilder()
	for _, s := range a.Submissions {
		if s.DocumentID == "" {
			continue
		}
		for _, t := range a.Tasks {
			r, ok := s.Responses[t.UID]
			if !ok || r.Feedback == nil {
				continue
			}
			for _, cell := range r.Feedback.Cells {
				b.Add(FormatRequest{
					DocumentID: s.DocumentID,
					SheetID:    cell.SheetID,
					Row:        cell.Row,
					Column:     cell.Column,
					Color:      Color(w.palette, cell.Status),
				})
			}
		}
	}
	return b
}

// Apply issues one batch update per document. A failed document is logged and
// the rest still proceed.
func (w *Writer) Apply(ctx context.Context, a *domain.Assignment) ApplyResult {
	batches, _ := w.Collect(a).Flush()
	docs := make([]string, 0, len(batches))
	for doc, reqs := range batches {
		if len(reqs) > 0 {
			docs = append(docs, doc)
		}
	}
	sort.Strings(docs)

	var res ApplyResult
	for _, doc := range docs {
		if err := w.updater.BatchUpdate(ctx, doc, batches[doc]); err != nil {
			w.logger.WarnContext(ctx, "feedback batch failed", "document_id", doc, "requests", len(batches[doc]), "error", err)
			res.Failed = append(res.Failed, doc)
			continue
		}
		res.Applied = append(res.Applied, doc)
	}
	w.logger.InfoContext(ctx, "feedback applied", "applied", len(res.Applied), "failed", len(res.Failed))
	return res
}
