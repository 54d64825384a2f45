// Package reports renders score overviews and per-task analysis for a graded
// assignment.
package reports

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
)

// Score sums a verdict's criteria. A nil verdict scores zero.
func Score(v *domain.Verdict) float64 {
	if v == nil {
		return 0
	}
	total := 0.0
	for _, s := range v.Scores {
		total += s
	}
	return total
}

// TaskStat is the aggregate for one task across all participants.
type TaskStat struct {
	UID     string
	Title   string
	Type    domain.TaskType
	Graded  int
	Average float64
}

func Analysis(a *domain.Assignment) []TaskStat {
	out := make([]TaskStat, 0, len(a.Tasks))
	for _, t := range a.Tasks {
		st := TaskStat{UID: t.UID, Title: t.Title, Type: t.Type}
		total := 0.0
		for _, s := range a.Submissions {
			r, ok := s.Responses[t.UID]
			if !ok || r.Feedback == nil {
				continue
			}
			st.Graded++
			total += Score(r.Feedback)
		}
		if st.Graded > 0 {
			st.Average = total / float64(st.Graded)
		}
		out = append(out, st)
	}
	return out
}

func overviewTable(a *domain.Assignment) table.Writer {
	tw := table.NewWriter()
	header := table.Row{"Participant", "Document"}
	for _, t := range a.Tasks {
		header = append(header, t.Title)
	}
	header = append(header, "Total")
	tw.AppendHeader(header)

	subs := append([]*domain.Submission(nil), a.Submissions...)
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Participant.Name < subs[j].Participant.Name })
	for _, s := range subs {
		row := table.Row{s.Participant.Name, s.DocumentID}
		total := 0.0
		for _, t := range a.Tasks {
			r, ok := s.Responses[t.UID]
			if !ok || r.Feedback == nil {
				row = append(row, "-")
				continue
			}
			sc := Score(r.Feedback)
			total += sc
			row = append(row, fmt.Sprintf("%.1f", sc))
		}
		row = append(row, fmt.Sprintf("%.1f", total))
		tw.AppendRow(row)
	}
	return tw
}

func analysisTable(a *domain.Assignment) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Task", "Type", "Graded", "Average"})
	for _, st := range Analysis(a) {
		tw.AppendRow(table.Row{st.Title, string(st.Type), st.Graded, fmt.Sprintf("%.2f", st.Average)})
	}
	return tw
}

// WriteOverview renders one row per participant with a column per task.
func WriteOverview(w io.Writer, a *domain.Assignment) {
	tw := overviewTable(a)
	tw.SetOutputMirror(w)
	tw.Render()
}

func WriteAnalysis(w io.Writer, a *domain.Assignment) {
	tw := analysisTable(a)
	tw.SetOutputMirror(w)
	tw.Render()
}

// Generator writes both reports as markdown files under Dir/<assignment id>.
type Generator struct {
	Dir    string
	Logger *slog.Logger
}

func (g Generator) Generate(ctx context.Context, a *domain.Assignment) error {
	if g.Logger == nil {
		g.Logger = logging.New("reports")
	}
	dir := filepath.Join(g.Dir, a.AssignmentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := map[string]table.Writer{
		"overview.md": overviewTable(a),
		"analysis.md": analysisTable(a),
	}
	for name, tw := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(tw.RenderMarkdown()+"\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		g.Logger.InfoContext(ctx, "report written", "path", path)
	}
	return nil
}
