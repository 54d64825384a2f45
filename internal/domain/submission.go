package domain

// Participant is immutable once fetched from the roster provider.
type Participant struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	ExternalID string `json:"external_id"`
}

// Response is one participant's answer to one task.
type Response struct {
	TaskUID     string      `json:"task_uid"`
	Content     string      `json:"content,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	Artifacts   []*Artifact `json:"artifacts,omitempty"`
	Feedback    *Verdict    `json:"feedback,omitempty"`
}

func (r *Response) SetContent(content string) {
	r.Content = content
	r.ContentHash = hashOrEmpty(content)
}

// Fingerprint identifies the answer for caching; image answers hash their bytes.
func (r *Response) Fingerprint() string {
	if fp := artifactsFingerprint(r.Artifacts); fp != "" {
		return fp
	}
	return r.ContentHash
}

// Submission is one participant's document for one assignment. An empty
// DocumentID means nothing was submitted yet.
type Submission struct {
	Participant Participant          `json:"participant"`
	DocumentID  string               `json:"document_id,omitempty"`
	Responses   map[string]*Response `json:"responses"`
}

func NewSubmission(p Participant) *Submission {
	return &Submission{Participant: p, Responses: map[string]*Response{}}
}

// CellStatus grades a single spreadsheet cell.
type CellStatus string

const (
	CellCorrect      CellStatus = "correct"
	CellIncorrect    CellStatus = "incorrect"
	CellNotAttempted CellStatus = "notAttempted"
)

// CellVerdict locates one graded cell in the participant's document.
type CellVerdict struct {
	SheetID int64      `json:"sheet_id"`
	Row     int        `json:"row"`
	Column  int        `json:"column"`
	Status  CellStatus `json:"status"`
}

// Verdict is the grading backend's answer for one response.
type Verdict struct {
	Scores    map[string]float64 `json:"scores,omitempty"`
	Reasoning string             `json:"reasoning,omitempty"`
	Cells     []CellVerdict      `json:"cells,omitempty"`
}
