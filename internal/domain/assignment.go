package domain

// DocumentType is the format of the reference document.
type DocumentType string

const (
	DocumentSlides DocumentType = "SLIDES"
	DocumentSheets DocumentType = "SHEETS"
)

func (d DocumentType) Valid() bool {
	return d == DocumentSlides || d == DocumentSheets
}

// Assignment aggregates everything one run grades.
type Assignment struct {
	CourseID            string        `json:"course_id"`
	AssignmentID        string        `json:"assignment_id"`
	ReferenceDocumentID string        `json:"reference_document_id"`
	TemplateDocumentID  string        `json:"template_document_id"`
	DocumentType        DocumentType  `json:"document_type"`
	Tasks               []*Task       `json:"tasks"`
	Participants        []Participant `json:"participants"`
	Submissions         []*Submission `json:"submissions"`
}

func NewAssignment(courseID string, p RunParameters) *Assignment {
	return &Assignment{
		CourseID:            courseID,
		AssignmentID:        p.AssignmentID,
		ReferenceDocumentID: p.ReferenceDocumentID,
		TemplateDocumentID:  p.TemplateDocumentID,
		DocumentType:        p.DocumentType,
	}
}

// MergeTasks combines the reference and template extraction passes by UID.
// Reference order wins; template-only tasks are appended in template order.
func (a *Assignment) MergeTasks(reference, template []*Task) {
	byUID := make(map[string]*Task, len(reference))
	a.Tasks = a.Tasks[:0]
	for _, t := range reference {
		byUID[t.UID] = t
		a.Tasks = append(a.Tasks, t)
	}
	for _, t := range template {
		existing, ok := byUID[t.UID]
		if !ok {
			byUID[t.UID] = t
			a.Tasks = append(a.Tasks, t)
			continue
		}
		existing.SetTemplateContent(t.TemplateContent)
		existing.TemplateArtifacts = t.TemplateArtifacts
		if existing.Notes == "" {
			existing.Notes = t.Notes
		}
	}
}

// SetParticipants replaces the roster and creates one empty submission each.
func (a *Assignment) SetParticipants(ps []Participant) {
	a.Participants = append([]Participant(nil), ps...)
	a.Submissions = make([]*Submission, 0, len(ps))
	for _, p := range ps {
		a.Submissions = append(a.Submissions, NewSubmission(p))
	}
}

// AttachDocuments assigns submitted document ids keyed by participant
// external id. Participants without a document keep an empty id.
func (a *Assignment) AttachDocuments(docs map[string]string) int {
	attached := 0
	for _, s := range a.Submissions {
		if id, ok := docs[s.Participant.ExternalID]; ok && id != "" {
			s.DocumentID = id
			attached++
		}
	}
	return attached
}
