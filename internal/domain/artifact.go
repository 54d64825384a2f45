package domain

// ArtifactRole says which side of the grading pair an artifact belongs to.
type ArtifactRole string

const (
	RoleReference  ArtifactRole = "reference"
	RoleTemplate   ArtifactRole = "template"
	RoleSubmission ArtifactRole = "submission"
)

// Artifact is an image-bearing content unit inside a task or a response.
type Artifact struct {
	ID              string       `json:"id"`
	SourceURL       string       `json:"source_url"`
	OwnerDocumentID string       `json:"owner_document_id"`
	Role            ArtifactRole `json:"role"`
	Type            TaskType     `json:"type"`
	Content         []byte       `json:"-"`
	ContentHash     string       `json:"content_hash,omitempty"`
}

// SetContent stores fetched bytes and recomputes the content hash.
func (a *Artifact) SetContent(b []byte) {
	a.Content = b
	if len(b) == 0 {
		a.ContentHash = ""
		return
	}
	a.ContentHash = FingerprintBytes(b)
}
