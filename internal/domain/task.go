package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// TaskType is the closed set of gradable content kinds.
type TaskType string

const (
	TaskText        TaskType = "Text"
	TaskTable       TaskType = "Table"
	TaskImage       TaskType = "Image"
	TaskSpreadsheet TaskType = "Spreadsheet"
)

// ParseTaskType accepts the canonical names case-insensitively.
func ParseTaskType(s string) (TaskType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return TaskText, nil
	case "table":
		return TaskTable, nil
	case "image":
		return TaskImage, nil
	case "spreadsheet":
		return TaskSpreadsheet, nil
	}
	return "", fmt.Errorf("invalid task type %q", s)
}

// Path returns the backend route segment for the type.
func (t TaskType) Path() string {
	switch t {
	case TaskText:
		return "text"
	case TaskTable:
		return "table"
	case TaskImage:
		return "image"
	case TaskSpreadsheet:
		return "spreadsheet"
	}
	return ""
}

// UnmarshalText rejects unknown types when decoding JSON or YAML.
func (t *TaskType) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Fingerprint is the content hash used for cache keys and change detection.
func Fingerprint(s string) string {
	return FingerprintBytes([]byte(s))
}

// FingerprintBytes hashes raw content.
func FingerprintBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TaskUID derives the stable task identifier shared by the reference and
// template extraction passes.
func TaskUID(title, locationID string) string {
	return Fingerprint(title + locationID)
}

// Task is one gradable unit. Content fields are only set through the setters so
// the hash fields never go stale.
type Task struct {
	UID              string            `json:"uid"`
	Title            string            `json:"title"`
	Type             TaskType          `json:"type"`
	LocationID       string            `json:"location_id"`
	ReferenceContent string            `json:"reference_content,omitempty"`
	ReferenceHash    string            `json:"reference_hash,omitempty"`
	TemplateContent  string            `json:"template_content,omitempty"`
	TemplateHash     string            `json:"template_hash,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	ReferenceArtifacts []*Artifact `json:"reference_artifacts,omitempty"`
	TemplateArtifacts  []*Artifact `json:"template_artifacts,omitempty"`
}

// NewTask builds a task with its UID derived from title and location.
func NewTask(title, locationID string, typ TaskType) *Task {
	return &Task{
		UID:        TaskUID(title, locationID),
		Title:      title,
		Type:       typ,
		LocationID: locationID,
	}
}

func (t *Task) SetReferenceContent(content string) {
	t.ReferenceContent = content
	t.ReferenceHash = hashOrEmpty(content)
}

func (t *Task) SetTemplateContent(content string) {
	t.TemplateContent = content
	t.TemplateHash = hashOrEmpty(content)
}

// ReferenceFingerprint is the cache-side identity of the reference answer.
// Image tasks are identified by their fetched artifact bytes.
func (t *Task) ReferenceFingerprint() string {
	if t.Type == TaskImage {
		if fp := artifactsFingerprint(t.ReferenceArtifacts); fp != "" {
			return fp
		}
	}
	return t.ReferenceHash
}

func hashOrEmpty(content string) string {
	if content == "" {
		return ""
	}
	return Fingerprint(content)
}

func artifactsFingerprint(arts []*Artifact) string {
	var parts []string
	for _, a := range arts {
		if a.ContentHash == "" {
			continue
		}
		parts = append(parts, a.ContentHash)
	}
	if len(parts) == 0 {
		return ""
	}
	return Fingerprint(strings.Join(parts, ","))
}
