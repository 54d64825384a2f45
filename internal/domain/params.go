package domain

import (
	"encoding/json"
	"fmt"
)

// RunParametersVersion is the schema version written by EncodeRunParameters.
const RunParametersVersion = 2

// RunParameters survive the schedule/run boundary. They are written once,
// read once and deleted wholesale.
type RunParameters struct {
	AssignmentID        string       `json:"assignmentId"`
	ReferenceDocumentID string       `json:"referenceDocumentId"`
	TemplateDocumentID  string       `json:"templateDocumentId"`
	TriggerID           string       `json:"triggerId"`
	DocumentType        DocumentType `json:"documentType"`
}

// Missing lists required fields that are empty.
func (p RunParameters) Missing() []string {
	var missing []string
	if p.AssignmentID == "" {
		missing = append(missing, "assignmentId")
	}
	if p.ReferenceDocumentID == "" {
		missing = append(missing, "referenceDocumentId")
	}
	if p.TemplateDocumentID == "" {
		missing = append(missing, "templateDocumentId")
	}
	if p.TriggerID == "" {
		missing = append(missing, "triggerId")
	}
	if !p.DocumentType.Valid() {
		missing = append(missing, "documentType")
	}
	return missing
}

type storedRunParameters struct {
	Version int `json:"version"`
	RunParameters
	// v1 keyed the documents by slide deck id.
	ReferenceSlideID string `json:"referenceSlideId,omitempty"`
	TemplateSlideID  string `json:"templateSlideId,omitempty"`
}

// EncodeRunParameters serializes p with the current schema version.
func EncodeRunParameters(p RunParameters) ([]byte, error) {
	return json.Marshal(storedRunParameters{Version: RunParametersVersion, RunParameters: p})
}

// DecodeRunParameters reads any known schema version and upgrades it.
// Payloads without a version field are treated as v1.
func DecodeRunParameters(data []byte) (RunParameters, error) {
	var s storedRunParameters
	if err := json.Unmarshal(data, &s); err != nil {
		return RunParameters{}, fmt.Errorf("decode run parameters: %w", err)
	}
	switch s.Version {
	case 0, 1:
		p := s.RunParameters
		if p.ReferenceDocumentID == "" {
			p.ReferenceDocumentID = s.ReferenceSlideID
		}
		if p.TemplateDocumentID == "" {
			p.TemplateDocumentID = s.TemplateSlideID
		}
		if p.DocumentType == "" {
			p.DocumentType = DocumentSlides
		}
		return p, nil
	case RunParametersVersion:
		return s.RunParameters, nil
	default:
		return RunParameters{}, fmt.Errorf("unsupported run parameters version %d", s.Version)
	}
}
