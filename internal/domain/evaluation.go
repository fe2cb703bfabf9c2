package domain

import (
	"time"
)

// Evaluation is the audit record of one scored batch of reimbursements.
type Evaluation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	ModelID   string    `json:"modelId"`
	Status    string    `json:"status"` // "ALRT" or "NALT"
	Outliers  int       `json:"outliers"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`

	Assessments []Assessment `json:"assessments"`

	// Processing metadata
	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID       string         `json:"traceId"`
	AssessMs      int64          `json:"assessMs"`
	TotalMs       int64          `json:"totalMs"`
	Paths         map[string]int `json:"paths,omitempty"`
	EngineVersion string         `json:"engineVersion"`
}

// EvaluationResponse is the API response for a scored batch.
type EvaluationResponse struct {
	EvaluationID string             `json:"evaluationId"`
	TenantID     string             `json:"tenantId"`
	ModelID      string             `json:"modelId"`
	Status       string             `json:"status"` // "PASS" or "ALERT"
	Labels       []Label            `json:"labels"`
	Outliers     []int              `json:"outliers,omitempty"`
	Metadata     EvaluationMetadata `json:"metadata"`
}

// Decision status constants
const (
	StatusAlert   = "ALRT" // at least one outlier in the batch
	StatusNoAlert = "NALT"
)

// API-friendly status
const (
	StatusPass = "PASS"
	StatusFail = "ALERT"
)

// Labels returns the labels of the evaluation in input order.
func (e *Evaluation) Labels() []Label {
	labels := make([]Label, len(e.Assessments))
	for i, a := range e.Assessments {
		labels[i] = a.Label
	}
	return labels
}

// ToResponse converts an Evaluation to an API response.
func (e *Evaluation) ToResponse() *EvaluationResponse {
	status := StatusPass
	if e.Status == StatusAlert {
		status = StatusFail
	}

	var outliers []int
	for i, a := range e.Assessments {
		if a.Label == Outlier {
			outliers = append(outliers, i)
		}
	}

	return &EvaluationResponse{
		EvaluationID: e.ID,
		TenantID:     e.TenantID,
		ModelID:      e.ModelID,
		Status:       status,
		Labels:       e.Labels(),
		Outliers:     outliers,
		Metadata:     e.Metadata,
	}
}
