package ingestion

import (
	"time"

	"github.com/cyderes/mail-intake-service/internal/models"
)

// OutcomeKind classifies what happened to one listed file.
type OutcomeKind string

const (
	OutcomeSkipped        OutcomeKind = "skipped"
	OutcomeDeliveryFailed OutcomeKind = "delivery_failed"
	OutcomeImported       OutcomeKind = "imported"
)

// FileOutcome is the per-file result of a pass. It is not persisted.
type FileOutcome struct {
	File   models.DriveFile `json:"file"`
	Kind   OutcomeKind      `json:"kind"`
	Reason string           `json:"reason,omitempty"`
	MailID string           `json:"mail_id,omitempty"`
	Moved  bool             `json:"moved,omitempty"`
}

// Report summarizes one ingestion pass.
type Report struct {
	PassID     string        `json:"pass_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Listed     int           `json:"listed"`
	Imported   int           `json:"imported"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Outcomes   []FileOutcome `json:"outcomes"`
	Err        error         `json:"-"`
}

func (r *Report) add(o FileOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Kind {
	case OutcomeImported:
		r.Imported++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeDeliveryFailed:
		r.Failed++
	}
}
