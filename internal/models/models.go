package models

import (
	"fmt"
	"strings"
	"time"
)

// DriveFile is a snapshot of one inbox entry taken at list time
type DriveFile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	MimeType    string    `json:"mime_type,omitempty"`
	DownloadRef *string   `json:"download_ref,omitempty"`
	SizeBytes   *int64    `json:"size_bytes,omitempty"`
}

// Attribution is the user and mail source derived from a scanned file name
type Attribution struct {
	UserID     int    `json:"user_id"`
	SourceSlug string `json:"source_slug"`
}

// IngestionStatus tracks the status of ingestion runs
type IngestionStatus struct {
	PassID            string    `json:"pass_id" bson:"pass_id" db:"pass_id"`
	LastSuccessfulRun time.Time `json:"last_successful_run" bson:"last_successful_run" db:"last_successful_run"`
	LastAttempt       time.Time `json:"last_attempt" bson:"last_attempt" db:"last_attempt"`
	Status            string    `json:"status" bson:"status" db:"status"` // "success", "failure", "running", "never_run"
	ErrorMessage      string    `json:"error_message,omitempty" bson:"error_message,omitempty" db:"error_message"`
	FilesListed       int       `json:"files_listed" bson:"files_listed" db:"files_listed"`
	FilesImported     int       `json:"files_imported" bson:"files_imported" db:"files_imported"`
	FilesSkipped      int       `json:"files_skipped" bson:"files_skipped" db:"files_skipped"`
	FilesFailed       int       `json:"files_failed" bson:"files_failed" db:"files_failed"`
}

// Ingestion status values
const (
	IngestionSuccess  = "success"
	IngestionFailure  = "failure"
	IngestionRunning  = "running"
	IngestionNeverRun = "never_run"
)

// ForwardingStatus is the lifecycle state of a forwarding request.
// The set of values is closed; use ParseForwardingStatus for untrusted input.
type ForwardingStatus string

const (
	StatusRequested  ForwardingStatus = "Requested"
	StatusReviewed   ForwardingStatus = "Reviewed"
	StatusProcessing ForwardingStatus = "Processing"
	StatusDispatched ForwardingStatus = "Dispatched"
	StatusDelivered  ForwardingStatus = "Delivered"
	StatusCancelled  ForwardingStatus = "Cancelled"
)

// ForwardingStatuses lists every status in lifecycle order
var ForwardingStatuses = []ForwardingStatus{
	StatusRequested,
	StatusReviewed,
	StatusProcessing,
	StatusDispatched,
	StatusDelivered,
	StatusCancelled,
}

// Valid reports whether s is one of the canonical statuses
func (s ForwardingStatus) Valid() bool {
	for _, known := range ForwardingStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseForwardingStatus maps a case-insensitive label onto the closed status set
func ParseForwardingStatus(raw string) (ForwardingStatus, error) {
	raw = strings.TrimSpace(raw)
	for _, known := range ForwardingStatuses {
		if strings.EqualFold(raw, string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown forwarding status %q", raw)
}

// ForwardingRequest is the forwarding state of a single mail item
type ForwardingRequest struct {
	ID        int64            `json:"id" bson:"_id" db:"id"`
	MailID    string           `json:"mail_id" bson:"mail_id" db:"mail_id"`
	UserID    int              `json:"user_id" bson:"user_id" db:"user_id"`
	Status    ForwardingStatus `json:"status" bson:"status" db:"forwarding_status"`
	UpdatedAt time.Time        `json:"updated_at" bson:"updated_at" db:"forwarding_updated_at"`
}
