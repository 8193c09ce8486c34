// Package forwarding guards the lifecycle of mail forwarding requests.
package forwarding

import (
	"github.com/cyderes/mail-intake-service/internal/models"
)

// Allowed maps each status to the statuses it may move to. Delivered and
// Cancelled are terminal.
var Allowed = map[models.ForwardingStatus][]models.ForwardingStatus{
	models.StatusRequested:  {models.StatusReviewed, models.StatusProcessing, models.StatusCancelled},
	models.StatusReviewed:   {models.StatusProcessing, models.StatusCancelled},
	models.StatusProcessing: {models.StatusDispatched, models.StatusCancelled},
	models.StatusDispatched: {models.StatusDelivered},
	models.StatusDelivered:  {},
	models.StatusCancelled:  {},
}

// Recorder receives classified transition attempts. *metrics.Collector satisfies it.
type Recorder interface {
	RecordStatusTransition(from, to string, requestID *int64)
	RecordIllegalTransition(from, to string, requestID *int64)
}

// Decision is the classification of one transition attempt.
type Decision struct {
	From  models.ForwardingStatus
	To    models.ForwardingStatus
	Legal bool
}

// IsAllowed reports whether the table permits from -> to.
func IsAllowed(from, to models.ForwardingStatus) bool {
	for _, next := range Allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Guard classifies transitions and records every attempt.
type Guard struct {
	recorder Recorder
}

func NewGuard(recorder Recorder) *Guard {
	return &Guard{recorder: recorder}
}

// CheckTransition classifies from -> to. requestID may be nil.
func (g *Guard) CheckTransition(from, to models.ForwardingStatus, requestID *int64) Decision {
	d := Decision{From: from, To: to, Legal: IsAllowed(from, to)}
	if g.recorder == nil {
		return d
	}
	if d.Legal {
		g.recorder.RecordStatusTransition(string(from), string(to), requestID)
	} else {
		g.recorder.RecordIllegalTransition(string(from), string(to), requestID)
	}
	return d
}
