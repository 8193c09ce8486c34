package forwarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cyderes/mail-intake-service/internal/models"
)

var (
	ErrRequestNotFound = errors.New("forwarding request not found")
	ErrUnknownStatus   = errors.New("unknown forwarding status")
)

// IllegalTransitionError is returned when strict mode rejects a transition.
type IllegalTransitionError struct {
	RequestID int64
	From      models.ForwardingStatus
	To        models.ForwardingStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("forwarding request %d: transition %s -> %s is not allowed", e.RequestID, e.From, e.To)
}

// Store is the slice of storage the service needs.
type Store interface {
	GetForwardingRequest(ctx context.Context, id int64) (*models.ForwardingRequest, error)
	UpdateForwardingStatus(ctx context.Context, id int64, from, to models.ForwardingStatus) error
}

// Service applies status changes to stored forwarding requests.
type Service struct {
	store  Store
	guard  *Guard
	strict bool
	logger *slog.Logger
}

// NewService creates a transition service. With strict set, illegal
// transitions are rejected; otherwise they are applied and reported.
func NewService(store Store, guard *Guard, strict bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, guard: guard, strict: strict, logger: logger}
}

// Transition moves request id to status to and returns the updated request.
func (s *Service) Transition(ctx context.Context, id int64, to models.ForwardingStatus) (*models.ForwardingRequest, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	req, err := s.store.GetForwardingRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	from := req.Status
	if from == to {
		return req, nil
	}

	if d := s.guard.CheckTransition(from, to, &id); !d.Legal {
		if s.strict {
			return nil, &IllegalTransitionError{RequestID: id, From: from, To: to}
		}
		s.logger.Warn("applying illegal forwarding transition, strict mode disabled", "request_id", id, "from", from, "to", to)
	}

	if err := s.store.UpdateForwardingStatus(ctx, id, from, to); err != nil {
		return nil, fmt.Errorf("failed to update forwarding request %d: %w", id, err)
	}
	updated, err := s.store.GetForwardingRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	return updated, nil
}

// Health describes the guard configuration.
type Health struct {
	Statuses          []models.ForwardingStatus                             `json:"statuses"`
	AllowedTransition map[models.ForwardingStatus][]models.ForwardingStatus `json:"allowed_transitions"`
	StrictRejection   bool                                                  `json:"strict_rejection"`
}

func (s *Service) Health() Health {
	table := make(map[models.ForwardingStatus][]models.ForwardingStatus, len(Allowed))
	for from, to := range Allowed {
		table[from] = append([]models.ForwardingStatus{}, to...)
	}
	return Health{
		Statuses:          append([]models.ForwardingStatus{}, models.ForwardingStatuses...),
		AllowedTransition: table,
		StrictRejection:   s.strict,
	}
}
