package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/models"
)

// ErrStatusConflict is returned by UpdateForwardingStatus when the stored
// status no longer matches the expected one, or the request does not exist.
var ErrStatusConflict = errors.New("forwarding status changed concurrently")

// Storage interface defines the contract for data storage
type Storage interface {
	UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error
	GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error)
	SaveForwardingRequest(ctx context.Context, req models.ForwardingRequest) error
	// GetForwardingRequest returns nil, nil when the request does not exist.
	GetForwardingRequest(ctx context.Context, id int64) (*models.ForwardingRequest, error)
	// UpdateForwardingStatus sets the status to "to" only if it is currently "from".
	UpdateForwardingStatus(ctx context.Context, id int64, from, to models.ForwardingStatus) error
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStorage(), nil
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "mongodb":
		return NewMongoDBStorage(cfg)
	case "postgresql":
		return NewPostgreSQLStorage(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func validateForwardingRequest(req models.ForwardingRequest) error {
	if req.ID <= 0 {
		return fmt.Errorf("forwarding request id must be positive, got %d", req.ID)
	}
	if !req.Status.Valid() {
		return fmt.Errorf("invalid forwarding status %q", req.Status)
	}
	return nil
}

func neverRun() *models.IngestionStatus {
	return &models.IngestionStatus{Status: models.IngestionNeverRun}
}
