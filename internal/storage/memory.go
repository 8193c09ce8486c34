package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cyderes/mail-intake-service/internal/models"
)

// MemoryStorage keeps everything in process memory. It is the default when
// no external store is configured.
type MemoryStorage struct {
	mu         sync.RWMutex
	status     *models.IngestionStatus
	forwarding map[int64]models.ForwardingRequest
	now        func() time.Time
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		forwarding: make(map[int64]models.ForwardingRequest),
		now:        time.Now,
	}
}

func (m *MemoryStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = &status
	return nil
}

func (m *MemoryStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil {
		return neverRun(), nil
	}
	status := *m.status
	return &status, nil
}

func (m *MemoryStorage) SaveForwardingRequest(ctx context.Context, req models.ForwardingRequest) error {
	if err := validateForwardingRequest(req); err != nil {
		return err
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarding[req.ID] = req
	return nil
}

func (m *MemoryStorage) GetForwardingRequest(ctx context.Context, id int64) (*models.ForwardingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.forwarding[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (m *MemoryStorage) UpdateForwardingStatus(ctx context.Context, id int64, from, to models.ForwardingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.forwarding[id]
	if !ok || req.Status != from {
		return ErrStatusConflict
	}
	req.Status = to
	req.UpdatedAt = m.now().UTC()
	m.forwarding[id] = req
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
