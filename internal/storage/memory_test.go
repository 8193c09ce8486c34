package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/models"
)

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(config.StorageConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	_, err = NewStorage(config.StorageConfig{Type: "sqlite"})
	assert.EqualError(t, err, "unsupported storage type: sqlite")

	_, err = NewStorage(config.StorageConfig{Type: "postgresql"})
	assert.Error(t, err)
}

func TestMemoryStorage_IngestionStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	status, err := s.GetIngestionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.IngestionNeverRun, status.Status)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateIngestionStatus(ctx, models.IngestionStatus{
		PassID:        "p1",
		LastAttempt:   now,
		Status:        models.IngestionSuccess,
		FilesListed:   2,
		FilesImported: 1,
		FilesSkipped:  1,
	}))

	status, err = s.GetIngestionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", status.PassID)
	assert.Equal(t, models.IngestionSuccess, status.Status)
	assert.Equal(t, 1, status.FilesImported)
}

func TestMemoryStorage_ForwardingRequests(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	req, err := s.GetForwardingRequest(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, req)

	require.NoError(t, s.SaveForwardingRequest(ctx, models.ForwardingRequest{ID: 7, MailID: "m1", UserID: 4, Status: models.StatusRequested}))

	req, err = s.GetForwardingRequest(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.StatusRequested, req.Status)
	assert.False(t, req.UpdatedAt.IsZero())

	require.NoError(t, s.UpdateForwardingStatus(ctx, 7, models.StatusRequested, models.StatusReviewed))
	assert.ErrorIs(t, s.UpdateForwardingStatus(ctx, 7, models.StatusRequested, models.StatusProcessing), ErrStatusConflict)
	assert.ErrorIs(t, s.UpdateForwardingStatus(ctx, 8, models.StatusRequested, models.StatusProcessing), ErrStatusConflict)

	req, err = s.GetForwardingRequest(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReviewed, req.Status)
}

func TestMemoryStorage_SaveValidates(t *testing.T) {
	s := NewMemoryStorage()
	assert.Error(t, s.SaveForwardingRequest(context.Background(), models.ForwardingRequest{ID: 0, Status: models.StatusRequested}))
	assert.Error(t, s.SaveForwardingRequest(context.Background(), models.ForwardingRequest{ID: 1, Status: "Shipped"}))
}
