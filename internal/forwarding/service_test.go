package forwarding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/mail-intake-service/internal/metrics"
	"github.com/cyderes/mail-intake-service/internal/models"
	"github.com/cyderes/mail-intake-service/internal/storage"
)

func newService(t *testing.T, strict bool, seed models.ForwardingStatus) (*Service, *storage.MemoryStorage, *metrics.Collector) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveForwardingRequest(context.Background(), models.ForwardingRequest{
		ID: 7, MailID: "m1", UserID: 4, Status: seed,
	}))
	collector := metrics.NewCollector(logger)
	return NewService(store, NewGuard(collector), strict, logger), store, collector
}

func TestService_Transition_Legal(t *testing.T) {
	svc, _, collector := newService(t, true, models.StatusRequested)

	updated, err := svc.Transition(context.Background(), 7, models.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, updated.Status)
	assert.Equal(t, map[string]int64{"Requested→Processing": 1}, collector.Summary().Transitions)
}

func TestService_Transition_StrictRejects(t *testing.T) {
	svc, store, collector := newService(t, true, models.StatusCancelled)

	_, err := svc.Transition(context.Background(), 7, models.StatusDispatched)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, int64(7), illegal.RequestID)
	assert.Equal(t, models.StatusCancelled, illegal.From)

	req, err := store.GetForwardingRequest(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, req.Status)
	assert.Equal(t, map[string]int64{"Cancelled→Dispatched": 1}, collector.Summary().IllegalTransitions)
}

func TestService_Transition_LenientApplies(t *testing.T) {
	svc, _, collector := newService(t, false, models.StatusDelivered)

	updated, err := svc.Transition(context.Background(), 7, models.StatusRequested)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, updated.Status)
	assert.Equal(t, map[string]int64{"Delivered→Requested": 1}, collector.Summary().IllegalTransitions)
}

func TestService_Transition_SameStatusIsNoop(t *testing.T) {
	svc, _, collector := newService(t, true, models.StatusReviewed)

	updated, err := svc.Transition(context.Background(), 7, models.StatusReviewed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReviewed, updated.Status)
	s := collector.Summary()
	assert.Empty(t, s.Transitions)
	assert.Empty(t, s.IllegalTransitions)
}

func TestService_Transition_Errors(t *testing.T) {
	svc, _, _ := newService(t, true, models.StatusRequested)

	_, err := svc.Transition(context.Background(), 99, models.StatusReviewed)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	_, err = svc.Transition(context.Background(), 7, "Shipped")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetForwardingRequest(ctx context.Context, id int64) (*models.ForwardingRequest, error) {
	args := m.Called(ctx, id)
	req, _ := args.Get(0).(*models.ForwardingRequest)
	return req, args.Error(1)
}

func (m *MockStore) UpdateForwardingStatus(ctx context.Context, id int64, from, to models.ForwardingStatus) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func TestService_Transition_Conflict(t *testing.T) {
	store := new(MockStore)
	store.On("GetForwardingRequest", mock.Anything, int64(7)).
		Return(&models.ForwardingRequest{ID: 7, Status: models.StatusRequested}, nil)
	store.On("UpdateForwardingStatus", mock.Anything, int64(7), models.StatusRequested, models.StatusReviewed).
		Return(storage.ErrStatusConflict)

	svc := NewService(store, NewGuard(nil), true, nil)
	_, err := svc.Transition(context.Background(), 7, models.StatusReviewed)
	assert.ErrorIs(t, err, storage.ErrStatusConflict)
	store.AssertExpectations(t)
}

func TestService_Transition_StoreFailure(t *testing.T) {
	store := new(MockStore)
	store.On("GetForwardingRequest", mock.Anything, int64(7)).Return(nil, errors.New("connection reset"))

	svc := NewService(store, NewGuard(nil), true, nil)
	_, err := svc.Transition(context.Background(), 7, models.StatusReviewed)
	assert.EqualError(t, err, "connection reset")
	store.AssertNotCalled(t, "UpdateForwardingStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Health(t *testing.T) {
	svc, _, _ := newService(t, false, models.StatusRequested)

	h := svc.Health()
	assert.False(t, h.StrictRejection)
	assert.Equal(t, models.ForwardingStatuses, h.Statuses)
	assert.Len(t, h.AllowedTransition, 6)

	// returned table is a copy
	h.AllowedTransition[models.StatusDelivered] = append(h.AllowedTransition[models.StatusDelivered], models.StatusRequested)
	assert.False(t, IsAllowed(models.StatusDelivered, models.StatusRequested))
}
