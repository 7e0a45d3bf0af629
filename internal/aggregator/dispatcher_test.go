package aggregator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	agg "sitewide-aggregator/internal/aggregator"
	"sitewide-aggregator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockEventHandler is a testify mock of EventHandler
type MockEventHandler struct {
	mock.Mock
}

func (m *MockEventHandler) Handle(ctx context.Context, event models.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// recordingHandler remembers the order events were handled in, per key
type recordingHandler struct {
	mu    sync.Mutex
	order map[string][]int64
}

func (h *recordingHandler) Handle(_ context.Context, event models.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order[event.Key()] = append(h.order[event.Key()], event.Timestamp)
	return nil
}

func fastRetries() agg.DispatcherOptions {
	return agg.DispatcherOptions{
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestDispatcher_PreservesPerKeyOrder(t *testing.T) {
	handler := &recordingHandler{order: make(map[string][]int64)}
	d := agg.NewDispatcher(handler, agg.DispatcherOptions{Workers: 4, QueueSize: 8}, zap.NewNop())
	d.Start(context.Background())

	for seq := int64(1); seq <= 60; seq++ {
		ev := models.Event{
			Type:         models.EventPostChanged,
			TenantID:     models.TenantID(seq%3 + 1),
			SourcePostID: seq % 5,
			Timestamp:    seq,
		}
		if ev.SourcePostID == 0 {
			ev.SourcePostID = 5
		}
		require.NoError(t, d.Submit(context.Background(), ev, nil))
	}
	d.Stop()

	total := 0
	for key, seqs := range handler.order {
		total += len(seqs)
		for i := 1; i < len(seqs); i++ {
			assert.Less(t, seqs[i-1], seqs[i], "events of %s out of order", key)
		}
	}
	assert.Equal(t, 60, total)
}

func TestDispatcher_RetriesTransientErrors(t *testing.T) {
	ev := models.Event{Type: models.EventPostChanged, TenantID: 1, SourcePostID: 1}
	transientErr := fmt.Errorf("%w: connection reset", agg.ErrTransientStore)

	handler := new(MockEventHandler)
	handler.On("Handle", mock.Anything, ev).Return(transientErr).Twice()
	handler.On("Handle", mock.Anything, ev).Return(nil).Once()

	d := agg.NewDispatcher(handler, fastRetries(), zap.NewNop())
	d.Start(context.Background())

	result := make(chan error, 1)
	require.NoError(t, d.Submit(context.Background(), ev, func(err error) { result <- err }))

	assert.NoError(t, <-result)
	d.Stop()
	handler.AssertNumberOfCalls(t, "Handle", 3)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	ev := models.Event{Type: models.EventPostDeleted, TenantID: 1, SourcePostID: 2}
	transientErr := fmt.Errorf("%w: connection reset", agg.ErrTransientStore)

	handler := new(MockEventHandler)
	handler.On("Handle", mock.Anything, ev).Return(transientErr)

	d := agg.NewDispatcher(handler, fastRetries(), zap.NewNop())
	d.Start(context.Background())

	result := make(chan error, 1)
	require.NoError(t, d.Submit(context.Background(), ev, func(err error) { result <- err }))

	err := <-result
	d.Stop()
	assert.ErrorIs(t, err, agg.ErrTransientStore)
	handler.AssertNumberOfCalls(t, "Handle", 3)
}

func TestDispatcher_DoesNotRetryPermanentErrors(t *testing.T) {
	ev := models.Event{Type: models.EventCommentChanged, TenantID: 1, SourceCommentID: 2}

	handler := new(MockEventHandler)
	handler.On("Handle", mock.Anything, ev).Return(errors.New("invalid event"))

	d := agg.NewDispatcher(handler, fastRetries(), zap.NewNop())
	d.Start(context.Background())

	result := make(chan error, 1)
	require.NoError(t, d.Submit(context.Background(), ev, func(err error) { result <- err }))

	assert.EqualError(t, <-result, "invalid event")
	d.Stop()
	handler.AssertNumberOfCalls(t, "Handle", 1)
}

func TestDispatcher_SubmitAfterStop(t *testing.T) {
	d := agg.NewDispatcher(new(MockEventHandler), fastRetries(), zap.NewNop())
	d.Start(context.Background())
	d.Stop()

	err := d.Submit(context.Background(), models.Event{Type: models.EventFullResync}, nil)
	assert.ErrorIs(t, err, agg.ErrDispatcherClosed)
}

func TestDispatcher_DrivesEngine(t *testing.T) {
	f := newEngineFixture(t, []models.TenantID{1})
	f.content.putPost(1, 1, models.PostStatusPublish, "a", "x")

	d := agg.NewDispatcher(f.engine, fastRetries(), zap.NewNop())
	d.Start(context.Background())
	require.NoError(t, d.Submit(context.Background(), models.Event{Type: models.EventPostChanged, TenantID: 1, SourcePostID: 1}, nil))
	require.NoError(t, d.Submit(context.Background(), models.Event{Type: models.EventFullResync}, nil))
	d.Stop()

	assert.Len(t, f.store.Posts(), 1)
	assert.Equal(t, map[string]int{"x": 1}, tagCounts(f.store))
}
