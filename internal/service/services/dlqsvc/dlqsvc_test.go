package dlqsvc

import (
	"context"
	"testing"

	"github.com/corray333/backend-labs/autherror/internal/service/services/consumersvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type observerMock struct {
	mock.Mock
}

func (m *observerMock) OnDLQ(ctx context.Context, outboxID int64, d consumersvc.Delivery) {
	m.Called(ctx, outboxID, d)
}

func TestReceive_NotifiesObserver(t *testing.T) {
	obs := &observerMock{}
	d := consumersvc.Delivery{
		Queue:   "auth.error.recorded.q.dlq",
		Headers: map[string]any{"outboxId": "17", "eventType": "auth.error.recorded.v1"},
		Body:    []byte(`{"authErrorId":3}`),
	}
	obs.On("OnDLQ", mock.Anything, int64(17), d).Once()

	MustNewDLQService(WithObserver(obs)).Receive(context.Background(), d)

	obs.AssertExpectations(t)
}

func TestReceive_MissingOutboxID(t *testing.T) {
	obs := &observerMock{}
	d := consumersvc.Delivery{Queue: "auth.error.analysis.q.dlq", Headers: map[string]any{}}
	obs.On("OnDLQ", mock.Anything, int64(0), d).Once()

	MustNewDLQService(WithObserver(obs)).Receive(context.Background(), d)

	obs.AssertExpectations(t)
}

func TestReceive_WithoutObserver(t *testing.T) {
	assert.NotPanics(t, func() {
		MustNewDLQService().Receive(context.Background(), consumersvc.Delivery{Queue: "q"})
	})
}
