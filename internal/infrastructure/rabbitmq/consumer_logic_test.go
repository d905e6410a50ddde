package rabbitmq

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shoply/commerce/services/engagement-service/internal/contracts/event"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTxStore struct {
	mock.Mock
}

func (m *MockTxStore) EnsureAggregateTx(ctx context.Context, tx pgx.Tx, productID uuid.UUID) error {
	args := m.Called(ctx, tx, productID)
	return args.Error(0)
}

func (m *MockTxStore) PurgeProductTx(ctx context.Context, tx pgx.Tx, traceID string, productID uuid.UUID) error {
	args := m.Called(ctx, tx, traceID, productID)
	return args.Error(0)
}

func loggerStub() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestApplySnapshotTx_Published(t *testing.T) {
	store := new(MockTxStore)
	ctx := context.Background()
	pid := uuid.New()

	payload, _ := json.Marshal(event.ProductPublishedPayload{
		ProductID: pid.String(),
		Status:    "published",
	})

	store.On("EnsureAggregateTx", ctx, mock.Anything, pid).Return(nil).Once()

	err := applySnapshotTx(ctx, store, nil, "product.published", payload, "trace-1", loggerStub())
	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestApplySnapshotTx_Deleted(t *testing.T) {
	store := new(MockTxStore)
	ctx := context.Background()
	pid := uuid.New()

	payload, _ := json.Marshal(event.ProductDeletedPayload{ProductID: pid.String(), Reason: "takedown"})

	store.On("PurgeProductTx", ctx, mock.Anything, "trace-1", pid).Return(nil).Once()

	err := applySnapshotTx(ctx, store, nil, "product.deleted", payload, "trace-1", loggerStub())
	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestApplySnapshotTx_DeletedLegacyIDField(t *testing.T) {
	store := new(MockTxStore)
	ctx := context.Background()
	pid := uuid.New()

	payload := []byte(`{"id":"` + pid.String() + `"}`)

	store.On("PurgeProductTx", ctx, mock.Anything, "", pid).Return(nil).Once()

	err := applySnapshotTx(ctx, store, nil, "product.deleted", payload, "", loggerStub())
	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestApplySnapshotTx_BadPayloadDropped(t *testing.T) {
	store := new(MockTxStore)
	ctx := context.Background()

	for _, payload := range [][]byte{
		[]byte(`not json`),
		[]byte(`{}`),
		[]byte(`{"product_id":"not-a-uuid"}`),
	} {
		err := applySnapshotTx(ctx, store, nil, "product.published", payload, "", loggerStub())
		assert.NoError(t, err)
	}
	store.AssertNotCalled(t, "EnsureAggregateTx", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplySnapshotTx_UnknownRoutingKeyIgnored(t *testing.T) {
	store := new(MockTxStore)
	err := applySnapshotTx(context.Background(), store, nil, "product.restocked", []byte(`{}`), "", loggerStub())
	assert.NoError(t, err)
}

// handleDelivery with a store that has no tx support takes the fallback
// path and applies the snapshot directly.
func TestHandleDelivery_FallbackPath(t *testing.T) {
	store := memory.New()
	c := NewConsumer("amqp://ignored", "shoply.catalog", store)
	ctx := context.Background()
	pid := uuid.New()

	body, _ := json.Marshal(event.DomainEventEnvelope[event.ProductPublishedPayload]{
		Version:    1,
		Producer:   "catalog-service",
		MessageID:  uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Payload:    event.ProductPublishedPayload{ProductID: pid.String(), Status: "published"},
	})

	err := c.handleDelivery(ctx, amqp.Delivery{RoutingKey: "product.published", Body: body})
	require.NoError(t, err)

	agg, err := store.GetAggregate(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, pid, agg.ProductID)
	assert.Zero(t, agg.LikeCount)
}

func TestHandleDelivery_DropsPoisonMessages(t *testing.T) {
	store := memory.New()
	c := NewConsumer("amqp://ignored", "shoply.catalog", store)
	ctx := context.Background()

	// invalid envelope json: ack (drop), never requeue
	err := c.handleDelivery(ctx, amqp.Delivery{RoutingKey: "product.published", Body: []byte("???")})
	assert.NoError(t, err)

	// unsupported version: drop
	body, _ := json.Marshal(event.DomainEventEnvelope[event.ProductPublishedPayload]{
		Version: 2,
		Payload: event.ProductPublishedPayload{ProductID: uuid.NewString()},
	})
	err = c.handleDelivery(ctx, amqp.Delivery{RoutingKey: "product.published", Body: body})
	assert.NoError(t, err)
}

func TestHandleDelivery_DeletePurges(t *testing.T) {
	store := memory.New()
	c := NewConsumer("amqp://ignored", "shoply.catalog", store)
	ctx := context.Background()
	pid := uuid.New()

	require.NoError(t, store.EnsureAggregate(ctx, pid))
	_, err := store.RecordView(ctx, domain.DeviceIdentity("aa"), pid)
	require.NoError(t, err)

	body, _ := json.Marshal(event.DomainEventEnvelope[event.ProductDeletedPayload]{
		Version:   1,
		MessageID: uuid.NewString(),
		Payload:   event.ProductDeletedPayload{ProductID: pid.String()},
	})
	require.NoError(t, c.handleDelivery(ctx, amqp.Delivery{RoutingKey: "product.deleted", Body: body}))

	_, err = store.GetAggregate(ctx, pid)
	assert.ErrorIs(t, err, domain.ErrProductNotKnown)
}
