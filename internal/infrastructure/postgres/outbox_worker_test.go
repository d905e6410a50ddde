package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/contracts/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNextRetry_Bounds(t *testing.T) {
	d0 := computeNextRetry(-1)
	require.GreaterOrEqual(t, d0, 4*time.Second)
	require.LessOrEqual(t, d0, 6*time.Second)

	d10 := computeNextRetry(10)
	require.GreaterOrEqual(t, d10, 850*time.Second)
	require.LessOrEqual(t, d10, 1250*time.Second)

	// past the cap the base stays at 30 minutes, jitter aside
	d20 := computeNextRetry(20)
	require.GreaterOrEqual(t, d20, 1500*time.Second)
	require.LessOrEqual(t, d20, 2100*time.Second)
}

func TestOutboxMessage_Envelope(t *testing.T) {
	payload, err := json.Marshal(event.LikeToggledPayload{
		ProductID:   uuid.New(),
		IdentityKey: "account:" + uuid.NewString(),
		Liked:       true,
		LikeCount:   7,
	})
	require.NoError(t, err)

	m := outboxMessage{
		ID:         uuid.New(),
		MessageID:  uuid.New(),
		TraceID:    "trace-42",
		RoutingKey: rkLikeToggled,
		Payload:    payload,
		OccurredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	body, err := m.envelope()
	require.NoError(t, err)

	var env event.DomainEventEnvelope[event.LikeToggledPayload]
	require.NoError(t, json.Unmarshal(body, &env))

	assert.Equal(t, envelopeVersion, env.Version)
	assert.Equal(t, outboxProducer, env.Producer)
	assert.Equal(t, m.MessageID.String(), env.MessageID)
	assert.Equal(t, "trace-42", env.TraceID)
	assert.True(t, env.OccurredAt.Equal(m.OccurredAt))
	assert.True(t, env.Payload.Liked)
	assert.Equal(t, uint64(7), env.Payload.LikeCount)
}

func TestOutboxMessage_Envelope_RejectsCorruptPayload(t *testing.T) {
	m := outboxMessage{
		ID:         uuid.New(),
		MessageID:  uuid.New(),
		RoutingKey: rkReviewSubmitted,
		Payload:    []byte(`{"rating":`), // truncated row
	}

	_, err := m.envelope()
	assert.Error(t, err)
}
