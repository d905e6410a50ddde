package event

import (
	"time"

	"github.com/google/uuid"
)

// DomainEventEnvelope is the canonical envelope consumed across services.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// ProductPublishedPayload / ProductUpdatedPayload
// Keep fields tolerant: extra fields from the catalog producer are ignored by json.Unmarshal.
type ProductPublishedPayload struct {
	ProductID string `json:"product_id"`
	Status    string `json:"status,omitempty"` // e.g. published/unlisted
}

type ProductUpdatedPayload = ProductPublishedPayload

// ProductDeletedPayload
// Accept both product_id and legacy id for robustness.
type ProductDeletedPayload struct {
	ProductID string `json:"product_id,omitempty"`
	ID        string `json:"id,omitempty"` // legacy / older producer
	Reason    string `json:"reason,omitempty"`
}

// Outbound engagement events, published through the outbox under the
// engagement.like_toggled / engagement.review_submitted routing keys.

type LikeToggledPayload struct {
	ProductID   uuid.UUID `json:"product_id"`
	IdentityKey string    `json:"identity_key"`
	Liked       bool      `json:"liked"`
	LikeCount   uint64    `json:"like_count"`
}

type ReviewSubmittedPayload struct {
	ProductID   uuid.UUID `json:"product_id"`
	IdentityKey string    `json:"identity_key"`
	Rating      int       `json:"rating"`
	RatingSum   float64   `json:"rating_sum"`
	RatingCount uint64    `json:"rating_count"`
}
