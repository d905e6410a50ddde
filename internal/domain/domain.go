package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type IdentityKind string

const (
	IdentityDevice  IdentityKind = "device"
	IdentityAccount IdentityKind = "account"
)

var (
	ErrAuthRequired  = errors.New("authentication required")
	ErrInvalidRating = errors.New("rating must be an integer between 1 and 5")
	ErrConflict      = errors.New("concurrent mutation conflict")
	ErrUnavailable   = errors.New("storage unavailable")

	ErrProductNotKnown = errors.New("unknown product")
	ErrNotEngaged      = errors.New("no engagement for identity")

	ErrCacheMiss              = errors.New("cache miss")
	ErrIdempotencyKeyMismatch = errors.New("idempotency key reused with different payload")
)

// Identity is the capability token an engagement action is attributed to.
// It is a tagged variant resolved once at the boundary: either a device
// fingerprint (anonymous) or an account id (authenticated). Downstream code
// never inspects raw tokens or headers.
type Identity struct {
	Kind        IdentityKind
	Fingerprint string    // set when Kind == IdentityDevice
	AccountID   uuid.UUID // set when Kind == IdentityAccount
}

func DeviceIdentity(fingerprint string) Identity {
	return Identity{Kind: IdentityDevice, Fingerprint: fingerprint}
}

func AccountIdentity(accountID uuid.UUID) Identity {
	return Identity{Kind: IdentityAccount, AccountID: accountID}
}

func (i Identity) Authenticated() bool {
	return i.Kind == IdentityAccount && i.AccountID != uuid.Nil
}

func (i Identity) Zero() bool {
	switch i.Kind {
	case IdentityDevice:
		return i.Fingerprint == ""
	case IdentityAccount:
		return i.AccountID == uuid.Nil
	default:
		return true
	}
}

// Key is the stable storage key for the identity. Device and account ledgers
// are disjoint: authenticating does not transfer a device identity's prior
// engagement; the client re-resolves state under the new identity instead.
func (i Identity) Key() string {
	if i.Kind == IdentityAccount {
		return "account:" + i.AccountID.String()
	}
	return "device:" + i.Fingerprint
}

type Review struct {
	ProductID uuid.UUID  `json:"product_id"`
	Rating    int        `json:"rating"`
	Comment   *string    `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// EngagementRecord is everything attributed to one identity. Owned
// exclusively by that identity; never merged across identities.
type EngagementRecord struct {
	LikedProductIDs  []uuid.UUID `json:"liked_product_ids"`
	ViewedProductIDs []uuid.UUID `json:"viewed_product_ids"`
	Reviews          []Review    `json:"reviews"`
}

// ProductAggregate is the shared per-product counter row mutated by many
// identities. like_count must always equal the number of distinct identities
// whose liked set contains the product.
type ProductAggregate struct {
	ProductID   uuid.UUID `json:"product_id"`
	LikeCount   uint64    `json:"like_count"`
	ViewCount   uint64    `json:"view_count"`
	RatingSum   float64   `json:"rating_sum"`
	RatingCount uint64    `json:"rating_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AverageRating is 0 when no ratings have been accepted yet.
func (a ProductAggregate) AverageRating() float64 {
	if a.RatingCount == 0 {
		return 0
	}
	return a.RatingSum / float64(a.RatingCount)
}

type ToggleResult struct {
	Liked     bool   `json:"liked"`
	LikeCount uint64 `json:"like_count"`
}

type ViewResult struct {
	Accepted  bool   `json:"accepted"`
	ViewCount uint64 `json:"view_count,omitempty"`
}

type ReviewResult struct {
	AverageRating float64 `json:"average_rating"`
	ReviewCount   uint64  `json:"review_count"`
}

// EngagementStore is the authoritative persisted state. Implementations must
// serialize the read-modify-write per (identity, product) key (row lock,
// per-key mutex, or CAS retried once internally) and must never leave an
// aggregate partially updated: no sum without count, no count without sum.
//
// ToggleLike and SubmitReview dedupe on idempotencyKey: a replay with the
// same payload returns the current canonical state without mutating again; a
// replay with a different payload fails with ErrIdempotencyKeyMismatch.
type EngagementStore interface {
	ToggleLike(ctx context.Context, traceID, idempotencyKey string, id Identity, productID uuid.UUID) (ToggleResult, error)
	RecordView(ctx context.Context, id Identity, productID uuid.UUID) (uint64, error)
	SubmitReview(ctx context.Context, traceID, idempotencyKey string, id Identity, productID uuid.UUID, rating int, comment *string) (ReviewResult, error)

	GetAggregate(ctx context.Context, productID uuid.UUID) (ProductAggregate, error)
	GetEngagement(ctx context.Context, id Identity) (EngagementRecord, error)

	// Catalog lifecycle (consumer paths).
	EnsureAggregate(ctx context.Context, productID uuid.UUID) error
	PurgeProduct(ctx context.Context, traceID string, productID uuid.UUID) error
}

// ViewMarkerStore suppresses duplicate view recordings for one
// (identity, product) pair within the cooldown window. Markers are ephemeral
// working state, not durable storage: losing them (restart, redis flush)
// at worst over-counts slightly, which is an accepted approximation.
type ViewMarkerStore interface {
	// Acquire sets the marker if absent. ok=false means a marker is still
	// active and the view must be suppressed.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the marker early so a failed recording can be retried.
	Release(ctx context.Context, key string) error
}

type CacheRepository interface {
	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}
