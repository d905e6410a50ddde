package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/pkg/logger"
)

// EngagementAPI is the server surface the reconciler talks to.
type EngagementAPI interface {
	ToggleLike(ctx context.Context, id domain.Identity, productID uuid.UUID, idempotencyKey string) (domain.ToggleResult, error)
	SubmitReview(ctx context.Context, id domain.Identity, productID uuid.UUID, rating int, comment *string, idempotencyKey string) (domain.ReviewResult, error)
	RecordView(ctx context.Context, id domain.Identity, productID uuid.UUID) (domain.ViewResult, error)
	GetStats(ctx context.Context, productID uuid.UUID) (domain.ProductAggregate, error)
}

type OpKind string

const (
	OpLike   OpKind = "like"
	OpReview OpKind = "review"
)

type OpState string

const (
	StateIdle       OpState = "idle"
	StatePending    OpState = "pending"
	StateReconciled OpState = "reconciled"
	StateRolledBack OpState = "rolled_back"
)

var (
	// ErrPending is returned while an earlier mutation for the same
	// (product, kind) has not settled yet.
	ErrPending = errors.New("engagement: mutation already pending")
	// ErrIdentityChanged marks a response that arrived after the identity
	// switched; the result was discarded.
	ErrIdentityChanged = errors.New("engagement: identity changed while request in flight")
)

// LocalProduct is the optimistic view the UI renders from.
type LocalProduct struct {
	Liked         bool
	LikeCount     uint64
	AverageRating float64
	ReviewCount   uint64
	MyRating      *int
}

// Reconciler applies engagement mutations optimistically and settles them
// against the server response: success reconciles the local view to the
// canonical values, failure (including timeout) rolls the optimistic delta
// back. Responses that arrive after a SetIdentity are discarded; the new
// identity starts from a clean local view.
type Reconciler struct {
	api     EngagementAPI
	timeout time.Duration

	mu       sync.Mutex
	identity domain.Identity
	epoch    uint64
	inflight *InFlightSet
	local    map[uuid.UUID]*LocalProduct
	states   map[string]OpState
}

func NewReconciler(api EngagementAPI, identity domain.Identity, timeout time.Duration) *Reconciler {
	return &Reconciler{
		api:      api,
		timeout:  timeout,
		identity: identity,
		inflight: NewInFlightSet(timeout),
		local:    map[uuid.UUID]*LocalProduct{},
		states:   map[string]OpState{},
	}
}

func opKey(productID uuid.UUID, kind OpKind) string {
	return productID.String() + "|" + string(kind)
}

// SetIdentity switches the acting identity. Local optimistic state belongs
// to the old identity and is dropped wholesale; in-flight responses are
// fenced off by the epoch bump.
func (r *Reconciler) SetIdentity(id domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id.Key() == r.identity.Key() {
		return
	}
	r.identity = id
	r.epoch++
	r.inflight.Clear()
	r.local = map[uuid.UUID]*LocalProduct{}
	r.states = map[string]OpState{}
}

// State reports the lifecycle of the last mutation for (product, kind).
func (r *Reconciler) State(productID uuid.UUID, kind OpKind) OpState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[opKey(productID, kind)]; ok {
		return s
	}
	return StateIdle
}

// Local returns the optimistic view for a product.
func (r *Reconciler) Local(productID uuid.UUID) LocalProduct {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.local[productID]; ok {
		return *p
	}
	return LocalProduct{}
}

// Seed installs server stats as the local baseline, typically after a page
// load or an identity change.
func (r *Reconciler) Seed(ctx context.Context, productID uuid.UUID, liked bool, myRating *int) error {
	agg, err := r.api.GetStats(ctx, productID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[productID] = &LocalProduct{
		Liked:         liked,
		LikeCount:     agg.LikeCount,
		AverageRating: agg.AverageRating(),
		ReviewCount:   agg.RatingCount,
		MyRating:      myRating,
	}
	return nil
}

func (r *Reconciler) localRef(productID uuid.UUID) *LocalProduct {
	p, ok := r.local[productID]
	if !ok {
		p = &LocalProduct{}
		r.local[productID] = p
	}
	return p
}

// ToggleLike flips the local liked flag immediately and settles it against
// the server. The returned error reflects the settled outcome.
func (r *Reconciler) ToggleLike(ctx context.Context, productID uuid.UUID) error {
	key := opKey(productID, OpLike)

	r.mu.Lock()
	if !r.inflight.TryAcquire(key) {
		r.mu.Unlock()
		return ErrPending
	}
	id := r.identity
	epoch := r.epoch

	p := r.localRef(productID)
	before := *p
	p.Liked = !p.Liked
	if p.Liked {
		p.LikeCount++
	} else if p.LikeCount > 0 {
		p.LikeCount--
	}
	r.states[key] = StatePending
	r.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.api.ToggleLike(reqCtx, id, productID, uuid.NewString())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		// Identity changed while we were waiting; the local view belongs to
		// someone else now. Do not touch it.
		return ErrIdentityChanged
	}
	defer r.inflight.Release(key)

	if err != nil {
		*r.localRef(productID) = before
		r.states[key] = StateRolledBack
		logger.Logger.Warn().Err(err).Str("product_id", productID.String()).Msg("like toggle rolled back")
		return err
	}

	cur := r.localRef(productID)
	cur.Liked = res.Liked
	cur.LikeCount = res.LikeCount
	r.states[key] = StateReconciled
	return nil
}

// SubmitReview applies the rating optimistically (replacing any previous own
// rating) and settles against the server's canonical mean.
func (r *Reconciler) SubmitReview(ctx context.Context, productID uuid.UUID, rating int, comment *string) error {
	if !domain.ValidRating(rating) {
		return domain.ErrInvalidRating
	}
	key := opKey(productID, OpReview)

	r.mu.Lock()
	if !r.inflight.TryAcquire(key) {
		r.mu.Unlock()
		return ErrPending
	}
	id := r.identity
	epoch := r.epoch

	p := r.localRef(productID)
	before := *p
	sum := p.AverageRating * float64(p.ReviewCount)
	if p.MyRating != nil {
		sum += float64(rating - *p.MyRating)
	} else {
		sum += float64(rating)
		p.ReviewCount++
	}
	p.AverageRating = sum / float64(p.ReviewCount)
	rr := rating
	p.MyRating = &rr
	r.states[key] = StatePending
	r.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.api.SubmitReview(reqCtx, id, productID, rating, comment, uuid.NewString())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return ErrIdentityChanged
	}
	defer r.inflight.Release(key)

	if err != nil {
		*r.localRef(productID) = before
		r.states[key] = StateRolledBack
		logger.Logger.Warn().Err(err).Str("product_id", productID.String()).Msg("review rolled back")
		return err
	}

	cur := r.localRef(productID)
	cur.AverageRating = res.AverageRating
	cur.ReviewCount = res.ReviewCount
	r.states[key] = StateReconciled
	return nil
}

// RecordView forwards a view. Views are not optimistic: there is nothing to
// roll back, and the server debounces duplicates anyway. A local in-flight
// guard just avoids hammering the endpoint from render loops.
func (r *Reconciler) RecordView(ctx context.Context, productID uuid.UUID) (domain.ViewResult, error) {
	key := productID.String() + "|view"

	r.mu.Lock()
	if !r.inflight.TryAcquire(key) {
		r.mu.Unlock()
		return domain.ViewResult{}, nil
	}
	id := r.identity
	epoch := r.epoch
	r.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.api.RecordView(reqCtx, id, productID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return domain.ViewResult{}, ErrIdentityChanged
	}
	if err != nil {
		// allow an immediate retry
		r.inflight.Release(key)
		return domain.ViewResult{}, err
	}
	// keep the marker until its ttl lapses; it doubles as a local cooldown
	return res, nil
}
