package rest

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/audit"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	appCtx "github.com/shoply/commerce/services/engagement-service/internal/pkg/context"
	"github.com/shoply/commerce/services/engagement-service/internal/service"
	"github.com/shoply/commerce/services/engagement-service/internal/transport/rest/response"
)

type Handler struct {
	svc      *service.EngagementService
	auditLog *audit.Logger
	validate *validator.Validate
}

func NewHandler(svc *service.EngagementService, auditLog *audit.Logger) *Handler {
	return &Handler{
		svc:      svc,
		auditLog: auditLog,
		validate: validator.New(),
	}
}

func (h *Handler) ToggleLike(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}

	id, _ := GetIdentity(r.Context()) // RequireAccount already ran

	idempotencyKey, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}

	res, err := h.svc.ToggleLike(r.Context(), traceID(r), idempotencyKey, id, productID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	h.auditLog.LikeToggled(r.Context(), productID, id.Key(), res.Liked, idempotencyKey)
	response.Data(w, http.StatusOK, res)
}

func (h *Handler) RecordView(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}

	id, ok := GetIdentity(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.required", "a bearer token or X-Device-Id header is required", nil)
		return
	}

	res, err := h.svc.RecordView(r.Context(), id, productID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	if res.Accepted {
		h.auditLog.ViewRecorded(r.Context(), productID, id.Key())
	}
	response.Data(w, http.StatusOK, res)
}

// Rating is a pointer so an explicit {"rating":0} stays distinguishable from
// a missing field; the range check belongs to the domain and maps to 422.
type reviewRequest struct {
	Rating  *int    `json:"rating" validate:"required"`
	Comment *string `json:"comment,omitempty" validate:"omitempty,max=2000"`
}

func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}

	id, _ := GetIdentity(r.Context())

	idempotencyKey, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}

	var req reviewRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		if req.Rating == nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", map[string]string{
				"rating": "rating is required",
			})
			return
		}
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", map[string]string{
			"comment": "comment must be at most 2000 characters",
		})
		return
	}

	res, err := h.svc.SubmitReview(r.Context(), traceID(r), idempotencyKey, id, productID, *req.Rating, req.Comment)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	h.auditLog.ReviewSubmitted(r.Context(), productID, id.Key(), *req.Rating, idempotencyKey)
	response.Data(w, http.StatusOK, res)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseProductID(w, r)
	if !ok {
		return
	}

	agg, err := h.svc.GetAggregate(r.Context(), productID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"product_id":     agg.ProductID,
		"like_count":     agg.LikeCount,
		"view_count":     agg.ViewCount,
		"average_rating": agg.AverageRating(),
		"review_count":   agg.RatingCount,
		"updated_at":     agg.UpdatedAt,
	})
}

func (h *Handler) MyEngagement(w http.ResponseWriter, r *http.Request) {
	id, ok := GetIdentity(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "identity.required", "a bearer token or X-Device-Id header is required", nil)
		return
	}

	rec, err := h.svc.GetEngagement(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, rec)
}

func parseProductID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	productID, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid productID", map[string]string{
			"product_id": "must be a valid uuid",
		})
		return uuid.Nil, false
	}
	return productID, true
}

// requireIdempotencyKey enforces X-Idempotency-Key on write operations.
func requireIdempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		key = r.Header.Get("Idempotency-Key") // legacy fallback
	}
	if key == "" {
		fail(w, r, http.StatusBadRequest, "idempotency_key.required", "X-Idempotency-Key header is required for this operation", nil)
		return "", false
	}
	return key, true
}

func traceID(r *http.Request) string {
	tid := appCtx.GetRequestID(r.Context())
	if tid == "" {
		tid = "no-request-id"
	}
	return tid
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthRequired):
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", err.Error(), nil)
		return
	case errors.Is(err, domain.ErrInvalidRating):
		fail(w, r, http.StatusUnprocessableEntity, "review.invalid_rating", err.Error(), nil)
		return
	case errors.Is(err, domain.ErrIdempotencyKeyMismatch):
		fail(w, r, http.StatusConflict, "idempotency_key_mismatch", err.Error(), nil)
		return
	case errors.Is(err, domain.ErrConflict):
		// Retried once in the store already; clients may retry with backoff.
		fail(w, r, http.StatusConflict, "engagement.conflict", err.Error(), nil)
		return
	case errors.Is(err, domain.ErrProductNotKnown):
		fail(w, r, http.StatusNotFound, "product.not_found", err.Error(), nil)
		return
	case errors.Is(err, domain.ErrNotEngaged):
		fail(w, r, http.StatusNotFound, "engagement.not_found", err.Error(), nil)
		return
	case errors.Is(err, domain.ErrUnavailable):
		fail(w, r, http.StatusServiceUnavailable, "storage.unavailable", err.Error(), nil)
		return

	default:
		// Do not leak internal details by default. If you want raw err in dev, gate by APP_ENV.
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
		return
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}
