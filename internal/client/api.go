package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/transport/rest/response"
)

// TokenSource supplies the current bearer token; empty means anonymous.
type TokenSource func() string

// HTTPAPI talks to the engagement REST surface.
type HTTPAPI struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

func NewHTTPAPI(baseURL string, hc *http.Client, token TokenSource) *HTTPAPI {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &HTTPAPI{baseURL: baseURL, http: hc, token: token}
}

func (a *HTTPAPI) ToggleLike(ctx context.Context, id domain.Identity, productID uuid.UUID, idempotencyKey string) (domain.ToggleResult, error) {
	var res domain.ToggleResult
	err := a.do(ctx, http.MethodPost, "/api/v1/products/"+productID.String()+"/like", id, idempotencyKey, nil, &res)
	return res, err
}

func (a *HTTPAPI) SubmitReview(ctx context.Context, id domain.Identity, productID uuid.UUID, rating int, comment *string, idempotencyKey string) (domain.ReviewResult, error) {
	body := map[string]any{"rating": rating}
	if comment != nil {
		body["comment"] = *comment
	}
	var res domain.ReviewResult
	err := a.do(ctx, http.MethodPut, "/api/v1/products/"+productID.String()+"/review", id, idempotencyKey, body, &res)
	return res, err
}

func (a *HTTPAPI) RecordView(ctx context.Context, id domain.Identity, productID uuid.UUID) (domain.ViewResult, error) {
	var res domain.ViewResult
	err := a.do(ctx, http.MethodPost, "/api/v1/products/"+productID.String()+"/views", id, "", nil, &res)
	return res, err
}

func (a *HTTPAPI) GetStats(ctx context.Context, productID uuid.UUID) (domain.ProductAggregate, error) {
	var raw struct {
		ProductID     uuid.UUID `json:"product_id"`
		LikeCount     uint64    `json:"like_count"`
		ViewCount     uint64    `json:"view_count"`
		AverageRating float64   `json:"average_rating"`
		ReviewCount   uint64    `json:"review_count"`
		UpdatedAt     time.Time `json:"updated_at"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v1/products/"+productID.String()+"/stats", domain.Identity{}, "", nil, &raw); err != nil {
		return domain.ProductAggregate{}, err
	}
	return domain.ProductAggregate{
		ProductID:   raw.ProductID,
		LikeCount:   raw.LikeCount,
		ViewCount:   raw.ViewCount,
		RatingSum:   raw.AverageRating * float64(raw.ReviewCount),
		RatingCount: raw.ReviewCount,
		UpdatedAt:   raw.UpdatedAt,
	}, nil
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, id domain.Identity, idempotencyKey string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	switch id.Kind {
	case domain.IdentityAccount:
		tok := a.token()
		if tok == "" {
			return domain.ErrAuthRequired
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case domain.IdentityDevice:
		req.Header.Set("X-Device-Id", id.Fingerprint)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// decodeAPIError maps the error envelope back onto the domain taxonomy so
// callers never branch on HTTP status codes.
func decodeAPIError(resp *http.Response) error {
	var body response.ErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch body.Error.Code {
	case "auth.unauthorized", "identity.required":
		return domain.ErrAuthRequired
	case "review.invalid_rating":
		return domain.ErrInvalidRating
	case "engagement.conflict", "idempotency_key_mismatch":
		return domain.ErrConflict
	case "product.not_found":
		return domain.ErrProductNotKnown
	case "storage.unavailable":
		return domain.ErrUnavailable
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return domain.ErrAuthRequired
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return domain.ErrUnavailable
	}
	return fmt.Errorf("engagement api: %s (%d)", body.Error.Code, resp.StatusCode)
}
