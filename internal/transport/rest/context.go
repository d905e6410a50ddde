package rest

import (
	"context"

	"github.com/shoply/commerce/services/engagement-service/internal/domain"
)

type ctxKeyIdentity struct{}
type ctxKeyTokenVer struct{}

func withIdentity(ctx context.Context, id domain.Identity, tokenVer int64) context.Context {
	ctx = context.WithValue(ctx, ctxKeyIdentity{}, id)
	if tokenVer != 0 {
		ctx = context.WithValue(ctx, ctxKeyTokenVer{}, tokenVer)
	}
	return ctx
}

// GetIdentity returns the resolved identity for this request. ok=false when
// neither a bearer token nor a device fingerprint was presented.
func GetIdentity(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(domain.Identity)
	if !ok || id.Zero() {
		return domain.Identity{}, false
	}
	return id, true
}
