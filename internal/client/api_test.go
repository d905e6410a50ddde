package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/audit"
	"github.com/shoply/commerce/services/engagement-service/internal/client"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/infrastructure/memory"
	"github.com/shoply/commerce/services/engagement-service/internal/pkg/logger"
	"github.com/shoply/commerce/services/engagement-service/internal/security"
	"github.com/shoply/commerce/services/engagement-service/internal/service"
	"github.com/shoply/commerce/services/engagement-service/internal/transport/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { logger.Init() }

const testSecret = "test-secret"

func mintToken(t *testing.T, accountID uuid.UUID) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": accountID.String(),
		"iss": "auth-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.New()
	svc := service.NewEngagementService(store, memory.NewMarkerSet(), time.Minute)
	h := rest.NewHandler(svc, audit.New(logger.Logger))
	router := rest.NewRouter(rest.RouterDeps{
		Handler:   h,
		Verifier:  security.NewHS256Verifier(testSecret),
		JWTIssuer: "auth-service",
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// Full round trip: the reconciler drives the HTTP client against the real
// router. An anonymous view lands, an authenticated like lands, and the
// stats endpoint reports both.
func TestHTTPAPI_EndToEnd(t *testing.T) {
	srv := newServer(t)
	accountID := uuid.New()
	token := mintToken(t, accountID)

	api := client.NewHTTPAPI(srv.URL, srv.Client(), func() string { return token })
	resolver := client.NewResolver(client.NewMemStore())

	anon, err := resolver.Resolve(client.Signals{Platform: "linux", Locale: "en-US"})
	require.NoError(t, err)

	rec := client.NewReconciler(api, anon, 2*time.Second)
	pid := uuid.New()
	ctx := context.Background()

	res, err := rec.RecordView(ctx, pid)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, uint64(1), res.ViewCount)

	// anonymous likes are refused by the server and rolled back locally
	err = rec.ToggleLike(ctx, pid)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
	assert.False(t, rec.Local(pid).Liked)

	// sign in, switch identity, like again
	resolver.SignIn(accountID)
	authed, err := resolver.Resolve(client.Signals{})
	require.NoError(t, err)
	rec.SetIdentity(authed)

	require.NoError(t, rec.ToggleLike(ctx, pid))
	local := rec.Local(pid)
	assert.True(t, local.Liked)
	assert.Equal(t, uint64(1), local.LikeCount)

	require.NoError(t, rec.SubmitReview(ctx, pid, 5, nil))

	stats, err := api.GetStats(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.LikeCount)
	assert.Equal(t, uint64(1), stats.ViewCount)
	assert.Equal(t, 5.0, stats.AverageRating())
}

func TestHTTPAPI_ErrorMapping(t *testing.T) {
	srv := newServer(t)
	api := client.NewHTTPAPI(srv.URL, srv.Client(), nil)
	ctx := context.Background()

	// unknown product stats
	_, err := api.GetStats(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrProductNotKnown)

	// account identity without a token never leaves the client
	_, err = api.ToggleLike(ctx, domain.AccountIdentity(uuid.New()), uuid.New(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}
