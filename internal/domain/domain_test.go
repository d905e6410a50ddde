package domain_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestIdentity_KeyAndAuthenticated(t *testing.T) {
	acc := uuid.New()

	dev := domain.DeviceIdentity(strings.Repeat("ab", 32))
	assert.False(t, dev.Authenticated())
	assert.Equal(t, "device:"+strings.Repeat("ab", 32), dev.Key())

	usr := domain.AccountIdentity(acc)
	assert.True(t, usr.Authenticated())
	assert.Equal(t, "account:"+acc.String(), usr.Key())

	assert.True(t, domain.Identity{}.Zero())
	assert.True(t, domain.DeviceIdentity("").Zero())
	assert.True(t, domain.AccountIdentity(uuid.Nil).Zero())
	assert.False(t, dev.Zero())
}

func TestProductAggregate_AverageRating(t *testing.T) {
	assert.Equal(t, float64(0), domain.ProductAggregate{}.AverageRating())

	a := domain.ProductAggregate{RatingSum: 9, RatingCount: 2}
	assert.Equal(t, 4.5, a.AverageRating())
}

func TestValidRating(t *testing.T) {
	tests := []struct {
		name   string
		rating int
		ok     bool
	}{
		{"below range", 0, false},
		{"lower bound", 1, true},
		{"upper bound", 5, true},
		{"above range", 6, false},
		{"negative", -3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, domain.ValidRating(tt.rating))
		})
	}
}

func TestValidFingerprint(t *testing.T) {
	assert.True(t, domain.ValidFingerprint(strings.Repeat("0f", 32)))
	assert.False(t, domain.ValidFingerprint(strings.Repeat("0F", 32))) // uppercase rejected
	assert.False(t, domain.ValidFingerprint("short"))
	assert.False(t, domain.ValidFingerprint(strings.Repeat("zz", 32)))
}
