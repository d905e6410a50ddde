package client

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSignals = Signals{
	SurfaceHash:    "c4ca4238a0b92382",
	Platform:       "linux",
	ScreenGeometry: "2560x1440@1",
	Timezone:       "Europe/Berlin",
	Locale:         "de-DE",
}

func TestSignals_FingerprintIsStableAndValid(t *testing.T) {
	fp1 := testSignals.Fingerprint()
	fp2 := testSignals.Fingerprint()

	assert.Equal(t, fp1, fp2)
	assert.True(t, domain.ValidFingerprint(fp1))

	other := testSignals
	other.Locale = "en-US"
	assert.NotEqual(t, fp1, other.Fingerprint())
}

func TestResolver_PinsFingerprintAcrossSignalDrift(t *testing.T) {
	r := NewResolver(NewMemStore())

	id1, err := r.Resolve(testSignals)
	require.NoError(t, err)
	require.Equal(t, domain.IdentityDevice, id1.Kind)

	// the monitor changed; the pinned fingerprint must not
	drifted := testSignals
	drifted.ScreenGeometry = "1920x1080@1"
	id2, err := r.Resolve(drifted)
	require.NoError(t, err)
	assert.Equal(t, id1.Key(), id2.Key())
}

func TestResolver_AccountWinsOverDevice(t *testing.T) {
	r := NewResolver(NewMemStore())
	accountID := uuid.New()

	r.SignIn(accountID)
	id, err := r.Resolve(testSignals)
	require.NoError(t, err)
	assert.True(t, id.Authenticated())
	assert.Equal(t, accountID, id.AccountID)

	r.SignOut()
	id, err = r.Resolve(testSignals)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityDevice, id.Kind)
}

func TestResolver_FileStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")

	id1, err := NewResolver(NewFileStore(path)).Resolve(testSignals)
	require.NoError(t, err)

	// a new resolver over the same file is "the client after a restart"
	id2, err := NewResolver(NewFileStore(path)).Resolve(testSignals)
	require.NoError(t, err)
	assert.Equal(t, id1.Key(), id2.Key())
}

func TestInFlightSet_GuardsAndExpires(t *testing.T) {
	s := NewInFlightSet(time.Hour)
	s.now = func() time.Time { return time.Unix(1000, 0) }

	require.True(t, s.TryAcquire("k"))
	require.False(t, s.TryAcquire("k"))
	require.True(t, s.TryAcquire("other"))

	s.Release("k")
	require.True(t, s.TryAcquire("k"))

	// expiry
	s.now = func() time.Time { return time.Unix(1000, 0).Add(2 * time.Hour) }
	require.True(t, s.TryAcquire("k"))

	s.Clear()
	require.True(t, s.TryAcquire("other"))
}
