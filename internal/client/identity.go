package client

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
)

// Signals are the stable client characteristics the device fingerprint is
// derived from. They must not include anything session-scoped (IP, window
// size, clock); the fingerprint has to survive restarts.
type Signals struct {
	SurfaceHash    string // rendering surface capability hash
	Platform       string
	ScreenGeometry string // e.g. "2560x1440@2"
	Timezone       string
	Locale         string
}

// Fingerprint derives the 64-char lowercase hex device fingerprint.
func (s Signals) Fingerprint() string {
	canonical := strings.Join([]string{
		s.SurfaceHash,
		s.Platform,
		s.ScreenGeometry,
		s.Timezone,
		s.Locale,
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

const fingerprintKey = "engagement.device_fingerprint"

// Resolver decides which identity the client acts under. A signed-in account
// always wins; otherwise the device fingerprint is computed once and pinned
// in the KV so later signal drift (locale change, monitor swap) does not
// fork the anonymous ledger.
type Resolver struct {
	kv KV

	mu      sync.Mutex
	account uuid.UUID
}

func NewResolver(kv KV) *Resolver {
	return &Resolver{kv: kv}
}

func (r *Resolver) SignIn(accountID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account = accountID
}

func (r *Resolver) SignOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account = uuid.Nil
}

// Resolve returns the identity for the current session.
func (r *Resolver) Resolve(signals Signals) (domain.Identity, error) {
	r.mu.Lock()
	account := r.account
	r.mu.Unlock()

	if account != uuid.Nil {
		return domain.AccountIdentity(account), nil
	}

	if v, ok, err := r.kv.Get(fingerprintKey); err != nil {
		return domain.Identity{}, err
	} else if ok && domain.ValidFingerprint(string(v)) {
		return domain.DeviceIdentity(string(v)), nil
	}

	fp := signals.Fingerprint()
	if err := r.kv.Set(fingerprintKey, []byte(fp)); err != nil {
		return domain.Identity{}, err
	}
	return domain.DeviceIdentity(fp), nil
}
