package domain

const (
	RatingMin = 1
	RatingMax = 5

	// FingerprintHexLen is the length of a device fingerprint: lowercase hex
	// SHA-256 over the canonical signal string.
	FingerprintHexLen = 64
)

// ValidRating reports whether a submitted rating is acceptable. Rejections
// happen before any aggregate mutation.
func ValidRating(rating int) bool {
	return rating >= RatingMin && rating <= RatingMax
}

// ValidFingerprint checks the device fingerprint shape so malformed or
// hand-rolled identifiers are rejected at the boundary.
func ValidFingerprint(fp string) bool {
	if len(fp) != FingerprintHexLen {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
