package rest

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/security"
)

type IdentityOptions struct {
	// If set (non-empty), enforce exact issuer match on bearer tokens.
	ExpectedIssuer string
}

const deviceIDHeader = "X-Device-Id"

// IdentityMiddleware resolves the request identity once, at the boundary.
// Order matters: a valid bearer token wins over a device fingerprint, so a
// signed-in user acts under their account even when the client still sends
// the fingerprint header. No identity at all is allowed through; route-level
// guards decide whether that is acceptable.
//
// A presented-but-invalid bearer token is a hard 401, never a silent
// downgrade to the device identity.
func IdentityMiddleware(verifier security.AccessTokenVerifier, opt IdentityOptions) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("IdentityMiddleware: nil verifier")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
				parts := strings.SplitN(h, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}

				raw := strings.TrimSpace(parts[1])
				if raw == "" {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}

				claims, err := verifier.VerifyAccessToken(raw)
				if err != nil {
					// Expired vs invalid could carry different messages;
					// status stays 401 either way.
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}

				if opt.ExpectedIssuer != "" && claims.Issuer != opt.ExpectedIssuer {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}

				accountID, err := uuid.Parse(strings.TrimSpace(claims.AccountID))
				if err != nil {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}

				ctx := withIdentity(r.Context(), domain.AccountIdentity(accountID), claims.Ver)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if fp := strings.ToLower(strings.TrimSpace(r.Header.Get(deviceIDHeader))); fp != "" {
				if !domain.ValidFingerprint(fp) {
					http.Error(w, "Bad Request", http.StatusBadRequest)
					return
				}
				ctx := withIdentity(r.Context(), domain.DeviceIdentity(fp), 0)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// Anonymous without fingerprint: let public routes through.
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdentity rejects requests that resolved no identity at all.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetIdentity(r.Context()); !ok {
			fail(w, r, http.StatusUnauthorized, "identity.required", "a bearer token or X-Device-Id header is required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAccount rejects anonymous (device) identities.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok || !id.Authenticated() {
			fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "sign in to perform this action", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RateLimitMiddleware(cache domain.CacheRepository, limit int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, _ := cache.AllowRequest(r.Context(), ip, limit, window)
			if !allowed {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keeps it simple: RemoteAddr host part.
// If you are behind a trusted reverse proxy, you may choose to trust X-Forwarded-For,
// but doing so blindly is a spoofing risk.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CSP for API: restrictive policy suitable for JSON-only endpoints
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		// HSTS: Enforce HTTPS for 1 year, include subdomains
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking (redundant with CSP frame-ancestors, but belt-and-suspenders)
		w.Header().Set("X-Frame-Options", "DENY")

		// XSS protection (legacy but harmless)
		w.Header().Set("X-XSS-Protection", "1; mode=block")

		// Don't leak referrer to external sites
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Prevent cross-origin resource embedding
		w.Header().Set("Cross-Origin-Resource-Policy", "same-site")

		// Prevent window.opener access from cross-origin windows
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")

		// Disable all browser features for API endpoints
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=(), bluetooth=()")

		next.ServeHTTP(w, r)
	})
}
