package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const doctorClaimsKey contextKey = "doctorClaims"

// DoctorAudience is the audience doctor API tokens must carry.
const DoctorAudience = "docfollow-doctor"

// AdminAudience is the audience tokens for directory maintenance carry.
const AdminAudience = "docfollow-admin"

// DoctorJWT enforces an HMAC-signed JWT whose subject is the doctor id.
// Browsers cannot set headers on websocket upgrades, so an access_token
// query parameter is accepted when the header is absent.
func DoctorJWT(secret string) func(http.Handler) http.Handler {
	return requireJWT(secret, DoctorAudience)
}

// AdminJWT guards directory maintenance endpoints.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return requireJWT(secret, AdminAudience)
}

func requireJWT(secret, audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "auth disabled", http.StatusUnauthorized)
				return
			}
			tokenString := bearerToken(r)
			if tokenString == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			}, jwt.WithAudience(audience), jwt.WithExpirationRequired())
			if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if audience != DoctorAudience {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), doctorClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return ""
		}
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// DoctorIDFromContext returns the authenticated doctor id.
func DoctorIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(doctorClaimsKey).(jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// WithDoctorID returns ctx carrying an authenticated doctor id. Used by tests
// and internal callers that bypass the JWT check.
func WithDoctorID(ctx context.Context, doctorID string) context.Context {
	return context.WithValue(ctx, doctorClaimsKey, jwt.RegisteredClaims{Subject: doctorID})
}
