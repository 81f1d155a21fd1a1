package middleware

import (
	"net/http"
	"strings"
)

const (
	dashboardAllowHeaders  = "Authorization, Content-Type, Idempotency-Key"
	dashboardAllowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	dashboardExposeHeaders = "Retry-After, X-Request-Id"
)

// originPolicy matches browser origins against the configured dashboard hosts.
// Entries are exact origins, "*", or a wildcard subdomain such as
// "https://*.clinic.example".
type originPolicy struct {
	any      bool
	exact    map[string]struct{}
	wildcard []string
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{exact: map[string]struct{}{}}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch {
		case origin == "":
		case origin == "*":
			p.any = true
		case strings.Contains(origin, "://*."):
			p.wildcard = append(p.wildcard, origin)
		default:
			p.exact[origin] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, pattern := range p.wildcard {
		scheme, host, _ := strings.Cut(pattern, "://*")
		rest, ok := strings.CutPrefix(origin, scheme+"://")
		if !ok {
			continue
		}
		// host starts with "."; the label in front of it must be non-empty.
		if len(rest) > len(host) && strings.HasSuffix(rest, host) {
			return true
		}
	}
	return false
}

// DashboardCORS lets the doctor dashboard call the doctor API from the
// browser. Preflights from unlisted origins are refused before they reach a
// handler, so the JWT check never sees them.
func DashboardCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != ""
			w.Header().Add("Vary", "Origin")

			if !policy.allows(origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Expose-Headers", dashboardExposeHeaders)
			if preflight {
				w.Header().Set("Access-Control-Allow-Headers", dashboardAllowHeaders)
				w.Header().Set("Access-Control-Allow-Methods", dashboardAllowMethods)
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
