package admin

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
)

// withAuth requires the bearer token on every request when token is set.
// The token may also arrive as ?token= for curl-from-a-browser convenience.
func withAuth(token string, next http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(presentedToken(r)), want) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="fleetnotify"`)
		writeError(w, http.StatusUnauthorized, errUnauthorized)
	})
}

func presentedToken(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	scheme, rest, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}

// isLoopbackAddr is false for an empty host, which listens on every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

var errUnauthorized = errors.New("unauthorized")
