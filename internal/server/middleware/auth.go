package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth guards operator routes. adminKeys is a comma separated list so a new
// key can be rolled out before the old one is revoked. The presented key is
// read from "Authorization: Bearer" or X-API-Key. An empty list disables the
// check.
func Auth(adminKeys string) func(http.Handler) http.Handler {
	var keys [][]byte
	for _, k := range strings.Split(adminKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := adminKey(r)
			if presented == "" {
				denyAdmin(w, "missing admin key")
				return
			}
			if !matchesAny(keys, []byte(presented)) {
				denyAdmin(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchesAny compares against every key so timing does not reveal which one
// matched.
func matchesAny(keys [][]byte, presented []byte) bool {
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare(k, presented)
	}
	return ok == 1
}

func adminKey(r *http.Request) string {
	if scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func denyAdmin(w http.ResponseWriter, reason string) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("WWW-Authenticate", `Bearer realm="kolboard-admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + reason + `"}`))
}
