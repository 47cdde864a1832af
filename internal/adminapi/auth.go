package adminapi

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
)

// requireAuth wraps next so that every request must carry an Authorization
// header whose value is the base64 encoding of the configured password.
// This is the wire behavior spec.md §9 explicitly calls out as weak (a
// reversible encoding, not a credential scheme) and directs NOT be silently
// upgraded, so it is implemented exactly as specified.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if a.password == "" {
		return next
	}
	expected := base64.StdEncoding.EncodeToString([]byte(a.password))
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
