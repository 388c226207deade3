package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
)

// BearerAuth accepts requests carrying "Authorization: Bearer <key>" for
// one of keys.
func BearerAuth(keys []string) func(http.Handler) http.Handler {
	valid := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || !keyAllowed(valid, []byte(token)) {
				writeError(w, apperrors.HTTPStatus(apperrors.ErrUnauthorized), "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyAllowed(valid [][]byte, token []byte) bool {
	if len(token) == 0 {
		return false
	}
	for _, k := range valid {
		if subtle.ConstantTimeCompare(k, token) == 1 {
			return true
		}
	}
	return false
}
