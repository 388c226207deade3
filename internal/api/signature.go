package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	slackSignatureHeader = "X-Slack-Signature"
	slackTimestampHeader = "X-Slack-Request-Timestamp"
	slackSignatureMaxAge = 5 * time.Minute
	maxSlackBody         = 1 << 20
)

// SlackSignature verifies the v0 request signature Slack attaches to
// event and interaction callbacks. The body is restored for the next
// handler.
func SlackSignature(secret string, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			_ = r.Body.Close()

			ts := r.Header.Get(slackTimestampHeader)
			if !validSlackSignature(secret, ts, r.Header.Get(slackSignatureHeader), body, now()) {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func validSlackSignature(secret, ts, sig string, body []byte, now time.Time) bool {
	if secret == "" || ts == "" || sig == "" {
		return false
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(now.Sub(time.Unix(sec, 0)).Seconds()) > slackSignatureMaxAge.Seconds() {
		return false
	}

	return hmac.Equal([]byte(sig), []byte(signSlackBody(secret, ts, body)))
}

func signSlackBody(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}
