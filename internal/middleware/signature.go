// Package middleware provides HTTP middleware for the relay's ingress.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of "<timestamp>.<body>".
	SignatureHeader = "X-Relay-Signature"
	// TimestampHeader carries the unix-seconds timestamp the sender signed.
	TimestampHeader = "X-Relay-Timestamp"

	maxBodyBytes = 1 << 20
	maxClockSkew = 5 * time.Minute
)

// Signature returns middleware rejecting requests whose HMAC signature or
// timestamp does not check out. The signed body is restored for downstream
// handlers. now is a clock override for tests; nil means time.Now.
func Signature(secret []byte, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				http.Error(w, `{"error": "unreadable body"}`, http.StatusBadRequest)
				return
			}
			if len(body) > maxBodyBytes {
				http.Error(w, `{"error": "body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			if !verify(secret, r, body, now()) {
				http.Error(w, `{"error": "invalid signature"}`, http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func verify(secret []byte, r *http.Request, body []byte, now time.Time) bool {
	ts := r.Header.Get(TimestampHeader)
	sig := r.Header.Get(SignatureHeader)
	if ts == "" || sig == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew > maxClockSkew || skew < -maxClockSkew {
		return false
	}

	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(mac(secret, ts, body), want)
}

func mac(secret []byte, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// Sign computes the signature header value for a payload, for senders and
// tests.
func Sign(secret []byte, timestamp string, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, body))
}
