// Package hmacauth authenticates callers by an HMAC over the request and
// places the verified caller id in the request context.
package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderCaller    = "X-Caller-ID"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingCaller    = errors.New("missing caller id")
	ErrUnknownCaller    = errors.New("unknown caller")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

type callerKey struct{}

// CallerFromContext returns the caller id stored by the middleware.
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey{}).(string)
	return caller, ok && caller != ""
}

// WithCaller stores caller in ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Verifier checks X-Request-Signature = hex(HMAC-SHA256(secret, timestamp || caller || body)).
// CallerSecrets takes precedence over the shared Secret. With no secrets at
// all, the caller header is trusted as is.
type Verifier struct {
	Secret        string
	CallerSecrets map[string]string
	MaxSkew       time.Duration
	MaxBodyBytes  int64
	Now           func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// Enabled reports whether requests are actually verified.
func (v *Verifier) Enabled() bool {
	return v.Secret != "" || len(v.CallerSecrets) > 0
}

func (v *Verifier) secretFor(caller string) (string, bool) {
	if s, ok := v.CallerSecrets[caller]; ok && s != "" {
		return s, true
	}
	return v.Secret, v.Secret != ""
}

func (v *Verifier) verify(r *http.Request) (string, error) {
	caller := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if caller == "" {
		return "", ErrMissingCaller
	}
	if !v.Enabled() {
		return caller, nil
	}
	secret, ok := v.secretFor(caller)
	if !ok {
		return "", ErrUnknownCaller
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return "", ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return "", ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return "", ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r, v.MaxBodyBytes)
	if err != nil {
		return "", err
	}

	expected := Sign(secret, tsHeader, caller, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return "", ErrInvalidSignature
	}
	return caller, nil
}

// Sign computes the signature a client sends for the given request parts.
func Sign(secret, timestamp, caller string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(caller))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	var src io.Reader = r.Body
	if limit > 0 {
		src = io.LimitReader(r.Body, limit+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
