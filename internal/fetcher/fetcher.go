// Package fetcher performs outbound requests to allow-listed services with
// response validation and a bounded, instance-scoped retry budget.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"

	"sensororacle/internal/apperr"
	"sensororacle/internal/security"
)

var log = logging.Logger("fetcher")

// IntegrityHeader must be present on every accepted response.
const IntegrityHeader = "X-Security-Checksum"

// Observer outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomeRejected  = "rejected"
)

type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Fetcher is safe for concurrent use, but every caller shares one retry
// counter. Use one Fetcher per logical call sequence for independent budgets.
type Fetcher struct {
	security        *security.Store
	client          *http.Client
	integrityHeader string
	observe         func(outcome string)

	mu      sync.Mutex
	retries int
	policy  backoff.BackOff
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBackOff takes the delay between a temporary failure and the next
// attempt from the policy built by newPolicy. The retry counter alone decides
// when to give up; backoff.Stop only means "retry immediately".
func WithBackOff(newPolicy func() backoff.BackOff) Option {
	return func(f *Fetcher) { f.policy = newPolicy() }
}

func WithIntegrityHeader(name string) Option {
	return func(f *Fetcher) { f.integrityHeader = name }
}

// WithObserver receives one outcome per attempt.
func WithObserver(fn func(outcome string)) Option {
	return func(f *Fetcher) { f.observe = fn }
}

func New(sec *security.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		security:        sec,
		client:          http.DefaultClient,
		integrityHeader: IntegrityHeader,
		observe:         func(string) {},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Retries returns the current value of the shared retry counter.
func (f *Fetcher) Retries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries
}

// Reset clears the retry counter and rewinds the backoff policy.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	f.retries = 0
	if f.policy != nil {
		f.policy.Reset()
	}
	f.mu.Unlock()
}

// Fetch sends req, retrying temporary failures until the counter reaches
// maxRetries. Once exhausted, Fetch fails without touching the network until
// a success or Reset clears the counter.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	for {
		cfg := f.security.Current()
		if err := validateRequest(cfg, req); err != nil {
			f.observe(OutcomeRejected)
			return nil, err
		}
		if f.Retries() >= cfg.MaxRetries {
			f.observe(OutcomeExhausted)
			return nil, errExhausted()
		}

		resp, err := f.attempt(ctx, cfg, req)
		if err == nil {
			f.Reset()
			f.observe(OutcomeSuccess)
			return resp, nil
		}
		if !apperr.IsTemporary(err) {
			f.observe(OutcomeRejected)
			return nil, err
		}

		f.mu.Lock()
		f.retries++
		n := f.retries
		f.mu.Unlock()
		f.observe(OutcomeRetry)
		log.Debugw("temporary fetch failure", "url", req.URL, "retries", n, "error", err)

		if n >= cfg.MaxRetries {
			f.observe(OutcomeExhausted)
			return nil, errExhausted()
		}
		if err := f.wait(ctx); err != nil {
			return nil, apperr.Wrap(apperr.CodeNetwork, err, "fetch cancelled")
		}
	}
}

func errExhausted() error {
	return apperr.New(apperr.CodeNetwork, "max retries exceeded")
}

func (f *Fetcher) nextDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policy == nil {
		return 0
	}
	d := f.policy.NextBackOff()
	if d == backoff.Stop {
		return 0
	}
	return d
}

func (f *Fetcher) wait(ctx context.Context) error {
	d := f.nextDelay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validateRequest(cfg security.Config, req Request) error {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return apperr.New(apperr.CodeSecurityViolation, "method %q not allowed", req.Method)
	}
	if !cfg.AllowsURL(req.URL) {
		return apperr.New(apperr.CodeSecurityViolation, "domain not allowed: %s", req.URL)
	}
	return nil
}

func (f *Fetcher) attempt(ctx context.Context, cfg security.Config, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, err, "fetch cancelled")
	}

	attemptCtx := ctx
	if d := cfg.Timeout(); d > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, apperr.New(apperr.CodeSecurityViolation, "build request: %v", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	for _, h := range cfg.RequiredHeaders {
		httpReq.Header.Set(h.Name, h.Value)
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer httpResp.Body.Close()

	if err := validateStatus(httpResp.StatusCode, httpResp.Status); err != nil {
		return nil, err
	}
	if httpResp.Header.Get(f.integrityHeader) == "" {
		return nil, apperr.New(apperr.CodeSecurityViolation, "missing %s header", f.integrityHeader)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if int64(len(raw)) > cfg.MaxResponseBytes {
		return nil, apperr.New(apperr.CodeInvalidResponse, "response exceeds %d bytes", cfg.MaxResponseBytes)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header.Clone(),
		Body:       raw,
	}, nil
}

// classifyTransport treats every transport failure as temporary except
// cancellation or expiry of the caller's own context.
func classifyTransport(parent context.Context, err error) error {
	if parent.Err() != nil {
		return apperr.Wrap(apperr.CodeNetwork, parent.Err(), "fetch cancelled")
	}
	detail := "transport failure"
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		detail = "timeout"
	}
	return &apperr.Error{Code: apperr.CodeNetwork, Detail: detail, Temporary: true, Err: err}
}

func validateStatus(code int, status string) error {
	if code >= 200 && code < 500 {
		return nil
	}
	msg := fmt.Sprintf("unexpected status %s", strings.TrimSpace(status))
	if isTemporaryStatus(code, status) {
		return apperr.Temporary(apperr.CodeNetwork, "%s", msg)
	}
	return apperr.New(apperr.CodeNetwork, "%s", msg)
}

var temporaryMarkers = []string{"timeout", "temporary", "overloaded"}

func isTemporaryStatus(code int, status string) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	// Compatibility shim for upstreams that only signal transience in the
	// status text.
	lower := strings.ToLower(status)
	for _, m := range temporaryMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
