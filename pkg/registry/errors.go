package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound indicates the manifest or blob does not exist in the
	// registry. Terminal: retrying cannot succeed without a push.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the registry rejected our credentials.
	// Terminal: retrying with the same credentials cannot succeed.
	ErrUnauthorized = errors.New("authorization failed")

	// ErrDigestMismatch indicates downloaded content did not match its
	// expected digest. Terminal integrity failure; the content is discarded.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrNoWasmModule indicates a manifest carries no wasm module layer.
	ErrNoWasmModule = errors.New("manifest contains no wasm module layer")
)

// HTTPError captures a non-success registry response.
type HTTPError struct {
	Operation  string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Operation, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Operation, e.URL, e.StatusCode)
}

// Unwrap maps terminal status codes onto their sentinel errors so callers
// can branch with errors.Is.
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// DigestError reports a content integrity failure.
type DigestError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *DigestError) Unwrap() error {
	return ErrDigestMismatch
}

// IsTransient reports whether an error is worth retrying: connection
// failures, timeouts and server-side errors. Authorization failures,
// missing content, digest mismatches and caller cancellation are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusRequestTimeout:
			return true
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return true
		case httpErr.StatusCode >= 500:
			return true
		}
		return false
	}

	if errors.Is(err, ErrDigestMismatch) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Truncated bodies from dropped connections
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
