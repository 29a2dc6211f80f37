package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNotFound is returned when the requested thread or message no
	// longer exists remotely.
	ErrNotFound = errors.New("remote: not found")

	// ErrCursorExpired is returned when a history cursor is too old or
	// unknown to the service.
	ErrCursorExpired = errors.New("remote: history cursor expired")
)

// AuthError indicates that authentication has failed or expired.
// It is returned by clients when a 401 or 403 response is received.
type AuthError struct {
	Service string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Service, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// NetworkError marks a transport-level failure of a remote operation.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// networkPatterns are substrings of transport failures that surface only
// as text, lower-cased.
var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"i/o timeout",
	"tls handshake timeout",
	"timeout",
	"timed out",
	"broken pipe",
	"econnrefused",
	"econnreset",
	"enotfound",
	"etimedout",
	"eai_again",
	"failed to fetch",
	"network error",
}

// IsNetworkError reports whether err looks like a transport failure rather
// than a domain error. Authorization failures are never network errors.
func IsNetworkError(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
