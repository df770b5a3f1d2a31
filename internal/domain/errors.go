package domain

import (
	"errors"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrEngineUnavailable marks a task that must be released, not failed:
	// the engine is unreachable and another worker (or a later tick) should
	// pick the task up. No status callback is emitted for it.
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrNoResults         = errors.New("no results generated")
	ErrDownloadFailed    = errors.New("download failed")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrInternal          = errors.New("internal error")
)

// connectionErrorMarkers are the substrings that identify transport-level
// failures when the underlying client only surfaces message strings. Typed
// matching via errors.Is(ErrEngineUnavailable) is always preferred; this
// classifier is the fallback for wrapped net/websocket errors.
var connectionErrorMarkers = []string{
	"connection",
	"refused",
	"websocket",
	"timeout",
	"not available",
	"broken pipe",
	"reset by peer",
}

// IsConnectionError reports whether err looks like a transport failure that
// should release the task instead of failing it.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEngineUnavailable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
