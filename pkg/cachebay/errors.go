package cachebay

import (
	"errors"
	"fmt"

	"github.com/lockvoid/cachebay/pkg/materialize"
)

// Sentinel errors; wrap-compatible with errors.Is.
var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrTransport     = errors.New("transport error")
	ErrCacheMiss     = errors.New("cache miss")
	ErrDisposed      = errors.New("client disposed")
)

// TransportError carries a network failure to watchers on a signature.
type TransportError struct {
	Signature string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.Signature, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// CacheMissError reports a read the chosen mode could not satisfy.
type CacheMissError struct {
	Misses []materialize.Miss
}

func (e *CacheMissError) Error() string {
	if len(e.Misses) == 0 {
		return "cache miss"
	}
	return fmt.Sprintf("cache miss: %s at %s (%d total)", e.Misses[0].Kind, e.Misses[0].At, len(e.Misses))
}

func (e *CacheMissError) Is(target error) bool { return target == ErrCacheMiss }
