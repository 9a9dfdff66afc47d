package precache

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

// Sentinel errors for the failure modes of the worker.
// They can be checked using errors.Is(). Errors returned by exported methods are
// platform errors carrying a code; use platformerrors.GetCode to classify them.
var (
	// ErrHashMismatch indicates a fetched body did not match its manifest hash.
	// The body is never stored.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrNetwork indicates the origin could not be reached.
	ErrNetwork = errors.New("network request failed")

	// ErrReconcileFailed indicates activation could not complete. All caches
	// have been deleted when this is returned.
	ErrReconcileFailed = errors.New("cache reconciliation failed")

	// ErrUnknownMessage indicates a message opcode the worker does not understand.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrInvalidManifest indicates a manifest that failed to parse or validate.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrBadStatus indicates the origin answered a precache download with a non-2xx
	// status.
	ErrBadStatus = errors.New("unexpected response status")

	// ErrOutOfScope indicates a request URL outside the worker scope.
	ErrOutOfScope = errors.New("request outside worker scope")
)

// codes maps each sentinel to the platform error code it is reported with.
var codes = map[error]platformerrors.ErrorCode{
	ErrHashMismatch:    platformerrors.CodeConflict,
	ErrNetwork:         platformerrors.CodeNetwork,
	ErrReconcileFailed: platformerrors.CodeInternal,
	ErrUnknownMessage:  platformerrors.CodeInvalidInput,
	ErrInvalidManifest: platformerrors.CodeInvalidInput,
	ErrBadStatus:       platformerrors.CodeNetwork,
	ErrOutOfScope:      platformerrors.CodeNotFound,
}

// newError builds a platform error that matches sentinel under errors.Is and keeps
// cause in its chain.
func newError(sentinel, cause error, message string) error {
	code, ok := codes[sentinel]
	if !ok {
		code = platformerrors.CodeInternal
	}

	chained := sentinel
	if cause != nil {
		chained = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return platformerrors.Wrap(chained, code, message)
}

// newErrorf is newError with a formatted message.
func newErrorf(sentinel, cause error, format string, args ...any) error {
	return newError(sentinel, cause, fmt.Sprintf(format, args...))
}

// withKey attaches the resource key to a platform error.
func withKey(err error, key string) error {
	if err == nil {
		return nil
	}
	return platformerrors.WithContext(err, "key", key)
}
