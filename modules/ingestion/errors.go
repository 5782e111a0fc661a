package ingestion

import (
	"fmt"

	"github.com/pkg/errors"
)

// The error taxonomy below. Classification is by errors.Is against these
// sentinels; offending details are attached via fmt.Errorf("...: %w").
var (
	// ErrFatalProtocolViolation: unexpected control message or an UPDATE in a
	// non-producing state. Fails the partition.
	ErrFatalProtocolViolation = errors.New("fatal protocol violation")

	// ErrFatalDataValidation: a DIV error the validator cannot recover from.
	// No code path returns it: the inline DIV check in delegator.go logs a
	// fatal outcome, bumps its metric and continues, before or after EOP.
	ErrFatalDataValidation = errors.New("fatal data validation error")

	// ErrDuplicateData: a DIV duplicate. Skipped, not fatal.
	ErrDuplicateData = errors.New("duplicate data")

	// ErrLossyRewind: an upstream rewind that changed
	// already-served data. Fatal before EOP, tolerated after.
	ErrLossyRewind = errors.New("lossy upstream rewind")

	// ErrBenignRewind: an upstream rewind that reproduced identical state.
	// Never fatal.
	ErrBenignRewind = errors.New("benign upstream rewind")

	// ErrBenignProducerFailure: a producer callback failure or future
	// timeout that does not imply data loss. Never fatal.
	ErrBenignProducerFailure = errors.New("benign producer failure")

	// ErrTimeout: a future's Get deadline elapsed.
	ErrTimeout = errors.New("timed out waiting for completion")

	// ErrPushTimeout: the bootstrap deadline elapsed before EOP. Fatal for
	// the task.
	ErrPushTimeout = errors.New("push timeout exceeded")

	// ErrStorageFailure: propagated from a drainer's storage call. Fatal for
	// the partition.
	ErrStorageFailure = errors.New("storage failure")
)

// ErrFatalProtocolViolationf wraps ErrFatalProtocolViolation with a formatted
// detail message, matching the fmt.Errorf("...: %w") convention used
// elsewhere in the package for routine wrapping.
func ErrFatalProtocolViolationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrFatalProtocolViolation)
}

// IsFatal reports whether err is unconditionally fatal to the owning
// partition. ErrFatalDataValidation and ErrLossyRewind are deliberately
// excluded: ErrLossyRewind is only returned before end-of-push, a decision
// rewind.go's classifyRewindError already makes before returning the error,
// and ErrFatalDataValidation is never returned (see its declaration).
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrFatalProtocolViolation),
		errors.Is(err, ErrPushTimeout),
		errors.Is(err, ErrStorageFailure):
		return true
	default:
		return false
	}
}
