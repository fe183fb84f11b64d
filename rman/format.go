package rman

import "fmt"

// A FormatError indicates that a manifest blob is malformed, truncated, or
// internally inconsistent. It is fatal: a manifest that fails to decode must
// not be used to drive downloads.
type FormatError struct {
	Offset int64
	Reason string
}

// Error implements error.
func (e *FormatError) Error() string {
	if e.Offset < 0 {
		return "rman: " + e.Reason
	}
	return fmt.Sprintf("rman: %s (offset %d)", e.Reason, e.Offset)
}

func formatErr(offset int64, format string, args ...any) error {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
