// Package reasm implements fragment and stream reassembly for capture
// analysis sessions. It reconstructs higher-layer messages split across
// multiple captured frames under several fragmentation disciplines: explicit
// byte offsets, explicit block sequence numbers, implicit in-order numbering,
// and open-ended streaming where message boundaries are discovered by an
// upper-layer parser.
package reasm

import (
	"errors"
	"fmt"
)

// Sentinel errors following ADR-021 error handling pattern.
var (
	ErrTableClosed  = errors.New("reasm: table closed")
	ErrNotFound     = errors.New("reasm: reassembly not found")
	ErrNotCompleted = errors.New("reasm: reassembly not completed")
)

// BoundsError reports that the caller claimed more fragment bytes than the
// captured frame actually carries (truncated capture).
type BoundsError struct {
	Frame    uint32
	Claimed  int
	Captured int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("reasm: frame %d claims %d fragment bytes but only %d were captured",
		e.Frame, e.Claimed, e.Captured)
}

// ReassemblyError reports a logically inconsistent sequence of calls for one
// reassembly: conflicting total-length assertions, a fragment past a fixed
// total that is not permitted to extend it, or offset arithmetic overflow.
// It aborts dissection of the current frame only; other reassemblies in the
// same table are untouched.
type ReassemblyError struct {
	Frame  uint32
	ID     uint32
	Reason string
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("reasm: frame %d id %#x: %s", e.Frame, e.ID, e.Reason)
}

func reassemblyErrorf(frame, id uint32, format string, args ...interface{}) error {
	return &ReassemblyError{Frame: frame, ID: id, Reason: fmt.Sprintf(format, args...)}
}
