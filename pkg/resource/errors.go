package resource

import "fmt"

// ErrorKind names the semantic error taxonomy from spec section 7. It
// is not a type hierarchy: a single Error struct carries whichever kind
// applies, so callers branch on Kind rather than on Go type.
type ErrorKind int

const (
	// ErrBadState: request not valid in current state; caller bug.
	ErrBadState ErrorKind = iota
	// ErrFilesystem: raw OS error from a placement/disposal step.
	ErrFilesystem
	// ErrHardLinkOwnershipConflict: a Moved{HardLinked} would violate the
	// OwnershipModel since hard links share inode ownership.
	ErrHardLinkOwnershipConflict
	// ErrOwnership: chown or chownr failed on a required path.
	ErrOwnership
	// ErrTimeout: operation exceeded the caller's deadline.
	ErrTimeout
	// ErrDriverGone: the System's driver task for this Record has
	// stopped.
	ErrDriverGone
	// ErrAggregate: returned only by Shutdown, listing per-Record
	// outcomes.
	ErrAggregate
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBadState:
		return "bad_state"
	case ErrFilesystem:
		return "filesystem_error"
	case ErrHardLinkOwnershipConflict:
		return "hard_link_ownership_conflict"
	case ErrOwnership:
		return "ownership_error"
	case ErrTimeout:
		return "timeout"
	case ErrDriverGone:
		return "driver_gone"
	case ErrAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// Error is the single error type every Handle operation and Shutdown
// resolves to.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "copy", "rename", "link", "unlink", "mkdir", "chown"
	Path   string
	Errno  error   // the underlying OS error, if any
	Errors []error // populated only for ErrAggregate
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrAggregate:
		return fmt.Sprintf("resource: aggregate shutdown error (%d failing record(s)): %v", len(e.Errors), e.Errors)
	case ErrFilesystem:
		return fmt.Sprintf("resource: %s %s: %v", e.Op, e.Path, e.Errno)
	case ErrOwnership:
		return fmt.Sprintf("resource: chown %s: %v", e.Path, e.Errno)
	case ErrHardLinkOwnershipConflict:
		return fmt.Sprintf("resource: hard link at %s would violate ownership model", e.Path)
	case ErrBadState:
		return "resource: request not valid in current state"
	case ErrTimeout:
		return "resource: operation exceeded deadline"
	case ErrDriverGone:
		return "resource: driver task is no longer running"
	default:
		return "resource: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Errno }

func errBadState() *Error      { return &Error{Kind: ErrBadState} }
func errDriverGone() *Error    { return &Error{Kind: ErrDriverGone} }
func errTimeout() *Error       { return &Error{Kind: ErrTimeout} }
func errHardLinkConflict(path string) *Error {
	return &Error{Kind: ErrHardLinkOwnershipConflict, Path: path}
}
func errFilesystem(op, path string, err error) *Error {
	return &Error{Kind: ErrFilesystem, Op: op, Path: path, Errno: err}
}
func errOwnership(path string, err error) *Error {
	return &Error{Kind: ErrOwnership, Op: "chown", Path: path, Errno: err}
}
func errAggregate(errs []error) *Error {
	return &Error{Kind: ErrAggregate, Errors: errs}
}
