// Package bloatyerr defines the structured error taxonomy every parser and
// driver in this module raises: a short message plus the input-file
// location it came from and the category of failure, so the scan driver
// and CLI can tell a malformed-input failure from a resource failure
// without string-matching messages.
package bloatyerr

import "fmt"

// Category classifies the kind of failure, mirroring the four buckets the
// error-handling design groups real bloaty failures into.
type Category int

const (
	// MalformedInput covers short reads, bad magic, out-of-range offsets,
	// unterminated LEB128s, unknown DWARF forms, and unsupported archive
	// variants -- anything the input bytes themselves are to blame for.
	MalformedInput Category = iota
	// SemanticMismatch covers internally-inconsistent requests: a range
	// extending beyond the base map, an unknown data source name, a custom
	// source referencing a nonexistent base.
	SemanticMismatch
	// Configuration covers bad flag values, missing files, missing
	// build-ids, and similar user-facing setup mistakes.
	Configuration
	// Resource covers mmap/open failures, decompression failures, and
	// regex compile failures -- environment problems, not input problems.
	Resource
)

func (c Category) String() string {
	switch c {
	case MalformedInput:
		return "malformed input"
	case SemanticMismatch:
		return "semantic mismatch"
	case Configuration:
		return "configuration"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Location names the spot in the *input binary* (not in this program's
// source) that an error refers to: a file name plus a byte offset within
// it. Either field may be zero/empty when not applicable.
type Location struct {
	File   string
	Offset int64
}

func (loc Location) String() string {
	if loc.File == "" {
		return fmt.Sprintf("offset %#x", loc.Offset)
	}
	return fmt.Sprintf("%s: offset %#x", loc.File, loc.Offset)
}

// Error is the structured error value every package in this module raises
// for a binary-parsing or driver-level failure.
type Error struct {
	Category Category
	Message  string
	Location Location
	Wrapped  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Location.File == "" && e.Location.Offset == 0 {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Category, e.Message, e.Location)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// New builds an Error with no location information.
func New(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// At builds an Error located at a specific offset within file.
func At(cat Category, file string, offset int64, format string, args ...any) *Error {
	return &Error{
		Category: cat,
		Message:  fmt.Sprintf(format, args...),
		Location: Location{File: file, Offset: offset},
	}
}

// Wrap attaches cat and an input-file location to an existing error,
// keeping it unwrappable via errors.Is/errors.As.
func Wrap(cat Category, file string, offset int64, cause error) *Error {
	return &Error{
		Category: cat,
		Message:  cause.Error(),
		Location: Location{File: file, Offset: offset},
		Wrapped:  cause,
	}
}

// IsFatalToBatch reports whether err should stop a multi-file scan rather
// than being skipped with a warning. Only a MalformedInput *Error is not
// batch-fatal: the scan driver (internal/scan) reports it on stderr, skips
// that file and goes on with the rest of the batch. Every other category,
// and any error that is not an *Error, stops the whole batch.
func IsFatalToBatch(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return true
	}
	return e.Category != MalformedInput
}
