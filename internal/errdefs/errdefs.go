// Package errdefs defines the categorized error type shared by the diff
// engine. Every failure the engine can surface belongs to one of a small
// set of categories so callers can branch on the class of failure without
// string matching.
package errdefs

import (
	"errors"
	"fmt"
)

// Category classifies a diff error.
type Category string

const (
	// CategoryRootNotFound indicates a tree root that does not exist or
	// is not a supported kind of input. Fatal; no partial output.
	CategoryRootNotFound Category = "root-not-found"
	// CategoryUnsupportedEntry indicates an object type the entry model
	// cannot represent.
	CategoryUnsupportedEntry Category = "unsupported-entry"
	// CategoryArchiveMalformed indicates a truncated or invalid archive
	// stream.
	CategoryArchiveMalformed Category = "archive-malformed"
	// CategoryPrivilege indicates an operation that needs a capability
	// the process lacks (device nodes, ownership, trusted xattrs).
	CategoryPrivilege Category = "privilege"
	// CategoryWriteFailed indicates an individual output write failure
	// that is not a privilege problem.
	CategoryWriteFailed Category = "write-failed"
)

// DiffError is the concrete error type carrying the category plus the
// operation and path context of the failure.
type DiffError struct {
	Category  Category
	Operation string
	Path      string
	// Offset is the archive member index at which parsing failed, for
	// archive-malformed errors. -1 when unknown.
	Offset  int64
	Message string
	Cause   error
}

func (e *DiffError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	switch {
	case e.Operation != "" && e.Path != "":
		return fmt.Sprintf("[%s] %s %q: %s", e.Category, e.Operation, e.Path, msg)
	case e.Path != "":
		return fmt.Sprintf("[%s] %q: %s", e.Category, e.Path, msg)
	default:
		return fmt.Sprintf("[%s] %s", e.Category, msg)
	}
}

func (e *DiffError) Unwrap() error { return e.Cause }

// RootNotFound builds a root-not-found error for the given tree root.
func RootNotFound(path string, cause error) *DiffError {
	return &DiffError{
		Category: CategoryRootNotFound,
		Path:     path,
		Offset:   -1,
		Message:  "tree root does not exist or is not usable",
		Cause:    cause,
	}
}

// Unsupported builds an unsupported-entry error for an object that does
// not map onto the entry model.
func Unsupported(path, detail string) *DiffError {
	return &DiffError{
		Category: CategoryUnsupportedEntry,
		Path:     path,
		Offset:   -1,
		Message:  detail,
	}
}

// ArchiveMalformed builds an archive-malformed error. member is the index
// of the archive member at which parsing failed, or -1 when unknown.
func ArchiveMalformed(path string, member int64, cause error) *DiffError {
	return &DiffError{
		Category: CategoryArchiveMalformed,
		Path:     path,
		Offset:   member,
		Cause:    cause,
	}
}

// Privilege builds a privilege error for an operation that needs a
// capability the process lacks.
func Privilege(op, path string, cause error) *DiffError {
	return &DiffError{
		Category:  CategoryPrivilege,
		Operation: op,
		Path:      path,
		Offset:    -1,
		Cause:     cause,
	}
}

// WriteFailed builds a write-failed error for an individual output write.
func WriteFailed(op, path string, cause error) *DiffError {
	return &DiffError{
		Category:  CategoryWriteFailed,
		Operation: op,
		Path:      path,
		Offset:    -1,
		Cause:     cause,
	}
}

func hasCategory(err error, c Category) bool {
	var de *DiffError
	return errors.As(err, &de) && de.Category == c
}

// IsRootNotFound reports whether err is a root-not-found error.
func IsRootNotFound(err error) bool { return hasCategory(err, CategoryRootNotFound) }

// IsUnsupported reports whether err is an unsupported-entry error.
func IsUnsupported(err error) bool { return hasCategory(err, CategoryUnsupportedEntry) }

// IsArchiveMalformed reports whether err is an archive-malformed error.
func IsArchiveMalformed(err error) bool { return hasCategory(err, CategoryArchiveMalformed) }

// IsPrivilege reports whether err is a privilege error.
func IsPrivilege(err error) bool { return hasCategory(err, CategoryPrivilege) }

// IsWriteFailed reports whether err is a write-failed error.
func IsWriteFailed(err error) bool { return hasCategory(err, CategoryWriteFailed) }
