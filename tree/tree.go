// Package tree abstracts the two sources a diff can pull filesystem
// objects from: a live directory and a tar-family archive. Both yield a
// path-sorted, restartable sequence of entries plus on-demand content
// access, so the differ never needs to know which medium it is reading.
package tree

import (
	"io"

	"github.com/unionkit/uniondiff/entry"
)

// Tree is a source of filesystem entries for one side of a diff.
//
// Entries returns every object in the tree, already sorted by path in
// ascending byte order, which guarantees a directory precedes everything
// nested under it. The slice is stable across calls; callers must not
// mutate the entries it holds.
//
// Open returns a single-use sequential reader for the content of a
// regular-file (or hardlink) entry previously obtained from Entries.
type Tree interface {
	Name() string
	Entries() ([]*entry.Entry, error)
	Open(e *entry.Entry) (io.ReadCloser, error)
}
