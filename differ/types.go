package differ

import (
	"fmt"

	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/tree"
)

// OpKind classifies a diff operation. Paths found equal on both sides
// (Keep) are never emitted.
type OpKind uint8

const (
	// OpAdd introduces an object present only in the merged tree.
	OpAdd OpKind = iota
	// OpModify replaces an object that exists on both sides but differs,
	// carrying the merged side's entry in full.
	OpModify
	// OpDelete removes an object present only in the lower tree. A
	// removed directory yields a single delete at the subtree root; a
	// tombstone there hides everything beneath it.
	OpDelete
	// OpOpaqueDir hides the entire lower content of a directory that
	// exists on both sides, replacing the per-path deletes beneath it.
	OpOpaqueDir
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpOpaqueDir:
		return "opaque-dir"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is one element of the diff operation stream. Entry and Source are
// populated for Add and Modify; Delete carries only the path. OpaqueDir
// carries the merged side's directory entry so its mode and owner reach
// the output, but no Source. Source is the tree to open the entry's
// content from.
type Op struct {
	Kind   OpKind
	Path   string
	Entry  *entry.Entry
	Source tree.Tree
}

// Options control diff classification and the shape of emitted entries.
type Options struct {
	// PreserveOwners makes uid/gid part of metadata equality and tells
	// filesystem writers to apply ownership.
	PreserveOwners bool
	// OpaqueDirs replaces per-path deletes under a fully-cleared
	// directory with a single opaque marker. Opaque markers are fewer
	// entries but require the consuming union filesystem to understand
	// opaque semantics; the default per-path deletes are universally
	// understood.
	OpaqueDirs bool
	// CompareContent re-reads both sides of a metadata-equal regular
	// file pair and compares bytes, for callers that cannot trust
	// mtimes.
	CompareContent bool
	// ScrubMtimes zeroes modification times on emitted entries.
	ScrubMtimes bool
	// OwnerOverride, when set, replaces ownership on every emitted
	// entry.
	OwnerOverride *entry.Owner
}
