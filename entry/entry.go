// Package entry defines the canonical in-memory representation of a single
// filesystem object and the metadata-equality rules the differ relies on.
//
// An Entry is a pure value: it carries a slash-separated relative path, a
// closed set of object kinds, permission bits, ownership, size/mtime for
// regular files, a link target for symlinks and hardlinks, and device
// numbers for device nodes. Content is never stored on the Entry itself;
// the tree package resolves it on demand.
package entry

import (
	"fmt"
	"os"
	"time"
)

// Kind identifies the type of a filesystem object. The set is a closed,
// exhaustive contract: anything a tree yields that does not map onto one of
// these kinds is rejected as unsupported rather than smuggled through.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindHardlink
	KindCharDevice
	KindBlockDevice
	KindFIFO
	KindSocket
	// KindWhiteout marks a path that must appear absent in the merged
	// view. Produced by the whiteout encoder, never by a tree.
	KindWhiteout
	// KindOpaque marks a directory whose entire lower content is hidden.
	KindOpaque
)

var kindNames = map[Kind]string{
	KindRegular:     "regular",
	KindDirectory:   "directory",
	KindSymlink:     "symlink",
	KindHardlink:    "hardlink",
	KindCharDevice:  "char-device",
	KindBlockDevice: "block-device",
	KindFIFO:        "fifo",
	KindSocket:      "socket",
	KindWhiteout:    "whiteout",
	KindOpaque:      "opaque-dir",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Owner holds the numeric ownership of an object. It is always recorded but
// only applied on write when the preserve-owners policy is active.
type Owner struct {
	UID int
	GID int
}

func (o Owner) String() string {
	return fmt.Sprintf("%d:%d", o.UID, o.GID)
}

// Identity is the (device, inode) pair identifying multiple paths as the
// same underlying storage object. It is only meaningful within a single
// tree; device and inode numbers are not portable across providers and are
// never used for equality between the merged and lower sides.
type Identity struct {
	Dev   uint64
	Inode uint64
}

// Entry describes one filesystem object. Mode holds permission and
// setuid/setgid/sticky bits only; the object type lives in Kind.
type Entry struct {
	Path       string
	Kind       Kind
	Mode       os.FileMode
	Owner      Owner
	Size       int64
	ModTime    time.Time
	LinkTarget string
	DevMajor   uint32
	DevMinor   uint32
	Identity   *Identity
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Kind == KindDirectory }

// IsRegular reports whether the entry is a regular file with content.
func (e *Entry) IsRegular() bool { return e.Kind == KindRegular }

// Clone returns a copy of the entry that shares no mutable state with the
// original.
func (e *Entry) Clone() *Entry {
	dup := *e
	if e.Identity != nil {
		id := *e.Identity
		dup.Identity = &id
	}
	return &dup
}

// Equal reports whether two entries are metadata-equal for diffing
// purposes: same kind, mode, size and mtime, plus link target for links
// (hardlinks also compare size and mtime, which track the shared inode)
// and device numbers for device nodes. Ownership participates only when
// compareOwners is set.
//
// For regular files, content equality is assumed once the entries are
// metadata-equal. This is a deliberate heuristic that trades byte-exact
// comparison for performance; it does not hold when timestamps have been
// doctored externally. Callers needing byte-exact detection use the
// differ's content-comparison option.
func Equal(a, b *Entry, compareOwners bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Mode != b.Mode {
		return false
	}
	if compareOwners && a.Owner != b.Owner {
		return false
	}
	switch a.Kind {
	case KindRegular:
		if a.Size != b.Size || !a.ModTime.Equal(b.ModTime) {
			return false
		}
	case KindSymlink:
		if a.LinkTarget != b.LinkTarget {
			return false
		}
	case KindHardlink:
		// Size and mtime mirror the shared inode, so a content change
		// on the linked file must mark every member of the group.
		if a.LinkTarget != b.LinkTarget || a.Size != b.Size || !a.ModTime.Equal(b.ModTime) {
			return false
		}
	case KindCharDevice, KindBlockDevice:
		if a.DevMajor != b.DevMajor || a.DevMinor != b.DevMinor {
			return false
		}
	}
	return true
}
