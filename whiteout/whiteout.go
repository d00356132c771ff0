// Package whiteout converts Delete and OpaqueDir diff operations into
// concrete tombstone entries a writer can materialize without knowing
// which deletion convention was chosen.
//
// Two conventions are supported. The overlay convention uses the objects
// union filesystems understand natively: a character device with device
// numbers 0:0 for a deleted path and a trusted.overlay.opaque attribute
// for a hidden directory; realizing either on a live filesystem requires
// privilege. The AUFS marker convention spells the same facts as plain
// empty files with reserved names (".wh.<name>", ".wh..wh..opq") and works
// everywhere, including archives extracted without privilege.
package whiteout

import (
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/unionkit/uniondiff/caps"
	"github.com/unionkit/uniondiff/differ"
	"github.com/unionkit/uniondiff/entry"
)

const (
	// Prefix marks a deleted name under the AUFS convention.
	Prefix = ".wh."
	// OpaqueMarkerName inside a directory hides that directory's lower
	// content under the AUFS convention.
	OpaqueMarkerName = ".wh..wh..opq"
	// OpaqueXattr is the attribute marking an opaque directory under
	// the overlay convention.
	OpaqueXattr = "trusted.overlay.opaque"
)

// Convention selects how deletions are encoded.
type Convention uint8

const (
	// Overlay is the device-node convention.
	Overlay Convention = iota
	// AUFS is the marker-file convention.
	AUFS
)

func (c Convention) String() string {
	switch c {
	case Overlay:
		return "overlay"
	case AUFS:
		return "aufs"
	default:
		return fmt.Sprintf("convention(%d)", uint8(c))
	}
}

// ParseConvention maps a configuration value to a Convention.
func ParseConvention(s string) (Convention, error) {
	switch s {
	case "overlay":
		return Overlay, nil
	case "aufs":
		return AUFS, nil
	default:
		return Overlay, fmt.Errorf("unknown diff convention %q", s)
	}
}

// ForTarget resolves the convention actually usable for the output
// medium. Writing overlay tombstones onto a live filesystem needs the
// mknod and trusted-xattr capabilities; without them the marker-file
// convention is substituted transparently.
func ForTarget(requested Convention, c caps.Set, liveFilesystem bool) Convention {
	if requested == Overlay && liveFilesystem && (!c.Mknod || !c.TrustedXattr) {
		logrus.WithField("caps", c.String()).
			Warn("process cannot create overlay tombstones, falling back to marker files")
		return AUFS
	}
	return requested
}

// Encoder rewrites delete-class operations into concrete entries.
type Encoder struct {
	conv Convention
}

// NewEncoder returns an encoder for the given convention.
func NewEncoder(conv Convention) *Encoder {
	return &Encoder{conv: conv}
}

// Convention returns the convention the encoder writes.
func (e *Encoder) Convention() Convention { return e.conv }

// Encode turns a Delete or OpaqueDir operation into the tombstone entry
// representing it under the encoder's convention.
func (e *Encoder) Encode(op differ.Op) (*entry.Entry, error) {
	switch op.Kind {
	case differ.OpDelete:
		if e.conv == Overlay {
			return &entry.Entry{
				Path: op.Path,
				Kind: entry.KindWhiteout,
				Mode: 0o444,
			}, nil
		}
		dir, base := path.Split(op.Path)
		return &entry.Entry{
			Path: dir + Prefix + base,
			Kind: entry.KindRegular,
			Mode: 0o644,
		}, nil
	case differ.OpOpaqueDir:
		if e.conv == Overlay {
			ent := &entry.Entry{
				Path: op.Path,
				Kind: entry.KindOpaque,
				Mode: 0o755,
			}
			// The marked directory exists on both sides; record its
			// real stats rather than inventing them.
			if op.Entry != nil {
				ent.Mode = op.Entry.Mode
				ent.Owner = op.Entry.Owner
				ent.ModTime = op.Entry.ModTime
			}
			return ent, nil
		}
		return &entry.Entry{
			Path: op.Path + "/" + OpaqueMarkerName,
			Kind: entry.KindRegular,
			Mode: 0o644,
		}, nil
	default:
		return nil, fmt.Errorf("cannot encode %s operation as a tombstone", op.Kind)
	}
}

// Check refuses entries from the merged tree that a consumer of the
// chosen convention would misread as tombstones.
func (e *Encoder) Check(ent *entry.Entry) error {
	switch e.conv {
	case AUFS:
		if IsWhiteoutPath(ent.Path) {
			return fmt.Errorf("refusing to write spurious whiteout path %q", ent.Path)
		}
	case Overlay:
		if ent.Kind == entry.KindCharDevice && ent.DevMajor == 0 && ent.DevMinor == 0 {
			return fmt.Errorf("refusing to write spurious whiteout character device at %q", ent.Path)
		}
	}
	return nil
}

// IsWhiteoutPath reports whether a path's final element carries the
// marker-file prefix.
func IsWhiteoutPath(p string) bool {
	return strings.HasPrefix(path.Base(p), Prefix)
}
