package tree

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/internal/errdefs"
)

// DirTree reads entries from a directory on a live filesystem. Symbolic
// links are classified, never traversed. Paths sharing a (device, inode)
// identity are grouped: the first path in sort order stays a regular file
// and the rest are reported as hardlinks pointing at it.
type DirTree struct {
	root    string
	entries []*entry.Entry
}

// NewDirTree returns a tree rooted at the given directory. The root must
// exist and be a directory.
func NewDirTree(root string) (*DirTree, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, errdefs.RootNotFound(root, err)
	}
	if !info.IsDir() {
		return nil, errdefs.RootNotFound(root, fmt.Errorf("not a directory"))
	}
	return &DirTree{root: root}, nil
}

func (t *DirTree) Name() string { return t.root }

// Entries walks the tree once and caches the sorted result, so the
// sequence is restartable without re-walking.
func (t *DirTree) Entries() ([]*entry.Entry, error) {
	if t.entries != nil {
		return t.entries, nil
	}
	entries, err := t.scan()
	if err != nil {
		return nil, err
	}
	t.entries = entries
	return entries, nil
}

func (t *DirTree) Open(e *entry.Entry) (io.ReadCloser, error) {
	if e.Kind != entry.KindRegular && e.Kind != entry.KindHardlink {
		return nil, fmt.Errorf("cannot open content of %s entry %q", e.Kind, e.Path)
	}
	return os.Open(filepath.Join(t.root, filepath.FromSlash(e.Path)))
}

func (t *DirTree) scan() ([]*entry.Entry, error) {
	type scanned struct {
		ent   *entry.Entry
		nlink uint64
	}
	var objects []scanned

	err := filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				// Distinguish "no access" from "not found": an
				// unreadable object is a hard input error, not
				// an absent one.
				return fmt.Errorf("no access to %q: %w", p, err)
			}
			return err
		}
		if p == t.root {
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		ent, nlink, err := t.entryFromInfo(rel, p, info)
		if err != nil {
			return err
		}
		objects = append(objects, scanned{ent: ent, nlink: nlink})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].ent.Path < objects[j].ent.Path })

	// Hardlink grouping happens in sorted order so the content-carrying
	// path is deterministic.
	heads := make(map[entry.Identity]string)
	entries := make([]*entry.Entry, 0, len(objects))
	for _, obj := range objects {
		e := obj.ent
		if e.Kind == entry.KindRegular && obj.nlink > 1 && e.Identity != nil {
			if head, ok := heads[*e.Identity]; ok {
				e.Kind = entry.KindHardlink
				e.LinkTarget = head
			} else {
				heads[*e.Identity] = e.Path
			}
		}
		entries = append(entries, e)
	}

	logrus.WithFields(logrus.Fields{
		"root":    t.root,
		"entries": len(entries),
	}).Debug("scanned directory tree")
	return entries, nil
}

func (t *DirTree) entryFromInfo(rel, full string, info os.FileInfo) (*entry.Entry, uint64, error) {
	e := &entry.Entry{
		Path: rel,
		Mode: info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky),
	}

	var nlink uint64
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.Owner = entry.Owner{UID: int(st.Uid), GID: int(st.Gid)}
		e.Identity = &entry.Identity{Dev: uint64(st.Dev), Inode: uint64(st.Ino)}
		e.DevMajor = unix.Major(uint64(st.Rdev))
		e.DevMinor = unix.Minor(uint64(st.Rdev))
		nlink = uint64(st.Nlink)
	}

	switch mode := info.Mode(); {
	case mode.IsDir():
		e.Kind = entry.KindDirectory
	case mode&os.ModeSymlink != 0:
		e.Kind = entry.KindSymlink
		target, err := os.Readlink(full)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read symlink %q: %w", rel, err)
		}
		e.LinkTarget = target
	case mode&os.ModeCharDevice != 0:
		e.Kind = entry.KindCharDevice
	case mode&os.ModeDevice != 0:
		e.Kind = entry.KindBlockDevice
	case mode&os.ModeNamedPipe != 0:
		e.Kind = entry.KindFIFO
	case mode&os.ModeSocket != 0:
		e.Kind = entry.KindSocket
	case mode.IsRegular():
		e.Kind = entry.KindRegular
		e.Size = info.Size()
		e.ModTime = info.ModTime()
	default:
		return nil, 0, errdefs.Unsupported(rel, fmt.Sprintf("file mode %v", mode))
	}
	return e, nlink, nil
}
