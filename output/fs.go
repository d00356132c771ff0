package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/unionkit/uniondiff/caps"
	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/internal/errdefs"
	"github.com/unionkit/uniondiff/whiteout"
)

// DirWriterOptions configure materialization onto a live filesystem.
type DirWriterOptions struct {
	// PreserveOwners applies recorded uid/gid to every created object.
	// Requires the chown capability; failures are then fatal.
	PreserveOwners bool
	// BestEffort logs and skips individual write failures instead of
	// stopping the run. Privilege failures under PreserveOwners remain
	// fatal.
	BestEffort bool
	// Caps is the capability set detected once by the caller.
	Caps caps.Set
}

// DirWriter materializes entries under a root directory in two passes:
// every non-hardlink entry is applied in stream order, and hardlinks are
// created on Close, by which time their targets are guaranteed to exist.
//
// Writes are durable per entry; a failed run leaves previously written
// paths in place. Directory creation is idempotent, and creating a file
// or node at an occupied path replaces the occupant.
type DirWriter struct {
	root  string
	opts  DirWriterOptions
	links []linkJob
}

type linkJob struct {
	path   string
	target string
}

// NewDirWriter returns a writer rooted at dir, creating it if absent.
func NewDirWriter(dir string, opts DirWriterOptions) (*DirWriter, error) {
	if opts.PreserveOwners && !opts.Caps.Chown {
		return nil, errdefs.Privilege("chown", dir, fmt.Errorf("preserving owners requires the chown capability"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.WriteFailed("mkdir", dir, err)
	}
	return &DirWriter{root: dir, opts: opts}, nil
}

func (w *DirWriter) Write(ctx context.Context, e *entry.Entry, content io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := w.write(e, content)
	if err != nil && w.opts.BestEffort && errdefs.IsWriteFailed(err) {
		logrus.WithError(err).Warn("ignoring write failure")
		return nil
	}
	return err
}

// Close creates the queued hardlink entries.
func (w *DirWriter) Close() error {
	for _, job := range w.links {
		full := w.fullPath(job.path)
		os.Remove(full)
		if err := os.Link(w.fullPath(job.target), full); err != nil {
			err = errdefs.WriteFailed("link", job.path, err)
			if w.opts.BestEffort {
				logrus.WithError(err).Warn("ignoring write failure")
				continue
			}
			return err
		}
	}
	w.links = nil
	return nil
}

func (w *DirWriter) fullPath(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

func (w *DirWriter) write(e *entry.Entry, content io.Reader) error {
	full := w.fullPath(e.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errdefs.WriteFailed("mkdir", e.Path, err)
	}

	logrus.WithFields(logrus.Fields{"path": e.Path, "kind": e.Kind.String()}).Trace("writing entry")
	switch e.Kind {
	case entry.KindDirectory:
		return w.writeDir(full, e)
	case entry.KindRegular:
		return w.writeFile(full, e, content)
	case entry.KindSymlink:
		os.RemoveAll(full)
		if err := os.Symlink(e.LinkTarget, full); err != nil {
			return errdefs.WriteFailed("symlink", e.Path, err)
		}
		return w.applyOwner(full, e)
	case entry.KindHardlink:
		// Deferred to pass 2: the target may not exist yet when the
		// stream carries a link before its directory siblings.
		w.links = append(w.links, linkJob{path: e.Path, target: e.LinkTarget})
		return nil
	case entry.KindCharDevice, entry.KindWhiteout:
		return w.writeNode(full, e, unix.S_IFCHR)
	case entry.KindBlockDevice:
		return w.writeNode(full, e, unix.S_IFBLK)
	case entry.KindFIFO:
		os.RemoveAll(full)
		if err := unix.Mkfifo(full, unixPerm(e.Mode)); err != nil {
			return errdefs.WriteFailed("mkfifo", e.Path, err)
		}
		return w.applyOwner(full, e)
	case entry.KindSocket:
		return w.writeSocket(full, e)
	case entry.KindOpaque:
		return w.writeOpaque(full, e)
	default:
		return errdefs.Unsupported(e.Path, fmt.Sprintf("entry kind %s", e.Kind))
	}
}

func (w *DirWriter) writeDir(full string, e *entry.Entry) error {
	err := os.Mkdir(full, e.Mode.Perm())
	if errors.Is(err, fs.ErrExist) {
		info, serr := os.Lstat(full)
		if serr == nil && !info.IsDir() {
			os.RemoveAll(full)
			err = os.Mkdir(full, e.Mode.Perm())
		} else {
			err = nil
		}
	}
	if err != nil {
		return errdefs.WriteFailed("mkdir", e.Path, err)
	}
	if err := w.applyOwner(full, e); err != nil {
		return err
	}
	if err := os.Chmod(full, e.Mode); err != nil {
		return errdefs.WriteFailed("chmod", e.Path, err)
	}
	return nil
}

// writeFile writes content first and applies metadata afterwards, so no
// later write disturbs it.
func (w *DirWriter) writeFile(full string, e *entry.Entry, content io.Reader) error {
	// Any occupant goes first. Opening through a surviving symlink would
	// redirect the write to the link's target instead of replacing the
	// path.
	if info, err := os.Lstat(full); err == nil {
		if info.IsDir() {
			os.RemoveAll(full)
		} else {
			os.Remove(full)
		}
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errdefs.WriteFailed("create", e.Path, err)
	}
	if content != nil {
		if _, err := io.Copy(f, content); err != nil {
			f.Close()
			return errdefs.WriteFailed("write", e.Path, err)
		}
	}
	if err := f.Close(); err != nil {
		return errdefs.WriteFailed("write", e.Path, err)
	}
	if err := w.applyOwner(full, e); err != nil {
		return err
	}
	// chmod after chown: changing ownership clears setuid bits.
	if err := os.Chmod(full, e.Mode); err != nil {
		return errdefs.WriteFailed("chmod", e.Path, err)
	}
	if !e.ModTime.IsZero() {
		if err := os.Chtimes(full, e.ModTime, e.ModTime); err != nil {
			return errdefs.WriteFailed("chtimes", e.Path, err)
		}
	}
	return nil
}

func (w *DirWriter) writeNode(full string, e *entry.Entry, typ uint32) error {
	os.RemoveAll(full)
	dev := int(unix.Mkdev(e.DevMajor, e.DevMinor))
	if err := unix.Mknod(full, typ|unixPerm(e.Mode), dev); err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return errdefs.Privilege("mknod", e.Path, err)
		}
		return errdefs.WriteFailed("mknod", e.Path, err)
	}
	return w.applyOwner(full, e)
}

func (w *DirWriter) writeSocket(full string, e *entry.Entry) error {
	os.RemoveAll(full)
	if len(full) >= 108 {
		// sockaddr_un paths are length-limited.
		return errdefs.WriteFailed("socket", e.Path, fmt.Errorf("path too long for a unix socket"))
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return errdefs.WriteFailed("socket", e.Path, err)
	}
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: full})
	unix.Close(fd)
	if err != nil {
		return errdefs.WriteFailed("socket", e.Path, err)
	}
	if err := os.Chmod(full, e.Mode.Perm()); err != nil {
		return errdefs.WriteFailed("chmod", e.Path, err)
	}
	return w.applyOwner(full, e)
}

func (w *DirWriter) writeOpaque(full string, e *entry.Entry) error {
	if err := os.MkdirAll(full, 0o755); err != nil {
		return errdefs.WriteFailed("mkdir", e.Path, err)
	}
	if err := unix.Setxattr(full, whiteout.OpaqueXattr, []byte("y"), 0); err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return errdefs.Privilege("setxattr", e.Path, err)
		}
		return errdefs.WriteFailed("setxattr", e.Path, err)
	}
	return nil
}

func (w *DirWriter) applyOwner(full string, e *entry.Entry) error {
	if !w.opts.PreserveOwners {
		return nil
	}
	if err := os.Lchown(full, e.Owner.UID, e.Owner.GID); err != nil {
		// Ownership was explicitly requested, so failure is fatal.
		return errdefs.Privilege("chown", e.Path, err)
	}
	return nil
}

func unixPerm(m os.FileMode) uint32 {
	perm := uint32(m & os.ModePerm)
	if m&os.ModeSetuid != 0 {
		perm |= unix.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		perm |= unix.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		perm |= unix.S_ISVTX
	}
	return perm
}
