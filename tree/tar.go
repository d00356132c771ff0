package tree

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/internal/errdefs"
)

// ArchiveTree reads entries from a tar archive, optionally gzip- or
// zstd-compressed (detected from the stream's magic bytes).
//
// A diff needs the full set of one side's paths before it can classify
// deletions, so the archive is indexed into a path map in one pass at
// construction time. This is the single non-streaming stage of the engine
// and its memory cost is proportional to the archive's entry count, not
// its content size. Content access re-opens the source and skips to the
// requested member, which keeps the index metadata-only.
type ArchiveTree struct {
	path    string
	members map[string]*archiveMember
	entries []*entry.Entry
}

type archiveMember struct {
	ent *entry.Entry
	// ordinal is the member's position in the archive, -1 for parent
	// directories synthesized during indexing.
	ordinal int
}

// NewArchiveTree opens and indexes the archive at the given path.
func NewArchiveTree(archivePath string) (*ArchiveTree, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, errdefs.RootNotFound(archivePath, err)
	}
	if info.IsDir() {
		return nil, errdefs.RootNotFound(archivePath, fmt.Errorf("expected an archive, found a directory"))
	}
	t := &ArchiveTree{
		path:    archivePath,
		members: make(map[string]*archiveMember),
	}
	if err := t.index(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ArchiveTree) Name() string { return t.path }

func (t *ArchiveTree) Entries() ([]*entry.Entry, error) {
	return t.entries, nil
}

// Open re-reads the member's content by re-opening the archive and
// skipping to its position. Hardlink entries resolve to their target's
// content.
func (t *ArchiveTree) Open(e *entry.Entry) (io.ReadCloser, error) {
	m, ok := t.members[e.Path]
	if !ok {
		return nil, fmt.Errorf("entry %q not present in archive %s", e.Path, t.path)
	}
	for depth := 0; m.ent.Kind == entry.KindHardlink; depth++ {
		if depth > 32 {
			return nil, errdefs.ArchiveMalformed(t.path, int64(m.ordinal), fmt.Errorf("hardlink chain at %q", e.Path))
		}
		next, ok := t.members[m.ent.LinkTarget]
		if !ok {
			return nil, errdefs.ArchiveMalformed(t.path, int64(m.ordinal),
				fmt.Errorf("hardlink %q targets missing member %q", e.Path, m.ent.LinkTarget))
		}
		m = next
	}
	if m.ent.Kind != entry.KindRegular || m.ordinal < 0 {
		return nil, fmt.Errorf("cannot open content of %s entry %q", m.ent.Kind, m.ent.Path)
	}

	stream, _, err := t.openStream()
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(stream)
	for i := 0; ; i++ {
		if _, err := tr.Next(); err != nil {
			stream.Close()
			return nil, errdefs.ArchiveMalformed(t.path, int64(i), err)
		}
		if i == m.ordinal {
			break
		}
	}
	return &memberReader{r: tr, closer: stream}, nil
}

type memberReader struct {
	r      io.Reader
	closer io.Closer
}

func (m *memberReader) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *memberReader) Close() error               { return m.closer.Close() }

// openStream opens the archive file and wraps it with the right
// decompressor based on its magic bytes. compressed reports whether a
// codec sits between the caller and the file.
func (t *ArchiveTree) openStream() (stream io.ReadCloser, compressed bool, err error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, false, errdefs.RootNotFound(t.path, err)
	}
	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, false, errdefs.ArchiveMalformed(t.path, 0, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, false, err
	}
	magic = magic[:n]

	switch {
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, false, errdefs.ArchiveMalformed(t.path, 0, err)
		}
		return &stackedCloser{Reader: gz, closers: []io.Closer{gz, f}}, true, nil
	case len(magic) == 4 && magic[0] == 0x28 && magic[1] == 0xb5 && magic[2] == 0x2f && magic[3] == 0xfd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, false, errdefs.ArchiveMalformed(t.path, 0, err)
		}
		return &stackedCloser{Reader: dec, closers: []io.Closer{dec.IOReadCloser(), f}}, true, nil
	default:
		return f, false, nil
	}
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *ArchiveTree) index() error {
	stream, compressed, err := t.openStream()
	if err != nil {
		return err
	}
	defer stream.Close()

	tr := tar.NewReader(stream)
	ordinal := 0
	for ; ; ordinal++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errdefs.ArchiveMalformed(t.path, int64(ordinal), err)
		}
		// Drain the member body now. On a seekable source Next skips
		// content without reading it, so a member truncated mid-body
		// would otherwise surface as a clean end of archive.
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return errdefs.ArchiveMalformed(t.path, int64(ordinal), err)
		}
		name := normalizeArchivePath(hdr.Name)
		if name == "" {
			continue
		}
		ent, err := entryFromHeader(name, hdr)
		if err != nil {
			return err
		}
		if ent == nil {
			continue
		}
		// Archives layered on top of each other repeat paths; the
		// last occurrence wins, matching extraction semantics.
		t.members[name] = &archiveMember{ent: ent, ordinal: ordinal}
	}

	// tar treats EOF inside a member's trailing padding as a clean end
	// of archive, so the drain above cannot see that truncation. A tar
	// stream is a sequence of 512 byte blocks; for an uncompressed file
	// a size off block alignment means it was cut short. Compressed
	// streams self-detect truncation in the codec.
	if !compressed {
		if info, err := os.Stat(t.path); err == nil && info.Size()%512 != 0 {
			return errdefs.ArchiveMalformed(t.path, int64(ordinal),
				fmt.Errorf("archive size %d is not a multiple of the tar block size", info.Size()))
		}
	}

	t.synthesizeParents()
	t.resolveHardlinkMetadata()

	paths := make([]string, 0, len(t.members))
	for p := range t.members {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	t.entries = make([]*entry.Entry, len(paths))
	for i, p := range paths {
		t.entries[i] = t.members[p].ent
	}

	logrus.WithFields(logrus.Fields{
		"archive": t.path,
		"entries": len(t.entries),
	}).Debug("indexed archive tree")
	return nil
}

// synthesizeParents adds directory entries for parents that have children
// in the archive but no member of their own.
func (t *ArchiveTree) synthesizeParents() {
	for p := range t.members {
		for parent := path.Dir(p); parent != "." && parent != "/"; parent = path.Dir(parent) {
			if _, ok := t.members[parent]; ok {
				continue
			}
			t.members[parent] = &archiveMember{
				ordinal: -1,
				ent: &entry.Entry{
					Path: parent,
					Kind: entry.KindDirectory,
					Mode: 0o755,
				},
			}
		}
	}
}

// resolveHardlinkMetadata copies size and stat metadata from a hardlink's
// target member; tar records them only on the content-bearing member.
func (t *ArchiveTree) resolveHardlinkMetadata() {
	for _, m := range t.members {
		if m.ent.Kind != entry.KindHardlink {
			continue
		}
		target, ok := t.members[m.ent.LinkTarget]
		if !ok {
			logrus.WithFields(logrus.Fields{
				"archive": t.path,
				"path":    m.ent.Path,
				"target":  m.ent.LinkTarget,
			}).Warn("hardlink member targets a path missing from the archive")
			continue
		}
		m.ent.Size = target.ent.Size
		m.ent.Mode = target.ent.Mode
		m.ent.Owner = target.ent.Owner
		m.ent.ModTime = target.ent.ModTime
	}
}

func normalizeArchivePath(name string) string {
	p := path.Clean("/" + name)
	if p == "/" {
		return ""
	}
	return p[1:]
}

func entryFromHeader(name string, hdr *tar.Header) (*entry.Entry, error) {
	e := &entry.Entry{
		Path:    name,
		Mode:    hdr.FileInfo().Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky),
		Owner:   entry.Owner{UID: hdr.Uid, GID: hdr.Gid},
		ModTime: hdr.ModTime,
	}

	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		e.Kind = entry.KindRegular
		e.Size = hdr.Size
	case tar.TypeDir:
		e.Kind = entry.KindDirectory
	case tar.TypeSymlink:
		e.Kind = entry.KindSymlink
		e.LinkTarget = hdr.Linkname
	case tar.TypeLink:
		e.Kind = entry.KindHardlink
		e.LinkTarget = normalizeArchivePath(hdr.Linkname)
	case tar.TypeChar:
		e.Kind = entry.KindCharDevice
		e.DevMajor = uint32(hdr.Devmajor)
		e.DevMinor = uint32(hdr.Devminor)
	case tar.TypeBlock:
		e.Kind = entry.KindBlockDevice
		e.DevMajor = uint32(hdr.Devmajor)
		e.DevMinor = uint32(hdr.Devminor)
	case tar.TypeFifo:
		e.Kind = entry.KindFIFO
	case tar.TypeXGlobalHeader:
		return nil, nil
	default:
		return nil, errdefs.Unsupported(name, fmt.Sprintf("tar member type %q", hdr.Typeflag))
	}
	return e, nil
}
