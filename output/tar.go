package output

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/internal/errdefs"
	"github.com/unionkit/uniondiff/whiteout"
)

// ArchiveWriter streams entries as tar records in the order they arrive.
// Hardlink records are emitted immediately; archives are sequential and
// the reader reconstructs links on extraction.
type ArchiveWriter struct {
	tw         *tar.Writer
	compressor io.WriteCloser
}

// NewArchiveWriter returns a writer producing a tar stream on w, wrapped
// with the requested compression codec.
func NewArchiveWriter(w io.Writer, comp Compression) (*ArchiveWriter, error) {
	aw := &ArchiveWriter{}
	switch comp {
	case CompressionNone, "":
		aw.tw = tar.NewWriter(w)
	case CompressionGzip:
		aw.compressor = gzip.NewWriter(w)
		aw.tw = tar.NewWriter(aw.compressor)
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		aw.compressor = enc
		aw.tw = tar.NewWriter(enc)
	default:
		return nil, fmt.Errorf("unsupported compression type: %v", comp)
	}
	return aw, nil
}

func (w *ArchiveWriter) Write(ctx context.Context, e *entry.Entry, content io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    e.Path,
		Mode:    tarMode(e.Mode),
		Uid:     e.Owner.UID,
		Gid:     e.Owner.GID,
		ModTime: e.ModTime,
	}

	switch e.Kind {
	case entry.KindRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case entry.KindDirectory:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case entry.KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
	case entry.KindHardlink:
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = e.LinkTarget
	case entry.KindCharDevice:
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor = int64(e.DevMajor)
		hdr.Devminor = int64(e.DevMinor)
	case entry.KindBlockDevice:
		hdr.Typeflag = tar.TypeBlock
		hdr.Devmajor = int64(e.DevMajor)
		hdr.Devminor = int64(e.DevMinor)
	case entry.KindFIFO:
		hdr.Typeflag = tar.TypeFifo
	case entry.KindWhiteout:
		// Tombstone: character device 0:0 at the deleted path.
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor = 0
		hdr.Devminor = 0
	case entry.KindOpaque:
		// Opaque directory: the dir record carries the overlay
		// attribute as a PAX extended header.
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		hdr.Format = tar.FormatPAX
		hdr.PAXRecords = map[string]string{
			"SCHILY.xattr." + whiteout.OpaqueXattr: "y",
		}
	case entry.KindSocket:
		// tar has no record type for sockets.
		return errdefs.Unsupported(e.Path, "sockets cannot be represented in a tar archive")
	default:
		return errdefs.Unsupported(e.Path, fmt.Sprintf("entry kind %s", e.Kind))
	}

	if err := w.tw.WriteHeader(hdr); err != nil {
		return errdefs.WriteFailed("tar header", e.Path, err)
	}
	if hdr.Typeflag == tar.TypeReg && hdr.Size > 0 {
		if content == nil {
			return errdefs.WriteFailed("tar content", e.Path, fmt.Errorf("no content for %d byte file", hdr.Size))
		}
		written, err := io.Copy(w.tw, content)
		if err != nil {
			return errdefs.WriteFailed("tar content", e.Path, err)
		}
		if written != hdr.Size {
			return errdefs.WriteFailed("tar content", e.Path,
				fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", hdr.Size, written))
		}
	}
	logrus.WithFields(logrus.Fields{"path": e.Path, "kind": e.Kind.String()}).Trace("archived entry")
	return nil
}

// Close flushes the tar stream and the compression codec. The underlying
// sink is the caller's to close.
func (w *ArchiveWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		return err
	}
	if w.compressor != nil {
		return w.compressor.Close()
	}
	return nil
}

// tarMode maps permission and setuid-class bits onto the tar header mode
// field.
func tarMode(m os.FileMode) int64 {
	mode := int64(m & os.ModePerm)
	if m&os.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}
