// Package output materializes a diff operation stream, either as a
// streamed tar archive or onto a live filesystem. Writers receive entries
// that have already been whiteout-encoded; they write whatever entry kind
// they are given and never know which deletion convention produced it.
package output

import (
	"context"
	"fmt"
	"io"

	"github.com/unionkit/uniondiff/differ"
	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/whiteout"
)

// Compression selects the codec wrapped around an archive stream.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Writer consumes the encoded entry stream. content is non-nil only for
// regular-file entries with content to copy; it is fully consumed before
// Write returns. Close flushes any deferred work (the filesystem writer
// creates hardlinks there) and must be called exactly once.
type Writer interface {
	Write(ctx context.Context, e *entry.Entry, content io.Reader) error
	Close() error
}

// WriteDiff runs the differ and streams the result into w, rewriting
// delete-class operations through the encoder on the way. On success the
// writer has been closed.
func WriteDiff(ctx context.Context, d *differ.Differ, enc *whiteout.Encoder, w Writer) error {
	err := d.Run(ctx, func(op differ.Op) error {
		switch op.Kind {
		case differ.OpDelete, differ.OpOpaqueDir:
			tombstone, err := enc.Encode(op)
			if err != nil {
				return err
			}
			return w.Write(ctx, tombstone, nil)
		default:
			if err := enc.Check(op.Entry); err != nil {
				return err
			}
			if op.Entry.Kind != entry.KindRegular || op.Entry.Size == 0 {
				return w.Write(ctx, op.Entry, nil)
			}
			content, err := op.Source.Open(op.Entry)
			if err != nil {
				return err
			}
			werr := w.Write(ctx, op.Entry, content)
			if cerr := content.Close(); werr == nil {
				werr = cerr
			}
			return werr
		}
	})
	if err != nil {
		return err
	}
	return w.Close()
}

// DryRunWriter prints each entry it is handed instead of materializing
// it.
type DryRunWriter struct {
	out io.Writer
}

// NewDryRunWriter returns a writer that describes the stream on out.
func NewDryRunWriter(out io.Writer) *DryRunWriter {
	return &DryRunWriter{out: out}
}

func (w *DryRunWriter) Write(_ context.Context, e *entry.Entry, content io.Reader) error {
	if content != nil {
		// The stream contract says content is consumed.
		if _, err := io.Copy(io.Discard, content); err != nil {
			return err
		}
	}
	desc := fmt.Sprintf("%s %q mode=%03o owner=%s", e.Kind, e.Path, uint32(e.Mode.Perm()), e.Owner)
	switch e.Kind {
	case entry.KindRegular:
		desc += fmt.Sprintf(" size=%d", e.Size)
	case entry.KindSymlink, entry.KindHardlink:
		desc += fmt.Sprintf(" target=%q", e.LinkTarget)
	case entry.KindCharDevice, entry.KindBlockDevice:
		desc += fmt.Sprintf(" dev=%d:%d", e.DevMajor, e.DevMinor)
	}
	_, err := fmt.Fprintln(w.out, desc)
	return err
}

func (w *DryRunWriter) Close() error { return nil }
