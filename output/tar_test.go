package output

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/internal/errdefs"
	"github.com/unionkit/uniondiff/whiteout"
)

func readAllHeaders(t *testing.T, r io.Reader) map[string]*tar.Header {
	t.Helper()
	out := make(map[string]*tar.Header)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive back: %v", err)
		}
		out[hdr.Name] = hdr
	}
	return out
}

func TestArchiveWriterHeaders(t *testing.T) {
	mtime := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	w, err := NewArchiveWriter(&buf, CompressionNone)
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}

	ctx := context.Background()
	entries := []struct {
		e       *entry.Entry
		content string
	}{
		{e: &entry.Entry{Path: "app", Kind: entry.KindDirectory, Mode: 0o755}},
		{e: &entry.Entry{Path: "app/bin", Kind: entry.KindRegular, Mode: 0o755, Size: 5, ModTime: mtime, Owner: entry.Owner{UID: 3, GID: 4}}, content: "hello"},
		{e: &entry.Entry{Path: "app/link", Kind: entry.KindSymlink, Mode: 0o777, LinkTarget: "bin"}},
		{e: &entry.Entry{Path: "app/alias", Kind: entry.KindHardlink, Mode: 0o755, LinkTarget: "app/bin"}},
		{e: &entry.Entry{Path: "dev/null", Kind: entry.KindCharDevice, Mode: 0o666, DevMajor: 1, DevMinor: 3}},
		{e: &entry.Entry{Path: "app/gone", Kind: entry.KindWhiteout, Mode: 0o444}},
		{e: &entry.Entry{Path: "app/cache", Kind: entry.KindOpaque, Mode: 0o755}},
	}
	for _, item := range entries {
		var content io.Reader
		if item.content != "" {
			content = strings.NewReader(item.content)
		}
		if err := w.Write(ctx, item.e, content); err != nil {
			t.Fatalf("Write %s: %v", item.e.Path, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	headers := readAllHeaders(t, &buf)

	if hdr := headers["app/"]; hdr == nil || hdr.Typeflag != tar.TypeDir {
		t.Error("directory record missing or wrong type")
	}
	if hdr := headers["app/bin"]; hdr == nil || hdr.Size != 5 || hdr.Uid != 3 || hdr.Gid != 4 {
		t.Errorf("regular record wrong: %+v", headers["app/bin"])
	}
	if hdr := headers["app/link"]; hdr == nil || hdr.Typeflag != tar.TypeSymlink || hdr.Linkname != "bin" {
		t.Errorf("symlink record wrong: %+v", headers["app/link"])
	}
	if hdr := headers["app/alias"]; hdr == nil || hdr.Typeflag != tar.TypeLink || hdr.Linkname != "app/bin" {
		t.Errorf("hardlink record wrong: %+v", headers["app/alias"])
	}
	if hdr := headers["dev/null"]; hdr == nil || hdr.Typeflag != tar.TypeChar || hdr.Devmajor != 1 || hdr.Devminor != 3 {
		t.Errorf("device record wrong: %+v", headers["dev/null"])
	}

	// A whiteout is a 0:0 character device at the deleted path.
	if hdr := headers["app/gone"]; hdr == nil || hdr.Typeflag != tar.TypeChar || hdr.Devmajor != 0 || hdr.Devminor != 0 {
		t.Errorf("whiteout record wrong: %+v", headers["app/gone"])
	}

	// An opaque directory carries the overlay attribute as a PAX record.
	opq := headers["app/cache/"]
	if opq == nil || opq.Typeflag != tar.TypeDir {
		t.Fatalf("opaque record wrong: %+v", opq)
	}
	if got := opq.PAXRecords["SCHILY.xattr."+whiteout.OpaqueXattr]; got != "y" {
		t.Errorf("opaque xattr record = %q, want y", got)
	}
}

func TestArchiveWriterContentChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("size mismatch", func(t *testing.T) {
		var buf bytes.Buffer
		w, _ := NewArchiveWriter(&buf, CompressionNone)
		e := &entry.Entry{Path: "f", Kind: entry.KindRegular, Mode: 0o644, Size: 10}
		err := w.Write(ctx, e, strings.NewReader("short"))
		if !errdefs.IsWriteFailed(err) {
			t.Errorf("got %v, want write-failed", err)
		}
	})

	t.Run("missing content", func(t *testing.T) {
		var buf bytes.Buffer
		w, _ := NewArchiveWriter(&buf, CompressionNone)
		e := &entry.Entry{Path: "f", Kind: entry.KindRegular, Mode: 0o644, Size: 10}
		if err := w.Write(ctx, e, nil); !errdefs.IsWriteFailed(err) {
			t.Errorf("got %v, want write-failed", err)
		}
	})

	t.Run("socket rejected", func(t *testing.T) {
		var buf bytes.Buffer
		w, _ := NewArchiveWriter(&buf, CompressionNone)
		e := &entry.Entry{Path: "s", Kind: entry.KindSocket, Mode: 0o755}
		if err := w.Write(ctx, e, nil); !errdefs.IsUnsupported(err) {
			t.Errorf("got %v, want unsupported-entry", err)
		}
	})
}

func TestArchiveWriterCompression(t *testing.T) {
	ctx := context.Background()
	e := &entry.Entry{Path: "f", Kind: entry.KindRegular, Mode: 0o644, Size: 4}

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := NewArchiveWriter(&buf, CompressionGzip)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Write(ctx, e, strings.NewReader("data")); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		gz, err := gzip.NewReader(&buf)
		if err != nil {
			t.Fatalf("output is not gzip: %v", err)
		}
		defer gz.Close()
		if headers := readAllHeaders(t, gz); headers["f"] == nil {
			t.Error("member missing after gzip round trip")
		}
	})

	t.Run("zstd", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := NewArchiveWriter(&buf, CompressionZstd)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Write(ctx, e, strings.NewReader("data")); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		dec, err := zstd.NewReader(&buf)
		if err != nil {
			t.Fatalf("output is not zstd: %v", err)
		}
		defer dec.Close()
		if headers := readAllHeaders(t, dec); headers["f"] == nil {
			t.Error("member missing after zstd round trip")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := NewArchiveWriter(io.Discard, Compression("lz4")); err == nil {
			t.Error("unknown compression should be rejected")
		}
	})
}

func TestTarModeBits(t *testing.T) {
	tests := []struct {
		name string
		mode uint32
		want int64
	}{
		{"plain", 0o644, 0o644},
		{"setuid", 0o4755, 0o4755},
		{"setgid", 0o2755, 0o2755},
		{"sticky", 0o1777, 0o1777},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fileModeFromUnix(tt.mode)
			if got := tarMode(m); got != tt.want {
				t.Errorf("tarMode(%o) = %o, want %o", tt.mode, got, tt.want)
			}
		})
	}
}

func fileModeFromUnix(m uint32) os.FileMode {
	fm := os.FileMode(m & 0o777)
	if m&0o4000 != 0 {
		fm |= os.ModeSetuid
	}
	if m&0o2000 != 0 {
		fm |= os.ModeSetgid
	}
	if m&0o1000 != 0 {
		fm |= os.ModeSticky
	}
	return fm
}
