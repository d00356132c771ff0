package output

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/unionkit/uniondiff/differ"
	"github.com/unionkit/uniondiff/tree"
	"github.com/unionkit/uniondiff/whiteout"
)

// buildLayerTrees writes a lower and merged tree sharing one unchanged
// file, so the diff contains one add and one delete.
func buildLayerTrees(t *testing.T) (merged, lower string) {
	t.Helper()
	merged = t.TempDir()
	lower = t.TempDir()
	mtime := time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC)

	for _, root := range []string{merged, lower} {
		if err := os.Mkdir(filepath.Join(root, "etc"), 0o755); err != nil {
			t.Fatal(err)
		}
		keep := filepath.Join(root, "etc/keep.txt")
		if err := os.WriteFile(keep, []byte("stable"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(keep, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(merged, "etc/new.txt"), []byte("fresh"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lower, "etc/old.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	return merged, lower
}

func newDirDiffer(t *testing.T, mergedRoot, lowerRoot string, opts differ.Options) *differ.Differ {
	t.Helper()
	merged, err := tree.NewDirTree(mergedRoot)
	if err != nil {
		t.Fatal(err)
	}
	lower, err := tree.NewDirTree(lowerRoot)
	if err != nil {
		t.Fatal(err)
	}
	return differ.New(merged, lower, opts)
}

func TestWriteDiffToArchive(t *testing.T) {
	mergedRoot, lowerRoot := buildLayerTrees(t)
	d := newDirDiffer(t, mergedRoot, lowerRoot, differ.Options{})

	var buf bytes.Buffer
	w, err := NewArchiveWriter(&buf, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteDiff(context.Background(), d, whiteout.NewEncoder(whiteout.AUFS), w); err != nil {
		t.Fatalf("WriteDiff: %v", err)
	}

	members := make(map[string]string)
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading diff archive: %v", err)
		}
		data, _ := io.ReadAll(tr)
		members[hdr.Name] = string(data)
	}

	if members["etc/new.txt"] != "fresh" {
		t.Errorf("etc/new.txt = %q, want fresh", members["etc/new.txt"])
	}
	if _, ok := members["etc/.wh.old.txt"]; !ok {
		t.Errorf("whiteout marker missing, members: %v", memberNames(members))
	}
	if _, ok := members["etc/keep.txt"]; ok {
		t.Error("unchanged file leaked into the diff")
	}
	if _, ok := members["etc/old.txt"]; ok {
		t.Error("deleted file leaked into the diff")
	}
}

func TestWriteDiffToDirectory(t *testing.T) {
	mergedRoot, lowerRoot := buildLayerTrees(t)
	d := newDirDiffer(t, mergedRoot, lowerRoot, differ.Options{})

	outRoot := filepath.Join(t.TempDir(), "upper")
	w, err := NewDirWriter(outRoot, DirWriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteDiff(context.Background(), d, whiteout.NewEncoder(whiteout.AUFS), w); err != nil {
		t.Fatalf("WriteDiff: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(outRoot, "etc/new.txt"))
	if err != nil || string(data) != "fresh" {
		t.Errorf("etc/new.txt: %v %q", err, data)
	}
	if _, err := os.Lstat(filepath.Join(outRoot, "etc/.wh.old.txt")); err != nil {
		t.Errorf("whiteout marker: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(outRoot, "etc/keep.txt")); !os.IsNotExist(err) {
		t.Error("unchanged file leaked into the upper tree")
	}
}

func TestWriteDiffIdenticalTreesIsEmptyArchive(t *testing.T) {
	mergedRoot, _ := buildLayerTrees(t)
	d := newDirDiffer(t, mergedRoot, mergedRoot, differ.Options{})

	var buf bytes.Buffer
	w, err := NewArchiveWriter(&buf, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteDiff(context.Background(), d, whiteout.NewEncoder(whiteout.Overlay), w); err != nil {
		t.Fatalf("WriteDiff: %v", err)
	}
	tr := tar.NewReader(&buf)
	if hdr, err := tr.Next(); err != io.EOF {
		t.Errorf("self-diff produced member %v (err %v), want empty archive", hdr, err)
	}
}

func TestDryRunWriter(t *testing.T) {
	mergedRoot, lowerRoot := buildLayerTrees(t)
	d := newDirDiffer(t, mergedRoot, lowerRoot, differ.Options{})

	var out strings.Builder
	if err := WriteDiff(context.Background(), d, whiteout.NewEncoder(whiteout.AUFS), NewDryRunWriter(&out)); err != nil {
		t.Fatalf("WriteDiff: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, `"etc/new.txt"`) {
		t.Errorf("dry run missing add line:\n%s", text)
	}
	if !strings.Contains(text, `"etc/.wh.old.txt"`) {
		t.Errorf("dry run missing whiteout line:\n%s", text)
	}
}

func memberNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	return names
}
