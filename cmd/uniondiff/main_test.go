package main

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/unionkit/uniondiff/entry"
	"github.com/unionkit/uniondiff/tree"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		in      string
		want    entry.Owner
		wantErr bool
	}{
		{in: "0:0", want: entry.Owner{UID: 0, GID: 0}},
		{in: "1000:1000", want: entry.Owner{UID: 1000, GID: 1000}},
		{in: "1000", wantErr: true},
		{in: "a:b", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseOwner(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOwner(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && *got != tt.want {
				t.Errorf("parseOwner(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOpenTreeAutodetect(t *testing.T) {
	dir := t.TempDir()

	tarPath := filepath.Join(dir, "layer.tar")
	f, err := os.Create(tarPath)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(f)
	if err := tw.WriteHeader(&tar.Header{Name: "f", Mode: 0o644, Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if tr, err := openTree(dir, "auto"); err != nil {
		t.Errorf("auto on directory: %v", err)
	} else if _, ok := tr.(*tree.DirTree); !ok {
		t.Errorf("auto on directory = %T, want *tree.DirTree", tr)
	}

	if tr, err := openTree(tarPath, "auto"); err != nil {
		t.Errorf("auto on archive: %v", err)
	} else if _, ok := tr.(*tree.ArchiveTree); !ok {
		t.Errorf("auto on archive = %T, want *tree.ArchiveTree", tr)
	}

	if _, err := openTree(tarPath, "qcow2"); err == nil {
		t.Error("unknown input type should be rejected")
	}
	if _, err := openTree(filepath.Join(dir, "missing"), "auto"); err == nil {
		t.Error("missing path should be rejected")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "diff_type: aufs\noutput_type: tar\npreserve_owners: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DiffType != "aufs" || cfg.OutputType != "tar" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.PreserveOwners == nil || !*cfg.PreserveOwners {
		t.Error("preserve_owners not parsed")
	}
	if cfg.OpaqueDirs != nil {
		t.Error("absent key should stay nil")
	}

	if err := os.WriteFile(path, []byte("no_such_key: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("unknown keys should be rejected")
	}
}
