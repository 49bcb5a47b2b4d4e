package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriterRotateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if w.VisibleExists() {
		t.Fatalf("visible spool should not exist before first rotate")
	}

	want := []byte(`{"ts":1.0,"sweep_start":1.0,"buckets":{"1000000":-40},"config":{}}` + "\n")
	if err := w.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !w.VisibleExists() {
		t.Fatalf("visible spool should exist after rotate")
	}

	got, err := ReadAndRemove(w.VisiblePath())
	if err != nil {
		t.Fatalf("ReadAndRemove: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
	if w.VisibleExists() {
		t.Fatalf("visible spool should be gone after ReadAndRemove")
	}

	// A second hand-off, via Close, still works against the fresh hidden file.
	if err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got2, err := ReadAndRemove(w.VisiblePath())
	if err != nil {
		t.Fatalf("ReadAndRemove 2: %v", err)
	}
	if string(got2) != "second\n" {
		t.Fatalf("got %q want %q", got2, "second\n")
	}
}

func TestCompressFileRemovesInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.log.1")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outPath, err := CompressFile(path)
	if err != nil {
		t.Fatalf("CompressFile: %v", err)
	}
	if outPath != path+".zst" {
		t.Fatalf("got outPath %q want %q", outPath, path+".zst")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("uncompressed input should have been removed")
	}

	data, err := ReadAndRemove(outPath)
	if err != nil {
		t.Fatalf("ReadAndRemove: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q want %q", data, "hello world")
	}
}

func TestRotateRingShiftsAndEvicts(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "scan.log")

	for i := 1; i <= 3; i++ {
		p := base + "." + string(rune('0'+i)) + ".zst"
		if err := os.WriteFile(p, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("seed ring member %d: %v", i, err)
		}
	}

	if err := RotateRing(base, 3); err != nil {
		t.Fatalf("RotateRing: %v", err)
	}

	if _, err := os.Stat(base + ".4.zst"); !os.IsNotExist(err) {
		t.Fatalf("ring should not exceed N members")
	}
	for i, want := range map[int]byte{2: 1, 3: 2} {
		p := base + "." + string(rune('0'+i)) + ".zst"
		got, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if len(got) != 1 || got[0] != want {
			t.Fatalf("%s: got %v want %v", p, got, want)
		}
	}
}
