// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package spool implements the compressed hand-off file conventions from
// SPEC_FULL.md §3/§6: the Proxy's hidden-then-visible spool file, and the
// Processor's numbered Zstandard-compressed scan log ring. Grounded on
// sigfinder.py's use of zstandard.ZstdCompressor/ZstdDecompressor and
// utils.rotate_file_n; klauspost/compress/zstd is the one dependency new to
// this corpus (see DESIGN.md).
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// BuffFile is the visible spool filename within a buff_path directory.
const BuffFile = "scanfftbuffer.txt.zst"

// HiddenName returns the dotfile-prefixed sibling of a visible path.
func HiddenName(visible string) string {
	dir := filepath.Dir(visible)
	base := filepath.Base(visible)
	return filepath.Join(dir, "."+base)
}

// Writer owns the Proxy's exclusive hidden spool file, buffering bytes
// through a streaming Zstandard encoder until Rotate hands the buffer off
// to the Processor by renaming it to the visible path.
type Writer struct {
	visiblePath string
	hiddenPath  string
	f           *os.File
	enc         *zstd.Encoder
}

// NewWriter opens a fresh hidden spool file under buffPath, removing any
// stale hidden file left by a prior crashed run.
func NewWriter(buffPath string) (*Writer, error) {
	visible := filepath.Join(buffPath, BuffFile)
	hidden := HiddenName(visible)
	_ = os.Remove(hidden)
	w := &Writer{visiblePath: visible, hiddenPath: hidden}
	if err := w.openHidden(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openHidden() error {
	f, err := os.OpenFile(w.hiddenPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open hidden spool %s: %w", w.hiddenPath, err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("new zstd writer: %w", err)
	}
	w.f = f
	w.enc = enc
	return nil
}

// Write appends a received message verbatim into the compressed stream.
func (w *Writer) Write(p []byte) error {
	if _, err := w.enc.Write(p); err != nil {
		return fmt.Errorf("write spool buffer: %w", err)
	}
	return nil
}

// VisiblePath reports the path the Processor watches for.
func (w *Writer) VisiblePath() string { return w.visiblePath }

// VisibleExists reports whether a visible spool file is currently present,
// i.e. the Processor has not yet drained the prior batch.
func (w *Writer) VisibleExists() bool {
	_, err := os.Stat(w.visiblePath)
	return err == nil
}

// Rotate closes the compressor, renames the hidden file to visible, and
// opens a fresh hidden file for the next buffering period. Callers must
// check VisibleExists before calling Rotate per SPEC_FULL.md §4.1.
func (w *Writer) Rotate() error {
	if err := w.closeHidden(); err != nil {
		return err
	}
	if err := os.Rename(w.hiddenPath, w.visiblePath); err != nil {
		return fmt.Errorf("rename spool %s -> %s: %w", w.hiddenPath, w.visiblePath, err)
	}
	return w.openHidden()
}

// Close finalizes and hands off whatever has been buffered so far, without
// opening a new hidden file. Used on shutdown.
func (w *Writer) Close() error {
	if err := w.closeHidden(); err != nil {
		return err
	}
	if err := os.Rename(w.hiddenPath, w.visiblePath); err != nil {
		return fmt.Errorf("rename spool %s -> %s: %w", w.hiddenPath, w.visiblePath, err)
	}
	return nil
}

func (w *Writer) closeHidden() error {
	if err := w.enc.Close(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close hidden spool: %w", err)
	}
	return nil
}

// ReadAndRemove decompresses the entire contents of a visible spool file and
// deletes it, per the "processor deletes a visible spool file after draining
// it" lifecycle rule.
func ReadAndRemove(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", path, err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("new zstd reader: %w", err)
	}
	data, err := io.ReadAll(dec)
	dec.Close()
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("decompress spool %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("remove spool %s: %w", path, err)
	}
	return data, nil
}

// CompressFile Zstandard-compresses path into path+".zst" and removes the
// uncompressed input, matching the "produce scan.log.N.zst and remove the
// uncompressed input" contract from SPEC_FULL.md §9.
func CompressFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for compression: %w", path, err)
	}
	defer in.Close()

	outPath := path + ".zst"
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", outPath, err)
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return "", fmt.Errorf("new zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		_ = out.Close()
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("close zstd writer: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", outPath, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove %s: %w", path, err)
	}
	return outPath, nil
}

// RotateRing shifts the numbered ring base.1.zst .. base.N.zst up by one
// slot, evicting base.N.zst if it exists, so that base.1.zst is free for the
// newest rotated-and-compressed log.
func RotateRing(base string, n int) error {
	if n <= 0 {
		return nil
	}
	oldest := fmt.Sprintf("%s.%d.zst", base, n)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("evict oldest ring member %s: %w", oldest, err)
		}
	}
	for i := n - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d.zst", base, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := fmt.Sprintf("%s.%d.zst", base, i+1)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("rotate ring %s -> %s: %w", src, dst, err)
		}
	}
	return nil
}
