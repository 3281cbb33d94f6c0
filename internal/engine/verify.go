package engine

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

var (
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
	bz2Magic  = []byte{'B', 'Z', 'h'}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DecompressedContentSize sums the uncompressed sizes of the regular
// members of a recognized archive container. For some files the API
// reports the decompressed size but serves a compressed download, so
// the verifier falls back to this total. Returns false for anything
// that is not a readable archive with at least one file member.
func DecompressedContentSize(fsys afero.Fs, path string) (int64, bool) {
	file, err := fsys.Open(path)
	if err != nil {
		return 0, false
	}
	defer file.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(file, magic); err != nil {
		return 0, false
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, false
	}

	switch {
	case bytes.Equal(magic, zipMagic):
		return zipContentSize(fsys, path)
	case bytes.Equal(magic[:2], gzipMagic):
		gz, err := gzip.NewReader(file)
		if err != nil {
			return 0, false
		}
		defer gz.Close()
		return tarContentSize(gz)
	case bytes.Equal(magic, zstdMagic):
		zr, err := zstd.NewReader(file)
		if err != nil {
			return 0, false
		}
		defer zr.Close()
		return tarContentSize(zr)
	case bytes.Equal(magic[:3], bz2Magic):
		return tarContentSize(bzip2.NewReader(file))
	}
	// Plain tar has no leading magic, its "ustar" marker sits at
	// offset 257 inside the first header block.
	return tarContentSize(file)
}

func zipContentSize(fsys afero.Fs, path string) (int64, bool) {
	info, err := fsys.Stat(path)
	if err != nil {
		return 0, false
	}
	file, err := fsys.Open(path)
	if err != nil {
		return 0, false
	}
	defer file.Close()

	// Zip members are either directories or files; the format is
	// compression-aware, so each entry carries its unpacked size.
	reader, err := zip.NewReader(file, info.Size())
	if err != nil {
		return 0, false
	}
	var total int64
	var files int
	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}
		total += int64(member.UncompressedSize64)
		files++
	}
	if files == 0 {
		return 0, false
	}
	return total, true
}

// tarContentSize walks a tar stream and totals its regular members.
// Tar archives can contain any Unix "file" (directories, symlinks,
// devices, FIFOs), only regular files count toward the total.
func tarContentSize(r io.Reader) (int64, bool) {
	reader := tar.NewReader(r)
	var total int64
	var files int
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, false
		}
		if header.Typeflag == tar.TypeReg {
			total += header.Size
			files++
		}
	}
	if files == 0 {
		return 0, false
	}
	return total, true
}
