// Package unpack expands compressed source images into the work directory
// so qemu-img can use them as backing files.
package unpack

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression formats recognized by Detect.
const (
	None = ""
	Zstd = "zstd"
	XZ   = "xz"
	Gzip = "gzip"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
	gzipMagic = []byte{0x1f, 0x8b}
)

// blockSize is the unit in which all-zero data is skipped rather than
// written, keeping unpacked disk images sparse.
const blockSize = 64 * 1024

// Detect reads the magic number at the start of path.
func Detect(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return None, err
	}
	defer f.Close()

	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return None, fmt.Errorf("reading %s: %w", path, err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd, nil
	case bytes.HasPrefix(head, xzMagic):
		return XZ, nil
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip, nil
	}
	return None, nil
}

// Decompress writes the decompressed content of src to a new file in dir and
// returns its path. The partial file is removed on failure.
func Decompress(ctx context.Context, src, format, dir string, logger *slog.Logger) (path string, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	var r io.Reader
	switch format {
	case Zstd:
		zr, err := zstd.NewReader(in)
		if err != nil {
			return "", fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case XZ:
		xr, err := xz.NewReader(in)
		if err != nil {
			return "", fmt.Errorf("creating xz reader: %w", err)
		}
		r = xr
	case Gzip:
		gr, err := gzip.NewReader(in)
		if err != nil {
			return "", fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gr.Close()
		r = gr
	default:
		return "", fmt.Errorf("unsupported compression %q", format)
	}

	out, err := os.CreateTemp(dir, "v2vsrc*.img")
	if err != nil {
		return "", fmt.Errorf("creating unpacked image: %w", err)
	}
	path = out.Name()
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(path)
		}
	}()

	n, err := sparseCopy(ctx, out, r)
	if err != nil {
		return "", fmt.Errorf("decompressing %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	logger.Info("unpacked source image", "source", src, "compression", format, "path", path, "size", humanize.IBytes(uint64(n)))
	return path, nil
}

// sparseCopy copies r to f, seeking over all-zero blocks instead of writing
// them. It returns the logical size written.
func sparseCopy(ctx context.Context, f *os.File, r io.Reader) (int64, error) {
	buf := make([]byte, blockSize)
	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return size, err
		}
		n, rerr := fill(r, buf)
		if n > 0 {
			if isZero(buf[:n]) {
				if _, err := f.Seek(int64(n), io.SeekCurrent); err != nil {
					return size, err
				}
			} else if _, err := f.Write(buf[:n]); err != nil {
				return size, err
			}
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return size, rerr
		}
	}
	// A trailing hole is only materialized by setting the size.
	return size, f.Truncate(size)
}

// fill reads until buf is full. Unlike io.ReadFull it passes a truncated
// stream's io.ErrUnexpectedEOF through instead of producing its own.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
