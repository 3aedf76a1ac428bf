package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/shizukutanaka/autosys/internal/config"
)

// archiveWriter adds filesystem entries to an archive stream.
type archiveWriter interface {
	add(ctx context.Context, path, name string, info fs.FileInfo) error
	Close() error
}

func newArchiveWriter(format string, level int, w io.Writer) (archiveWriter, error) {
	switch format {
	case config.FormatTarGz:
		gz, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("gzip level %d: %w", level, err)
		}
		return &tarGzWriter{gz: gz, tw: tar.NewWriter(gz)}, nil
	case config.FormatZip:
		zw := zip.NewWriter(w)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
		return &zipWriter{zw: zw}, nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}

type tarGzWriter struct {
	gz *gzip.Writer
	tw *tar.Writer
}

func (t *tarGzWriter) add(ctx context.Context, path, name string, info fs.FileInfo) error {
	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		link = target
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	if err := t.tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return copyFile(ctx, t.tw, path)
}

func (t *tarGzWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		t.gz.Close()
		return err
	}
	return t.gz.Close()
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) add(ctx context.Context, path, name string, info fs.FileInfo) error {
	if !info.IsDir() && !info.Mode().IsRegular() {
		// zip has no portable representation for links and devices.
		return nil
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
		header.Method = zip.Store
	} else {
		header.Method = zip.Deflate
	}
	w, err := z.zw.CreateHeader(header)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	return copyFile(ctx, w, path)
}

func (z *zipWriter) Close() error {
	return z.zw.Close()
}

func copyFile(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, &ctxReader{ctx: ctx, r: f})
	return err
}

// ctxReader stops a copy as soon as ctx is done, so cancellation does not
// wait for the end of a large file.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// sourceStats walks source and returns the total size and count of regular
// files.
func sourceStats(ctx context.Context, source string) (size int64, files int, err error) {
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
			files++
		}
		return nil
	})
	return size, files, err
}

// writeTree archives source under its base name. onEntry runs before each
// entry and may abort the walk.
func writeTree(ctx context.Context, aw archiveWriter, source string, onEntry func(name string) error) (int, error) {
	root := filepath.Dir(filepath.Clean(source))
	files := 0
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if onEntry != nil {
			if err := onEntry(name); err != nil {
				return err
			}
		}
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		if err := aw.add(ctx, path, name, info); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		if info.Mode().IsRegular() {
			files++
		}
		return nil
	})
	return files, err
}
