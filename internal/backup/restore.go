package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// RestoreResult summarizes an extraction.
type RestoreResult struct {
	Files   int
	Bytes   int64
	Skipped []string
}

// Restore extracts archive into target. The archive type is detected from
// its contents. Entries that would escape target, and links, are skipped.
func Restore(ctx context.Context, archive, target string) (RestoreResult, error) {
	kind, err := filetype.MatchFile(archive)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("inspect %s: %w", archive, err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return RestoreResult{}, fmt.Errorf("create target: %w", err)
	}

	switch kind.Extension {
	case "gz":
		return restoreTarGz(ctx, archive, target)
	case "zip":
		return restoreZip(ctx, archive, target)
	}
	return RestoreResult{}, fmt.Errorf("unsupported archive type %q", kind.Extension)
}

func restoreTarGz(ctx context.Context, archive, target string) (RestoreResult, error) {
	var res RestoreResult
	f, err := os.Open(archive)
	if err != nil {
		return res, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return res, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, err
		}

		dest, ok := safeJoin(target, header.Name)
		if !ok {
			res.Skipped = append(res.Skipped, header.Name)
			continue
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return res, err
			}
		case tar.TypeReg:
			n, err := writeRestored(dest, tr, os.FileMode(header.Mode).Perm())
			if err != nil {
				return res, err
			}
			res.Files++
			res.Bytes += n
		default:
			res.Skipped = append(res.Skipped, header.Name)
		}
	}
}

func restoreZip(ctx context.Context, archive, target string) (RestoreResult, error) {
	var res RestoreResult
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return res, err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dest, ok := safeJoin(target, zf.Name)
		if !ok {
			res.Skipped = append(res.Skipped, zf.Name)
			continue
		}
		info := zf.FileInfo()
		if info.IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return res, err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			res.Skipped = append(res.Skipped, zf.Name)
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return res, err
		}
		n, err := writeRestored(dest, rc, info.Mode().Perm())
		rc.Close()
		if err != nil {
			return res, err
		}
		res.Files++
		res.Bytes += n
	}
	return res, nil
}

func writeRestored(dest string, r io.Reader, perm os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// safeJoin resolves name under root, refusing absolute names and names that
// climb out of root.
func safeJoin(root, name string) (string, bool) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", false
	}
	dest := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return dest, true
}
