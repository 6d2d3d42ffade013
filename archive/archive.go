// Package archive packs a finished capture directory into a single zip.
package archive

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/use-agent/feedsnap/models"
)

// Path returns <root>/zips/<prefix>_<YYYYMMDD>.zip for day.
func Path(root, prefix string, day time.Time) string {
	return filepath.Join(root, "zips", fmt.Sprintf("%s_%s.zip", prefix, day.Format("20060102")))
}

// Result describes a written archive.
type Result struct {
	Path  string
	Files int
	Bytes int64
}

// Pack writes every regular file under dir into a zip at dst, with paths
// relative to dir and maximum deflate compression. An existing dst is
// replaced.
func Pack(dir, dst string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, models.NewCaptureError(models.ErrCodeArchive, "create archive directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".pack-*.zip")
	if err != nil {
		return nil, models.NewCaptureError(models.ErrCodeArchive, "create archive", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	files := 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if err := addFile(zw, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		tmp.Close()
		return nil, models.NewCaptureError(models.ErrCodeArchive, "pack "+dir, walkErr)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return nil, models.NewCaptureError(models.ErrCodeArchive, "finish archive", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, models.NewCaptureError(models.ErrCodeArchive, "finish archive", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, models.NewCaptureError(models.ErrCodeArchive, "move archive into place", err)
	}
	_ = os.Chmod(dst, 0o644)

	info, err := os.Stat(dst)
	if err != nil {
		return nil, models.NewCaptureError(models.ErrCodeArchive, "stat archive", err)
	}
	slog.Info("archive written", "path", dst, "files", files, "bytes", info.Size())
	return &Result{Path: dst, Files: files, Bytes: info.Size()}, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
