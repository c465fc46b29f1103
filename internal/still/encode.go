package still

import (
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/wan-ghuan/camerax/internal/frame"
)

// FileName returns the photo file name for t: yyyy-MM-dd-HH-mm-ss-SSS.jpg.
func FileName(t time.Time) string {
	return fmt.Sprintf("%s-%03d.jpg", t.Format("2006-01-02-15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// ResolveOutputDir returns external if it can be created, otherwise internal.
func ResolveOutputDir(external, internal string) (string, error) {
	if external != "" {
		err := os.MkdirAll(external, 0o755)
		if err == nil {
			return external, nil
		}
		slog.Warn("still: external output dir unavailable, falling back",
			"dir", external,
			"fallback", internal,
			"error", err,
		)
	}
	if internal == "" {
		return "", fmt.Errorf("still: no usable output directory")
	}
	if err := os.MkdirAll(internal, 0o755); err != nil {
		return "", fmt.Errorf("still: failed to create output directory: %w", err)
	}
	return internal, nil
}

// fileURI returns the file:// URI of path.
func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// writeJPEG encodes f to path. The image is written to a temporary file in
// the same directory and renamed into place, so an existing file with the
// same name is replaced whole.
func writeJPEG(path string, f *frame.Frame, quality int) error {
	img, err := f.Image()
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".capture-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: quality}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("JPEG encode failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}
