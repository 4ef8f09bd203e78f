package fsutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var rawExts = map[string]struct{}{
	".dng":  {},
	".tif":  {},
	".tiff": {},
}

// ListRaw returns the DNG and TIFF files under root, sorted. Hidden
// directories are skipped.
func ListRaw(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsRawFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsRawFile reports whether path has a DNG or TIFF extension.
func IsRawFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := rawExts[ext]
	return ok
}

// IsDNG reports whether path has a .dng extension.
func IsDNG(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".dng")
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SiblingPath returns dir/<base of input><suffix><ext>. An empty dir keeps
// the input's directory.
func SiblingPath(input, dir, suffix, ext string) string {
	if dir == "" {
		dir = filepath.Dir(input)
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, base+suffix+ext)
}

// WriteAtomic writes through fn into a temporary file next to path and
// renames it into place once fn and the flush succeed.
func WriteAtomic(path string, fn func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err = fn(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
