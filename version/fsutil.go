package version

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Monitored files live under the node's data directory. UPDFILE payloads
// may carry path separators; everything resolves relative to that sandbox
// root and traversal out of it is rejected.

// ResolvePath maps a file name from an UPDFILE payload to an on-disk path
// inside root.
func ResolvePath(root, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute file name %q rejected", name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes sandbox", name)
	}
	return filepath.Join(root, cleaned), nil
}

// CreateDirsAndFile creates an empty file (and its directories) for name
// under root. An existing file is left untouched.
func CreateDirsAndFile(root, name string) error {
	path, err := ResolvePath(root, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// FileExists reports whether name resolves to an existing file under root.
func FileExists(root, name string) bool {
	path, err := ResolvePath(root, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

var skippedExtensions = map[string]struct{}{
	".json": {},
	".head": {},
	".log":  {},
	".toml": {},
	".db":   {},
	".tmp":  {},
}

// WalkFiles lists the monitorable files under root: regular files outside
// the protocol directories (underscore-prefixed), not hidden and not of a
// bookkeeping extension. Paths come back slash-separated and root-relative.
func WalkFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if _, skip := skippedExtensions[filepath.Ext(name)]; skip {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}
