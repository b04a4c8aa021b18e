package vault

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Directories lists root and every directory below it, skipping the .git
// directory and any path in skip. The result is used to register watches,
// since file system notifications are not recursive.
func Directories(fsys afero.Fs, root string, skip ...string) ([]string, error) {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[filepath.Clean(s)] = true
	}

	var dirs []string
	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && (IsGitPath(root, path) || skipped[filepath.Clean(path)]) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return dirs, nil
}

// IsGitPath reports whether path lies inside the .git directory of root.
func IsGitPath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for rel != "." && rel != string(filepath.Separator) {
		if filepath.Base(rel) == ".git" {
			return true
		}
		parent := filepath.Dir(rel)
		if parent == rel {
			break
		}
		rel = parent
	}
	return false
}

func isWithin(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
