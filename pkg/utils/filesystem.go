// Package utils provides filesystem and glob helpers
package utils

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnsureDirectory ensures a directory exists
func EnsureDirectory(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a regular file (or anything not a directory) exists
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirectoryExists checks if a directory exists
func DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// ExpandHome replaces a leading "~/" with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// FindFiles walks root and returns the files whose path relative to root
// matches any of the patterns, in lexical order.
func FindFiles(root string, patterns ...string) ([]string, error) {
	matcher, err := NewPatternMatcher(patterns)
	if err != nil {
		return nil, err
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matcher.Match(rel) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}

// MoveEntries moves the regular files directly inside src into dst,
// replacing files of the same name, and returns the moved names sorted.
func MoveEntries(src, dst string) ([]string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, err
	}

	var moved []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Rename(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return moved, err
		}
		moved = append(moved, entry.Name())
	}
	sort.Strings(moved)
	return moved, nil
}
