// Package fsutil copies files and directory trees on the host.
package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CopyDirectory recursively copies src to dst. Entries whose path relative to
// src matches one of the exclude patterns (filepath.Match syntax) are
// skipped, together with everything below them.
func CopyDirectory(src, dst string, exclude []string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("source directory not found: %s", src)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if relPath != "." && Excluded(relPath, exclude) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		destPath := filepath.Join(dst, relPath)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0750)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return copySymlink(path, destPath)
		}

		return CopyFile(path, destPath)
	})
}

// Excluded reports whether relPath, or any of its parent directories,
// matches one of the patterns.
func Excluded(relPath string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	relPath = filepath.ToSlash(relPath)
	parts := strings.Split(relPath, "/")
	for i := range parts {
		candidate := strings.Join(parts[:i+1], "/")
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, candidate); ok {
				return true
			}
			if ok, _ := filepath.Match(pattern, parts[i]); ok {
				return true
			}
		}
	}
	return false
}

// validatePath rejects relative paths that climb out of their base directory.
func validatePath(path string) error {
	if filepath.IsAbs(path) {
		return nil
	}
	cleanPath := filepath.Clean(path)
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}
	return nil
}

// CopyFile copies a single file from src to dst, creating dst's parent
// directory and preserving the file mode.
func CopyFile(src, dst string) error {
	if err := validatePath(src); err != nil {
		return fmt.Errorf("invalid source path: %w", err)
	}
	if err := validatePath(dst); err != nil {
		return fmt.Errorf("invalid destination path: %w", err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("failed to create destination directory for %s: %w", dst, err)
	}

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dst, err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get source file info: %w", err)
	}

	return os.Chmod(dst, srcInfo.Mode())
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", src, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	return os.Symlink(target, dst)
}

// DirSize returns the total size in bytes of the regular files below root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
