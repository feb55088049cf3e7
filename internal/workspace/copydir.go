package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnore lists the entry names never copied into baselines or
// workspace trees. Entries are doublestar patterns matched against the
// entry's base name.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	".venv",
	"venv",
	"__pycache__",
	".pytest_cache",
	".mypy_cache",
	".ruff_cache",
	".DS_Store",
	"logs",
}

// ignoredName reports whether a directory entry name matches any pattern.
func ignoredName(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// copyTree copies src into dst, skipping ignored entries and any entry
// whose absolute path equals skipAbs (the workspace base dir when it is
// nested inside the repo). Symlinks are copied as symlinks.
func copyTree(src, dst string, patterns []string, skipAbs string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat copy source: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("copy source %s is not a directory", src)
	}
	if err := os.MkdirAll(dst, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create copy destination: %w", err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read copy source: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if ignoredName(name, patterns) {
			continue
		}
		srcPath := filepath.Join(src, name)
		if skipAbs != "" && filepath.Clean(srcPath) == skipAbs {
			continue
		}
		dstPath := filepath.Join(dst, name)
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", srcPath, err)
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", srcPath, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("copy symlink %s: %w", srcPath, err)
			}
		case info.IsDir():
			if err := copyTree(srcPath, dstPath, patterns, skipAbs); err != nil {
				return err
			}
		default:
			if err := copyFileMode(srcPath, dstPath, info.Mode().Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFileMode(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// relFiles walks root and returns the relative path of every regular file
// and symlink, skipping ignored entries.
func relFiles(root string, patterns []string) (map[string]bool, error) {
	out := map[string]bool{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if ignoredName(info.Name(), patterns) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out[rel] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}
