package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// safeDestPath resolves rel under root and verifies nothing on the way is a
// symlink: any existing parent directory component that is a symlink fails,
// and when forWrite is set an existing destination that is itself a symlink
// fails. This keeps apply-back from writing through links that point
// outside the repository.
func safeDestPath(root, rel string, forWrite bool) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("refusing absolute destination %q", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing destination %q outside the repository", rel)
	}
	cur := filepath.Clean(root)
	parts := strings.Split(clean, string(filepath.Separator))
	for i, part := range parts {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("inspect %s: %w", cur, err)
		}
		isLink := info.Mode()&os.ModeSymlink != 0
		last := i == len(parts)-1
		if isLink && (!last || forWrite) {
			return "", fmt.Errorf("refusing to write through symlink at %s", cur)
		}
	}
	return filepath.Join(filepath.Clean(root), clean), nil
}

// ApplyToRepo copies every workspace file back into the repository and
// deletes from the repository every file present in the baseline but gone
// from the workspace. Only meaningful for copy-strategy workspaces.
func (w *Workspace) ApplyToRepo() error {
	if w.Strategy != StrategyCopy {
		return fmt.Errorf("apply_to_repo requires a copy workspace")
	}
	if w.BaselinePath == "" {
		return fmt.Errorf("copy workspace has no baseline snapshot")
	}

	current, err := relFiles(w.Path, w.ignore)
	if err != nil {
		return err
	}
	baseline, err := relFiles(w.BaselinePath, w.ignore)
	if err != nil {
		return err
	}

	for rel := range current {
		src := filepath.Join(w.Path, rel)
		dst, err := safeDestPath(w.RepoPath, rel, true)
		if err != nil {
			return err
		}
		info, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("stat %s: %w", src, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", src, err)
			}
			os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("apply symlink %s: %w", rel, err)
			}
			continue
		}
		if err := copyFileMode(src, dst, info.Mode().Perm()); err != nil {
			return err
		}
	}

	for rel := range baseline {
		if current[rel] {
			continue
		}
		// Deletion targets may be symlinks; removing a link is safe.
		dst, err := safeDestPath(w.RepoPath, rel, false)
		if err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", rel, err)
		}
	}
	return nil
}
