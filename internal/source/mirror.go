package source

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// mirrorTree makes dst an exact copy of src, propagating additions,
// modifications and deletions while skipping VCS metadata. It reports
// whether anything actually changed, so callers can skip redundant
// reload/resync work.
//
// This is the plain-directory counterpart of the git pull path; unchanged
// files are detected by size+mtime like rsync's quick check.
func mirrorTree(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if !srcInfo.IsDir() {
		return false, fmt.Errorf("%s is not a directory", src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return false, err
	}

	changed := false
	seen := map[string]struct{}{}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		seen[rel] = struct{}{}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if old, err := os.Readlink(target); err == nil && old == link {
				return nil
			}
			_ = os.RemoveAll(target)
			if err := os.Symlink(link, target); err != nil {
				return err
			}
			changed = true
		default:
			copied, err := copyFileIfChanged(path, target)
			if err != nil {
				return err
			}
			changed = changed || copied
		}
		return nil
	})
	if err != nil {
		return changed, err
	}

	// Deletion pass: anything in dst that no longer exists upstream goes away.
	err = filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The entry may have been removed together with its parent.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(dst, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if _, ok := seen[rel]; ok {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		changed = true
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	return changed, err
}

// copyFileIfChanged copies src over dst unless size and mtime already match.
func copyFileIfChanged(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		if dstInfo.Mode().IsRegular() && dstInfo.Size() == srcInfo.Size() && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
			return false, nil
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return false, err
	}
	if err := out.Close(); err != nil {
		return false, err
	}
	// Preserve mtime so the next quick check sees the file as unchanged.
	if err := os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return false, err
	}
	return true, nil
}
