package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// SyncToJobDir atomically replaces jobDir with the current tree of sotPath.
//
// The new tree is always built in a sibling temp directory first; only after
// a complete materialization is the old jobDir removed and the temp directory
// renamed into place. On any failure the temp directory is deleted and a
// pre-existing jobDir is left untouched, so in-flight runs keep reading a
// consistent (if stale) tree.
func (c *Cache) SyncToJobDir(sotPath, jobDir string) error {
	tmpDir := jobDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("clear temp dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	var err error
	if isGitRepo(sotPath) {
		err = exportHead(sotPath, tmpDir)
	} else {
		_, err = mirrorTree(sotPath, tmpDir)
	}
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return fmt.Errorf("materialize %s: %w", sotPath, err)
	}

	if err := os.RemoveAll(jobDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return fmt.Errorf("remove old job dir: %w", err)
	}
	if err := os.Rename(tmpDir, jobDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return fmt.Errorf("swap job dir: %w", err)
	}
	return nil
}

// exportHead writes the tree of the mirror's HEAD commit into dst. This is
// the archive+extract step: only committed content is exported, and entry
// names are validated so a hostile tree cannot escape dst.
func exportHead(sotPath, dst string) error {
	repo, err := git.PlainOpen(sotPath)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return fmt.Errorf("load commit %s: %w", ref.Hash(), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("load tree: %w", err)
	}

	return tree.Files().ForEach(func(f *object.File) error {
		if err := checkEntryName(f.Name); err != nil {
			return err
		}
		target := filepath.Join(dst, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		if f.Mode == filemode.Symlink {
			link, err := f.Contents()
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}

		mode, err := f.Mode.ToOSFileMode()
		if err != nil {
			return fmt.Errorf("entry %s: %w", f.Name, err)
		}
		r, err := f.Reader()
		if err != nil {
			return err
		}
		defer r.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}

// checkEntryName rejects absolute and escaping tree entry names, mirroring
// tar's --no-absolute-file-names guard.
func checkEntryName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") {
		return fmt.Errorf("unsafe tree entry %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("unsafe tree entry %q", name)
		}
	}
	return nil
}
