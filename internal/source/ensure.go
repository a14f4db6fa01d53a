package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Ensure brings the mirror for locator up to date and reports whether new
// content arrived. Git sources (remote URLs and local repositories) are
// cloned on first use and fast-forward pulled afterwards; a plain local
// directory is mirrored file by file.
func (c *Cache) Ensure(ctx context.Context, locator string) (string, bool, error) {
	sotPath := c.SOTPath(locator)
	if err := os.MkdirAll(c.base, 0o755); err != nil {
		return "", false, fmt.Errorf("create cache base: %w", err)
	}

	if !IsRemote(locator) && !isGitRepo(locator) {
		changed, err := mirrorTree(locator, sotPath)
		if err != nil {
			return "", false, fmt.Errorf("mirror %s: %w", locator, err)
		}
		return sotPath, changed, nil
	}

	if _, err := os.Stat(sotPath); os.IsNotExist(err) {
		if err := c.clone(ctx, locator, sotPath); err != nil {
			return "", false, err
		}
		return sotPath, true, nil
	}

	changed, err := c.pull(ctx, sotPath)
	if err != nil {
		return "", false, err
	}
	return sotPath, changed, nil
}

func (c *Cache) clone(ctx context.Context, locator, sotPath string) error {
	c.log.Info().Str("source", locator).Str("cache", sotPath).Msg("cloning")
	_, err := git.PlainCloneContext(ctx, sotPath, false, &git.CloneOptions{URL: locator})
	if err != nil {
		// Leave no half-cloned mirror behind.
		_ = os.RemoveAll(sotPath)
		return fmt.Errorf("clone %s: %w", locator, err)
	}
	return nil
}

// pull fast-forwards the mirror. The changed indicator compares HEAD before
// and after, which is more direct than parsing a fast-forward range.
func (c *Cache) pull(ctx context.Context, sotPath string) (bool, error) {
	repo, err := git.PlainOpen(sotPath)
	if err != nil {
		return false, fmt.Errorf("open mirror %s: %w", sotPath, err)
	}

	before, err := headHash(repo)
	if err != nil {
		return false, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{})
	switch {
	case err == nil:
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return false, nil
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return false, fmt.Errorf("pull %s: upstream history rewritten (non fast-forward)", sotPath)
	default:
		return false, fmt.Errorf("pull %s: %w", sotPath, err)
	}

	after, err := headHash(repo)
	if err != nil {
		return false, err
	}
	if before != after {
		c.log.Info().Str("cache", sotPath).Str("from", before.String()[:8]).Str("to", after.String()[:8]).Msg("mirror updated")
		return true, nil
	}
	return false, nil
}

func headHash(repo *git.Repository) (plumbing.Hash, error) {
	ref, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash(), nil
}

func isGitRepo(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}
