// Package source keeps the source-of-truth mirror and the per-job working
// directories in sync.
//
// Layout under the cache base (os.UserCacheDir()/rollcron by default):
//
//	<name>-<hash8>      SOT mirror, one per locator
//	<sotName>@<jobID>   materialized job working directory
//
// The mirror is refreshed in place; job directories are only ever replaced
// wholesale via a build-then-rename swap so concurrent readers never observe
// a partial tree.
package source

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Cache manages the on-disk mirror and job directories.
type Cache struct {
	base string
	log  zerolog.Logger
}

// New returns a Cache rooted at base. An empty base resolves to the user
// cache directory (falling back to /tmp).
func New(base string, log zerolog.Logger) *Cache {
	if strings.TrimSpace(base) == "" {
		base = defaultBase()
	}
	return &Cache{base: base, log: log}
}

func defaultBase() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "/tmp"
	}
	return filepath.Join(dir, "rollcron")
}

// SOTPath derives the mirror directory for a locator. The name is the last
// path segment of the locator plus a short hash of the full locator string,
// so distinct sources with the same repo name do not collide and repeated
// runs reuse the same mirror.
func (c *Cache) SOTPath(locator string) string {
	name := repoName(locator)
	h := fnv.New64a()
	_, _ = h.Write([]byte(locator))
	return filepath.Join(c.base, fmt.Sprintf("%s-%08x", name, h.Sum64()&0xffffffff))
}

// JobDir derives the working directory for one job of a mirror.
func (c *Cache) JobDir(sotPath, jobID string) string {
	return filepath.Join(c.base, filepath.Base(sotPath)+"@"+jobID)
}

// CleanupJobDirs removes the working directories for the given job ids.
// Called on shutdown; the mirror itself is kept for the next run.
func (c *Cache) CleanupJobDirs(sotPath string, jobIDs []string) {
	for _, id := range jobIDs {
		dir := c.JobDir(sotPath, id)
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn().Err(err).Str("job", id).Str("dir", dir).Msg("job dir cleanup failed")
			continue
		}
		c.log.Debug().Str("job", id).Str("dir", dir).Msg("job dir removed")
	}
}

// IsRemote reports whether the locator is a remote URL rather than a local
// path.
func IsRemote(locator string) bool {
	return strings.Contains(locator, "://") || strings.HasPrefix(locator, "git@")
}

func repoName(locator string) string {
	s := strings.TrimSuffix(strings.TrimRight(locator, "/"), ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "repo"
	}
	return s
}
