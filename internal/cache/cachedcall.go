package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opal-lang/pipeflow/internal/errs"
)

// minFreeBytes is the free-space floor CheckFreeSpace tests against.
const minFreeBytes = 64 * 1024 * 1024

// CachedCall implements the cached-call protocol: on a cache hit (unless
// forceDo), load and return the stored output; otherwise invoke compute,
// persist its result if caching is enabled, and retry exactly once if
// compute fails with an OutOfSpace-shaped error after evicting the 100
// oldest cache files cache-wide. A ClearCacheIfEmpty pass always runs last.
func (c *Cacher) CachedCall(instance string, args []any, forceDo, cacheEnabled bool, onCacheHit func(), compute func() ([]any, error)) ([]any, error) {
	defer func() { _ = c.ClearCacheIfEmpty() }()

	if !forceDo {
		hit, err := c.CacheExists(instance, args, CacheExistsOptions{})
		if err != nil {
			return nil, err
		}
		if hit {
			out, err := c.LoadOutput(instance)
			if err == nil {
				if onCacheHit != nil {
					onCacheHit()
				}
				return out, nil
			}
			// Stored output vanished or is corrupt between CacheExists and
			// LoadOutput (e.g. concurrent eviction): fall through and
			// recompute rather than fail the call.
		}
	}

	retried := false
	for {
		out, err := compute()
		if err == nil {
			if cacheEnabled {
				if err := c.UpdateCache(instance, args, out); err != nil {
					return nil, err
				}
			}
			return out, nil
		}

		if asOutOfSpace(err) != nil && !retried {
			retried = true
			if clearErr := ClearCacheOldestFiles(c.cacheRoot, 100); clearErr != nil {
				return nil, clearErr
			}
			continue
		}
		return nil, err
	}
}

// asOutOfSpace returns err's *errs.OutOfSpace if it is (or wraps) one.
func asOutOfSpace(err error) *errs.OutOfSpace {
	var oos *errs.OutOfSpace
	if errors.As(err, &oos) {
		return oos
	}
	return nil
}

// CheckFreeSpace returns an *errs.OutOfSpace if dir's filesystem is at or
// below minFreeBytes free. Nothing in this package calls it: CachedCall's
// eviction-and-retry reacts only to an OutOfSpace returned by compute, and an
// error from UpdateCache is returned without a retry.
func CheckFreeSpace(dir string) error {
	free, err := freeBytes(dir)
	if err != nil {
		return nil // can't determine free space: don't block on it
	}
	if free <= minFreeBytes {
		return &errs.OutOfSpace{Path: dir, FreeBytes: free}
	}
	return nil
}

// ClearCacheOldestFiles removes the n oldest regular files (by modification
// time) found anywhere under root, cache-wide eviction under disk pressure
// rather than a single element's FIFO eviction.
func ClearCacheOldestFiles(root string, n int) error {
	type fileInfo struct {
		path    string
		modTime int64
	}
	var files []fileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileInfo{path: path, modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })
	if len(files) > n {
		files = files[:n]
	}
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
