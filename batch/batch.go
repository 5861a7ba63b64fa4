// Package batch provides bounded-concurrency helpers for operating on many
// cache entries at once: deleting or truncating a whole set of entry files,
// and sweeping leftover todelete_* files a prior process left behind on an
// unclean shutdown. Each helper fans out across a small worker pool the way
// diskpacked's StatBlobs does, rather than looping serially or spawning one
// goroutine per entry unbounded.
package batch

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"simplecache.dev/fileops"
	"simplecache.dev/syncentry"
)

// maxConcurrency bounds how many entries are touched at once, mirroring
// diskpacked's statGate limit of 20 concurrent stats.
const maxConcurrency = 20

// DeleteEntrySet deletes the on-disk files for every entry hash in hashes,
// succeeding only if every deletion succeeded. This mirrors
// DeleteEntrySetFiles in the original synchronous entry implementation: a
// partial failure is reported, but every hash is still attempted rather than
// aborting at the first error.
func DeleteEntrySet(ctx context.Context, dir string, ops fileops.FileOps, hashes []uint64) error {
	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	for _, h := range hashes {
		h := h
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return syncentry.DeleteEntryFiles(dir, ops, h)
		})
	}
	return g.Wait()
}

// TruncateEntrySet shrinks the on-disk files for every entry hash in hashes
// to zero length, punching holes where supported, succeeding only if every
// truncation succeeded.
func TruncateEntrySet(ctx context.Context, dir string, ops fileops.FileOps, hashes []uint64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for _, h := range hashes {
		h := h
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return syncentry.TruncateEntryFiles(dir, ops, h)
		})
	}
	return g.Wait()
}

// doomedPrefix is the filename prefix a doomed entry's subfiles carry once
// renamed, e.g. "todelete_3_0123456789abcdef_0".
const doomedPrefix = "todelete_"

// SweepLeftoverDoomed deletes every todelete_*-prefixed file directly inside
// dir. A clean shutdown leaves none of these behind (Close/CloseFiles
// removes a doomed entry's files as it closes them), but a crash or kill-9
// between Doom's rename and the eventual close can leave them orphaned.
// Callers are expected to invoke this once at process start, before opening
// any entry, matching the recovery scan the original engine's host
// application performs on its own.
func SweepLeftoverDoomed(dir string, ops fileops.FileOps) error {
	names, err := ops.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, doomedPrefix) {
			continue
		}
		if err := ops.Delete(filepath.Join(dir, name)); err != nil && !fileops.IsNotFound(err) {
			return err
		}
	}
	return nil
}
