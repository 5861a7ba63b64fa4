package syncentry

import (
	"fmt"
	"path/filepath"

	"simplecache.dev/entryformat"
)

// Doom renames every subfile this entry currently has open to the
// todelete_<gen>_ form, taking from the tracker a doom_generation greater
// than that of any other TrackedFiles record sharing the same entry hash,
// so this entry's filename derivation targets the renamed files. Doom
// is idempotent: calling it twice is a no-op. If the entry never
// actually opened any files, it degrades to the static DeleteEntryFiles
// helper, since there is nothing live to rename out from under.
func (e *Entry) Doom() error {
	if e.fileKey.DoomGeneration != 0 {
		return nil
	}

	if !e.haveOpenFiles {
		return DeleteEntryFiles(e.dir, e.ops, e.fileKey.EntryHash)
	}

	origKey := e.fileKey
	if err := e.tracker.Doom(e, &e.fileKey); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}

	var renameErr error
	for i := 0; i < normalFileCount; i++ {
		fi := entryformat.FileIndex(i)
		if e.emptyFileOmitted[i] {
			continue
		}
		oldName := filepath.Join(e.dir, filenameFor(origKey, fi))
		newName := filepath.Join(e.dir, filenameFor(e.fileKey, fi))
		if err := e.ops.Rename(oldName, newName); err != nil {
			renameErr = err
		}
	}
	if e.sparseOpen {
		oldName := filepath.Join(e.dir, filenameFor(origKey, entryformat.FileSparse))
		newName := filepath.Join(e.dir, filenameFor(e.fileKey, entryformat.FileSparse))
		if err := e.ops.Rename(oldName, newName); err != nil {
			renameErr = err
		}
	}
	if renameErr != nil {
		return fmt.Errorf("%w: rename during doom: %v", ErrFailed, renameErr)
	}
	return nil
}
