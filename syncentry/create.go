package syncentry

import (
	"errors"
	"fmt"
	"time"

	"simplecache.dev/entryformat"
	"simplecache.dev/filetracker"
	"simplecache.dev/fileops"
)

// IndexHint tells OpenOrCreate what the caller's in-memory index
// believes about this key, so it can pick the cheaper of
// try-create-first or try-open-first.
type IndexHint int

const (
	IndexMiss IndexHint = iota
	IndexHit
	IndexNoExist
)

// Create creates a brand-new entry for key/entryHash. It fails with
// ErrFileExists if file 0 already exists on disk; file 1 is not created
// here, only on the first write to stream 2.
func Create(dir string, ops fileops.FileOps, tracker *filetracker.Tracker, key string, entryHash uint64) (*Entry, Stat, error) {
	e := newEntry(dir, ops, tracker, entryHash, -1)
	e.key = key
	e.keyKnown = true

	stat, err := e.initializeForCreate()
	if err != nil {
		if !errors.Is(err, ErrFileExists) {
			e.Doom()
		}
		e.CloseFiles()
		return nil, Stat{}, err
	}
	return e, stat, nil
}

// OpenOrCreate is the index-hint-driven combined path: IndexMiss tries
// creating first (optimistically, if optimisticCreate is set), falling
// back to opening on conflict; any other hint tries opening first,
// falling back to creating when the entry turns out not to exist.
//
// optimisticCreate commits the caller to the entry being newly created
// (the caller may already have told another layer that creation
// succeeded); if a create under that assumption collides with an
// existing entry, OpenOrCreate dooms the existing one and creates fresh
// rather than silently adopting it.
func OpenOrCreate(dir string, ops fileops.FileOps, tracker *filetracker.Tracker, key string, entryHash uint64, hint IndexHint, optimisticCreate bool, trailerPrefetchSize int64) (entry *Entry, stat Stat, sp [2]StreamPrefetch, created bool, err error) {
	if hint == IndexMiss {
		e := newEntry(dir, ops, tracker, entryHash, trailerPrefetchSize)
		e.key = key
		e.keyKnown = true

		cstat, cerr := e.initializeForCreate()
		if cerr == nil {
			return e, cstat, [2]StreamPrefetch{}, true, nil
		}
		if !errors.Is(cerr, ErrFileExists) {
			e.Doom()
			e.CloseFiles()
			return nil, Stat{}, [2]StreamPrefetch{}, false, cerr
		}
		if optimisticCreate {
			e.Doom()
			e.CloseFiles()
			ce, cstat2, cerr2 := Create(dir, ops, tracker, key, entryHash)
			if cerr2 != nil {
				return nil, Stat{}, [2]StreamPrefetch{}, false, cerr2
			}
			return ce, cstat2, [2]StreamPrefetch{}, true, nil
		}
		// Our index was wrong about this being a miss; fall through to the
		// open-then-create path below using the same entryHash.
	}

	oe, ostat, osp, operr := Open(dir, ops, tracker, key, true, entryHash, trailerPrefetchSize)
	if operr == nil {
		return oe, ostat, osp, false, nil
	}
	ce, cstat, cerr := Create(dir, ops, tracker, key, entryHash)
	if cerr != nil {
		return nil, Stat{}, [2]StreamPrefetch{}, false, cerr
	}
	return ce, cstat, [2]StreamPrefetch{}, true, nil
}

func (e *Entry) initializeForCreate() (stat Stat, err error) {
	lastMod, cerr := e.createFiles()
	if cerr != nil {
		if fileops.IsExists(cerr) {
			return stat, ErrFileExists
		}
		return stat, fmt.Errorf("%w: create files: %v", ErrFailed, cerr)
	}
	stat.LastModified = lastMod
	stat.LastUsed = lastMod

	for i := 0; i < normalFileCount; i++ {
		fi := entryformat.FileIndex(i)
		if e.emptyFileOmitted[i] {
			continue
		}
		if err := e.initializeCreatedFile(fi); err != nil {
			return stat, fmt.Errorf("%w: init file %d: %v", ErrFailed, i, err)
		}
	}
	e.initialized = true
	return stat, nil
}

// maybeCreateFile creates subfile `file`, unless it is both omittable
// and not required, in which case it is simply marked omitted.
func (e *Entry) maybeCreateFile(file entryformat.FileIndex, required bool) (ok bool, err error) {
	if canOmitEmptyFile(file) && !required {
		e.emptyFileOmitted[file] = true
		return true, nil
	}
	path := e.FilenameForSubfile(subfileForFileIndex(file))
	f, cerr := fileops.CreateWithRecovery(e.ops, path, e.dir)
	if cerr != nil {
		return false, cerr
	}
	e.tracker.Register(e, subfileForFileIndex(file), e.fileKey, f)
	e.emptyFileOmitted[file] = false
	return true, nil
}

func (e *Entry) createFiles() (createdAt time.Time, err error) {
	var opened []entryformat.FileIndex
	for i := 0; i < normalFileCount; i++ {
		fi := entryformat.FileIndex(i)
		ok, cerr := e.maybeCreateFile(fi, false)
		if cerr != nil || !ok {
			for _, prev := range opened {
				e.closeFile(prev)
			}
			if cerr == nil {
				cerr = ErrFailed
			}
			return time.Time{}, cerr
		}
		opened = append(opened, fi)
	}
	e.haveOpenFiles = true
	return time.Now(), nil
}

// initializeCreatedFile writes the header and key bytes to a freshly
// created subfile.
func (e *Entry) initializeCreatedFile(file entryformat.FileIndex) error {
	handle, err := e.tracker.Acquire(e, subfileForFileIndex(file), e.fileKey.EntryHash, e.ops)
	if err != nil {
		return err
	}
	defer handle.Release()
	if !handle.IsOK() {
		return ErrFailed
	}

	header := entryformat.Header{
		InitialMagic: entryformat.InitialMagic,
		Version:      entryformat.Version,
		KeyLength:    uint32(len(e.key)),
		KeyHash:      entryformat.KeyHash(e.key),
	}
	if _, err := handle.File().WriteAt(header.Marshal(), 0); err != nil {
		return err
	}
	if len(e.key) > 0 {
		if _, err := handle.File().WriteAt([]byte(e.key), int64(entryformat.HeaderSize)); err != nil {
			return err
		}
	}
	return nil
}
