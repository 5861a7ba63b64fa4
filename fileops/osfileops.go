package fileops

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Local implements FileOps against the real filesystem, rooted at Dir.
type Local struct {
	Dir string
}

// NewLocal returns a Local rooted at dir. The directory need not exist
// yet: CreateWithRecovery makes it via Mkdir when a create finds it
// missing.
func NewLocal(dir string) *Local {
	return &Local{Dir: dir}
}

func (l *Local) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.Dir, name)
}

func (l *Local) Open(path string) (File, error) {
	f, err := os.OpenFile(l.path(path), os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (l *Local) Create(path string) (File, error) {
	f, err := os.OpenFile(l.path(path), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (l *Local) Delete(path string) error {
	err := os.Remove(l.path(path))
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

func (l *Local) Rename(from, to string) error {
	return os.Rename(l.path(from), l.path(to))
}

func (l *Local) Mkdir(path string) error {
	return os.MkdirAll(l.path(path), 0o700)
}

func (l *Local) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(l.path(path))
}

func (l *Local) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(l.path(dir))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// OSFile exposes the *os.File backing a File returned by Local, for callers
// (TryPunchHole) that need the raw descriptor. It returns
// ok=false for File implementations that aren't backed by a real os.File.
func OSFile(f File) (*os.File, bool) {
	of, ok := f.(osFile)
	if !ok {
		return nil, false
	}
	return of.f, true
}
