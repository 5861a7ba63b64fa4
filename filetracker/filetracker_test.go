package filetracker

import (
	"testing"

	"simplecache.dev/fileops"
)

type fakeOwner struct {
	name string
}

func (o *fakeOwner) FilenameForSubfile(subfile SubFile) string {
	return o.name + "_" + string(rune('0'+subfile))
}

func TestRegisterAcquireRelease(t *testing.T) {
	ops := fileops.NewMem()
	tr := New(10)
	owner := &fakeOwner{name: "a"}
	key := EntryFileKey{EntryHash: 1}

	f, err := ops.Create(owner.FilenameForSubfile(SubFile0))
	if err != nil {
		t.Fatal(err)
	}
	tr.Register(owner, SubFile0, key, f)

	h, err := tr.Acquire(owner, SubFile0, key.EntryHash, ops)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !h.IsOK() || h.File() == nil {
		t.Fatal("expected a live handle")
	}
	h.Release()

	tr.Close(owner, SubFile0, key.EntryHash)
	if !tr.IsEmptyForTesting() {
		t.Fatal("expected tracker to be empty after close")
	}
}

func TestFileLimitClosesRegisteredNotAcquired(t *testing.T) {
	ops := fileops.NewMem()
	tr := New(1)

	ownerA := &fakeOwner{name: "a"}
	keyA := EntryFileKey{EntryHash: 1}
	fa, _ := ops.Create(ownerA.FilenameForSubfile(SubFile0))
	tr.Register(ownerA, SubFile0, keyA, fa)

	handleA, err := tr.Acquire(ownerA, SubFile0, keyA.EntryHash, ops)
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}

	ownerB := &fakeOwner{name: "b"}
	keyB := EntryFileKey{EntryHash: 2}
	fb, _ := ops.Create(ownerB.FilenameForSubfile(SubFile0))
	tr.Register(ownerB, SubFile0, keyB, fb)

	if tr.Stats().OpenFiles > tr.Stats().FileLimit {
		// over budget: a's file is Acquired so must survive the sweep.
	}
	if !handleA.IsOK() || handleA.File() == nil {
		t.Fatal("acquired file must not be closed by FD pressure")
	}

	handleA.Release()

	hb, err := tr.Acquire(ownerB, SubFile0, keyB.EntryHash, ops)
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if !hb.IsOK() {
		t.Fatal("expected b's file to reopen successfully")
	}
	hb.Release()

	tr.Close(ownerA, SubFile0, keyA.EntryHash)
	tr.Close(ownerB, SubFile0, keyB.EntryHash)
}

func TestDoomIsMonotoneAcrossOwners(t *testing.T) {
	ops := fileops.NewMem()
	tr := New(10)

	ownerA := &fakeOwner{name: "a"}
	keyA := EntryFileKey{EntryHash: 5}
	fa, _ := ops.Create(ownerA.FilenameForSubfile(SubFile0))
	tr.Register(ownerA, SubFile0, keyA, fa)

	ownerB := &fakeOwner{name: "b"}
	keyB := EntryFileKey{EntryHash: 5, DoomGeneration: 3}
	fb, _ := ops.Create(ownerB.FilenameForSubfile(SubFile0))
	tr.Register(ownerB, SubFile0, keyB, fb)

	if err := tr.Doom(ownerA, &keyA); err != nil {
		t.Fatalf("Doom: %v", err)
	}
	if keyA.DoomGeneration != 4 {
		t.Fatalf("DoomGeneration = %d, want 4 (max existing + 1)", keyA.DoomGeneration)
	}

	tr.Close(ownerA, SubFile0, keyA.EntryHash)
	tr.Close(ownerB, SubFile0, keyB.EntryHash)
}

func TestCloseDeferredWhileAcquired(t *testing.T) {
	ops := fileops.NewMem()
	tr := New(10)
	owner := &fakeOwner{name: "a"}
	key := EntryFileKey{EntryHash: 9}

	f, _ := ops.Create(owner.FilenameForSubfile(SubFile0))
	tr.Register(owner, SubFile0, key, f)
	h, err := tr.Acquire(owner, SubFile0, key.EntryHash, ops)
	if err != nil {
		t.Fatal(err)
	}

	tr.Close(owner, SubFile0, key.EntryHash)
	if tr.IsEmptyForTesting() {
		t.Fatal("record must survive until the acquired handle releases")
	}

	h.Release()
	if !tr.IsEmptyForTesting() {
		t.Fatal("deferred close must run on release")
	}
}
