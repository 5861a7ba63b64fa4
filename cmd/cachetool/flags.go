package main

import (
	"fmt"
	"strconv"
)

// uint64Flag lets -hash accept a plain hex string (as printed by every
// other subcommand) while still reporting whether it was ever set, so
// resolveKeyHash knows when to derive a hash from -key instead.
type uint64Flag struct {
	val uint64
	set bool
}

func (f *uint64Flag) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%016x", f.val)
}

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid hex hash %q: %w", s, err)
	}
	f.val = v
	f.set = true
	return nil
}
