// Command cachetool exercises a single cache entry by hand: create,
// write, read, doom, and the leftover-doomed-file sweep, each as
// its own subcommand against a directory on disk. It has no index and no
// daemon of its own; each invocation opens (or creates) the entry,
// performs one operation, and commits the result before exiting, the way
// an operator pokes at perkeep's own blob store with pk-put / pk-get.
package main

import (
	"flag"
	"fmt"
	"os"
)

type command struct {
	usage string
	run   func(args []string) error
}

var commands = map[string]command{
	"create": {"create -dir DIR [-key KEY]", runCreate},
	"write":  {"write -dir DIR -hash HASH [-key KEY] -stream N -data TEXT [-offset N] [-truncate]", runWrite},
	"read":   {"read -dir DIR -hash HASH [-key KEY] -stream N [-offset N] [-len N]", runRead},
	"doom":   {"doom -dir DIR -hash HASH [-key KEY]", runDoom},
	"sweep":  {"sweep -dir DIR", runSweep},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "cachetool: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err := cmd.run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "cachetool %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cachetool <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	for name, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-7s %s\n", name, cmd.usage)
	}
}

// commonFlags registers the -dir/-key/-hash flags every subcommand but
// sweep accepts; resolveKeyHash later fills in whichever of key and hash
// the operator left blank.
func commonFlags(fs *flag.FlagSet) (dir, key *string, hash *uint64Flag) {
	dir = fs.String("dir", "", "cache directory (required)")
	key = fs.String("key", "", "entry key (random demo key if omitted)")
	hash = new(uint64Flag)
	fs.Var(hash, "hash", "64-bit entry hash in hex (derived from -key if omitted)")
	return
}
