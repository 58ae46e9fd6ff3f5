// bztreectl is an administrative CLI for a bztree file: open or create one,
// inspect its shape, snapshot it, or drive it interactively.
//
// Usage:
//
//	bztreectl [--config path] [--compact-at n] [--min-free n] [--max-free n] <file>
//	bztreectl dump [--config path] <file> <out.json>
//	bztreectl repl [--config path] <file>
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
	pflag "github.com/spf13/pflag"

	"github.com/sirgallo/bztree"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bztreectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("missing command or file path")
	}

	switch args[0] {
	case "dump":
		return runDump(args[1:])
	case "repl":
		return runRepl(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return runStats(args)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  bztreectl [options] <file>              Open and print tree stats")
	fmt.Fprintln(os.Stderr, "  bztreectl dump [options] <file> <out>   Snapshot tree shape to JSON")
	fmt.Fprintln(os.Stderr, "  bztreectl repl [options] <file>         Interactive insert/lookup/update/erase")
}

// flagsToOptions wires the shared --config/--compact-at/--min-free/--max-free
// flags every subcommand accepts into a bztree.Options, overlaying any
// explicitly-set flag on top of whatever --config (or the defaults) loaded.
func flagsToOptions(fs *pflag.FlagSet, args []string) (bztree.Options, string, error) {
	configPath := fs.String("config", "", "path to a hujson (JSON-with-comments) config file")
	compactAt := fs.Uint32("compact-at", 0, "override MaxDeletedSpace threshold")
	minFree := fs.Uint32("min-free", 0, "override MinFreeSpace threshold")
	maxFree := fs.Uint32("max-free", 0, "override MaxFreeSpace threshold")
	poolThreads := fs.Int("pool-threads", 0, "override background flush goroutine count")

	if err := fs.Parse(args); err != nil {
		return bztree.Options{}, "", err
	}

	if fs.NArg() < 1 {
		return bztree.Options{}, "", fmt.Errorf("missing <file> argument")
	}

	cfg, err := bztree.LoadConfig(*configPath)
	if err != nil {
		return bztree.Options{}, "", fmt.Errorf("loading config: %w", err)
	}

	if *compactAt != 0 {
		cfg.MaxDeletedSpace = *compactAt
	}
	if *minFree != 0 {
		cfg.MinFreeSpace = *minFree
	}
	if *maxFree != 0 {
		cfg.MaxFreeSpace = *maxFree
	}
	if *poolThreads != 0 {
		cfg.PoolThreads = *poolThreads
	}

	return bztree.Options{Filepath: fs.Arg(0), Config: cfg}, fs.Arg(0), nil
}

func runStats(args []string) error {
	fs := pflag.NewFlagSet("bztreectl", pflag.ContinueOnError)
	fs.Usage = printUsage

	opts, path, err := flagsToOptions(fs, args)
	if err != nil {
		return err
	}

	t, err := bztree.Open(opts)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer t.Close()

	fmt.Printf("file:    %s\n", path)
	fmt.Printf("entries: %d\n", t.CountEntries())
	fmt.Print(t.Dump())

	return nil
}

// snapshot is the JSON shape bztreectl dump writes: a point-in-time summary
// of tree occupancy, not a serialization of the tree's persistent bytes.
type snapshot struct {
	File      string    `json:"file"`
	Entries   int       `json:"entries"`
	Tree      string    `json:"tree"`
	CreatedAt time.Time `json:"created_at"`
}

func runDump(args []string) error {
	fs := pflag.NewFlagSet("bztreectl dump", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bztreectl dump [options] <file> <out.json>")
		fs.PrintDefaults()
	}

	opts, path, err := flagsToOptions(fs, args)
	if err != nil {
		return err
	}

	if fs.NArg() < 2 {
		fs.Usage()
		return fmt.Errorf("missing <out.json> argument")
	}

	outPath := fs.Arg(1)

	t, err := bztree.Open(opts)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer t.Close()

	snap := snapshot{
		File:      path,
		Entries:   t.CountEntries(),
		Tree:      t.Dump(),
		CreatedAt: time.Now(),
	}

	buf, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	buf = append(buf, '\n')

	// atomic.WriteFile writes to a temp file and renames it into place, so a
	// crash mid-dump never leaves a torn snapshot at outPath.
	if err := atomic.WriteFile(outPath, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	fmt.Printf("wrote %s (%d entries)\n", outPath, snap.Entries)
	return nil
}
