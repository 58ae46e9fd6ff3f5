package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	pflag "github.com/spf13/pflag"

	"github.com/sirgallo/bztree"
)

// repl is the interactive command loop, grounded on the same
// open-store-then-drop-into-a-liner-loop shape bztree's pack sibling
// cmd/sloty uses for its own local-store CLI.
type repl struct {
	tree  *bztree.Tree
	path  string
	liner *liner.State
}

func runRepl(args []string) error {
	fs := pflag.NewFlagSet("bztreectl repl", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bztreectl repl [options] <file>")
		fs.PrintDefaults()
	}

	opts, path, err := flagsToOptions(fs, args)
	if err != nil {
		return err
	}

	t, err := bztree.Open(opts)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer t.Close()

	r := &repl{tree: t, path: path}
	return r.run()
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".bztreectl_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("bztreectl - %s\n", r.path)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("bztree> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || err == io.EOF {
				fmt.Println("\nbye")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		cmdArgs := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "insert", "put":
			r.cmdInsert(cmdArgs)
		case "update":
			r.cmdUpdate(cmdArgs)
		case "lookup", "get":
			r.cmdLookup(cmdArgs)
		case "erase", "del", "delete":
			r.cmdErase(cmdArgs)
		case "count":
			fmt.Printf("entries: %d\n", r.tree.CountEntries())
		case "dump":
			fmt.Print(r.tree.Dump())
		default:
			fmt.Printf("unknown command: %s (type 'help')\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"insert", "put", "update", "lookup", "get", "erase", "del", "delete", "count", "dump", "help", "exit", "quit", "q"}

	var out []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  insert <key> <value>   Insert a new key/value pair")
	fmt.Println("  update <key> <value>   Replace the value for an existing key")
	fmt.Println("  lookup <key>           Look up a key")
	fmt.Println("  erase <key>            Remove a key")
	fmt.Println("  count                  Count visible entries")
	fmt.Println("  dump                   Print the tree structure")
	fmt.Println("  help                   Show this help")
	fmt.Println("  exit / quit / q        Exit")
}

func (r *repl) cmdInsert(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: insert <key> <value>")
		return
	}

	if err := r.tree.Insert([]byte(args[0]), []byte(strings.Join(args[1:], " "))); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("ok")
}

func (r *repl) cmdUpdate(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: update <key> <value>")
		return
	}

	if err := r.tree.Update([]byte(args[0]), []byte(strings.Join(args[1:], " "))); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("ok")
}

func (r *repl) cmdLookup(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: lookup <key>")
		return
	}

	value, found, err := r.tree.Lookup([]byte(args[0]))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	if !found {
		fmt.Println("(not found)")
		return
	}

	fmt.Printf("%s\n", value)
}

func (r *repl) cmdErase(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: erase <key>")
		return
	}

	if err := r.tree.Erase([]byte(args[0])); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("ok")
}
