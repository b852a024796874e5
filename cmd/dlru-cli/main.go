// dlru-cli is a small demo client for the pkg/dlru cache: get/put/rm/stat
// subcommands for scripting, and an interactive shell for exploration.
//
// Usage:
//
//	dlru-cli [--dir path] [--config path] get <key>
//	dlru-cli [--dir path] [--config path] put <key> <value>
//	dlru-cli [--dir path] [--config path] rm <key>
//	dlru-cli [--dir path] [--config path] stat
//	dlru-cli [--dir path] [--config path] shell
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/dlru-project/dlru/pkg/dlru"
	"github.com/dlru-project/dlru/pkg/fs"
)

var (
	errMissingCommand = errors.New("missing command")
	errUnknownCommand = errors.New("unknown command")
	errBadArgs        = errors.New("wrong number of arguments")
	errKeyNotFound    = errors.New("key not found")
	errEditInProgress = errors.New("another edit is already in progress for this key")
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("dlru-cli", flag.ContinueOnError)

	dirOverride := flags.String("dir", "", "cache directory (overrides config)")
	configPath := flags.String("config", "", "explicit config file path")

	if err := flags.Parse(args); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage()

		return errMissingCommand
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	cfg, err := LoadConfig(workDir, *configPath)
	if err != nil {
		return err
	}

	if *dirOverride != "" {
		cfg.Dir = *dirOverride
	}

	c, err := dlru.Open(fs.NewReal(), cfg.Dir, cfg.AppVersion, cfg.ValueCount, cfg.MaxSize)
	if err != nil {
		return fmt.Errorf("open cache at %s: %w", cfg.Dir, err)
	}
	defer c.Close()

	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "get":
		return cmdGet(os.Stdout, c, cmdArgs)
	case "put":
		return cmdPut(c, cfg.ValueCount, cmdArgs)
	case "rm":
		return cmdRemove(os.Stdout, c, cmdArgs)
	case "stat":
		return cmdStat(os.Stdout, c)
	case "shell":
		return (&REPL{cache: c, dir: cfg.Dir, valueCount: cfg.ValueCount}).Run()
	default:
		printUsage()

		return fmt.Errorf("%w: %s", errUnknownCommand, cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  dlru-cli [--dir path] [--config path] get <key>")
	fmt.Fprintln(os.Stderr, "  dlru-cli [--dir path] [--config path] put <key> <value>")
	fmt.Fprintln(os.Stderr, "  dlru-cli [--dir path] [--config path] rm <key>")
	fmt.Fprintln(os.Stderr, "  dlru-cli [--dir path] [--config path] stat")
	fmt.Fprintln(os.Stderr, "  dlru-cli [--dir path] [--config path] shell")
}

func cmdGet(out io.Writer, c *dlru.Cache, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: get <key>", errBadArgs)
	}

	snap, err := c.Get(args[0])
	if err != nil {
		return err
	}

	if snap == nil {
		return errKeyNotFound
	}

	defer snap.Close()

	s, err := snap.String(0)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, s)

	return nil
}

// cmdPut writes value to every value index of key. The demo CLI treats
// a cache opened with valueCount > 1 as holding the same string in each
// slot; a real multi-value client would expose per-index Set calls.
func cmdPut(c *dlru.Cache, valueCount int, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: put <key> <value>", errBadArgs)
	}

	key, value := args[0], args[1]

	ed, err := c.Edit(key)
	if err != nil {
		return err
	}

	if ed == nil {
		return errEditInProgress
	}

	for i := 0; i < valueCount; i++ {
		if err := ed.Set(i, value); err != nil {
			_ = ed.AbortUnlessCommitted()

			return err
		}
	}

	return ed.Commit()
}

func cmdRemove(out io.Writer, c *dlru.Cache, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: rm <key>", errBadArgs)
	}

	ok, err := c.Remove(args[0])
	if err != nil {
		return err
	}

	if ok {
		fmt.Fprintln(out, "removed")
	} else {
		fmt.Fprintln(out, "not found")
	}

	return nil
}

func cmdStat(out io.Writer, c *dlru.Cache) error {
	st := c.Stat()

	fmt.Fprintf(out, "size:     %d\n", st.Size)
	fmt.Fprintf(out, "max_size: %d\n", st.MaxSize)
	fmt.Fprintf(out, "entries:  %d\n", st.EntryCount)

	return nil
}
