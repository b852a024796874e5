package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/dlru-project/dlru/pkg/dlru"
)

// REPL is the interactive command loop for the shell subcommand.
type REPL struct {
	cache      *dlru.Cache
	dir        string
	valueCount int
	liner      *liner.State
}

// historyFile returns the path to the shell's persisted command history.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dlru_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("dlru-cli shell (dir=%s)\n", r.dir)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("dlru> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

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
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "get":
			r.cmdGet(args)

		case "put":
			r.cmdPut(args)

		case "rm", "del", "delete":
			r.cmdRemove(args)

		case "stat":
			r.cmdStat()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>            retrieve a value")
	fmt.Println("  put <key> <value>    store a value")
	fmt.Println("  rm <key>             remove a value")
	fmt.Println("  stat                 show size/max_size/entries")
	fmt.Println("  clear                clear the screen")
	fmt.Println("  exit                 leave the shell")
}

func (r *REPL) cmdGet(args []string) {
	if err := cmdGet(os.Stdout, r.cache, args); err != nil {
		fmt.Println("error:", err)
	}
}

func (r *REPL) cmdPut(args []string) {
	if err := cmdPut(r.cache, r.valueCount, args); err != nil {
		fmt.Println("error:", err)
	}
}

func (r *REPL) cmdRemove(args []string) {
	if err := cmdRemove(os.Stdout, r.cache, args); err != nil {
		fmt.Println("error:", err)
	}
}

func (r *REPL) cmdStat() {
	st := r.cache.Stat()
	fmt.Printf("size=%d max_size=%d entries=%d\n", st.Size, st.MaxSize, st.EntryCount)
}
