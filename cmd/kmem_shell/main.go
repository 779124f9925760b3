// Command kmem_shell is an interactive console over a booted memory core:
// allocate and share frames, read, write, pin and release cached blocks and
// inspect the counters.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"go.uber.org/multierr"

	"github.com/sushant-115/kmem/config"
	"github.com/sushant-115/kmem/core/kernel"
	"github.com/sushant-115/kmem/pkg/logger"
)

var (
	configPath  = flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	historyFile = flag.String("history", filepath.Join(os.TempDir(), "kmem_shell.history"), "Readline history file")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kmem_shell: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg := config.Default()
	cfg.Logger.Level = "warn"
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	log, level, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	k, err := kernel.Boot(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, k.Shutdown()) }()

	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "kmem> ",
		HistoryFile:     *historyFile,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	sh := newShell(k, rl.Stdout(), level)
	defer sh.releaseAll()
	fmt.Fprintln(rl.Stdout(), "kmem shell, type help for commands")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		}
	}
}
