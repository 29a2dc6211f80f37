// Command mailcache runs the local mailbox cache daemon and its
// maintenance subcommands.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nhle/mailcache/internal/model"
)

const usage = `usage: mailcache <command> [flags]

commands:
  run     start the sync daemon and the status server
  stats   print cache statistics and queue contents
  login   authorize access to the mailbox and store the token
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runDaemon(args)
	case "stats":
		err = runStats(args)
	case "login":
		err = runLogin(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mailcache %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// commonFlags registers the flags every subcommand accepts.
func commonFlags(name string) (*flag.FlagSet, *string) {
	fset := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fset.String("config", model.DefaultConfigPath(), "path to config file")
	return fset, configPath
}

// newLogger returns a text logger on stderr whose level follows level.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
