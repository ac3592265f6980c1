package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	_ "time/tzdata"

	"github.com/cogrepo/cogrepo/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
)

// errPartial marks a command that finished but left some items
// failed.
var errPartial = errors.New("some conversations failed")

const maxLogSize = 10 << 20

type command struct {
	name    string
	summary string
	run     func(args []string, out io.Writer) error
}

func commands() []command {
	return []command{
		{"register", "Register an export file", runRegister},
		{"unregister", "Remove an archive from the registry", runUnregister},
		{"list", "List registered archives", runList},
		{"status", "Show pending changes and ledger statistics", runStatus},
		{"sync", "Process new conversations", runSync},
		{"reset", "Clear an archive's cursor", runReset},
		{"enable", "Enable syncing of an archive", runEnable},
		{"disable", "Disable syncing of an archive", runDisable},
		{"autosync", "Include or exclude an archive from a plain sync", runAutoSync},
		{"failures", "List conversations that failed enrichment", runFailures},
		{"recent", "Show recently processed conversations", runRecent},
		{"search", "Search the catalog", runSearch},
		{"watch", "Sync auto-sync archives whenever they change", runWatch},
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	if len(args) == 0 {
		printUsage(out)
		return exitFailure
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(out, "cogrepo %s (commit %s, built %s)\n",
			version, commit, buildDate)
		return exitOK
	case "help", "--help", "-h":
		printUsage(out)
		return exitOK
	}
	for _, c := range commands() {
		if c.name == args[0] {
			return exitCode(c.run(args[1:], out))
		}
	}
	fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", args[0])
	printUsage(os.Stderr)
	return exitFailure
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errPartial):
		fmt.Fprintln(os.Stderr, "warning:", err)
		return exitPartial
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitFailure
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `cogrepo %s - incremental sync of AI conversation exports

Registers ChatGPT, Claude and Gemini export files, detects what
changed since the last sync, and enriches only new conversations.

Usage:
  cogrepo <command> [flags]

Commands:
`, version)
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprint(w, `  version      Show version information
  help         Show this help

Common flags:
  -data-dir string        Data directory (default ~/.cogrepo)
  -provider string        Enrichment provider: anthropic, command or none
  -workers int            Concurrent enrichment calls (default 4)
  -enrich-timeout dur     Timeout for one enrichment call (default 2m)

Environment variables:
  COGREPO_DATA_DIR          Data directory
  ANTHROPIC_API_KEY         API key for the anthropic provider
  COGREPO_ENRICH_PROVIDER   Enrichment provider
  COGREPO_ENRICH_COMMAND    Command for the command provider
  COGREPO_ANTHROPIC_MODEL   Model for the anthropic provider

Exit codes: 0 success, 2 some conversations failed, 1 error.
`)
}

// newFlagSet returns a flag set for cmd with the common flags
// registered.
func newFlagSet(cmd string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)
	config.RegisterFlags(fs)
	return fs
}

// loadConfig parses args into fs and layers the result over the
// config file and environment.
func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("creating data dir: %w", err)
	}
	return cfg, nil
}

// setupLogFile mirrors the standard logger into cogrepo.log in
// dir, so long-running watches leave a trail.
func setupLogFile(dir string) {
	path := filepath.Join(dir, "cogrepo.log")
	truncateLogFile(path, maxLogSize)
	f, err := os.OpenFile(
		path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
	)
	if err != nil {
		log.Printf("warning: cannot open log file: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(log.Writer(), f))
}

// truncateLogFile empties the regular file at path when it grows
// beyond limit. Symlinks are left alone.
func truncateLogFile(path string, limit int64) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if info.Size() > limit {
		_ = os.Truncate(path, 0)
	}
}
