package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	gosync "sync"
	"syscall"
	"time"

	"github.com/cogrepo/cogrepo/internal/config"
	"github.com/cogrepo/cogrepo/internal/enrich"
	"github.com/cogrepo/cogrepo/internal/sync"
)

// nameList is a repeatable string flag.
type nameList []string

func (n *nameList) String() string {
	if n == nil {
		return ""
	}
	return strings.Join(*n, ",")
}

func (n *nameList) Set(v string) error {
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*n = append(*n, part)
		}
	}
	return nil
}

// newEngine wires an engine to st. The enricher is only built
// when the run will call it, so dry runs and -no-enrich work
// without credentials.
func newEngine(
	cfg config.Config, st *stores, needEnricher bool,
) (*sync.Engine, error) {
	var enricher enrich.Enricher
	if needEnricher {
		var err error
		if enricher, err = enrich.New(cfg.EnrichOptions()); err != nil {
			return nil, err
		}
	}
	return sync.NewEngine(sync.EngineConfig{
		Registry:     st.registry,
		Ledger:       st.ledger,
		Output:       st.out,
		Catalog:      st.catalog,
		Enricher:     enricher,
		Workers:      cfg.EnrichWorkers,
		ItemTimeout:  cfg.EnrichTimeout,
		MaxLineBytes: cfg.MaxLineBytes,
	}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
}

func runSync(args []string, out io.Writer) error {
	fs := newFlagSet("sync", out)
	var names nameList
	fs.Var(&names, "archive", "Archive to sync (repeatable; default all auto-sync archives)")
	dryRun := fs.Bool("dry-run", false, "Report what would be processed without writing")
	force := fs.Bool("force", false, "Sync archives whose file looks unchanged")
	noEnrich := fs.Bool("no-enrich", false, "Write conversations without AI metadata")
	retry := fs.Bool("retry-failed", false, "Retry conversations that failed with a transient error")
	asJSON := fs.Bool("json", false, "Print the summary as JSON")
	quiet := fs.Bool("quiet", false, "Do not print progress")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	st, err := openStores(cfg, exclusive)
	if err != nil {
		return err
	}
	defer st.Close()

	enrichOn := !*noEnrich
	engine, err := newEngine(cfg, st, enrichOn && !*dryRun)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	var onProgress sync.ProgressFunc
	if !*quiet && !*asJSON {
		onProgress = progressPrinter(os.Stderr)
	}
	summary, err := engine.Sync(ctx, sync.Options{
		Archives:    names,
		Force:       *force,
		Enrich:      enrichOn,
		DryRun:      *dryRun,
		RetryFailed: *retry,
	}, onProgress)

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil && err == nil {
			err = encErr
		}
	} else {
		printSummary(out, summary)
	}
	return syncOutcome(summary, err)
}

// syncOutcome maps a finished run onto the CLI's exit codes.
func syncOutcome(s sync.Summary, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errors.New("sync interrupted; completed archives were saved")
	case err != nil:
		return err
	case s.HardFailure():
		return fmt.Errorf("%d archive(s) could not be synced", s.Errors)
	case s.PartialFailure():
		return fmt.Errorf("%w: %d failed, retry with -retry-failed",
			errPartial, s.Failed)
	}
	return nil
}

// progressPrinter prints one line per phase change and a running
// count while enriching.
func progressPrinter(w io.Writer) sync.ProgressFunc {
	var last sync.Progress
	return func(p sync.Progress) {
		switch {
		case p.Phase == sync.PhaseDone:
			return
		case p.Phase != last.Phase || p.Archive != last.Archive:
			fmt.Fprintf(w, "[%d/%d] %s: %s\n",
				p.ArchivesDone+1, p.ArchivesTotal, p.Archive, p.Phase)
		case p.Phase == sync.PhaseEnriching && p.ItemsDone != last.ItemsDone:
			fmt.Fprintf(w, "\r  %d/%d (%.0f%%)",
				p.ItemsDone, p.ItemsTotal, p.Percent())
			if p.ItemsDone == p.ItemsTotal {
				fmt.Fprintln(w)
			}
		}
		last = p
	}
}

func printSummary(w io.Writer, s sync.Summary) {
	for _, a := range s.Archives {
		line := fmt.Sprintf("%-20s %-8s", a.Name, a.Status)
		switch a.Status {
		case sync.StatusSynced:
			line += fmt.Sprintf(" %d new, %d failed, %d skipped",
				a.Processed, a.Failed, a.Skipped)
			if a.Malformed > 0 {
				line += fmt.Sprintf(", %d malformed", a.Malformed)
			}
		case sync.StatusDryRun:
			line += fmt.Sprintf(" would process %d (%s)",
				a.WouldProcess, a.Change.Details)
		case sync.StatusSkipped:
			line += " " + a.Reason
		case sync.StatusError:
			line += " " + a.Error
		}
		fmt.Fprintln(w, line)
		if a.Warning != "" {
			fmt.Fprintf(w, "  warning: %s\n", a.Warning)
		}
	}
	if len(s.Archives) == 0 {
		fmt.Fprintln(w, "No archives to sync.")
		return
	}
	if s.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was written.")
		return
	}
	fmt.Fprintf(w,
		"Processed %d, failed %d, skipped %d, malformed %d in %s\n",
		s.Processed, s.Failed, s.Skipped, s.Malformed,
		s.Duration.Round(time.Millisecond),
	)
}

// runWatch keeps the data-dir lock for its lifetime and syncs the
// auto-sync archives when their files change, plus once per
// sync_interval as a fallback for missed events.
func runWatch(args []string, out io.Writer) error {
	fs := newFlagSet("watch", out)
	noEnrich := fs.Bool("no-enrich", false, "Write conversations without AI metadata")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	setupLogFile(cfg.DataDir)

	st, err := openStores(cfg, exclusive)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := newEngine(cfg, st, !*noEnrich)
	if err != nil {
		return err
	}
	opts := sync.Options{Enrich: !*noEnrich}

	ctx, stop := signalContext()
	defer stop()

	if _, err := engine.Sync(ctx, opts, nil); err != nil {
		return watchErr(err)
	}

	// The watcher callback only queues paths; the main loop runs
	// the syncs one at a time and can stop between runs.
	var (
		mu      gosync.Mutex
		queued  = make(map[string]bool)
		changed = make(chan struct{}, 1)
	)
	watcher, err := sync.NewWatcher(cfg.WatchDebounce, func(paths []string) {
		mu.Lock()
		for _, p := range paths {
			queued[p] = true
		}
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	var paths []string
	for _, rec := range st.registry.AutoSyncTargets() {
		paths = append(paths, rec.FilePath)
	}
	watched, unwatched := watcher.WatchFiles(paths)
	watcher.Start()
	defer watcher.Stop()

	log.Printf("watch: watching %d archive(s), %d unwatched, polling every %s",
		watched, unwatched, cfg.SyncInterval)
	fmt.Fprintf(out, "Watching %d archive(s). Press Ctrl-C to stop.\n", watched)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			log.Printf("watch: stopping")
			return nil
		case <-changed:
			mu.Lock()
			paths := slices.Collect(maps.Keys(queued))
			clear(queued)
			mu.Unlock()
			_, err = engine.SyncPaths(ctx, paths, opts)
		case <-ticker.C:
			_, err = engine.Sync(ctx, opts, nil)
		}
		if err != nil {
			return watchErr(err)
		}
	}
}

func watchErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
