// Package sync orchestrates incremental syncs of registered
// archives: change detection, scanning for new conversations,
// enrichment through a bounded worker pool, and persistence of the
// results, ledger and cursors.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogrepo/cogrepo/internal/archive"
	"github.com/cogrepo/cogrepo/internal/db"
	"github.com/cogrepo/cogrepo/internal/enrich"
	"github.com/cogrepo/cogrepo/internal/ledger"
	"github.com/cogrepo/cogrepo/internal/output"
	"github.com/cogrepo/cogrepo/internal/parser"
	"github.com/cogrepo/cogrepo/internal/scanner"
	"github.com/cogrepo/cogrepo/internal/timeutil"
)

const (
	defaultWorkers     = 4
	defaultItemTimeout = 2 * time.Minute
)

// ErrUnknownArchive is returned when Sync is asked for an archive
// the registry does not know.
var ErrUnknownArchive = errors.New("unknown archive")

// EngineConfig wires an Engine to its stores.
type EngineConfig struct {
	Registry *archive.Registry
	Ledger   *ledger.State
	// Output and Catalog are optional; nil skips that sink.
	Output  *output.Writer
	Catalog *db.DB

	Enricher     enrich.Enricher
	Workers      int
	ItemTimeout  time.Duration
	MaxLineBytes int
}

// Engine runs syncs. Only one sync runs at a time.
type Engine struct {
	registry     *archive.Registry
	ledger       *ledger.State
	out          *output.Writer
	catalog      *db.DB
	enricher     enrich.Enricher
	workers      int
	itemTimeout  time.Duration
	maxLineBytes int

	syncMu gosync.Mutex // serializes sync runs

	now   func() time.Time
	newID func() string
}

// NewEngine creates a sync engine. A nil Enricher means raw
// passthrough.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		registry:     cfg.Registry,
		ledger:       cfg.Ledger,
		out:          cfg.Output,
		catalog:      cfg.Catalog,
		enricher:     cfg.Enricher,
		workers:      cfg.Workers,
		itemTimeout:  cfg.ItemTimeout,
		maxLineBytes: cfg.MaxLineBytes,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	if e.enricher == nil {
		e.enricher = enrich.Passthrough{}
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.itemTimeout <= 0 {
		e.itemTimeout = defaultItemTimeout
	}
	return e
}

// Options selects what a sync does.
type Options struct {
	// Archives names the archives to sync. Empty means every
	// enabled archive with auto-sync on.
	Archives []string
	// Force syncs archives whose file looks unchanged.
	Force bool
	// Enrich calls the configured Enricher. When false,
	// conversations are written without AI metadata.
	Enrich bool
	// DryRun only detects changes and counts new conversations.
	DryRun bool
	// RetryFailed reprocesses conversations whose last failure
	// was transient, even when they are behind the cursor.
	RetryFailed bool
}

// Sync brings the selected archives up to date. Unknown archive
// names are rejected before anything is touched. Problems with a
// single archive are reported in its ArchiveResult; the returned
// error is reserved for cancellation and for failures to persist
// state, both of which stop the run.
func (e *Engine) Sync(
	ctx context.Context, opts Options, onProgress ProgressFunc,
) (Summary, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	targets, err := e.resolveTargets(opts.Archives)
	if err != nil {
		return Summary{}, err
	}

	t0 := e.now()
	summary := Summary{RunID: e.newID(), DryRun: opts.DryRun}
	progress := Progress{Phase: PhaseChecking, ArchivesTotal: len(targets)}
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	var runErr error
	for _, rec := range targets {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		progress.Archive = rec.Name
		progress.ItemsTotal, progress.ItemsDone = 0, 0
		res, err := e.syncArchive(ctx, rec, opts, &progress, report)
		summary.add(res)
		if err != nil {
			runErr = err
			break
		}
		progress.ArchivesDone++
	}

	summary.Duration = e.now().Sub(t0)
	progress.Phase = PhaseDone
	progress.Archive = ""
	report(progress)

	e.recordRun(ctx, summary, t0, runErr)
	log.Printf(
		"sync: %d processed, %d failed, %d skipped, %d malformed in %s",
		summary.Processed, summary.Failed, summary.Skipped,
		summary.Malformed, summary.Duration.Round(time.Millisecond),
	)
	return summary, runErr
}

// SyncPaths syncs the auto-sync archives whose files are among
// paths. Paths that belong to no archive are ignored.
func (e *Engine) SyncPaths(
	ctx context.Context, paths []string, opts Options,
) (Summary, error) {
	changed := make(map[string]bool, len(paths))
	for _, p := range paths {
		changed[filepath.Clean(p)] = true
	}
	var names []string
	for _, rec := range e.registry.AutoSyncTargets() {
		if changed[filepath.Clean(rec.FilePath)] {
			names = append(names, rec.Name)
		}
	}
	if len(names) == 0 {
		return Summary{}, nil
	}
	opts.Archives = names
	return e.Sync(ctx, opts, nil)
}

// Check reports the change state of the named archives, or of
// every registered archive when names is empty, with exact counts
// of the conversations a sync would process.
func (e *Engine) Check(names []string) ([]archive.ChangeReport, error) {
	var targets []archive.Record
	if len(names) == 0 {
		targets = e.registry.List()
	} else {
		var err error
		if targets, err = e.resolveTargets(names); err != nil {
			return nil, err
		}
	}
	reports := make([]archive.ChangeReport, 0, len(targets))
	for _, rec := range targets {
		det := archive.NewDetector(func(rec archive.Record) (int, error) {
			n, _, err := scanner.Count(
				rec.FilePath, rec.Source, e.scanOptions(rec, false),
			)
			return n, err
		})
		r, err := det.Detect(rec)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", rec.Name, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (e *Engine) resolveTargets(names []string) ([]archive.Record, error) {
	if len(names) == 0 {
		return e.registry.AutoSyncTargets(), nil
	}
	seen := make(map[string]bool, len(names))
	var out []archive.Record
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		rec, ok := e.registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownArchive, name)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *Engine) scanOptions(
	rec archive.Record, retryFailed bool,
) scanner.Options {
	opts := scanner.Options{
		Cursor:       rec.Cursor,
		Seen:         e.ledger,
		MaxLineBytes: e.maxLineBytes,
	}
	if retryFailed {
		opts.Bypass = e.ledger.RetryableIDs(rec.Source, rec.Name)
	}
	return opts
}

func (e *Engine) pendingFailures(rec archive.Record) int {
	n := 0
	for _, f := range e.ledger.Failures(rec.Source) {
		if f.Archive == rec.Name {
			n++
		}
	}
	return n
}

// item is one conversation moving through enrichment.
type item struct {
	conv        parser.Conversation
	fingerprint string
	result      enrich.Result
	err         error
}

func (e *Engine) syncArchive(
	ctx context.Context, rec archive.Record, opts Options,
	progress *Progress, report ProgressFunc,
) (ArchiveResult, error) {
	res := ArchiveResult{Name: rec.Name, Source: rec.Source}
	fail := func(err error) (ArchiveResult, error) {
		log.Printf("sync: %s: %v", rec.Name, err)
		res.Status = StatusError
		res.Error = err.Error()
		return res, nil
	}
	interrupted := func(err error) (ArchiveResult, error) {
		res.Status = StatusSkipped
		res.Reason = "interrupted"
		return res, err
	}

	progress.Phase = PhaseChecking
	report(*progress)

	if !rec.Enabled {
		res.Status = StatusSkipped
		res.Reason = "archive is disabled"
		return res, nil
	}

	change, err := archive.NewDetector(nil).Detect(rec)
	if err != nil {
		return fail(err)
	}
	res.Change = change
	if change.Drift() {
		res.Warning = change.Details
		log.Printf("sync: %s: warning: %s", rec.Name, change.Details)
	}

	retrying := opts.RetryFailed && len(e.ledger.RetryableIDs(rec.Source, rec.Name)) > 0
	switch {
	case change.Kind == archive.KindMissing:
		res.Status = StatusSkipped
		res.Reason = change.Details
		return res, nil
	case !change.HasChanged && !opts.Force && !retrying:
		res.Status = StatusSkipped
		res.Reason = change.Details
		return res, nil
	}

	scanOpts := e.scanOptions(rec, opts.RetryFailed)
	if opts.DryRun {
		n, stats, err := scanner.Count(rec.FilePath, rec.Source, scanOpts)
		if err != nil {
			return fail(err)
		}
		res.Status = StatusDryRun
		res.WouldProcess = n
		res.Skipped = stats.Skipped()
		res.Malformed = stats.Malformed
		res.Change.NewCount = n
		res.Change.NewCountKnown = true
		return res, nil
	}

	// The file state is captured before scanning so that anything
	// appended during the scan is seen as a change next time.
	file, err := archive.StatFile(rec.FilePath)
	if err != nil {
		return fail(err)
	}

	progress.Phase = PhaseScanning
	report(*progress)
	items, cursor, stats, err := e.scan(ctx, rec, scanOpts)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx.Err())
		}
		return fail(err)
	}
	res.Skipped = stats.Skipped()
	res.Malformed = stats.Malformed
	res.Change.NewCount = stats.Yielded
	res.Change.NewCountKnown = true

	progress.Phase = PhaseEnriching
	progress.ItemsTotal = len(items)
	report(*progress)
	enricher := e.enricher
	if !opts.Enrich {
		enricher = enrich.Passthrough{}
	}
	e.enrichAll(ctx, enricher, items, func() {
		progress.ItemsDone++
		report(*progress)
	})
	if err := ctx.Err(); err != nil {
		log.Printf(
			"sync: %s: interrupted, discarding %d conversation(s)",
			rec.Name, len(items),
		)
		return interrupted(err)
	}

	progress.Phase = PhasePersisting
	report(*progress)
	processed, failed, err := e.persist(
		ctx, rec, items, opts.Enrich,
		archive.SyncUpdate{File: file, Cursor: cursor, Total: stats.Valid()},
	)
	res.Processed = processed
	res.Failed = failed
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		return res, err
	}
	res.Status = StatusSynced
	if failed > 0 {
		res.Reason = fmt.Sprintf("%d conversation(s) failed enrichment", failed)
	}
	log.Printf(
		"sync: %s: %d new, %d failed, %d skipped, %d malformed; "+
			"ledger holds %d %s conversation(s)",
		rec.Name, processed, failed, res.Skipped, res.Malformed,
		e.ledger.ProcessedCount(rec.Source), rec.Source,
	)
	return res, nil
}

// scan collects the conversations of rec that still need
// processing.
func (e *Engine) scan(
	ctx context.Context, rec archive.Record, opts scanner.Options,
) ([]item, archive.Cursor, scanner.Stats, error) {
	sc, err := scanner.Open(rec.FilePath, rec.Source, opts)
	if err != nil {
		return nil, archive.Cursor{}, scanner.Stats{}, err
	}
	defer sc.Close()

	var items []item
	for sc.Next() {
		if err := ctx.Err(); err != nil {
			return nil, archive.Cursor{}, sc.Stats(), err
		}
		items = append(items, item{
			conv:        sc.Conversation(),
			fingerprint: sc.Fingerprint(),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, archive.Cursor{}, sc.Stats(), err
	}
	return items, sc.Cursor(), sc.Stats(), nil
}

// enrichAll fans items out over the worker pool. Results land in
// items by index, so scan order is kept. Items not started before
// ctx is cancelled are left untouched.
func (e *Engine) enrichAll(
	ctx context.Context, enricher enrich.Enricher, items []item,
	onDone func(),
) {
	if len(items) == 0 {
		return
	}
	var mu gosync.Mutex
	jobs := make(chan int)
	var wg gosync.WaitGroup
	for range min(e.workers, len(items)) {
		wg.Go(func() {
			for i := range jobs {
				items[i].result, items[i].err = e.enrichOne(
					ctx, enricher, items[i].conv,
				)
				mu.Lock()
				onDone()
				mu.Unlock()
			}
		})
	}

feed:
	for i := range items {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

func (e *Engine) enrichOne(
	ctx context.Context, enricher enrich.Enricher,
	conv parser.Conversation,
) (enrich.Result, error) {
	if len(conv.Messages) == 0 {
		// Nothing to analyze; keep the raw record.
		enricher = enrich.Passthrough{}
	}
	ictx, cancel := context.WithTimeout(ctx, e.itemTimeout)
	defer cancel()

	r, err := enricher.Enrich(ictx, enrich.NewRequest(conv))
	if err != nil {
		if ictx.Err() != nil && ctx.Err() == nil &&
			!enrich.IsTransient(err) {
			err = fmt.Errorf("%w: timed out after %s: %w",
				enrich.ErrTransient, e.itemTimeout, err)
		}
		return enrich.Result{}, err
	}
	if r.Title == "" {
		r.Title = conv.Title
	}
	return r, nil
}

// persist writes the successes of one archive batch to the output
// file and catalog, then records successes and failures in the
// ledger and advances the registry. Ledger and registry are saved
// last, so a crash before that point only leads to reprocessing.
func (e *Engine) persist(
	ctx context.Context, rec archive.Record, items []item,
	enriched bool, update archive.SyncUpdate,
) (processed, failed int, err error) {
	// Persistence is not interrupted half way.
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()

	var records []output.Record
	for _, it := range items {
		if it.err != nil {
			failed++
			retryable := enrich.IsTransient(it.err)
			log.Printf(
				"sync: %s: enrichment of %s failed (retryable=%t): %v",
				rec.Name, it.conv.ExternalID, retryable, it.err,
			)
			e.ledger.RecordFailure(
				rec.Source, it.conv.ExternalID, rec.Name,
				it.err.Error(), retryable,
			)
			continue
		}
		internalID := e.newID()
		if prev, ok := e.ledger.Lookup(rec.Source, it.conv.ExternalID); ok &&
			prev.InternalID != "" {
			internalID = prev.InternalID
		}
		records = append(records, output.Record{
			InternalID:    internalID,
			ExternalID:    it.conv.ExternalID,
			Source:        rec.Source,
			Archive:       rec.Name,
			Fingerprint:   it.fingerprint,
			OriginalTitle: it.conv.Title,
			CreatedAt:     it.conv.CreatedAt,
			UpdatedAt:     it.conv.UpdatedAt,
			ProcessedAt:   now,
			MessageCount:  len(it.conv.Messages),
			Messages:      it.conv.Messages,
			Enriched:      enriched,
			Result:        it.result,
		})
	}

	if e.out != nil && len(records) > 0 {
		if err := e.out.Append(records...); err != nil {
			return 0, failed, fmt.Errorf("writing output: %w", err)
		}
	}
	if e.catalog != nil && len(records) > 0 {
		convs := make([]db.Conversation, len(records))
		for i, r := range records {
			convs[i] = toCatalog(r)
		}
		if err := e.catalog.UpsertConversations(ctx, convs); err != nil {
			return 0, failed, fmt.Errorf("updating catalog: %w", err)
		}
	}

	for _, r := range records {
		e.ledger.Record(r.Source, r.ExternalID, ledger.Entry{
			InternalID:       r.InternalID,
			ProcessedAt:      now,
			Fingerprint:      r.Fingerprint,
			ConversationDate: r.CreatedAt,
			Archive:          r.Archive,
		})
	}
	processed = len(records)

	update.Processed = processed
	update.Pending = e.pendingFailures(rec)
	update.SyncedAt = now
	if err := e.registry.UpdateAfterSync(rec.Name, update); err != nil {
		return processed, failed, err
	}
	if err := e.ledger.Save(); err != nil {
		return processed, failed, err
	}
	if err := e.registry.Save(); err != nil {
		return processed, failed, err
	}
	return processed, failed, nil
}

func toCatalog(r output.Record) db.Conversation {
	msgs := make([]db.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = db.Message{
			Ordinal:   i,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: timeutil.Ptr(m.Timestamp),
		}
	}
	title := r.Title
	if title == "" {
		title = r.OriginalTitle
	}
	return db.Conversation{
		InternalID:         r.InternalID,
		Source:             string(r.Source),
		ExternalID:         r.ExternalID,
		Archive:            r.Archive,
		Fingerprint:        r.Fingerprint,
		Title:              title,
		OriginalTitle:      r.OriginalTitle,
		SummaryAbstractive: r.SummaryAbstractive,
		SummaryExtractive:  r.SummaryExtractive,
		PrimaryDomain:      r.PrimaryDomain,
		Score:              r.Score,
		Tags:               r.Tags,
		KeyInsights:        r.KeyInsights,
		MessageCount:       r.MessageCount,
		CreatedAt:          timeutil.Ptr(r.CreatedAt),
		ProcessedAt:        timeutil.Format(r.ProcessedAt),
		Enriched:           r.Enriched,
		Model:              r.Model,
		Messages:           msgs,
	}
}

// recordRun stores the run in the catalog. Failures are logged
// only; the run itself already happened.
func (e *Engine) recordRun(
	ctx context.Context, s Summary, started time.Time, runErr error,
) {
	if e.catalog == nil {
		return
	}
	run := db.Run{
		ID:         s.RunID,
		StartedAt:  timeutil.Format(started),
		FinishedAt: timeutil.Format(e.now()),
		Archives:   len(s.Archives),
		Processed:  s.Processed,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Malformed:  s.Malformed,
		DryRun:     s.DryRun,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := e.catalog.InsertRun(
		context.WithoutCancel(ctx), run,
	); err != nil {
		log.Printf("sync: recording run: %v", err)
	}
}
