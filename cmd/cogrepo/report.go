package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/cogrepo/cogrepo/internal/db"
	"github.com/cogrepo/cogrepo/internal/parser"
	"github.com/cogrepo/cogrepo/internal/timeutil"
)

func runStatus(args []string, out io.Writer) error {
	fs := newFlagSet("status", out)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	st, err := openStores(cfg, readOnly)
	if err != nil {
		return err
	}
	defer st.Close()

	recs := st.registry.List()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No archives registered. Use `cogrepo register`.")
	} else {
		engine, err := newEngine(cfg, st, false)
		if err != nil {
			return err
		}
		reports, err := engine.Check(fs.Args())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Archives:")
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, r := range reports {
			pending := "-"
			if r.NewCountKnown {
				pending = fmt.Sprintf("%d new", r.NewCount)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
				r.Archive, r.Kind, pending, r.Details)
			if r.Drift() {
				fmt.Fprintf(tw,
					"  \twarning: file may have been replaced\t\t\n")
			}
		}
		tw.Flush()
	}

	stats := st.ledger.Stats()
	if len(stats) > 0 {
		fmt.Fprintln(out, "\nLedger:")
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, src := range sortedSources(stats) {
			s := stats[src]
			latest := "-"
			if !s.LastConversationDate.IsZero() {
				latest = timeutil.Format(s.LastConversationDate)
			}
			fmt.Fprintf(tw, "  %s\t%s processed\t%d failed\tlatest %s\n",
				src, humanize.Comma(int64(s.Processed)), s.Failed, latest)
		}
		tw.Flush()
	}

	ctx := context.Background()
	cat, err := st.catalog.GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nCatalog: %s conversations, %s messages, %s enriched\n",
		humanize.Comma(int64(cat.Conversations)),
		humanize.Comma(int64(cat.Messages)),
		humanize.Comma(int64(cat.Enriched)))

	runs, err := st.catalog.RecentRuns(ctx, 1)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		r := runs[0]
		last := r.FinishedAt
		if t, ok := timeutil.ParseISO(r.FinishedAt); ok {
			last = humanize.Time(t)
		}
		fmt.Fprintf(out, "Last sync: %s (%d processed, %d failed)",
			last, r.Processed, r.Failed)
		if r.Error != "" {
			fmt.Fprintf(out, " error: %s", r.Error)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func sortedSources[V any](m map[parser.Source]V) []parser.Source {
	out := make([]parser.Source, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func runFailures(args []string, out io.Writer) error {
	fs := newFlagSet("failures", out)
	source := fs.String("source", "", "Only show failures from this source")
	clearAll := fs.Bool("clear", false, "Forget the listed failures so they are never retried")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	var src parser.Source
	if *source != "" {
		if src, err = parser.ParseSource(*source); err != nil {
			return err
		}
	}
	mode := readOnly
	if *clearAll {
		mode = exclusive
	}
	st, err := openStores(cfg, mode)
	if err != nil {
		return err
	}
	defer st.Close()

	failures := st.ledger.Failures(src)
	if len(failures) == 0 {
		fmt.Fprintln(out, "No failed conversations.")
		return nil
	}
	if *clearAll {
		for _, f := range failures {
			st.ledger.ClearFailure(f.Source, f.ExternalID)
		}
		if err := st.ledger.Save(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Cleared %d failure(s)\n", len(failures))
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tID\tARCHIVE\tATTEMPTS\tRETRY\tLAST FAILED\tERROR")
	for _, f := range failures {
		retry := "no"
		if f.Retryable {
			retry = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			f.Source, f.ExternalID, f.Archive, f.Attempts, retry,
			humanize.Time(f.LastFailedAt), f.LastError)
	}
	return tw.Flush()
}

func runRecent(args []string, out io.Writer) error {
	fs := newFlagSet("recent", out)
	n := fs.Int("n", 20, "Number of conversations to show")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	st, err := openStores(cfg, readOnly)
	if err != nil {
		return err
	}
	defer st.Close()

	convs, err := st.catalog.Recent(context.Background(), *n)
	if err != nil {
		return err
	}
	writeConversations(out, convs)
	return nil
}

func runSearch(args []string, out io.Writer) error {
	fs := newFlagSet("search", out)
	n := fs.Int("n", 20, "Maximum number of results")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("search: a query is required")
	}
	st, err := openStores(cfg, readOnly)
	if err != nil {
		return err
	}
	defer st.Close()

	convs, err := st.catalog.Search(context.Background(), query, *n)
	if err != nil {
		return err
	}
	writeConversations(out, convs)
	return nil
}

func writeConversations(w io.Writer, convs []db.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tSOURCE\tTITLE\tDOMAIN\tTAGS")
	for _, c := range convs {
		date := "-"
		if c.CreatedAt != nil && len(*c.CreatedAt) >= 10 {
			date = (*c.CreatedAt)[:10]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			date, c.Source, c.Title, c.PrimaryDomain,
			strings.Join(c.Tags, ", "))
	}
	tw.Flush()
}
