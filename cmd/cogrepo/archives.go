package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cogrepo/cogrepo/internal/archive"
	"github.com/cogrepo/cogrepo/internal/parser"
	"github.com/cogrepo/cogrepo/internal/timeutil"
)

func runRegister(args []string, out io.Writer) error {
	fs := newFlagSet("register", out)
	name := fs.String("name", "", "Archive name (required)")
	source := fs.String(
		"source", "",
		"Export source: chatgpt, claude or gemini (detected when empty)",
	)
	file := fs.String("file", "", "Path to the export file (required)")
	autoSync := fs.Bool(
		"auto-sync", true,
		"Include the archive in a plain `cogrepo sync`",
	)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *name == "" || *file == "" {
		return errors.New("register: -name and -file are required")
	}
	var src parser.Source
	if *source != "" {
		if src, err = parser.ParseSource(*source); err != nil {
			return err
		}
	}

	st, err := openStores(cfg, exclusive)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.registry.Register(*name, src, *file, *autoSync)
	if err != nil {
		return err
	}
	if err := st.registry.Save(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Registered %s (%s) -> %s\n",
		rec.Name, rec.Source, rec.FilePath)
	return nil
}

// nameCommand runs fn on the archive named by the -name flag while
// holding the data-dir lock, then saves the registry.
func nameCommand(
	cmd string, args []string, out io.Writer,
	fn func(reg *archive.Registry, name string) error,
	done string,
) error {
	return nameCommandFlags(cmd, newFlagSet(cmd, out), args, out, fn,
		func() string { return done })
}

func nameCommandFlags(
	cmd string, fs *flag.FlagSet, args []string, out io.Writer,
	fn func(reg *archive.Registry, name string) error,
	done func() string,
) error {
	name := fs.String("name", "", "Archive name (required)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("%s: -name is required", cmd)
	}

	st, err := openStores(cfg, exclusive)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := fn(st.registry, *name); err != nil {
		return err
	}
	if err := st.registry.Save(); err != nil {
		return err
	}
	fmt.Fprintf(out, done()+"\n", *name)
	return nil
}

func runUnregister(args []string, out io.Writer) error {
	return nameCommand("unregister", args, out,
		(*archive.Registry).Unregister,
		"Unregistered %s; processed conversations stay in the ledger")
}

func runReset(args []string, out io.Writer) error {
	return nameCommand("reset", args, out,
		(*archive.Registry).ResetCursor,
		"Reset the cursor of %s; the next sync rescans the whole file")
}

func runEnable(args []string, out io.Writer) error {
	return nameCommand("enable", args, out,
		func(reg *archive.Registry, name string) error {
			return reg.SetEnabled(name, true)
		},
		"Enabled %s")
}

func runDisable(args []string, out io.Writer) error {
	return nameCommand("disable", args, out,
		func(reg *archive.Registry, name string) error {
			return reg.SetEnabled(name, false)
		},
		"Disabled %s")
}

func runAutoSync(args []string, out io.Writer) error {
	fs := newFlagSet("autosync", out)
	off := fs.Bool("off", false, "Exclude the archive from a plain `cogrepo sync`")
	return nameCommandFlags("autosync", fs, args, out,
		func(reg *archive.Registry, name string) error {
			return reg.SetAutoSync(name, !*off)
		},
		func() string {
			if *off {
				return "Auto-sync off for %s"
			}
			return "Auto-sync on for %s"
		})
}

func runList(args []string, out io.Writer) error {
	fs := newFlagSet("list", out)
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
		return nil
	}
	writeArchiveTable(out, recs)
	return nil
}

func writeArchiveTable(w io.Writer, recs []archive.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tCONVERSATIONS\tPENDING\tSIZE\tCURSOR\tLAST SYNC\tFLAGS\tFILE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.Source,
			r.ProcessedConversations, r.TotalConversations,
			r.PendingConversations,
			humanize.IBytes(uint64(max(r.FileSize, 0))),
			cursor(r.Cursor), ago(r.LastSyncAt), flags(r), r.FilePath,
		)
	}
	tw.Flush()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func cursor(c archive.Cursor) string {
	switch {
	case c.IsZero():
		return "-"
	case c.LastTimestamp.IsZero():
		return humanize.IBytes(uint64(max(c.ByteOffset, 0)))
	}
	return timeutil.Format(c.LastTimestamp)
}

func flags(r archive.Record) string {
	switch {
	case !r.Enabled:
		return "disabled"
	case r.AutoSync:
		return "auto"
	}
	return "manual"
}
