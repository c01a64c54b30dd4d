/*
main.go - Management commands for the lot engine

PURPOSE:
  One-shot maintenance against the configured store, for operators and
  cron jobs. Reads the same FIFO_* environment as the server.

COMMANDS:
  verify  [-location L] [-item I] [-json]             Exit 2 when drift is found
  fix     [-location L] [-item I] [-json]             Correct simple remaining drift
  rebuild [-location L] [-item I] [-dry-run] [-json]  Regenerate lots and ledger
  lots     -location L   -item I  [-json]             Open lots of a position

GLOBAL FLAGS (before the command):
  -store   memory, sqlite or postgres (overrides FIFO_STORE)
  -db      SQLite database path (overrides FIFO_SQLITE_PATH)

EXIT CODES:
  0  success
  1  usage or runtime error
  2  verify found lot or event issues, or rebuild reported shortfalls
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/warp/lot-engine/app"
	"github.com/warp/lot-engine/config"
	"github.com/warp/lot-engine/fifo"
	"github.com/warp/lot-engine/logging"
)

const (
	exitOK    = 0
	exitError = 1
	exitDirty = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cli struct {
	eng    *fifo.Engine
	out    io.Writer
	errOut io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("fifoctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	storeKind := global.String("store", "", "store backend: memory, sqlite or postgres")
	dbPath := global.String("db", "", "SQLite database path")
	global.Usage = func() {
		fmt.Fprintln(stderr, "usage: fifoctl [-store S] [-db PATH] verify|fix|rebuild|lots [flags]")
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return exitError
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if *storeKind != "" {
		cfg.Store = *storeKind
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	// Logs go to stderr so stdout stays machine-readable.
	logger := logging.New(logging.Config{Service: "fifoctl", Level: cfg.LogLevel, Format: "pretty", Output: stderr})

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer a.Close()

	c := &cli{eng: a.Engine, out: stdout, errOut: stderr}
	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "verify":
		return c.verify(ctx, rest)
	case "fix":
		return c.fix(ctx, rest)
	case "rebuild":
		return c.rebuild(ctx, rest)
	case "lots":
		return c.lots(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		global.Usage()
		return exitError
	}
}

// scopeFlags registers the flags every command shares.
type scopeFlags struct {
	fs       *flag.FlagSet
	location *string
	item     *string
	json     *bool
}

func newScopeFlags(name string, stderr io.Writer) scopeFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return scopeFlags{
		fs:       fs,
		location: fs.String("location", "", "limit to one location"),
		item:     fs.String("item", "", "limit to one item"),
		json:     fs.Bool("json", false, "print the report as JSON"),
	}
}

func (f scopeFlags) scope() fifo.Scope {
	return fifo.Scope{Location: fifo.LocationID(*f.location), Item: fifo.ItemID(*f.item)}
}

// =============================================================================
// COMMANDS
// =============================================================================

func (c *cli) verify(ctx context.Context, args []string) int {
	f := newScopeFlags("verify", c.errOut)
	if err := f.fs.Parse(args); err != nil {
		return exitError
	}
	report, err := c.eng.Verify(ctx, f.scope())
	if err != nil {
		return c.fail(err)
	}
	if *f.json {
		c.printJSON(report)
	} else {
		c.printVerify(report)
	}
	if !report.Clean() {
		return exitDirty
	}
	return exitOK
}

func (c *cli) fix(ctx context.Context, args []string) int {
	f := newScopeFlags("fix", c.errOut)
	if err := f.fs.Parse(args); err != nil {
		return exitError
	}
	report, err := c.eng.Fix(ctx, f.scope())
	if err != nil {
		return c.fail(err)
	}
	if *f.json {
		c.printJSON(report)
	} else {
		fmt.Fprintf(c.out, "fixed %d, skipped %d\n", len(report.Fixed), len(report.Skipped))
		c.printIssues("skipped", report.Skipped)
		c.printVerify(report.After)
	}
	if !report.After.Clean() {
		return exitDirty
	}
	return exitOK
}

func (c *cli) rebuild(ctx context.Context, args []string) int {
	f := newScopeFlags("rebuild", c.errOut)
	dryRun := f.fs.Bool("dry-run", false, "report without writing")
	if err := f.fs.Parse(args); err != nil {
		return exitError
	}
	report, err := c.eng.Rebuild(ctx, f.scope(), fifo.RebuildOptions{DryRun: *dryRun})
	if err != nil {
		return c.fail(err)
	}
	if *f.json {
		c.printJSON(report)
	} else {
		mode := "applied"
		if report.DryRun {
			mode = "dry run"
		}
		fmt.Fprintf(c.out, "rebuild %s (%s): %d events replayed, %d lots created, %d lots and %d records deleted\n",
			report.Scope, mode, report.EventsReplayed, report.LotsCreated, report.LotsDeleted, report.RecordsDeleted)

		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		for _, s := range report.Shortfalls {
			fmt.Fprintf(tw, "shortfall\t%s\t%s\t%s\trequested %s\tavailable %s\t%s\n",
				s.EventID, s.Kind, s.Pair, s.Requested, s.Available, s.Reason)
		}
		for _, ch := range report.Changes {
			fmt.Fprintf(tw, "change\t%s\t%s\t%s -> %s\n", ch.EventID, ch.Pair, ch.Before, ch.After)
		}
		tw.Flush()
	}
	if len(report.Shortfalls) > 0 {
		return exitDirty
	}
	return exitOK
}

func (c *cli) lots(ctx context.Context, args []string) int {
	f := newScopeFlags("lots", c.errOut)
	if err := f.fs.Parse(args); err != nil {
		return exitError
	}
	if *f.location == "" || *f.item == "" {
		fmt.Fprintln(c.errOut, "lots needs -location and -item")
		return exitError
	}
	loc, item := fifo.LocationID(*f.location), fifo.ItemID(*f.item)
	lots, err := c.eng.LotsFor(ctx, loc, item)
	if err != nil {
		return c.fail(err)
	}
	if *f.json {
		c.printJSON(lots)
		return exitOK
	}
	avail, err := c.eng.AvailableQuantity(ctx, loc, item)
	if err != nil {
		return c.fail(err)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOT\tDATE\tUNIT COST\tREMAINING\tORIGINAL\tEVENT")
	for _, l := range lots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.LotID, l.Date.Format("2006-01-02"), l.UnitCost, l.Remaining, l.Original, l.EventID)
	}
	tw.Flush()
	fmt.Fprintf(c.out, "available: %s\n", avail)
	return exitOK
}

// =============================================================================
// OUTPUT
// =============================================================================

func (c *cli) printVerify(r fifo.VerifyReport) {
	status := "clean"
	if !r.Clean() {
		status = "DIRTY"
	}
	fmt.Fprintf(c.out, "verify %s: %s (%d pairs, %d lots, %d events)\n",
		r.Scope, status, r.PairsChecked, r.LotsChecked, r.EventsChecked)

	counts := r.CountByCode()
	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(c.out, "  %-26s %d\n", code, counts[code])
	}
	c.printIssues("lot", r.LotIssues)
	c.printIssues("event", r.EventIssues)
	c.printIssues("rule", r.RuleIssues)
}

func (c *cli) printIssues(class string, issues []fifo.Issue) {
	if len(issues) == 0 {
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, is := range issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\tevent=%s\tlot=%s\texpected=%s\tactual=%s\t%s\n",
			class, is.Code, is.Pair, is.EventID, is.LotID, is.Expected, is.Actual, is.Detail)
	}
	tw.Flush()
}

func (c *cli) printJSON(v any) {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func (c *cli) fail(err error) int {
	var short *fifo.InsufficientInventoryError
	if errors.As(err, &short) {
		fmt.Fprintf(c.errOut, "refused: %v (short %s)\n", err, short.Shortfall())
		return exitError
	}
	fmt.Fprintln(c.errOut, "error:", err)
	return exitError
}
