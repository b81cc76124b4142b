// Command cmledger inspects the ledger file of a certified transport. It
// lists retained messages with their per-listener confirmation state and
// the receive-side agreements, and can expire messages on a subject.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/RobertWHurst/certify"
	"github.com/RobertWHurst/certify/internal/observability"
	"github.com/RobertWHurst/certify/ledger"
	"github.com/RobertWHurst/certify/subject"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("cmledger failed")
	}
}

// run writes listings to out and logs to logOut.
func run(args []string, out, logOut io.Writer) error {
	flags := flag.NewFlagSet("cmledger", flag.ContinueOnError)
	flags.SetOutput(logOut)
	configPath := flags.String("config", "", "path to a certify toml config")
	ledgerFile := flags.String("ledger", "", "ledger file, overrides the config")
	pattern := flags.String("subject", ">", "subject pattern to list, or subject to expire")
	expireThrough := flags.Uint64("expire-through", 0, "expire entries on -subject up to this sequence")
	summary := flags.Bool("summary", false, "list subjects with their next sequence and registered listeners")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := certify.DefaultConfig()
	if *configPath != "" {
		loaded, err := certify.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger := observability.NewLogger(logOut, "cmledger", cfg.LogLevel)

	path := cfg.LedgerFile
	if *ledgerFile != "" {
		path = *ledgerFile
	}
	if path == "" {
		return errors.New("no ledger file: set -ledger or ledger_file in the config")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("ledger file: %w", err)
	}

	store, err := ledger.Open(path, false, ledger.WithLogger(logger))
	if err != nil {
		return err
	}

	if *expireThrough > 0 {
		if !subject.Valid(*pattern) {
			return fmt.Errorf("-expire-through needs a literal -subject, got %q", *pattern)
		}
		removed := store.Expire(*pattern, *expireThrough)
		if err := store.Sync(); err != nil {
			return err
		}
		logger.Info().Str("subject", *pattern).Uint64("through", *expireThrough).
			Int("removed", len(removed)).Msg("ledger entries expired")
	}

	if !subject.ValidPattern(*pattern) {
		return fmt.Errorf("invalid subject pattern %q", *pattern)
	}
	if *summary {
		return printSummary(out, store, *pattern)
	}
	return printLedger(out, store, *pattern)
}

func printLedger(out io.Writer, store *ledger.Store, pattern string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tSEQ\tSTATE\tSENT\tLIMIT\tLISTENERS")
	store.Review(pattern, func(e ledger.Entry) bool {
		limit := "-"
		if e.TimeLimit > 0 {
			limit = e.TimeLimit.String()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.Subject, e.Sequence, e.State, e.SentAt.Format(time.RFC3339), limit, listeners(e.Listeners))
		return false
	})
	if err := w.Flush(); err != nil {
		return err
	}

	var marks []ledger.Watermark
	for _, m := range store.Watermarks() {
		if subject.Match(pattern, m.Subject) {
			marks = append(marks, m)
		}
	}
	if len(marks) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SENDER\tSUBJECT\tCONFIRMED THROUGH")
	for _, m := range marks {
		fmt.Fprintf(w, "%s\t%s\t%d\n", m.Sender, m.Subject, m.Sequence)
	}
	return w.Flush()
}

func printSummary(out io.Writer, store *ledger.Store, pattern string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tNEXT SEQ\tLISTENERS")
	for _, subj := range store.Subjects(pattern) {
		names := store.Listeners(subj)
		registered := "-"
		if len(names) > 0 {
			registered = strings.Join(names, ",")
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", subj, store.NextSequence(subj), registered)
	}
	return w.Flush()
}

func listeners(states map[string]ledger.State) string {
	if len(states) == 0 {
		return "-"
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + states[name].String()
	}
	return strings.Join(parts, ",")
}
