// Package main provides keeperctl, an operator tool for the keeper's store:
// enqueue recommendations, inspect queues and events, move the cursor and
// apply migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"allocation-keeper/internal/config"
	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/logger"
	"allocation-keeper/internal/storage/migrations"
	"allocation-keeper/internal/storage/postgres"
	"allocation-keeper/internal/units"
)

const usage = `usage: keeperctl [-env-file path] <command> [flags]

commands:
  migrate                      apply the embedded schema
  enqueue -file rec.json       insert a pending recommendation ("-" reads stdin)
  list [-status s] [-limit n]  list recommendations by status
  cursor show                  print the deposit cursor
  cursor set <block>           overwrite the deposit cursor
  deposits -from n -to n       list recorded deposits in a block range
  rebalances [-limit n]        list recent rebalances
`

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.ValidateStore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := dispatch(ctx, pool, log, flag.Args(), os.Stdout); err != nil {
		log.Error().Err(err).Str("command", flag.Arg(0)).Msg("command failed")
		pool.Close()
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, pool *postgres.Pool, log zerolog.Logger, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		applied, err := migrations.RunPostgresMigrations(ctx, pool, log)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "applied %d migration(s): %v\n", len(applied), applied)
		return nil
	case "enqueue":
		return enqueue(ctx, postgres.NewRecommendationStore(pool), rest, out)
	case "list":
		return list(ctx, postgres.NewRecommendationStore(pool), rest, out)
	case "cursor":
		return cursor(ctx, postgres.NewCursorStore(pool), rest, out)
	case "deposits":
		return deposits(ctx, postgres.NewDepositStore(pool), rest, out)
	case "rebalances":
		return rebalances(ctx, postgres.NewRebalanceStore(pool), rest, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func enqueue(ctx context.Context, store *postgres.RecommendationStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	file := fs.String("file", "-", "Recommendation JSON file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	rec, err := parseRecommendation(in, time.Now())
	if err != nil {
		return err
	}
	if err := store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	fmt.Fprintln(out, rec.ID)
	return nil
}

func list(ctx context.Context, store *postgres.RecommendationStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", string(domain.StatusPending), "pending, executed, failed or expired")
	limit := fs.Int("limit", 20, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st := domain.RecommendationStatus(*status)
	if !st.IsValid() {
		return fmt.Errorf("invalid status %q", *status)
	}

	recs, err := store.ListByStatus(ctx, st, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSIGNER\tNONCE\tDEADLINE\tTX\tREASON")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.SignerAddress, r.Nonce,
			time.Unix(r.Deadline, 0).UTC().Format(time.RFC3339),
			r.TxHash, r.ErrorReason)
	}
	return w.Flush()
}

func cursor(ctx context.Context, store *postgres.CursorStore, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "show" {
		c, err := store.GetCursor(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "last_processed_block=%d updated_at=%s\n",
			c.LastProcessedBlock, time.Unix(c.UpdatedAt, 0).UTC().Format(time.RFC3339))
		return nil
	}

	if args[0] != "set" || len(args) != 2 {
		return fmt.Errorf("usage: cursor show | cursor set <block>")
	}
	block, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("block: %w", err)
	}
	if err := store.SetCursor(ctx, block); err != nil {
		return err
	}
	fmt.Fprintf(out, "cursor set to %d\n", block)
	return nil
}

func deposits(ctx context.Context, store *postgres.DepositStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("deposits", flag.ContinueOnError)
	from := fs.Uint64("from", 0, "First block")
	to := fs.Uint64("to", 0, "Last block (inclusive)")
	decimals := fs.Int("decimals", 6, "Asset decimals for display")
	if err := fs.Parse(args); err != nil {
		return err
	}

	records, err := store.GetByBlockRange(ctx, *from, *to)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCK\tTX\tLOG\tOWNER\tASSETS\tREBALANCE")
	for _, d := range records {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%t\n",
			d.BlockNumber, d.TxHash, d.LogIndex, d.OwnerAddress,
			units.Format(d.AssetsAmount, int32(*decimals)), d.RebalanceTriggered)
	}
	return w.Flush()
}

func rebalances(ctx context.Context, store *postgres.RebalanceStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rebalances", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	records, err := store.GetRecent(ctx, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRIGGER_BLOCK\tCONFIRMED\tTX\tGAS\tBY\tALLOCATIONS")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%v\n",
			r.TriggerBlock, r.ConfirmedBlock, r.TxHash, r.GasUsed, r.TriggeredBy, r.AllocationsSnapshot)
	}
	return w.Flush()
}
