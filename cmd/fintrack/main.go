package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"fintrack/internal/cli"
	"fintrack/internal/config"
	"fintrack/internal/connectivity"
	"fintrack/internal/remote"
	"fintrack/internal/services"
	"fintrack/internal/storage"
	syncengine "fintrack/internal/sync"
)

const usage = `Usage: fintrack <command> [flags]

Commands:
  add     -desc <text> -amount <decimal> [-date YYYY-MM-DD] [-category <id>]
  list    show all locally held records
  delete  <id> [<id>...] delete records by local or server id
  sync    drain the pending queue against the server now
  status  show store, queue and sync state
  reset   -yes  wipe all local data
`

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	repo := cli.OpenStorage(logger, cfg)
	defer repo.Close()

	svc := services.NewRecordService(repo, cfg.OwnerID)
	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "add":
		err = runAdd(ctx, svc, os.Args[2:])
	case "list":
		err = runList(ctx, svc)
	case "delete":
		err = runDelete(ctx, svc, os.Args[2:])
	case "sync":
		err = runSync(ctx, cfg, repo)
	case "status":
		err = runStatus(ctx, cfg, svc, repo)
	case "reset":
		err = runReset(ctx, svc, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runAdd(ctx context.Context, svc *services.RecordService, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	desc := fs.String("desc", "", "what the money went to")
	amount := fs.String("amount", "", "amount as a decimal string, e.g. 12.50")
	date := fs.String("date", time.Now().Format("2006-01-02"), "date of the expense")
	category := fs.Int64("category", 0, "category id, 0 for none")
	fs.Parse(args)

	input := services.CreateInput{
		Description: *desc,
		Amount:      *amount,
		Date:        *date,
	}
	if *category != 0 {
		input.CategoryID = category
	}

	rec, err := svc.CreateRecord(ctx, input)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded %s %s (%s), queued for sync\n", rec.Amount, rec.Description, rec.LocalID)
	return nil
}

func runList(ctx context.Context, svc *services.RecordService) error {
	records, err := svc.ListRecords(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No local records; everything is synced or nothing was entered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tAMOUNT\tDESCRIPTION\tSTATUS\tID")
	for _, rec := range records {
		id := rec.LocalID
		if rec.ServerID != "" {
			id = rec.ServerID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Date, rec.Amount, rec.Description, rec.SyncStatus, id)
	}
	return w.Flush()
}

func runDelete(ctx context.Context, svc *services.RecordService, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("delete needs at least one record id")
	}
	deleted, err := svc.BulkDelete(ctx, args)
	fmt.Printf("Deleted %d of %d records\n", deleted, len(args))
	return err
}

func runSync(ctx context.Context, cfg *config.Config, repo *storage.SQLiteRepository) error {
	client := remote.NewClient(cfg.ServerBaseURL, cfg.TokenPagePath, cfg.RequestTimeout)
	monitor := connectivity.NewMonitor(func(ctx context.Context) bool {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		defer cancel()
		return client.Reachable(probeCtx)
	}, cfg.ProbeInterval)

	if !monitor.Check(ctx) {
		return fmt.Errorf("server %s is not reachable", cfg.ServerBaseURL)
	}

	engineConfig := syncengine.DefaultConfig()
	engineConfig.DispatchDelay = cfg.DispatchDelay
	engine := syncengine.NewEngine(repo, client, monitor, engineConfig, nil)

	if !engine.Sync(ctx) {
		return fmt.Errorf("sync finished with failures, run again or check the worker logs")
	}
	fmt.Println("Sync complete")
	return nil
}

func runStatus(ctx context.Context, cfg *config.Config, svc *services.RecordService, repo *storage.SQLiteRepository) error {
	records, pending, err := svc.Counts(ctx)
	if err != nil {
		return err
	}
	settings, err := repo.Settings(ctx)
	if err != nil {
		return err
	}

	client := remote.NewClient(cfg.ServerBaseURL, cfg.TokenPagePath, cfg.RequestTimeout)
	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	online := client.Reachable(probeCtx)

	fmt.Printf("Server:          %s (online: %v)\n", cfg.ServerBaseURL, online)
	fmt.Printf("Local records:   %d\n", records)
	fmt.Printf("Pending ops:     %d\n", pending)
	fmt.Printf("Last sync:       %s\n", cli.FormatSyncTime(settings.LastSyncAt))
	return nil
}

func runReset(ctx context.Context, svc *services.RecordService, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	yes := fs.Bool("yes", false, "confirm wiping all local data")
	fs.Parse(args)

	if !*yes {
		return fmt.Errorf("reset wipes all local records and pending operations; pass -yes to confirm")
	}
	if err := svc.Reset(ctx); err != nil {
		return err
	}
	fmt.Println("All local data cleared")
	return nil
}
