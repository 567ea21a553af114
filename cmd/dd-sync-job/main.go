package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/syncapi"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "dd-sync-job",
		Short:   "Unattended direct debit sync and maintenance commands",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(mandatesCmd())
	rootCmd.AddCommand(reportsCmd())
	rootCmd.AddCommand(recurringCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(migrateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildApp connects to MySQL and redis and wires the sync components.
func buildApp(ctx context.Context) (*syncapi.App, func(), error) {
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(ctx)
	db := config.GetDB()
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	app, err := syncapi.NewApp(db, config.GetRedisDB(), config.GetRedisLock(), config.LoadSettings(), config.GetLogger())
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return app, closeDB, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and run a full unattended sync",
		Long: `Retrieves today's collection report, reconciles every row, processes
AUDDIS and ARUDD files and updates recurring payments.

Without --auddis/--arudd the rejection files are discovered. Passing the
flag with an empty value skips that kind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, closeDB, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			req := syncapi.RunRequest{
				AuddisIds: idsFlag(cmd, "auddis"),
				AruddIds:  idsFlag(cmd, "arudd"),
			}
			run, err := app.NewRun(ctx, models.SyncRunModeUnattended, models.SyncTriggeredSchedule, "dd-sync-job", req)
			if err != nil {
				return err
			}
			stats, err := app.ExecuteRun(ctx, run, false)
			printStats(run.ID, stats.Tasks, stats.Matched, stats.Unmatched)
			return err
		},
	}
	cmd.Flags().StringSlice("auddis", nil, "AUDDIS file ids to process")
	cmd.Flags().StringSlice("arudd", nil, "ARUDD file ids to process")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the latest failed sync run from its queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, closeDB, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			run, err := models.LatestSyncRun(ctx, app.DB)
			if err != nil {
				return err
			}
			if run == nil || run.Status != models.SyncRunStatusFailed {
				fmt.Println("No failed run to resume")
				return nil
			}
			stats, err := app.ExecuteRun(ctx, run, true)
			printStats(run.ID, stats.Tasks, stats.Matched, stats.Unmatched)
			return err
		},
	}
}

func mandatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mandates",
		Short: "Mandate registry maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Reload every mandate from the collection service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, closeDB, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			n, err := app.Mandates.Refresh(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Refreshed %d mandates\n", n)
			return nil
		},
	})
	return cmd
}

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Collection report maintenance",
	}
	retrieve := &cobra.Command{
		Use:   "retrieve",
		Short: "Replace the stored collection report with the one for a date",
		Long: `Clears the stored collection report rows and downloads the report for
--date (dd/mm/yyyy or yyyy-mm-dd, default today). Interactive runs reconcile
whatever this leaves in the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			date := time.Now().UTC()
			if v, _ := cmd.Flags().GetString("date"); strings.TrimSpace(v) != "" {
				d, err := utils.ParseCollectionDate(v)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", v, err)
				}
				date = d
			}

			ctx := cmd.Context()
			app, closeDB, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			latest, err := models.LatestSyncRun(ctx, app.DB)
			if err != nil {
				return err
			}
			if latest != nil && latest.InFlight(time.Now().UTC()) {
				return fmt.Errorf("run #%d is %s: %w", latest.ID, latest.Status, utils.ErrRunInProgress)
			}
			n, err := app.Reports.Reload(ctx, date)
			if err != nil {
				return err
			}
			fmt.Printf("Retrieved %d collection rows for %s\n", n, date.Format("2006-01-02"))
			return nil
		},
	}
	retrieve.Flags().String("date", "", "collection date to retrieve")
	cmd.AddCommand(retrieve)
	return cmd
}

func recurringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recurring",
		Short: "Recurring payment maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "update [reference...]",
		Short: "Apply mandate state to recurring payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, closeDB, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			var refs []string
			if len(args) > 0 {
				refs = args
			}
			res, err := app.Updater.UpdateRecurringPayments(ctx, refs)
			if err != nil {
				return err
			}
			fmt.Printf("Checked %d recurring payments, modified %d\n", res.Count, res.Modified)
			return nil
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show collection service status and the last sync run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, closeDB, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			fmt.Println("Direct Debit Sync Status")
			fmt.Println(strings.Repeat("=", 40))

			status, err := app.Client.SystemStatus(ctx)
			if err != nil {
				fmt.Printf("  Service:   FAILED (%s)\n", err)
			} else {
				fmt.Printf("  Service:   %s\n", status.Status)
				fmt.Printf("  API:       %s\n", status.APIVersion)
				fmt.Printf("  Login:     %s\n", status.Login)
			}

			run, err := models.LatestSyncRun(ctx, app.DB)
			if err != nil {
				return err
			}
			if run == nil {
				fmt.Println("  Last run:  none")
				return nil
			}
			fmt.Printf("  Last run:  #%d %s (%d/%d tasks)\n", run.ID, run.Status, run.DoneTasks, run.TotalTasks)
			if run.LastError != nil {
				fmt.Printf("  Error:     %s\n", *run.LastError)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the sync tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.ConnectDatabaseWithRetry()
			if err := models.MigrateTable(config.GetDB()); err != nil {
				return err
			}
			fmt.Println("Migration complete")
			return nil
		},
	}
}

// idsFlag returns nil when the flag was not given so the run discovers files.
func idsFlag(cmd *cobra.Command, name string) []string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	values, _ := cmd.Flags().GetStringSlice(name)
	out := []string{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func printStats(runId uint, tasks, matched, unmatched int) {
	fmt.Printf("Run #%d: %d tasks, %d matched, %d unmatched\n", runId, tasks, matched, unmatched)
}
