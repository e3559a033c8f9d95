package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logging"
	"github.com/warp/ledger-engine/store/sqlstore"
)

var version = "0.1.0"

// engine is the ledger wired over the configured store. Set up in
// PersistentPreRunE, closed when the command finishes.
type engine struct {
	store    *sqlstore.Store
	registry *ledger.Registry
	journal  *ledger.Journal
	calc     *ledger.Calculator
	auditor  *ledger.Auditor
	out      io.Writer
}

var eng *engine

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operator tool for the ledger reconciliation engine",
	Long: `ledgerctl audits and repairs cached account balances directly
against the ledger database.

It reads the same LEDGER_* environment (and .env file) as the server.
Audits and balance reads never write; repair and refresh only touch the
cached balance, never the entry log.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			cfg.Log.Level = v
		}
		cfg.Log.Output = "stderr"
		if err := logging.Setup(cfg.Log); err != nil {
			return err
		}

		driver, _ := cmd.Flags().GetString("driver")
		dsn, _ := cmd.Flags().GetString("dsn")
		if driver == "" {
			driver = cfg.Database.Driver
		}
		if dsn == "" {
			dsn = cfg.Database.DSN
		}

		store, err := sqlstore.Open(driver, dsn)
		if err != nil {
			return err
		}

		registry := ledger.NewRegistry(store)
		registry.MaxRetries = cfg.Ledger.RefreshRetries
		journal := ledger.NewJournal(store)
		calc := ledger.NewCalculator(registry, journal)
		auditor := ledger.NewAuditor(registry, calc, store)
		auditor.Workers = cfg.Audit.Workers
		if w, _ := cmd.Flags().GetInt("workers"); w > 0 {
			auditor.Workers = w
		}

		eng = &engine{store: store, registry: registry, journal: journal, calc: calc, auditor: auditor, out: cmd.OutOrStdout()}
		return nil
	},
}

func init() {
	cobra.OnFinalize(func() {
		if eng != nil {
			eng.store.Close()
			eng = nil
		}
	})

	rootCmd.PersistentFlags().String("driver", "", "Database driver: sqlite3 or pgx (default from LEDGER_DB_DRIVER)")
	rootCmd.PersistentFlags().String("dsn", "", "Database DSN (default from LEDGER_DB_DSN)")
	rootCmd.PersistentFlags().Int("workers", 0, "Concurrent account audits (default from LEDGER_AUDIT_WORKERS)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override")
}

// Execute runs the root command.
func Execute() {
	log := logging.WithComponent("ledgerctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func (e *engine) table() *tabwriter.Writer {
	return tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
}
