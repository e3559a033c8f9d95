package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// AUDIT
// =============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare stored and computed balances of every active account",
	Long: `Audit recomputes every active account from its entries and reports
the difference from the cached balance, largest drift first. Nothing is
written unless --record is given, in which case the sweep is saved as an
audit run (see "ledgerctl runs").`,
	Example: `  ledgerctl audit
  ledgerctl audit --only-drifted --record`,
	RunE: func(cmd *cobra.Command, args []string) error {
		onlyDrifted, _ := cmd.Flags().GetBool("only-drifted")
		record, _ := cmd.Flags().GetBool("record")
		ctx := cmd.Context()

		var (
			results []ledger.AuditResult
			err     error
		)
		if record {
			var run ledger.AuditRun
			run, results, err = eng.auditor.Sweep(ctx)
			fmt.Fprintf(eng.out, "run %s: %s\n", run.ID, run.Status)
		} else {
			results, err = eng.auditor.AuditAll(ctx)
		}

		tw := eng.table()
		fmt.Fprintln(tw, "ACCOUNT\tKIND\tSTORED\tCOMPUTED\tDRIFT")
		drifted := 0
		for _, r := range results {
			if r.Drifted() {
				drifted++
			} else if onlyDrifted {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.AccountID, r.Kind, r.Stored.StringFixed(2), r.Computed.StringFixed(2), r.Drift.StringFixed(2))
		}
		tw.Flush()
		fmt.Fprintf(eng.out, "%d accounts, %d drifted\n", len(results), drifted)
		return err
	},
}

// =============================================================================
// REPAIR / REFRESH
// =============================================================================

var repairCmd = &cobra.Command{
	Use:   "repair [account-id...]",
	Short: "Overwrite cached balances with the computed value",
	Long: `Repair recomputes the named accounts (or every active account with
--all) and stores the result. Repairing an account that does not drift
changes nothing.`,
	Example: `  ledgerctl repair register-1
  ledgerctl repair --all --only-drifted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		onlyDrifted, _ := cmd.Flags().GetBool("only-drifted")
		ctx := cmd.Context()

		if all == (len(args) > 0) {
			return fmt.Errorf("name accounts or pass --all, not both")
		}

		var results []ledger.RepairResult
		if all {
			var err error
			results, err = eng.auditor.RepairAll(ctx, onlyDrifted)
			printRepairs(results)
			return err
		}
		for _, id := range args {
			res, err := eng.auditor.Repair(ctx, ledger.AccountID(id))
			if err != nil {
				printRepairs(results)
				return fmt.Errorf("repairing %s: %w", id, err)
			}
			results = append(results, res)
		}
		printRepairs(results)
		return nil
	},
}

func printRepairs(results []ledger.RepairResult) {
	tw := eng.table()
	fmt.Fprintln(tw, "ACCOUNT\tBEFORE\tAFTER\tCHANGED")
	changed := 0
	for _, r := range results {
		if r.Changed() {
			changed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", r.AccountID, r.Before.StringFixed(2), r.After.StringFixed(2), r.Changed())
	}
	tw.Flush()
	fmt.Fprintf(eng.out, "%d repaired, %d changed\n", len(results), changed)
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <account-id>",
	Short: "Recompute and store one account's cached balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acct, err := eng.calc.RefreshCachedBalance(cmd.Context(), ledger.AccountID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(eng.out, "%s %s (version %d)\n", acct.ID, acct.CachedBalance.StringFixed(2), acct.Version)
		return nil
	},
}

// =============================================================================
// READS
// =============================================================================

var balanceCmd = &cobra.Command{
	Use:   "balance <account-id>",
	Short: "Show stored and computed balance (aggregate for chart nodes)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := ledger.AccountID(args[0])

		acct, err := eng.registry.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if acct.Kind == ledger.KindChartNode {
			agg, err := eng.calc.ComputeAggregateBalance(ctx, id)
			if err != nil {
				return err
			}
			tw := eng.table()
			fmt.Fprintln(tw, "ACCOUNT\tKIND\tBALANCE")
			for _, m := range agg.Members {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.AccountID, m.Kind, m.Balance.StringFixed(2))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", agg.ChartNodeID, "total", agg.Total.StringFixed(2))
			return tw.Flush()
		}

		res, err := eng.auditor.AuditAccount(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(eng.out, "stored:   %s\ncomputed: %s\ndrift:    %s\n", res.Stored.StringFixed(2), res.Computed.StringFixed(2), res.Drift.StringFixed(2))
		return nil
	},
}

var entriesCmd = &cobra.Command{
	Use:   "entries <account-id>",
	Short: "List an account's entries in ledger order",
	Args:  cobra.ExactArgs(1),
	Example: `  ledgerctl entries register-1 --from 2026-03-01 --to 2026-03-31`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := ledger.AccountID(args[0])

		var r ledger.Range
		for flag, dst := range map[string]*time.Time{"from": &r.From, "to": &r.To} {
			s, _ := cmd.Flags().GetString(flag)
			if s == "" {
				continue
			}
			t, err := time.Parse("2006-01-02", s)
			if err != nil {
				return fmt.Errorf("--%s: use YYYY-MM-DD: %w", flag, err)
			}
			*dst = t
		}
		if !r.To.IsZero() {
			r.To = r.To.Add(24*time.Hour - time.Nanosecond)
		}

		if _, err := eng.registry.GetAccount(ctx, id); err != nil {
			return err
		}

		tw := eng.table()
		fmt.Fprintln(tw, "OCCURRED\tSEQ\tDIRECTION\tAMOUNT\tORIGIN\tDESCRIPTION")
		for e, err := range eng.journal.ListEntries(ctx, id, r) {
			if err != nil {
				tw.Flush()
				return err
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", e.OccurredAt.Format(time.RFC3339), e.Seq, e.Direction, e.Amount.StringFixed(2), e.Origin, e.Description)
		}
		return tw.Flush()
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded audit runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := eng.auditor.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		tw := eng.table()
		fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tACCOUNTS\tDRIFTED\tTOTAL |DRIFT|")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", run.ID, run.StartedAt.Format(time.RFC3339), run.Status, run.Accounts, run.Drifted, run.TotalAbsDrift.StringFixed(2))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(auditCmd, repairCmd, refreshCmd, balanceCmd, entriesCmd, runsCmd)

	auditCmd.Flags().Bool("only-drifted", false, "Only print accounts that drift")
	auditCmd.Flags().Bool("record", false, "Save the sweep as an audit run")

	repairCmd.Flags().Bool("all", false, "Repair every active account")
	repairCmd.Flags().Bool("only-drifted", false, "With --all, skip accounts that agree")

	entriesCmd.Flags().String("from", "", "First day (YYYY-MM-DD)")
	entriesCmd.Flags().String("to", "", "Last day (YYYY-MM-DD), inclusive")

	runsCmd.Flags().Int("limit", 20, "Maximum runs to show")
}
