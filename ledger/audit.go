/*
audit.go - Drift detection and repair

PURPOSE:
  Finds accounts whose cached balance disagrees with what the entry log says,
  and fixes them by recomputation. Drift is reported as data, never raised.

    Drift = Stored - Computed

REPAIR:
  Repair is RefreshCachedBalance with a before/after report. It never edits,
  deletes or appends entries, and running it twice is a no-op the second
  time. RepairAll commits one account at a time, so an interrupted sweep
  simply resumes by running again.

CONCURRENCY:
  AuditAll fans out over active accounts with a bounded errgroup. It checks
  the context between accounts; on cancellation the results gathered so far
  are returned together with the context error.

SEE ALSO:
  - balance.go: ComputeBalance / RefreshCachedBalance
  - api/scheduler.go: periodic report-only sweeps
*/
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/ledger-engine/logging"
)

const DefaultAuditWorkers = 4

// =============================================================================
// RESULTS
// =============================================================================

type AuditResult struct {
	AccountID AccountID
	Kind      AccountKind
	Stored    decimal.Decimal
	Computed  decimal.Decimal
	Drift     decimal.Decimal
}

func (r AuditResult) Drifted() bool { return !r.Drift.IsZero() }

type RepairResult struct {
	AccountID AccountID
	Before    decimal.Decimal
	After     decimal.Decimal
}

func (r RepairResult) Changed() bool { return !r.Before.Equal(r.After) }

// =============================================================================
// AUDIT RUNS
// =============================================================================

type AuditRunStatus string

const (
	RunRunning   AuditRunStatus = "running"
	RunCompleted AuditRunStatus = "completed"
	RunCancelled AuditRunStatus = "cancelled"
	RunFailed    AuditRunStatus = "failed"
)

// AuditRun is the persisted summary of one AuditAll sweep.
type AuditRun struct {
	ID            string
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        AuditRunStatus
	Accounts      int
	Drifted       int
	TotalAbsDrift decimal.Decimal
	Error         string
}

// =============================================================================
// AUDITOR
// =============================================================================

type Auditor struct {
	Registry   *Registry
	Calculator *Calculator
	Runs       AuditRunStore // optional; Sweep skips persistence when nil
	Workers    int
	Now        func() time.Time
	Log        zerolog.Logger
}

func NewAuditor(registry *Registry, calc *Calculator, runs AuditRunStore) *Auditor {
	return &Auditor{
		Registry:   registry,
		Calculator: calc,
		Runs:       runs,
		Workers:    DefaultAuditWorkers,
		Now:        func() time.Time { return time.Now().UTC() },
		Log:        logging.WithComponent("auditor"),
	}
}

// AuditAccount compares the stored and computed balance of one account.
// It takes no locks and writes nothing.
func (a *Auditor) AuditAccount(ctx context.Context, id AccountID) (AuditResult, error) {
	acct, err := a.Registry.GetAccount(ctx, id)
	if err != nil {
		return AuditResult{}, err
	}
	return a.audit(ctx, acct)
}

func (a *Auditor) audit(ctx context.Context, acct Account) (AuditResult, error) {
	computed, err := a.Calculator.computeFrom(ctx, acct)
	if err != nil {
		return AuditResult{}, err
	}
	res := AuditResult{
		AccountID: acct.ID,
		Kind:      acct.Kind,
		Stored:    acct.CachedBalance,
		Computed:  computed,
		Drift:     acct.CachedBalance.Sub(computed),
	}
	if res.Drifted() {
		a.Log.Warn().
			Str("account_id", string(acct.ID)).
			Str("stored", res.Stored.String()).
			Str("computed", res.Computed.String()).
			Str("drift", res.Drift.String()).
			Msg("balance drift detected")
	}
	return res, nil
}

// AuditAll audits every active account, largest absolute drift first.
func (a *Auditor) AuditAll(ctx context.Context) ([]AuditResult, error) {
	accounts, err := a.Registry.ListActiveAccounts(ctx, "")
	if err != nil {
		return nil, err
	}

	results := make([]AuditResult, len(accounts))
	done := make([]bool, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())
	for i, acct := range accounts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := a.audit(gctx, acct)
			if err != nil {
				return err
			}
			results[i] = res
			done[i] = true
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	out := make([]AuditResult, 0, len(results))
	for i, ok := range done {
		if ok {
			out = append(out, results[i])
		}
	}
	SortByDrift(out)
	return out, err
}

// SortByDrift orders results by |Drift| descending, then by account id.
func SortByDrift(results []AuditResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if c := results[i].Drift.Abs().Cmp(results[j].Drift.Abs()); c != 0 {
			return c > 0
		}
		return results[i].AccountID < results[j].AccountID
	})
}

// Repair recomputes the account's cached balance from its entries.
func (a *Auditor) Repair(ctx context.Context, id AccountID) (RepairResult, error) {
	before, err := a.Registry.GetAccount(ctx, id)
	if err != nil {
		return RepairResult{}, err
	}
	after, err := a.Calculator.RefreshCachedBalance(ctx, id)
	if err != nil {
		return RepairResult{}, err
	}

	res := RepairResult{AccountID: id, Before: before.CachedBalance, After: after.CachedBalance}
	if res.Changed() {
		a.Log.Info().
			Str("account_id", string(id)).
			Str("before", res.Before.String()).
			Str("after", res.After.String()).
			Msg("cached balance repaired")
	}
	return res, nil
}

// RepairAll repairs active accounts one at a time. With onlyDrifted, accounts
// whose audit shows no drift are skipped. On error or cancellation the
// repairs already committed are returned with the error.
func (a *Auditor) RepairAll(ctx context.Context, onlyDrifted bool) ([]RepairResult, error) {
	accounts, err := a.Registry.ListActiveAccounts(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []RepairResult
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if onlyDrifted {
			res, err := a.audit(ctx, acct)
			if err != nil {
				return out, err
			}
			if !res.Drifted() {
				continue
			}
		}
		res, err := a.Repair(ctx, acct.ID)
		if err != nil {
			a.Log.Error().Err(err).Str("account_id", string(acct.ID)).Msg("repair failed")
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Sweep runs AuditAll and records it as an AuditRun when a run store is set.
func (a *Auditor) Sweep(ctx context.Context) (AuditRun, []AuditResult, error) {
	run := AuditRun{
		ID:            uuid.NewString(),
		StartedAt:     a.now(),
		Status:        RunRunning,
		TotalAbsDrift: decimal.Zero,
	}
	if err := a.saveRun(ctx, run); err != nil {
		return run, nil, err
	}

	results, auditErr := a.AuditAll(ctx)
	run = Summarize(run, results)
	run.CompletedAt = a.now()
	switch {
	case auditErr == nil:
		run.Status = RunCompleted
	case errors.Is(auditErr, context.Canceled), errors.Is(auditErr, context.DeadlineExceeded):
		run.Status = RunCancelled
		run.Error = auditErr.Error()
	default:
		run.Status = RunFailed
		run.Error = auditErr.Error()
	}

	// The sweep context may already be done; the run record still has to land.
	if err := a.saveRun(context.WithoutCancel(ctx), run); err != nil {
		a.Log.Error().Err(err).Str("run_id", run.ID).Msg("saving audit run")
	}

	a.Log.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("accounts", run.Accounts).
		Int("drifted", run.Drifted).
		Str("total_abs_drift", run.TotalAbsDrift.String()).
		Msg("audit sweep finished")
	return run, results, auditErr
}

// Summarize fills the counters of run from results.
func Summarize(run AuditRun, results []AuditResult) AuditRun {
	run.Accounts = len(results)
	run.Drifted = 0
	run.TotalAbsDrift = decimal.Zero
	for _, r := range results {
		if r.Drifted() {
			run.Drifted++
			run.TotalAbsDrift = run.TotalAbsDrift.Add(r.Drift.Abs())
		}
	}
	return run
}

// ListRuns returns the most recent audit runs, newest first.
func (a *Auditor) ListRuns(ctx context.Context, limit int) ([]AuditRun, error) {
	if a.Runs == nil {
		return nil, nil
	}
	return a.Runs.ListAuditRuns(ctx, limit)
}

func (a *Auditor) saveRun(ctx context.Context, run AuditRun) error {
	if a.Runs == nil {
		return nil
	}
	return a.Runs.SaveAuditRun(ctx, run)
}

func (a *Auditor) workers() int {
	if a.Workers <= 0 {
		return DefaultAuditWorkers
	}
	return a.Workers
}

func (a *Auditor) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now()
}
