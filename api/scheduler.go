/*
scheduler.go - Periodic drift audit

PURPOSE:
  Runs Auditor.Sweep on a fixed interval so drift shows up in the audit
  run history without anyone asking for it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Report-only: drift is logged and persisted as an AuditRun, never
    repaired. Repair stays an operator decision (API or ledgerctl)
  - A sweep in flight when Stop is called is cancelled; the run is still
    recorded with status "cancelled"

CONFIGURATION:
  - Interval: LEDGER_AUDIT_INTERVAL (default 1h, zero disables)

USAGE:
  scheduler := NewAuditScheduler(handler.Auditor, cfg.Audit.Interval)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/audit.go: Sweep, AuditRun
  - handlers.go: TriggerAuditRun (manual sweep)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logging"
)

// AuditScheduler runs drift sweeps on a ticker.
type AuditScheduler struct {
	Auditor  *ledger.Auditor
	Interval time.Duration
	Log      zerolog.Logger

	// sweeps, when set, receives each finished run.
	sweeps chan ledger.AuditRun

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewAuditScheduler(auditor *ledger.Auditor, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{
		Auditor:  auditor,
		Interval: interval,
		Log:      logging.WithComponent("scheduler"),
	}
}

// Enabled reports whether Start will do anything.
func (s *AuditScheduler) Enabled() bool { return s.Interval > 0 }

// Start begins the scheduler. The first sweep runs immediately.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled() {
		s.Log.Info().Msg("audit scheduler disabled")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Log.Info().Dur("interval", s.Interval).Msg("audit scheduler started")
}

// Stop cancels any sweep in flight and waits for the loop to exit.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.Log.Info().Msg("audit scheduler stopped")
}

func (s *AuditScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *AuditScheduler) sweep(ctx context.Context) {
	run, results, err := s.Auditor.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.Log.Error().Err(err).Str("run_id", run.ID).Msg("audit sweep failed")
	}
	for _, res := range results {
		if !res.Drifted() {
			break // sorted by drift, the rest agree
		}
		s.Log.Warn().
			Str("run_id", run.ID).
			Str("account_id", string(res.AccountID)).
			Str("stored", res.Stored.String()).
			Str("computed", res.Computed.String()).
			Str("drift", res.Drift.String()).
			Msg("drift detected")
	}

	if s.sweeps != nil {
		select {
		case s.sweeps <- run:
		default:
		}
	}
}
