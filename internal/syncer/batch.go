package syncer

import (
	"context"
	"log"
	"time"

	"github.com/pysugar/fitsync/internal/config"
	"github.com/pysugar/fitsync/internal/fitbit"
	"github.com/pysugar/fitsync/internal/observability"
	"github.com/pysugar/fitsync/internal/store"
	"golang.org/x/time/rate"
)

// BatchEntry records the outcome for one account in a batch run. Accounts
// are identified only by ordinal position so the response and logs never
// carry user identifiers.
type BatchEntry struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchResult aggregates one batch run.
type BatchResult struct {
	Processed    int          `json:"processed"`
	SuccessCount int          `json:"successCount"`
	FailCount    int          `json:"failCount"`
	Results      []BatchEntry `json:"results"`
}

// BatchRunner performs the scheduled catch-up sync for accounts the
// access-triggered path hasn't reached recently.
type BatchRunner struct {
	accounts *store.Accounts
	orch     *Orchestrator
	limiter  *rate.Limiter

	inactivityDays int
	maxAccounts    int
	lookbackDays   int
	now            func() time.Time
}

// NewBatchRunner wires the batch scheduler. The rate limiter paces accounts
// so a full batch stays within the provider's hourly quota.
func NewBatchRunner(accounts *store.Accounts, orch *Orchestrator, cfg *config.Config) *BatchRunner {
	return &BatchRunner{
		accounts:       accounts,
		orch:           orch,
		limiter:        rate.NewLimiter(rate.Every(cfg.BatchPacing), 1),
		inactivityDays: cfg.InactivityDays,
		maxAccounts:    cfg.MaxBatchAccounts,
		lookbackDays:   cfg.LookbackDays,
		now:            time.Now,
	}
}

// Run selects eligible accounts oldest-first and syncs each through the same
// window calculator and upsert path as the interactive triggers. One
// account's failure is recorded and never aborts the rest.
func (b *BatchRunner) Run(ctx context.Context) (*BatchResult, error) {
	now := b.now()
	threshold := now.AddDate(0, 0, -b.inactivityDays)

	accounts, err := b.accounts.FindInactive(ctx, threshold, b.maxAccounts)
	if err != nil {
		return nil, err
	}
	log.Printf("[cron] %d inactive accounts to sync", len(accounts))

	result := &BatchResult{Results: make([]BatchEntry, 0, len(accounts))}
	for i := range accounts {
		acct := accounts[i]
		if i > 0 {
			if err := b.limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		win := ComputeWindow(acct.LastSyncedAt, b.now(), b.lookbackDays)
		log.Printf("[cron] syncing account #%d: %s to %s",
			i+1, fitbit.FormatDate(win.Start), fitbit.FormatDate(win.End))

		entry := BatchEntry{Index: i + 1}
		run, err := b.orch.SyncWindow(ctx, &acct, win, nil, "batch")
		switch {
		case err != nil:
			entry.Error = err.Error()
		case !run.Success:
			entry.Error = joinResourceErrors(run.Errors)
		default:
			entry.Success = true
		}
		observability.RecordBatchAccount(entry.Success)
		result.Results = append(result.Results, entry)
	}

	for _, entry := range result.Results {
		if entry.Success {
			result.SuccessCount++
		} else {
			result.FailCount++
		}
	}
	result.Processed = len(result.Results)
	log.Printf("[cron] completed: %d success, %d failed", result.SuccessCount, result.FailCount)
	return result, nil
}

func joinResourceErrors(errs []ResourceError) string {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += ", "
		}
		msg += string(e.Resource) + ": " + e.Message
	}
	return msg
}
