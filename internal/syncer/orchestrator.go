package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/pysugar/fitsync/internal/config"
	"github.com/pysugar/fitsync/internal/db/models"
	"github.com/pysugar/fitsync/internal/observability"
	"github.com/pysugar/fitsync/internal/store"
	"gorm.io/gorm"
)

// ErrSyncInProgress is returned when a second trigger fires for a user whose
// sync run hasn't finished. Overlapping runs are rejected, not raced.
var ErrSyncInProgress = errors.New("sync already in progress for this user")

// ResourceError names one failed resource category within a run.
type ResourceError struct {
	Resource DataType `json:"resourceType"`
	Message  string   `json:"message"`
}

// RunResult is the aggregate outcome of one sync run. Success is false when
// any fetcher errored, but every non-failing resource was still committed.
type RunResult struct {
	Success  bool            `json:"success"`
	SyncedAt time.Time       `json:"syncedAt"`
	Errors   []ResourceError `json:"errors"`
}

// AutoResult is the outcome of the access-triggered entry point.
type AutoResult struct {
	Synced        bool       `json:"synced"`
	Reason        string     `json:"reason"` // not_connected | recent_sync | initial_sync | synced
	Message       string     `json:"message"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt,omitempty"`
	NextSyncAfter *time.Time `json:"nextSyncAfter,omitempty"`
	Run           *RunResult `json:"run,omitempty"`
}

// Status is the sync state reported to the UI layer without side effects.
type Status struct {
	Connected            bool       `json:"connected"`
	LastSyncedAt         *time.Time `json:"lastSyncedAt"`
	InitialSyncCompleted bool       `json:"initialSyncCompleted"`
	NeedsSync            bool       `json:"needsSync"`
}

// Orchestrator runs syncs. All three triggers (auto, forced, batch) funnel
// through runSync so there is exactly one code path for correctness.
type Orchestrator struct {
	accounts *store.Accounts
	metrics  *store.Metrics
	fetchers []Fetcher

	lookbackDays  int
	syncInterval  time.Duration
	maxConcurrent int
	fetchTimeout  time.Duration

	leases userLeases
	now    func() time.Time
}

// userLeases tracks which users have a sync run in flight in this process.
type userLeases struct {
	mu     gosync.Mutex
	active map[string]struct{}
}

// acquire takes the per-user lease; returns false when a run is in flight.
func (l *userLeases) acquire(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		l.active = make(map[string]struct{})
	}
	if _, busy := l.active[userID]; busy {
		return false
	}
	l.active[userID] = struct{}{}
	return true
}

func (l *userLeases) release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, userID)
}

// NewOrchestrator wires the sync engine from its collaborators.
func NewOrchestrator(accounts *store.Accounts, metrics *store.Metrics, fetchers []Fetcher, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		accounts:      accounts,
		metrics:       metrics,
		fetchers:      fetchers,
		lookbackDays:  cfg.LookbackDays,
		syncInterval:  cfg.SyncInterval,
		maxConcurrent: cfg.MaxConcurrentFetch,
		fetchTimeout:  cfg.FetchTimeout,
		now:           time.Now,
	}
}

// Status reports connection and sync state for a user.
func (o *Orchestrator) Status(ctx context.Context, userID string) (*Status, error) {
	acct, err := o.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Status{}, nil
		}
		return nil, err
	}
	if !acct.Connected() {
		return &Status{}, nil
	}

	needsSync := !acct.InitialSyncCompleted ||
		acct.LastSyncedAt == nil ||
		o.now().Sub(*acct.LastSyncedAt) > o.syncInterval
	return &Status{
		Connected:            true,
		LastSyncedAt:         acct.LastSyncedAt,
		InitialSyncCompleted: acct.InitialSyncCompleted,
		NeedsSync:            needsSync,
	}, nil
}

// Auto is the access-triggered entry point. The first sync after connecting
// always runs; afterwards a run only happens when the recency threshold has
// passed, so page views don't hammer the provider.
func (o *Orchestrator) Auto(ctx context.Context, userID string) (*AutoResult, error) {
	acct, err := o.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &AutoResult{Synced: false, Reason: "not_connected", Message: "fitbit not connected"}, nil
		}
		return nil, err
	}
	if !acct.Connected() {
		return &AutoResult{Synced: false, Reason: "not_connected", Message: "fitbit not connected"}, nil
	}

	now := o.now()

	if acct.InitialSyncCompleted && acct.LastSyncedAt != nil {
		if elapsed := now.Sub(*acct.LastSyncedAt); elapsed < o.syncInterval {
			next := acct.LastSyncedAt.Add(o.syncInterval)
			return &AutoResult{
				Synced:        false,
				Reason:        "recent_sync",
				Message:       fmt.Sprintf("last sync %s ago", elapsed.Round(time.Minute)),
				LastSyncedAt:  acct.LastSyncedAt,
				NextSyncAfter: &next,
			}, nil
		}
	}

	win := ComputeWindow(acct.LastSyncedAt, now, o.lookbackDays)
	run, err := o.SyncWindow(ctx, acct, win, nil, "auto")
	if err != nil {
		return nil, err
	}

	reason := "synced"
	if !acct.InitialSyncCompleted {
		reason = "initial_sync"
	}
	return &AutoResult{
		Synced:       true,
		Reason:       reason,
		Message:      fmt.Sprintf("synced %d days", len(win.Days())),
		LastSyncedAt: &run.SyncedAt,
		Run:          run,
	}, nil
}

// Forced is the manual entry point: it bypasses the recency check and syncs
// an explicit number of days (defaulting to the lookback) ending at end. A
// zero or future end means now.
func (o *Orchestrator) Forced(ctx context.Context, userID string, days int, end time.Time, types []DataType) (*RunResult, error) {
	acct, err := o.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotConnected
		}
		return nil, err
	}
	if !acct.Connected() {
		return nil, store.ErrNotConnected
	}
	if days <= 0 {
		days = o.lookbackDays
	}
	if now := o.now(); end.IsZero() || end.After(now) {
		end = now
	}
	win := ForcedWindow(acct.LastSyncedAt, end, days)
	return o.SyncWindow(ctx, acct, win, types, "forced")
}

// SyncWindow runs one sync for an already-loaded account and advances
// last_synced_at afterwards. The watermark moves even on partial resource
// failure; its granularity is the run, not the resource.
func (o *Orchestrator) SyncWindow(ctx context.Context, acct *models.Account, win Window, types []DataType, trigger string) (*RunResult, error) {
	run, err := o.runSync(ctx, acct.UserID, win, types, trigger)
	if err != nil {
		return nil, err
	}
	markInitial := !acct.InitialSyncCompleted
	if err := o.accounts.MarkSynced(ctx, acct.UserID, run.SyncedAt, markInitial); err != nil {
		return nil, fmt.Errorf("update sync watermark: %w", err)
	}
	return run, nil
}

// runSync executes the selected fetchers concurrently (bounded) and commits
// every patch that came back. The per-user lease rejects overlapping runs.
func (o *Orchestrator) runSync(ctx context.Context, userID string, win Window, types []DataType, trigger string) (*RunResult, error) {
	if !o.leases.acquire(userID) {
		return nil, ErrSyncInProgress
	}
	defer o.leases.release(userID)

	started := o.now()
	fetchers := o.selectFetchers(types)

	sem := make(chan struct{}, o.maxConcurrent)
	var wg gosync.WaitGroup
	var mu gosync.Mutex
	var resourceErrs []ResourceError

	record := func(dt DataType, err error) {
		mu.Lock()
		resourceErrs = append(resourceErrs, ResourceError{Resource: dt, Message: err.Error()})
		mu.Unlock()
		observability.RecordResourceError(string(dt))
	}

	for _, f := range fetchers {
		wg.Add(1)
		go func(f Fetcher) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
			defer cancel()

			patches, err := f.Fetch(fetchCtx, userID, win)
			if err != nil {
				record(f.Type(), err)
			}
			for _, dp := range patches {
				if upsertErr := o.metrics.Upsert(ctx, userID, dp.Date, dp.Patch); upsertErr != nil {
					record(f.Type(), fmt.Errorf("upsert %s: %w", dp.Date.Format("2006-01-02"), upsertErr))
					return
				}
			}
		}(f)
	}
	wg.Wait()

	syncedAt := o.now()
	run := &RunResult{
		Success:  len(resourceErrs) == 0,
		SyncedAt: syncedAt,
		Errors:   resourceErrs,
	}
	observability.RecordSyncRun(trigger, run.Success, syncedAt.Sub(started))
	if !run.Success {
		log.Printf("[sync] %s run finished with %d resource errors", trigger, len(resourceErrs))
	}
	return run, nil
}

func (o *Orchestrator) selectFetchers(types []DataType) []Fetcher {
	if len(types) == 0 {
		return o.fetchers
	}
	wanted := make(map[DataType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	var out []Fetcher
	for _, f := range o.fetchers {
		if _, ok := wanted[f.Type()]; ok {
			out = append(out, f)
		}
	}
	return out
}
