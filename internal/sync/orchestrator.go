package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gestorix/presync/internal/config"
	"github.com/gestorix/presync/internal/models"
	"github.com/gestorix/presync/internal/sheets"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Orchestrator sequences a sync run: read both change sets, reconcile, push
// deletions, push creates/updates, pull remote changes, advance the cutoff,
// write the run record. One run at a time per configuration — concurrent
// triggers serialize on the store's advisory lock.
type Orchestrator struct {
	mu sync.Mutex

	store  Store
	remote Remote
	reader *RemoteReader
	mapper *DetailMapper
	cfg    config.SyncConfig

	state   RunState
	running bool
	lastRun *RunSummary

	started  bool
	stopChan chan struct{}
	runChan  chan struct{}
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(store Store, remote Remote, cfg config.SyncConfig) *Orchestrator {
	return &Orchestrator{
		store:    store,
		remote:   remote,
		reader:   NewRemoteReader(remote),
		mapper:   NewDetailMapper(NewIdentityGenerator()),
		cfg:      cfg,
		state:    StateIdle,
		stopChan: make(chan struct{}),
		runChan:  make(chan struct{}, 1),
	}
}

// Start launches the background loop: a ticker for scheduled runs plus a
// trigger channel for manual ones. A stopped orchestrator can be started
// again; each loop gets its own stop channel.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.stopChan = make(chan struct{})

	go o.loop(o.stopChan)

	if o.cfg.SyncOnStartup {
		select {
		case o.runChan <- struct{}{}:
		default:
		}
	}

	log.Println("✅ Sync orchestrator started")
	return nil
}

// Stop halts the background loop. An in-flight run finishes its current
// order and then stops without advancing the cutoff.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return
	}
	o.started = false
	close(o.stopChan)
	log.Println("🛑 Sync orchestrator stopped")
}

// RequestSync queues a run and reports whether anything will pick it up.
// Non-blocking: if a trigger is already pending the request is absorbed into
// it. When the background loop is not running — sync never configured, or the
// orchestrator stopped — nothing drains the channel, so the request is
// refused rather than silently parked.
func (o *Orchestrator) RequestSync() bool {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()

	if !started {
		return false
	}

	select {
	case o.runChan <- struct{}{}:
	default:
	}
	return true
}

func (o *Orchestrator) loop(stop <-chan struct{}) {
	var tick <-chan time.Time
	if o.cfg.AutoSyncEnabled && o.cfg.AutoSyncInterval > 0 {
		ticker := time.NewTicker(o.cfg.AutoSyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-tick:
			o.runOnce(ctx)
		case <-o.runChan:
			o.runOnce(ctx)
		case <-stop:
			return
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context) {
	summary, err := o.Run(ctx)
	if err != nil {
		log.Printf("❌ Sync run failed: %v", err)
		return
	}
	log.Printf("✅ Sync run %s: processed=%d created=%d updated=%d deleted=%d failed=%d",
		summary.RunID, summary.Processed, summary.Created, summary.Updated, summary.Deleted, len(summary.Failed))
}

// Status reports the orchestrator's current state and last run
func (o *Orchestrator) Status() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	return map[string]interface{}{
		"state":    o.state,
		"running":  o.running,
		"last_run": o.lastRun,
	}
}

func (o *Orchestrator) setState(s RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes one full synchronization. It is safe to call concurrently;
// overlapping calls get ErrRunInProgress instead of a second run.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrRunInProgress
	}
	o.running = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.state = StateIdle
		o.mu.Unlock()
	}()

	summary := &RunSummary{
		RunID: uuid.NewString(),
		RunAt: time.Now().UTC(),
	}

	cfg, err := o.store.ActiveConfig(ctx)
	if err != nil {
		return o.failRun(ctx, summary, fmt.Errorf("failed to load sync configuration: %w", err))
	}
	if cfg == nil {
		return o.failRun(ctx, summary, &ConfigurationError{Reason: "no active sync configuration"})
	}
	if o.remote == nil {
		return o.failRun(ctx, summary, &ConfigurationError{Reason: "spreadsheet client not configured"})
	}

	release, err := o.store.AcquireRunLock(ctx, cfg.ID)
	if err != nil {
		return o.failRun(ctx, summary, fmt.Errorf("failed to acquire run lock: %w", err))
	}
	defer release()

	// The cutoff is snapshotted once, here, and used by both readers. The
	// wall-clock snapshot taken at the same moment is what the cutoff will
	// advance to: edits landing during the run stay above it and are picked
	// up next run.
	cutoff := cfg.CutoffAt
	runStart := time.Now().UTC()

	o.setState(StateReadingChanges)
	localChanges, remoteChanges, err := o.readChanges(ctx, cutoff)
	if err != nil {
		return o.failRun(ctx, summary, err)
	}

	if suspects := clockSkewSuspects(localChanges, remoteChanges, cutoff, o.cfg.SafetyMargin); len(suspects) > 0 {
		log.Printf("⚠️  Sync %s: %d change(s) stamped within %v of the cutoff %v, possible clock skew: %v",
			summary.RunID, len(suspects), o.cfg.SafetyMargin, cutoff.Format(time.RFC3339), suspects)
	}

	o.setState(StateReconciling)
	plan := Reconcile(localChanges, remoteChanges)
	summary.Processed = len(plan.ToRemoteUpsert) + len(plan.ToRemoteDelete) +
		len(plan.ToLocalUpsert) + len(plan.ToLocalDelete)

	log.Printf("🔄 Sync %s: %d local / %d remote changes → %d remote upserts, %d remote deletes, %d pulls, %d local deletes, %d skipped",
		summary.RunID, len(localChanges), len(remoteChanges),
		len(plan.ToRemoteUpsert), len(plan.ToRemoteDelete),
		len(plan.ToLocalUpsert), len(plan.ToLocalDelete), plan.Skipped)

	failures := newFailureSet()
	counts := &runCounters{}

	// Deletions push first so a re-created order never races its own ghost.
	o.setState(StateWritingRemote)
	o.forEachOrder(ctx, plan.ToRemoteDelete, failures, func(c OrderChange) error {
		if err := o.pushDelete(ctx, c); err != nil {
			return err
		}
		counts.addDeleted()
		return nil
	})
	o.forEachOrder(ctx, plan.ToRemoteUpsert, failures, func(c OrderChange) error {
		created, err := o.pushOrder(ctx, c)
		if err != nil {
			return err
		}
		counts.addUpsert(created)
		return nil
	})

	o.setState(StateWritingLocal)
	o.forEachOrder(ctx, plan.ToLocalDelete, failures, func(c OrderChange) error {
		if err := o.pullDelete(ctx, c); err != nil {
			return err
		}
		counts.addDeleted()
		return nil
	})
	o.forEachOrder(ctx, plan.ToLocalUpsert, failures, func(c OrderChange) error {
		created, err := o.pullOrder(ctx, c)
		if err != nil {
			return err
		}
		counts.addUpsert(created)
		return nil
	})

	summary.Created, summary.Updated, summary.Deleted = counts.values()
	summary.Failed = failures.extIDs()
	summary.Cancelled = ctx.Err() != nil

	// A single watermark cannot advance per-order, so any failure (or a
	// cancellation) holds it back entirely: the next run retries everything.
	// Redundant reprocessing is preferred over silent loss.
	if len(summary.Failed) == 0 && !summary.Cancelled {
		o.setState(StateAdvancingCutoff)
		if target, ok := advanceTarget(runStart, cutoff, o.cfg.SafetyMargin); ok {
			if err := o.store.AdvanceCutoff(ctx, cfg.ID, target); err != nil {
				return o.failRun(ctx, summary, fmt.Errorf("failed to advance cutoff: %w", err))
			}
		}
		summary.Success = true
	}

	summary.Error = failures.text()
	summary.Duration = time.Since(summary.RunAt).String()
	o.writeRunLog(ctx, summary)

	o.mu.Lock()
	o.lastRun = summary
	o.mu.Unlock()

	return summary, nil
}

// readChanges runs both readers in parallel — they touch independent stores
func (o *Orchestrator) readChanges(ctx context.Context, cutoff time.Time) ([]OrderChange, []OrderChange, error) {
	var (
		wg        sync.WaitGroup
		local     []OrderChange
		remote    []OrderChange
		localErr  error
		remoteErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		local, localErr = o.store.ReadLocalChanges(ctx, cutoff)
	}()
	go func() {
		defer wg.Done()
		remote, remoteErr = o.reader.ReadRemoteChanges(ctx, cutoff)
	}()
	wg.Wait()

	if localErr != nil {
		return nil, nil, fmt.Errorf("failed to read local changes: %w", localErr)
	}
	if remoteErr != nil {
		return nil, nil, fmt.Errorf("failed to read remote changes: %w", remoteErr)
	}
	return local, remote, nil
}

// forEachOrder runs fn for every order on a bounded worker pool. Each order
// is an independent unit: its failure is recorded, not propagated. The
// cancellation signal is checked between units; in-flight orders finish.
func (o *Orchestrator) forEachOrder(ctx context.Context, orders []OrderChange, failures *failureSet, fn func(OrderChange) error) {
	workers := o.cfg.ParallelWorkers
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, c := range orders {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(c OrderChange) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := fn(c); err != nil {
				log.Printf("⚠️  Sync: order %s failed: %v", c.ExtID, err)
				failures.add(c.ExtID, err)
			}
		}(c)
	}
	wg.Wait()
}

// pushOrder writes one locally-winning order to the spreadsheet inside its
// own transaction scope.
func (o *Orchestrator) pushOrder(ctx context.Context, change OrderChange) (bool, error) {
	var created bool
	err := o.store.WithOrderTx(ctx, func(tx OrderTx) error {
		var err error
		created, err = o.remote.UpsertOrder(ctx, sheets.OrderRow{
			ExtID:         change.ExtID,
			ClienteRef:    change.ClienteRef,
			Fecha:         change.Fecha,
			Estado:        change.Estado,
			Observaciones: change.Observaciones,
			Activo:        true,
			LastModified:  change.LastEdit,
		})
		if err != nil {
			return &TransientRemoteError{ExtID: change.ExtID, Err: err}
		}
		return o.mapper.EnsureMapped(ctx, tx, o.remote, change)
	})
	return created, err
}

// pushDelete removes a soft-deleted order from the spreadsheet and drops its
// map entries. Remote deletion of an id that is already gone is a no-op.
func (o *Orchestrator) pushDelete(ctx context.Context, change OrderChange) error {
	return o.store.WithOrderTx(ctx, func(tx OrderTx) error {
		if err := o.remote.DeleteOrder(ctx, change.ExtID); err != nil {
			return &TransientRemoteError{ExtID: change.ExtID, Err: err}
		}
		if err := o.remote.DeleteDetailsForOrder(ctx, change.ExtID); err != nil {
			return &TransientRemoteError{ExtID: change.ExtID, Err: err}
		}

		maps, err := tx.MapsForOrder(change.ExtID)
		if err != nil {
			return &DataIntegrityError{Op: "maps_for_order", Err: err}
		}
		for _, m := range maps {
			if err := tx.DeleteMapByDetalle(m.DetalleID); err != nil {
				return &DataIntegrityError{Op: "map_delete", Err: err}
			}
		}
		return nil
	})
}

func (o *Orchestrator) pullOrder(ctx context.Context, change OrderChange) (bool, error) {
	var created bool
	err := o.store.WithOrderTx(ctx, func(tx OrderTx) error {
		var err error
		created, err = o.mapper.ApplyRemoteOrder(ctx, tx, o.remote, change)
		return err
	})
	return created, err
}

func (o *Orchestrator) pullDelete(ctx context.Context, change OrderChange) error {
	return o.store.WithOrderTx(ctx, func(tx OrderTx) error {
		return tx.DeactivateOrder(change.ExtID, change.LastEdit)
	})
}

// failRun records a run-level failure: no cutoff movement, log entry written
func (o *Orchestrator) failRun(ctx context.Context, summary *RunSummary, err error) (*RunSummary, error) {
	o.setState(StateFailed)
	summary.Success = false
	summary.Error = err.Error()
	summary.Duration = time.Since(summary.RunAt).String()
	o.writeRunLog(ctx, summary)

	o.mu.Lock()
	o.lastRun = summary
	o.mu.Unlock()

	return summary, err
}

// writeRunLog appends the immutable run record. Failing to write the log is
// itself only logged — it must not mask the run's outcome.
func (o *Orchestrator) writeRunLog(ctx context.Context, summary *RunSummary) {
	entry := &models.SyncLog{
		RunID:      summary.RunID,
		RunAt:      summary.RunAt,
		Success:    summary.Success,
		Cancelled:  summary.Cancelled,
		Processed:  summary.Processed,
		Created:    summary.Created,
		Updated:    summary.Updated,
		Deleted:    summary.Deleted,
		ErrorText:  summary.Error,
		DurationMs: int(time.Since(summary.RunAt).Milliseconds()),
	}
	if len(summary.Failed) > 0 {
		if data, err := json.Marshal(summary.Failed); err == nil {
			entry.FailedExtIDs = datatypes.JSON(data)
		}
	}

	if err := o.store.AppendRunLog(ctx, entry); err != nil {
		log.Printf("⚠️  Sync: could not write run log for %s: %v", summary.RunID, err)
	}
}

// failureSet aggregates per-order failures across workers
type failureSet struct {
	mu   sync.Mutex
	errs map[string]error
}

func newFailureSet() *failureSet {
	return &failureSet{errs: make(map[string]error)}
}

func (f *failureSet) add(extID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[extID] = err
}

func (f *failureSet) extIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(f.errs))
	for id := range f.errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *failureSet) text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.errs))
	for id, err := range f.errs {
		parts = append(parts, fmt.Sprintf("%s: %v", id, err))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// runCounters tallies writes across workers
type runCounters struct {
	mu      sync.Mutex
	created int
	updated int
	deleted int
}

func (rc *runCounters) addUpsert(created bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if created {
		rc.created++
	} else {
		rc.updated++
	}
}

func (rc *runCounters) addDeleted() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.deleted++
}

func (rc *runCounters) values() (created, updated, deleted int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.created, rc.updated, rc.deleted
}
