package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gestorix/presync/internal/config"
	"github.com/gestorix/presync/internal/models"
	"github.com/gestorix/presync/internal/sheets"
)

func newTestOrchestrator(store Store, remote Remote) *Orchestrator {
	return NewOrchestrator(store, remote, config.SyncConfig{
		SafetyMargin:    30 * time.Second,
		ParallelWorkers: 2,
	})
}

// New local order with two line items gets pushed: remote gains the order
// and two mapped rows, the map carries local provenance, the cutoff
// advances, and a second run with no edits writes nothing.
func TestRunPushesNewLocalOrder(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Minute)
	cutoff := t0.Add(-time.Hour)

	store := newFakeStore(cutoff)
	store.addOrder("x1", t0, true)
	store.addDetalle("x1", item("ART-A", "2", "10"), t0)
	store.addDetalle("x1", item("ART-B", "1", "25"), t0)
	remote := newFakeRemote()

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Success {
		t.Fatalf("run failed: %+v", summary)
	}
	if summary.Created != 1 {
		t.Errorf("Created = %d, want 1", summary.Created)
	}

	if _, ok := remote.orders["x1"]; !ok {
		t.Fatal("remote is missing order x1")
	}
	if len(remote.details) != 2 {
		t.Fatalf("remote has %d detail rows, want 2", len(remote.details))
	}
	if len(store.maps) != 2 {
		t.Fatalf("map table has %d entries, want 2", len(store.maps))
	}
	for _, m := range store.maps {
		if m.Provenance != models.ProvenanceLocal {
			t.Errorf("map provenance = %s, want local", m.Provenance)
		}
	}
	if !store.cfg.CutoffAt.After(cutoff) {
		t.Error("cutoff did not advance after a fully successful run")
	}

	// No intervening edits: the second run must write nothing.
	writes := remote.writeCount()
	summary2, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !summary2.Success {
		t.Fatalf("second run failed: %+v", summary2)
	}
	if summary2.Created+summary2.Updated+summary2.Deleted != 0 {
		t.Errorf("second run wrote: %+v", summary2)
	}
	if remote.writeCount() != writes {
		t.Errorf("second run made %d remote calls", remote.writeCount()-writes)
	}
}

// A remote row left behind by an interrupted run (written but never mapped)
// is adopted instead of duplicated.
func TestRunAdoptsUnmappedRemoteRow(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Minute)
	cutoff := t0.Add(-time.Hour)

	store := newFakeStore(cutoff)
	store.addOrder("x1", t0, true)
	store.addDetalle("x1", item("ART-A", "2", "10"), t0)

	remote := newFakeRemote()
	orphan := detailRow("x1", "feedface00000000", item("ART-A", "2", "10"))
	orphan.LastModified = cutoff // at the boundary: not a remote change
	remote.details[orphan.RowID] = orphan

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil || !summary.Success {
		t.Fatalf("Run: %v %+v", err, summary)
	}

	if remote.appendCalls != 0 {
		t.Errorf("appended %d rows, the orphan should have been adopted", remote.appendCalls)
	}
	if len(remote.details) != 1 {
		t.Fatalf("remote has %d detail rows, want 1", len(remote.details))
	}
	if len(store.maps) != 1 {
		t.Fatalf("map table has %d entries, want 1", len(store.maps))
	}
	for _, m := range store.maps {
		if m.RemoteRowID != "feedface00000000" {
			t.Errorf("map points at %s, want the adopted row", m.RemoteRowID)
		}
		if m.Provenance != models.ProvenanceSheets {
			t.Errorf("adopted row provenance = %s, want sheets", m.Provenance)
		}
	}
}

// Remote edit later than the local one: the local side converges to the
// remote content and the remote side is not touched.
func TestRunRemoteWins(t *testing.T) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)
	tl := now.Add(-5 * time.Minute)
	tr := now.Add(-2 * time.Minute)

	store := newFakeStore(cutoff)
	store.addOrder("x1", tl, true)
	local := item("ART-A", "1", "10")
	dA := store.addDetalle("x1", local, tl)
	store.addMap(dA, "aaaa000000000001", Fingerprint(local))

	remote := newFakeRemote()
	remote.orders["x1"] = sheets.OrderRow{ExtID: "x1", Estado: "enviado", Activo: true, LastModified: tr}
	row := detailRow("x1", "aaaa000000000001", item("ART-A", "5", "10"))
	row.LastModified = tr
	remote.details[row.RowID] = row

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil || !summary.Success {
		t.Fatalf("Run: %v %+v", err, summary)
	}

	if got := store.detalles[dA].Cantidad.String(); got != "5" {
		t.Errorf("local cantidad = %s, want the remote value 5", got)
	}
	if !store.orders["x1"].FechaActualizacion.Equal(tr) {
		t.Errorf("local stamp = %v, want the winning edit time %v", store.orders["x1"].FechaActualizacion, tr)
	}
	if store.orders["x1"].Estado != "enviado" {
		t.Errorf("estado = %s, want enviado", store.orders["x1"].Estado)
	}
	if remote.writeCount() != 0 {
		t.Errorf("the losing side's replica was written to (%d calls)", remote.writeCount())
	}
}

// Local edit later than the remote one: the remote row is rewritten in place
// with the same id.
func TestRunLocalWins(t *testing.T) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)
	tr := now.Add(-5 * time.Minute)
	tl := now.Add(-2 * time.Minute)

	base := item("ART-A", "1", "10")

	store := newFakeStore(cutoff)
	store.addOrder("x1", tl, true)
	dA := store.addDetalle("x1", item("ART-A", "4", "10"), tl)
	store.addMap(dA, "aaaa000000000001", Fingerprint(base))

	remote := newFakeRemote()
	remote.orders["x1"] = sheets.OrderRow{ExtID: "x1", Activo: true, LastModified: tr}
	row := detailRow("x1", "aaaa000000000001", base)
	row.LastModified = tr
	remote.details[row.RowID] = row

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil || !summary.Success {
		t.Fatalf("Run: %v %+v", err, summary)
	}

	got := remote.details["aaaa000000000001"]
	if got.Cantidad.String() != "4" {
		t.Errorf("remote cantidad = %s, want the local value 4", got.Cantidad)
	}
	if remote.appendCalls != 0 {
		t.Errorf("local edit of a mapped item must update in place, appended %d rows", remote.appendCalls)
	}
	if len(remote.details) != 1 {
		t.Errorf("remote has %d detail rows, want 1", len(remote.details))
	}
}

// A soft-deleted order disappears remotely and stays gone, even though the
// remote copy carried a later timestamp.
func TestRunSoftDeleteIsTerminal(t *testing.T) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)
	tdel := now.Add(-5 * time.Minute)
	tremote := now.Add(-time.Minute) // later than the delete

	content := item("ART-A", "2", "10")

	store := newFakeStore(cutoff)
	store.addOrder("x1", tdel, false)
	dA := store.addDetalle("x1", content, tdel)
	store.addMap(dA, "aaaa000000000001", Fingerprint(content))

	remote := newFakeRemote()
	remote.orders["x1"] = sheets.OrderRow{ExtID: "x1", Activo: true, LastModified: tremote}
	row := detailRow("x1", "aaaa000000000001", content)
	row.LastModified = tremote
	remote.details[row.RowID] = row

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil || !summary.Success {
		t.Fatalf("Run: %v %+v", err, summary)
	}
	if summary.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", summary.Deleted)
	}

	if _, ok := remote.orders["x1"]; ok {
		t.Error("deleted order still present remotely")
	}
	if len(remote.details) != 0 {
		t.Errorf("remote still has %d detail rows", len(remote.details))
	}
	if len(store.maps) != 0 {
		t.Errorf("map table still has %d entries", len(store.maps))
	}
	if store.orders["x1"].Activo {
		t.Error("order was resurrected locally")
	}

	// Subsequent runs must not bring it back.
	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if _, ok := remote.orders["x1"]; ok {
		t.Error("deleted order reappeared remotely")
	}
}

// The same order changed on both sides, different line items: each item's
// change crosses in its own direction and no rows are duplicated.
func TestRunMergesItemsAcrossSides(t *testing.T) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)
	t0 := now.Add(-10 * time.Minute)
	t1 := now.Add(-5 * time.Minute) // remote edit on B
	t2 := now.Add(-2 * time.Minute) // local edit on A, later

	baseA := item("ART-A", "1", "10")
	baseB := item("ART-B", "2", "20")

	store := newFakeStore(cutoff)
	store.addOrder("x1", t0, true)
	dA := store.addDetalle("x1", item("ART-A", "1", "12"), t2) // price changed locally
	dB := store.addDetalle("x1", baseB, t0)
	store.addMap(dA, "aaaa000000000001", Fingerprint(baseA))
	store.addMap(dB, "bbbb000000000002", Fingerprint(baseB))

	remote := newFakeRemote()
	remote.orders["x1"] = sheets.OrderRow{ExtID: "x1", Activo: true, LastModified: t0}
	rowA := detailRow("x1", "aaaa000000000001", baseA)
	rowA.LastModified = t0
	rowB := detailRow("x1", "bbbb000000000002", item("ART-B", "7", "20")) // quantity changed remotely
	rowB.LastModified = t1
	remote.details[rowA.RowID] = rowA
	remote.details[rowB.RowID] = rowB

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil || !summary.Success {
		t.Fatalf("Run: %v %+v", err, summary)
	}

	if got := remote.details["aaaa000000000001"].PrecioUnitario.String(); got != "12" {
		t.Errorf("remote price for A = %s, want the local value 12", got)
	}
	if got := store.detalles[dB].Cantidad.String(); got != "7" {
		t.Errorf("local cantidad for B = %s, want the remote value 7", got)
	}
	if len(remote.details) != 2 {
		t.Errorf("remote has %d detail rows, want 2", len(remote.details))
	}
	if len(store.maps) != 2 {
		t.Errorf("map table has %d entries, want 2", len(store.maps))
	}
	if remote.appendCalls != 0 {
		t.Errorf("merge appended %d rows", remote.appendCalls)
	}
}

// One failing order does not block the others, but it does hold the cutoff
// back so the next run retries it.
func TestRunPartialFailureHoldsCutoff(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Minute)
	cutoff := t0.Add(-time.Hour)

	store := newFakeStore(cutoff)
	store.addOrder("x1", t0, true)
	store.addOrder("x2", t0, true)

	remote := newFakeRemote()
	remote.failUpsert["x2"] = errors.New("quota exceeded")

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Success {
		t.Error("partial failure reported as full success")
	}
	if len(summary.Failed) != 1 || summary.Failed[0] != "x2" {
		t.Errorf("Failed = %v, want [x2]", summary.Failed)
	}
	if _, ok := remote.orders["x1"]; !ok {
		t.Error("the healthy order was not written")
	}
	if !store.cfg.CutoffAt.Equal(cutoff) {
		t.Error("cutoff advanced despite a failed order")
	}
	if len(store.logs) != 1 || store.logs[0].Success {
		t.Errorf("run log = %+v, want one failed entry", store.logs)
	}
}

func TestRunLockHeldElsewhere(t *testing.T) {
	store := newFakeStore(time.Now().UTC().Add(-time.Hour))
	store.locked = true

	orch := newTestOrchestrator(store, newFakeRemote())
	_, err := orch.Run(context.Background())
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestRunWithoutConfiguration(t *testing.T) {
	store := newFakeStore(time.Time{})
	store.cfg = nil

	orch := newTestOrchestrator(store, newFakeRemote())
	_, err := orch.Run(context.Background())

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if len(store.logs) != 1 || store.logs[0].Success {
		t.Errorf("run log = %+v, want one failed entry", store.logs)
	}
}

func TestRunCancelledBeforeWrites(t *testing.T) {
	t0 := time.Now().UTC().Add(-time.Minute)
	cutoff := t0.Add(-time.Hour)

	store := newFakeStore(cutoff)
	store.addOrder("x1", t0, true)
	remote := newFakeRemote()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !summary.Cancelled {
		t.Error("cancelled run not reported as cancelled")
	}
	if summary.Success {
		t.Error("cancelled run must not report success")
	}
	if remote.writeCount() != 0 {
		t.Errorf("cancelled run made %d remote calls", remote.writeCount())
	}
	if !store.cfg.CutoffAt.Equal(cutoff) {
		t.Error("cancelled run advanced the cutoff")
	}
	if len(store.logs) != 1 || !store.logs[0].Cancelled {
		t.Errorf("run log = %+v, want one cancelled entry", store.logs)
	}
}

// Locally deleted line items lose their remote row while the rest of the
// order stays mapped.
func TestRunRemovesRemoteRowForDeletedDetalle(t *testing.T) {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)
	t0 := now.Add(-10 * time.Minute)
	tdel := now.Add(-time.Minute)

	keep := item("ART-A", "2", "10")
	gone := item("ART-B", "1", "5")

	store := newFakeStore(cutoff)
	store.addOrder("x1", tdel, true)
	dA := store.addDetalle("x1", keep, t0)
	dB := store.addDetalle("x1", gone, t0)
	store.addMap(dA, "aaaa000000000001", Fingerprint(keep))
	store.addMap(dB, "bbbb000000000002", Fingerprint(gone))
	store.detalles[dB].Activo = false
	store.detalles[dB].FechaActualizacion = tdel

	remote := newFakeRemote()
	remote.orders["x1"] = sheets.OrderRow{ExtID: "x1", Activo: true, LastModified: t0}
	rowA := detailRow("x1", "aaaa000000000001", keep)
	rowA.LastModified = t0
	rowB := detailRow("x1", "bbbb000000000002", gone)
	rowB.LastModified = t0
	remote.details[rowA.RowID] = rowA
	remote.details[rowB.RowID] = rowB

	orch := newTestOrchestrator(store, remote)
	summary, err := orch.Run(context.Background())
	if err != nil || !summary.Success {
		t.Fatalf("Run: %v %+v", err, summary)
	}

	if _, ok := remote.details["bbbb000000000002"]; ok {
		t.Error("remote row for the deleted detalle is still there")
	}
	if _, ok := remote.details["aaaa000000000001"]; !ok {
		t.Error("remote row for the surviving detalle was removed")
	}
	if _, ok := store.maps[dB]; ok {
		t.Error("map entry for the deleted detalle survived")
	}
	if _, ok := store.maps[dA]; !ok {
		t.Error("map entry for the surviving detalle was dropped")
	}
}

// A trigger is only accepted while the background loop is running: before
// Start and after Stop nothing drains the channel, so queueing would promise
// a run that never happens.
func TestRequestSyncRefusedWhenLoopNotRunning(t *testing.T) {
	orch := newTestOrchestrator(newFakeStore(time.Now().UTC()), newFakeRemote())

	if orch.RequestSync() {
		t.Error("trigger before Start must be refused")
	}

	if err := orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !orch.RequestSync() {
		t.Error("trigger while running must be accepted")
	}

	orch.Stop()
	if orch.RequestSync() {
		t.Error("trigger after Stop must be refused")
	}
}

// Stop then Start again has to yield a working loop, not one that exits
// immediately on a stale stop signal. A trigger queued after the restart must
// still produce a run record.
func TestOrchestratorRunsAfterRestart(t *testing.T) {
	store := newFakeStore(time.Now().UTC())
	orch := newTestOrchestrator(store, newFakeRemote())

	if err := orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	orch.Stop()

	if err := orch.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer orch.Stop()

	before := store.runLogCount()
	if !orch.RequestSync() {
		t.Fatal("trigger after restart must be accepted")
	}

	deadline := time.Now().Add(5 * time.Second)
	for store.runLogCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("restarted loop never executed the queued run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
