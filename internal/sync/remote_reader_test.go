package sync

import (
	"context"
	"testing"
	"time"

	"github.com/gestorix/presync/internal/sheets"
)

func TestReadRemoteChangesStrictCutoff(t *testing.T) {
	cutoff := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	remote := newFakeRemote()
	remote.orders["at-cutoff"] = sheets.OrderRow{ExtID: "at-cutoff", Activo: true, LastModified: cutoff}
	remote.orders["after"] = sheets.OrderRow{ExtID: "after", Activo: true, LastModified: cutoff.Add(time.Second)}
	remote.orders["before"] = sheets.OrderRow{ExtID: "before", Activo: true, LastModified: cutoff.Add(-time.Second)}

	changes, err := NewRemoteReader(remote).ReadRemoteChanges(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ReadRemoteChanges: %v", err)
	}

	if len(changes) != 1 || changes[0].ExtID != "after" {
		t.Fatalf("changes = %+v, want exactly [after]: a stamp equal to the cutoff was already processed", changes)
	}
}

func TestReadRemoteChangesDetailStampSurfacesOrder(t *testing.T) {
	cutoff := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	fresh := cutoff.Add(time.Minute)

	remote := newFakeRemote()
	remote.orders["x1"] = sheets.OrderRow{ExtID: "x1", Activo: true, LastModified: old}
	row := detailRow("x1", "aaaa000000000001", item("ART-A", "2", "10"))
	row.LastModified = fresh
	remote.details[row.RowID] = row

	changes, err := NewRemoteReader(remote).ReadRemoteChanges(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ReadRemoteChanges: %v", err)
	}

	if len(changes) != 1 {
		t.Fatalf("changes = %+v, want the order surfaced by its fresh detail row", changes)
	}
	if !changes[0].LastEdit.Equal(fresh) {
		t.Errorf("LastEdit = %v, want the detail stamp %v", changes[0].LastEdit, fresh)
	}
	if len(changes[0].Items) != 1 {
		t.Errorf("items = %d, want 1", len(changes[0].Items))
	}
}

func TestReadRemoteChangesInactiveRowIsDeletion(t *testing.T) {
	cutoff := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	remote := newFakeRemote()
	remote.orders["x1"] = sheets.OrderRow{ExtID: "x1", Activo: false, LastModified: cutoff.Add(time.Minute)}

	changes, err := NewRemoteReader(remote).ReadRemoteChanges(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ReadRemoteChanges: %v", err)
	}

	if len(changes) != 1 || !changes[0].Deleted {
		t.Fatalf("changes = %+v, want one deletion", changes)
	}
}
