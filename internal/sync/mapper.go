package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/gestorix/presync/internal/models"
	"github.com/gestorix/presync/internal/sheets"
)

// DetailMapper maintains the local-detalle ↔ remote-row association. Its one
// job is making line-item writes idempotent: an existing mapping means
// update-in-place with the same row id, never a fresh append.
//
// The map's stored fingerprint is the last-synced content, which makes it the
// common ancestor for a three-way comparison: a line item that changed on
// only one side since the last sync carries that side's change across even
// when the order-level timestamp went the other way. Only when the same item
// changed on both sides does the order-level winner take it.
type DetailMapper struct {
	idgen *IdentityGenerator
	now   func() time.Time
}

// NewDetailMapper creates a DetailMapper
func NewDetailMapper(idgen *IdentityGenerator) *DetailMapper {
	return &DetailMapper{idgen: idgen, now: time.Now}
}

// EnsureMapped pushes the live line items of one locally-winning order to the
// spreadsheet and keeps the map table in step. For each item:
//
//   - mapped, local content unchanged, remote row changed: the remote edit is
//     pulled into the local detalle instead (the item only moved remotely)
//   - mapped and local content changed: the existing remote row is rewritten
//     in place and the map fingerprint refreshed
//   - unmapped: an existing unmapped remote row with the same articulo is
//     adopted first; only if none exists is a new row id minted and appended
//
// Mapped rows whose local detalle is gone are removed remotely. Map writes
// ride the order's transaction, so a failed remote call rolls the map back;
// the orphaned remote row that can leave behind is re-adopted on the next
// run instead of duplicated.
func (dm *DetailMapper) EnsureMapped(ctx context.Context, tx OrderTx, remote Remote, order OrderChange) error {
	existing, err := remote.DetailsForOrder(ctx, order.ExtID)
	if err != nil {
		return fmt.Errorf("failed to read remote details for %s: %w", order.ExtID, err)
	}
	rowByID := make(map[string]sheets.DetailRow, len(existing))
	for _, r := range existing {
		rowByID[r.RowID] = r
	}

	maps, err := tx.MapsForOrder(order.ExtID)
	if err != nil {
		return &DataIntegrityError{Op: "maps_for_order", Err: err}
	}
	mappedRowIDs := make(map[string]bool, len(maps))
	for _, m := range maps {
		mappedRowIDs[m.RemoteRowID] = true
	}

	liveIDs := make(map[uint]bool, len(order.Items))
	for _, item := range order.Items {
		liveIDs[item.DetalleID] = true

		fp := Fingerprint(item)

		m, err := tx.MapByDetalle(item.DetalleID)
		if err != nil {
			return &DataIntegrityError{Op: "map_lookup", Err: err}
		}

		if m != nil {
			if fp == m.Fingerprint {
				// Unchanged locally. If the remote row moved, the change is
				// remote-only and comes this way.
				row, ok := rowByID[m.RemoteRowID]
				if ok {
					if rfp := Fingerprint(snapshotFromRow(row)); rfp != m.Fingerprint {
						if err := tx.UpdateDetalleContent(item.DetalleID, snapshotFromRow(row), row.LastModified); err != nil {
							return fmt.Errorf("failed to update detalle %d: %w", item.DetalleID, err)
						}
						if err := tx.TouchMap(item.DetalleID, rfp, dm.now().UTC()); err != nil {
							return &DataIntegrityError{Op: "map_touch", Err: err}
						}
					}
				}
				continue
			}

			if err := remote.UpdateDetail(ctx, detailRow(order.ExtID, m.RemoteRowID, item)); err != nil {
				return &TransientRemoteError{ExtID: order.ExtID, Err: err}
			}
			if err := tx.TouchMap(item.DetalleID, fp, dm.now().UTC()); err != nil {
				return &DataIntegrityError{Op: "map_touch", Err: err}
			}
			continue
		}

		// Unmapped: before appending, look for a remote row for this
		// articulo that no map entry claims, and attach it instead. This is
		// what keeps one (order, articulo) from accumulating several ids.
		if adopted := firstUnmapped(existing, mappedRowIDs, item.Articulo); adopted != nil {
			entry := &models.DetalleMap{
				DetalleID:   item.DetalleID,
				RemoteRowID: adopted.RowID,
				Provenance:  models.ProvenanceSheets,
				Fingerprint: fp,
				AssignedAt:  dm.now().UTC(),
			}
			if err := tx.InsertMap(entry); err != nil {
				return &DataIntegrityError{Op: "map_adopt", Err: err}
			}
			mappedRowIDs[adopted.RowID] = true

			if Fingerprint(snapshotFromRow(*adopted)) != fp {
				if err := remote.UpdateDetail(ctx, detailRow(order.ExtID, adopted.RowID, item)); err != nil {
					return &TransientRemoteError{ExtID: order.ExtID, Err: err}
				}
			}
			continue
		}

		rowID, err := dm.idgen.NewRowID(order.ExtID+"|"+item.Articulo, tx.RemoteRowIDExists)
		if err != nil {
			return err
		}

		if err := remote.AppendDetail(ctx, detailRow(order.ExtID, rowID, item)); err != nil {
			return &TransientRemoteError{ExtID: order.ExtID, Err: err}
		}
		entry := &models.DetalleMap{
			DetalleID:   item.DetalleID,
			RemoteRowID: rowID,
			Provenance:  models.ProvenanceLocal,
			Fingerprint: fp,
			AssignedAt:  dm.now().UTC(),
		}
		if err := tx.InsertMap(entry); err != nil {
			return &DataIntegrityError{Op: "map_insert", Err: err}
		}
		mappedRowIDs[rowID] = true
	}

	// Line items deleted locally lose their remote row and map entry.
	for _, m := range maps {
		if liveIDs[m.DetalleID] {
			continue
		}
		if err := remote.DeleteDetail(ctx, m.RemoteRowID); err != nil {
			return &TransientRemoteError{ExtID: order.ExtID, Err: err}
		}
		if err := tx.DeleteMapByDetalle(m.DetalleID); err != nil {
			return &DataIntegrityError{Op: "map_delete", Err: err}
		}
	}

	return nil
}

// ApplyRemoteOrder pulls one remotely-winning order into the local store:
// order row, line items, and map entries with provenance sheets. Remote row
// ids are reused as-is — a pulled row never gets a freshly minted id. Line
// items changed only locally since the last sync go the other way: their
// content is pushed to the sheet instead of being overwritten. The returned
// flag reports whether the presupuesto was new to this database.
func (dm *DetailMapper) ApplyRemoteOrder(ctx context.Context, tx OrderTx, remote Remote, order OrderChange) (bool, error) {
	editedAt := order.LastEdit

	created, err := tx.UpsertOrder(order, editedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert presupuesto %s: %w", order.ExtID, err)
	}

	local, err := tx.LiveDetalles(order.ExtID)
	if err != nil {
		return false, fmt.Errorf("failed to read detalles for %s: %w", order.ExtID, err)
	}
	localByID := make(map[uint]ItemSnapshot, len(local))
	for _, item := range local {
		localByID[item.DetalleID] = item
	}

	keep := make(map[uint]bool, len(order.Items))
	for _, item := range order.Items {
		rfp := Fingerprint(item)

		m, err := tx.MapByRemoteRowID(item.RemoteRowID)
		if err != nil {
			return false, &DataIntegrityError{Op: "map_lookup", Err: err}
		}

		if m != nil {
			keep[m.DetalleID] = true

			if rfp != m.Fingerprint {
				if err := tx.UpdateDetalleContent(m.DetalleID, item, editedAt); err != nil {
					return false, fmt.Errorf("failed to update detalle %d: %w", m.DetalleID, err)
				}
				if err := tx.TouchMap(m.DetalleID, rfp, dm.now().UTC()); err != nil {
					return false, &DataIntegrityError{Op: "map_touch", Err: err}
				}
				continue
			}

			// Row unchanged remotely; a local-only edit on it wins.
			if lc, ok := localByID[m.DetalleID]; ok {
				if lfp := Fingerprint(lc); lfp != m.Fingerprint {
					if err := remote.UpdateDetail(ctx, detailRow(order.ExtID, m.RemoteRowID, lc)); err != nil {
						return false, &TransientRemoteError{ExtID: order.ExtID, Err: err}
					}
					if err := tx.TouchMap(m.DetalleID, lfp, dm.now().UTC()); err != nil {
						return false, &DataIntegrityError{Op: "map_touch", Err: err}
					}
				}
			}
			continue
		}

		detalleID, err := tx.CreateDetalle(order.ExtID, item, editedAt)
		if err != nil {
			return false, fmt.Errorf("failed to create detalle for %s: %w", order.ExtID, err)
		}
		entry := &models.DetalleMap{
			DetalleID:   detalleID,
			RemoteRowID: item.RemoteRowID,
			Provenance:  models.ProvenanceSheets,
			Fingerprint: rfp,
			AssignedAt:  dm.now().UTC(),
		}
		if err := tx.InsertMap(entry); err != nil {
			return false, &DataIntegrityError{Op: "map_insert", Err: err}
		}
		keep[detalleID] = true
	}

	// Detail rows removed from the sheet deactivate their local detalle.
	maps, err := tx.MapsForOrder(order.ExtID)
	if err != nil {
		return false, &DataIntegrityError{Op: "maps_for_order", Err: err}
	}
	for _, m := range maps {
		if keep[m.DetalleID] {
			continue
		}
		if err := tx.DeactivateDetalle(m.DetalleID, editedAt); err != nil {
			return false, fmt.Errorf("failed to deactivate detalle %d: %w", m.DetalleID, err)
		}
		if err := tx.DeleteMapByDetalle(m.DetalleID); err != nil {
			return false, &DataIntegrityError{Op: "map_delete", Err: err}
		}
	}

	return created, nil
}

// firstUnmapped finds a remote row for the given articulo that no map entry
// points at yet
func firstUnmapped(rows []sheets.DetailRow, mapped map[string]bool, articulo string) *sheets.DetailRow {
	for i := range rows {
		if rows[i].Articulo == articulo && !mapped[rows[i].RowID] {
			return &rows[i]
		}
	}
	return nil
}

func detailRow(extID, rowID string, item ItemSnapshot) sheets.DetailRow {
	return sheets.DetailRow{
		RowID:          rowID,
		OrderExtID:     extID,
		Articulo:       item.Articulo,
		Cantidad:       item.Cantidad,
		PrecioUnitario: item.PrecioUnitario,
		Descuento:      item.Descuento,
		Importe:        item.Importe,
		LastModified:   item.LastEdit,
	}
}

func snapshotFromRow(row sheets.DetailRow) ItemSnapshot {
	return ItemSnapshot{
		RemoteRowID:    row.RowID,
		Articulo:       row.Articulo,
		Cantidad:       row.Cantidad,
		PrecioUnitario: row.PrecioUnitario,
		Descuento:      row.Descuento,
		Importe:        row.Importe,
		LastEdit:       row.LastModified,
	}
}
