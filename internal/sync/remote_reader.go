package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gestorix/presync/internal/sheets"
)

// RemoteReader turns the raw spreadsheet contents into a change set
type RemoteReader struct {
	remote Remote
}

// NewRemoteReader creates a RemoteReader
func NewRemoteReader(remote Remote) *RemoteReader {
	return &RemoteReader{remote: remote}
}

// ReadRemoteChanges reads both sheets fully and returns one change per order
// whose effective last edit (the later of the order row's stamp and any of
// its detail rows' stamps) is strictly newer than the cutoff. Rows whose
// LastModified cell could not be parsed carry the epoch and therefore never
// pass the filter on their own.
func (r *RemoteReader) ReadRemoteChanges(ctx context.Context, cutoff time.Time) ([]OrderChange, error) {
	orders, err := r.remote.ReadOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote orders: %w", err)
	}

	details, err := r.remote.ReadDetails(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote details: %w", err)
	}

	byOrder := make(map[string][]sheets.DetailRow)
	for _, d := range details {
		byOrder[d.OrderExtID] = append(byOrder[d.OrderExtID], d)
	}

	changes := make([]OrderChange, 0)
	for _, o := range orders {
		lastEdit := o.LastModified
		for _, d := range byOrder[o.ExtID] {
			if d.LastModified.After(lastEdit) {
				lastEdit = d.LastModified
			}
		}

		// Strictly greater: a stamp equal to the cutoff was already
		// processed by the run that set that cutoff.
		if !lastEdit.After(cutoff) {
			continue
		}

		change := OrderChange{
			ExtID:         o.ExtID,
			LastEdit:      lastEdit,
			Deleted:       !o.Activo,
			ClienteRef:    o.ClienteRef,
			Fecha:         o.Fecha,
			Estado:        o.Estado,
			Observaciones: o.Observaciones,
		}
		for _, d := range byOrder[o.ExtID] {
			change.Items = append(change.Items, ItemSnapshot{
				RemoteRowID:    d.RowID,
				Articulo:       d.Articulo,
				Cantidad:       d.Cantidad,
				PrecioUnitario: d.PrecioUnitario,
				Descuento:      d.Descuento,
				Importe:        d.Importe,
				LastEdit:       d.LastModified,
			})
		}
		changes = append(changes, change)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].ExtID < changes[j].ExtID })
	return changes, nil
}
