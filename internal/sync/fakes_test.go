package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gestorix/presync/internal/models"
	"github.com/gestorix/presync/internal/sheets"
)

// fakeRemote is an in-memory stand-in for the spreadsheet client. It mirrors
// the client's contract: writes keyed by the first-column id, LastModified
// stamped only when the caller left it zero.
type fakeRemote struct {
	mu      sync.Mutex
	orders  map[string]sheets.OrderRow
	details map[string]sheets.DetailRow

	appendCalls int
	updateCalls int
	upsertCalls int
	deleteCalls int

	failUpsert map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		orders:     make(map[string]sheets.OrderRow),
		details:    make(map[string]sheets.DetailRow),
		failUpsert: make(map[string]error),
	}
}

func (f *fakeRemote) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls + f.updateCalls + f.upsertCalls + f.deleteCalls
}

func (f *fakeRemote) ReadOrders(ctx context.Context) ([]sheets.OrderRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]sheets.OrderRow, 0, len(f.orders))
	for _, r := range f.orders {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ExtID < rows[j].ExtID })
	return rows, nil
}

func (f *fakeRemote) ReadDetails(ctx context.Context) ([]sheets.DetailRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]sheets.DetailRow, 0, len(f.details))
	for _, r := range f.details {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowID < rows[j].RowID })
	return rows, nil
}

func (f *fakeRemote) UpsertOrder(ctx context.Context, row sheets.OrderRow) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpsert[row.ExtID]; err != nil {
		return false, err
	}
	if row.LastModified.IsZero() {
		row.LastModified = time.Now().UTC()
	}
	_, existed := f.orders[row.ExtID]
	f.orders[row.ExtID] = row
	f.upsertCalls++
	return !existed, nil
}

func (f *fakeRemote) DeleteOrder(ctx context.Context, extID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, extID)
	f.deleteCalls++
	return nil
}

func (f *fakeRemote) DetailsForOrder(ctx context.Context, extID string) ([]sheets.DetailRow, error) {
	all, err := f.ReadDetails(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]sheets.DetailRow, 0)
	for _, r := range all {
		if r.OrderExtID == extID {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (f *fakeRemote) AppendDetail(ctx context.Context, row sheets.DetailRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.LastModified.IsZero() {
		row.LastModified = time.Now().UTC()
	}
	f.details[row.RowID] = row
	f.appendCalls++
	return nil
}

func (f *fakeRemote) UpdateDetail(ctx context.Context, row sheets.DetailRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.details[row.RowID]; !ok {
		return fmt.Errorf("detail %s: %w", row.RowID, sheets.ErrRowNotFound)
	}
	if row.LastModified.IsZero() {
		row.LastModified = time.Now().UTC()
	}
	f.details[row.RowID] = row
	f.updateCalls++
	return nil
}

func (f *fakeRemote) DeleteDetail(ctx context.Context, rowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.details, rowID)
	f.deleteCalls++
	return nil
}

func (f *fakeRemote) DeleteDetailsForOrder(ctx context.Context, extID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.details {
		if r.OrderExtID == extID {
			delete(f.details, id)
		}
	}
	f.deleteCalls++
	return nil
}

// fakeStore is an in-memory stand-in for the relational store
type fakeStore struct {
	mu       sync.Mutex
	cfg      *models.SyncConfig
	orders   map[string]*models.Presupuesto
	detalles map[uint]*models.PresupuestoDetalle
	maps     map[uint]*models.DetalleMap
	logs     []models.SyncLog
	nextID   uint
	locked   bool
}

func newFakeStore(cutoff time.Time) *fakeStore {
	return &fakeStore{
		cfg: &models.SyncConfig{
			ID:            1,
			SpreadsheetID: "sheet-1",
			OrdersSheet:   "Presupuestos",
			DetailsSheet:  "Detalles",
			CutoffAt:      cutoff,
			Activo:        true,
		},
		orders:   make(map[string]*models.Presupuesto),
		detalles: make(map[uint]*models.PresupuestoDetalle),
		maps:     make(map[uint]*models.DetalleMap),
	}
}

func (s *fakeStore) addOrder(extID string, editedAt time.Time, activo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[extID] = &models.Presupuesto{
		ExtID:              extID,
		Estado:             models.EstadoBorrador,
		Activo:             activo,
		FechaActualizacion: editedAt,
	}
}

func (s *fakeStore) addDetalle(extID string, item ItemSnapshot, editedAt time.Time) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.detalles[s.nextID] = &models.PresupuestoDetalle{
		ID:                 s.nextID,
		PresupuestoExtID:   extID,
		Articulo:           item.Articulo,
		Cantidad:           item.Cantidad,
		PrecioUnitario:     item.PrecioUnitario,
		Descuento:          item.Descuento,
		Importe:            item.Importe,
		Activo:             true,
		FechaActualizacion: editedAt,
	}
	return s.nextID
}

func (s *fakeStore) addMap(detalleID uint, rowID string, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[detalleID] = &models.DetalleMap{
		DetalleID:   detalleID,
		RemoteRowID: rowID,
		Provenance:  models.ProvenanceLocal,
		Fingerprint: fingerprint,
		AssignedAt:  time.Now().UTC(),
	}
}

func (s *fakeStore) runLogCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func (s *fakeStore) ActiveConfig(ctx context.Context) (*models.SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return nil, nil
	}
	cfg := *s.cfg
	return &cfg, nil
}

func (s *fakeStore) AcquireRunLock(ctx context.Context, configID uint) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, ErrRunInProgress
	}
	s.locked = true
	return func() {
		s.mu.Lock()
		s.locked = false
		s.mu.Unlock()
	}, nil
}

func (s *fakeStore) ReadLocalChanges(ctx context.Context, cutoff time.Time) ([]OrderChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := make([]OrderChange, 0)
	for extID, p := range s.orders {
		lastEdit := p.FechaActualizacion
		var items []ItemSnapshot
		for _, d := range s.detalles {
			if d.PresupuestoExtID != extID || !d.Activo {
				continue
			}
			if d.FechaActualizacion.After(lastEdit) {
				lastEdit = d.FechaActualizacion
			}
			items = append(items, ItemSnapshot{
				DetalleID:      d.ID,
				Articulo:       d.Articulo,
				Cantidad:       d.Cantidad,
				PrecioUnitario: d.PrecioUnitario,
				Descuento:      d.Descuento,
				Importe:        d.Importe,
				LastEdit:       d.FechaActualizacion,
			})
		}
		if !lastEdit.After(cutoff) {
			continue
		}
		sort.Slice(items, func(i, j int) bool { return items[i].DetalleID < items[j].DetalleID })
		changes = append(changes, OrderChange{
			ExtID:         extID,
			LastEdit:      lastEdit,
			Deleted:       !p.Activo,
			ClienteRef:    p.ClienteRef,
			Fecha:         p.Fecha,
			Estado:        string(p.Estado),
			Observaciones: p.Observaciones,
			Items:         items,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].ExtID < changes[j].ExtID })
	return changes, nil
}

func (s *fakeStore) AdvanceCutoff(ctx context.Context, configID uint, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to.After(s.cfg.CutoffAt) {
		s.cfg.CutoffAt = to
	}
	return nil
}

func (s *fakeStore) AppendRunLog(ctx context.Context, entry *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *fakeStore) RecentRuns(ctx context.Context, limit int) ([]models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := make([]models.SyncLog, 0, len(s.logs))
	for i := len(s.logs) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, s.logs[i])
	}
	return logs, nil
}

func (s *fakeStore) WithOrderTx(ctx context.Context, fn func(tx OrderTx) error) error {
	return fn(&fakeTx{s: s})
}

// fakeTx applies writes directly; rollback is not modeled
type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) UpsertOrder(change OrderChange, editedAt time.Time) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.orders[change.ExtID]
	if !ok {
		t.s.orders[change.ExtID] = &models.Presupuesto{
			ExtID:              change.ExtID,
			ClienteRef:         change.ClienteRef,
			Fecha:              change.Fecha,
			Estado:             models.PresupuestoEstado(change.Estado),
			Observaciones:      change.Observaciones,
			Activo:             true,
			FechaActualizacion: editedAt,
		}
		return true, nil
	}
	p.ClienteRef = change.ClienteRef
	p.Fecha = change.Fecha
	p.Estado = models.PresupuestoEstado(change.Estado)
	p.Observaciones = change.Observaciones
	p.Activo = true
	p.FechaActualizacion = editedAt
	return false, nil
}

func (t *fakeTx) DeactivateOrder(extID string, editedAt time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if p, ok := t.s.orders[extID]; ok && p.Activo {
		p.Activo = false
		p.FechaActualizacion = editedAt
	}
	return nil
}

func (t *fakeTx) CreateDetalle(extID string, item ItemSnapshot, editedAt time.Time) (uint, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.nextID++
	t.s.detalles[t.s.nextID] = &models.PresupuestoDetalle{
		ID:                 t.s.nextID,
		PresupuestoExtID:   extID,
		Articulo:           item.Articulo,
		Cantidad:           item.Cantidad,
		PrecioUnitario:     item.PrecioUnitario,
		Descuento:          item.Descuento,
		Importe:            item.Importe,
		Activo:             true,
		FechaActualizacion: editedAt,
	}
	return t.s.nextID, nil
}

func (t *fakeTx) UpdateDetalleContent(detalleID uint, item ItemSnapshot, editedAt time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	d, ok := t.s.detalles[detalleID]
	if !ok {
		return fmt.Errorf("detalle %d not found", detalleID)
	}
	d.Articulo = item.Articulo
	d.Cantidad = item.Cantidad
	d.PrecioUnitario = item.PrecioUnitario
	d.Descuento = item.Descuento
	d.Importe = item.Importe
	d.Activo = true
	d.FechaActualizacion = editedAt
	return nil
}

func (t *fakeTx) DeactivateDetalle(detalleID uint, editedAt time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if d, ok := t.s.detalles[detalleID]; ok && d.Activo {
		d.Activo = false
		d.FechaActualizacion = editedAt
	}
	return nil
}

func (t *fakeTx) LiveDetalles(extID string) ([]ItemSnapshot, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	items := make([]ItemSnapshot, 0)
	for _, d := range t.s.detalles {
		if d.PresupuestoExtID != extID || !d.Activo {
			continue
		}
		items = append(items, ItemSnapshot{
			DetalleID:      d.ID,
			Articulo:       d.Articulo,
			Cantidad:       d.Cantidad,
			PrecioUnitario: d.PrecioUnitario,
			Descuento:      d.Descuento,
			Importe:        d.Importe,
			LastEdit:       d.FechaActualizacion,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DetalleID < items[j].DetalleID })
	return items, nil
}

func (t *fakeTx) MapByDetalle(detalleID uint) (*models.DetalleMap, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if m, ok := t.s.maps[detalleID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (t *fakeTx) MapByRemoteRowID(rowID string) (*models.DetalleMap, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, m := range t.s.maps {
		if m.RemoteRowID == rowID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) MapsForOrder(extID string) ([]models.DetalleMap, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	maps := make([]models.DetalleMap, 0)
	for id, m := range t.s.maps {
		if d, ok := t.s.detalles[id]; ok && d.PresupuestoExtID == extID {
			maps = append(maps, *m)
		}
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].DetalleID < maps[j].DetalleID })
	return maps, nil
}

func (t *fakeTx) RemoteRowIDExists(rowID string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, m := range t.s.maps {
		if m.RemoteRowID == rowID {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) InsertMap(m *models.DetalleMap) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.maps[m.DetalleID]; ok {
		return fmt.Errorf("duplicate map entry for detalle %d", m.DetalleID)
	}
	for _, existing := range t.s.maps {
		if existing.RemoteRowID == m.RemoteRowID {
			return fmt.Errorf("duplicate map entry for remote row %s", m.RemoteRowID)
		}
	}
	cp := *m
	t.s.maps[m.DetalleID] = &cp
	return nil
}

func (t *fakeTx) TouchMap(detalleID uint, fingerprint string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	m, ok := t.s.maps[detalleID]
	if !ok {
		return fmt.Errorf("no map entry for detalle %d", detalleID)
	}
	m.Fingerprint = fingerprint
	m.AssignedAt = at
	return nil
}

func (t *fakeTx) DeleteMapByDetalle(detalleID uint) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.maps, detalleID)
	return nil
}
