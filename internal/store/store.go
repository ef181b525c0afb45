package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gestorix/presync/internal/models"
	"github.com/gestorix/presync/internal/sync"
	"gorm.io/gorm"
)

// Advisory lock class for sync runs. The second key is the config id, so
// distinct configurations could in principle run side by side.
const runLockClassID = 74_831

// Store is the relational side of the sync engine, backed by GORM/Postgres
type Store struct {
	db *gorm.DB
}

// New creates a Store
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ActiveConfig returns the single active sync configuration, or nil if none
// is configured.
func (s *Store) ActiveConfig(ctx context.Context) (*models.SyncConfig, error) {
	var cfg models.SyncConfig
	err := s.db.WithContext(ctx).Where("activo = ?", true).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AcquireRunLock takes a session-level advisory lock for the configuration.
// The lock lives on a dedicated connection so pool reuse cannot release it
// early; the returned func unlocks and gives the connection back.
func (s *Store) AcquireRunLock(ctx context.Context, configID uint) (func(), error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var locked bool
	row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, $2)", runLockClassID, int64(configID))
	if err := row.Scan(&locked); err != nil {
		conn.Close()
		return nil, err
	}
	if !locked {
		conn.Close()
		return nil, sync.ErrRunInProgress
	}

	release := func() {
		// Best effort: closing the connection drops the lock anyway.
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1, $2)", runLockClassID, int64(configID))
		conn.Close()
	}
	return release, nil
}

type localChangeRow struct {
	ExtID         string
	ClienteRef    string
	Fecha         time.Time
	Estado        string
	Observaciones string
	Activo        bool
	LastEdit      time.Time
}

// ReadLocalChanges returns every presupuesto whose effective last edit is
// strictly newer than the cutoff. The effective edit is computed in SQL as
// the later of the order's own stamp and its live line items' stamps, so a
// line-item edit surfaces the whole order. Inactive orders come back as
// deletions. The result is never truncated.
func (s *Store) ReadLocalChanges(ctx context.Context, cutoff time.Time) ([]sync.OrderChange, error) {
	var rows []localChangeRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT p.ext_id,
		       p.cliente_ref,
		       p.fecha,
		       p.estado,
		       p.observaciones,
		       p.activo,
		       GREATEST(p.fecha_actualizacion, COALESCE(MAX(d.fecha_actualizacion), p.fecha_actualizacion)) AS last_edit
		FROM presupuestos p
		LEFT JOIN presupuesto_detalles d
		       ON d.presupuesto_ext_id = p.ext_id AND d.activo = TRUE
		GROUP BY p.id
		HAVING GREATEST(p.fecha_actualizacion, COALESCE(MAX(d.fecha_actualizacion), p.fecha_actualizacion)) > ?
		ORDER BY p.ext_id`, cutoff).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query changed presupuestos: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	extIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Activo {
			extIDs = append(extIDs, r.ExtID)
		}
	}

	itemsByOrder := make(map[string][]sync.ItemSnapshot)
	if len(extIDs) > 0 {
		var detalles []models.PresupuestoDetalle
		err := s.db.WithContext(ctx).
			Where("presupuesto_ext_id IN ? AND activo = ?", extIDs, true).
			Order("id").
			Find(&detalles).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load detalles for changed presupuestos: %w", err)
		}
		for _, d := range detalles {
			itemsByOrder[d.PresupuestoExtID] = append(itemsByOrder[d.PresupuestoExtID], itemSnapshot(d))
		}
	}

	changes := make([]sync.OrderChange, 0, len(rows))
	for _, r := range rows {
		changes = append(changes, sync.OrderChange{
			ExtID:         r.ExtID,
			LastEdit:      r.LastEdit,
			Deleted:       !r.Activo,
			ClienteRef:    r.ClienteRef,
			Fecha:         r.Fecha,
			Estado:        r.Estado,
			Observaciones: r.Observaciones,
			Items:         itemsByOrder[r.ExtID],
		})
	}
	return changes, nil
}

// AdvanceCutoff moves the watermark forward. The guard in the WHERE clause
// makes a stale or concurrent advance a no-op rather than a regression.
func (s *Store) AdvanceCutoff(ctx context.Context, configID uint, to time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.SyncConfig{}).
		Where("id = ? AND cutoff_at < ?", configID, to).
		Update("cutoff_at", to).Error
}

// AppendRunLog writes one immutable run record
func (s *Store) AppendRunLog(ctx context.Context, entry *models.SyncLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// RecentRuns returns the latest run records, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []models.SyncLog
	err := s.db.WithContext(ctx).Order("run_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// WithOrderTx runs fn inside one transaction scoped to a single order's
// writes. fn returning an error rolls everything in it back.
func (s *Store) WithOrderTx(ctx context.Context, fn func(tx sync.OrderTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&orderTx{db: tx})
	})
}

// orderTx implements sync.OrderTx on a GORM transaction
type orderTx struct {
	db *gorm.DB
}

func (t *orderTx) UpsertOrder(change sync.OrderChange, editedAt time.Time) (bool, error) {
	var existing models.Presupuesto
	err := t.db.Where("ext_id = ?", change.ExtID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p := models.Presupuesto{
			ExtID:              change.ExtID,
			ClienteRef:         change.ClienteRef,
			Fecha:              change.Fecha,
			Estado:             models.PresupuestoEstado(change.Estado),
			Observaciones:      change.Observaciones,
			Activo:             true,
			FechaActualizacion: editedAt,
		}
		if err := t.db.Create(&p).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	updates := map[string]interface{}{
		"cliente_ref":         change.ClienteRef,
		"fecha":               change.Fecha,
		"estado":              change.Estado,
		"observaciones":       change.Observaciones,
		"activo":              true,
		"fecha_actualizacion": editedAt,
	}
	return false, t.db.Model(&existing).Updates(updates).Error
}

func (t *orderTx) DeactivateOrder(extID string, editedAt time.Time) error {
	return t.db.Model(&models.Presupuesto{}).
		Where("ext_id = ? AND activo = ?", extID, true).
		Updates(map[string]interface{}{
			"activo":              false,
			"fecha_actualizacion": editedAt,
		}).Error
}

func (t *orderTx) CreateDetalle(extID string, item sync.ItemSnapshot, editedAt time.Time) (uint, error) {
	d := models.PresupuestoDetalle{
		PresupuestoExtID:   extID,
		Articulo:           item.Articulo,
		Cantidad:           item.Cantidad,
		PrecioUnitario:     item.PrecioUnitario,
		Descuento:          item.Descuento,
		Importe:            item.Importe,
		Activo:             true,
		FechaActualizacion: editedAt,
	}
	if err := t.db.Create(&d).Error; err != nil {
		return 0, err
	}
	return d.ID, nil
}

func (t *orderTx) UpdateDetalleContent(detalleID uint, item sync.ItemSnapshot, editedAt time.Time) error {
	return t.db.Model(&models.PresupuestoDetalle{}).
		Where("id = ?", detalleID).
		Updates(map[string]interface{}{
			"articulo":            item.Articulo,
			"cantidad":            item.Cantidad,
			"precio_unitario":     item.PrecioUnitario,
			"descuento":           item.Descuento,
			"importe":             item.Importe,
			"activo":              true,
			"fecha_actualizacion": editedAt,
		}).Error
}

func (t *orderTx) DeactivateDetalle(detalleID uint, editedAt time.Time) error {
	return t.db.Model(&models.PresupuestoDetalle{}).
		Where("id = ? AND activo = ?", detalleID, true).
		Updates(map[string]interface{}{
			"activo":              false,
			"fecha_actualizacion": editedAt,
		}).Error
}

func (t *orderTx) LiveDetalles(extID string) ([]sync.ItemSnapshot, error) {
	var detalles []models.PresupuestoDetalle
	err := t.db.Where("presupuesto_ext_id = ? AND activo = ?", extID, true).
		Order("id").
		Find(&detalles).Error
	if err != nil {
		return nil, err
	}

	items := make([]sync.ItemSnapshot, 0, len(detalles))
	for _, d := range detalles {
		items = append(items, itemSnapshot(d))
	}
	return items, nil
}

func (t *orderTx) MapByDetalle(detalleID uint) (*models.DetalleMap, error) {
	var m models.DetalleMap
	err := t.db.Where("detalle_id = ?", detalleID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *orderTx) MapByRemoteRowID(rowID string) (*models.DetalleMap, error) {
	var m models.DetalleMap
	err := t.db.Where("remote_row_id = ?", rowID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MapsForOrder returns every map entry whose detalle belongs to the order,
// inactive detalles included — a deactivated detalle still owns its remote
// row until the engine removes it.
func (t *orderTx) MapsForOrder(extID string) ([]models.DetalleMap, error) {
	var maps []models.DetalleMap
	err := t.db.
		Joins("JOIN presupuesto_detalles d ON d.id = detalle_map.detalle_id").
		Where("d.presupuesto_ext_id = ?", extID).
		Find(&maps).Error
	return maps, err
}

func (t *orderTx) RemoteRowIDExists(rowID string) (bool, error) {
	var count int64
	err := t.db.Model(&models.DetalleMap{}).Where("remote_row_id = ?", rowID).Count(&count).Error
	return count > 0, err
}

func (t *orderTx) InsertMap(m *models.DetalleMap) error {
	return t.db.Create(m).Error
}

func (t *orderTx) TouchMap(detalleID uint, fingerprint string, at time.Time) error {
	return t.db.Model(&models.DetalleMap{}).
		Where("detalle_id = ?", detalleID).
		Updates(map[string]interface{}{
			"fingerprint": fingerprint,
			"assigned_at": at,
		}).Error
}

func (t *orderTx) DeleteMapByDetalle(detalleID uint) error {
	return t.db.Where("detalle_id = ?", detalleID).Delete(&models.DetalleMap{}).Error
}

func itemSnapshot(d models.PresupuestoDetalle) sync.ItemSnapshot {
	return sync.ItemSnapshot{
		DetalleID:      d.ID,
		Articulo:       d.Articulo,
		Cantidad:       d.Cantidad,
		PrecioUnitario: d.PrecioUnitario,
		Descuento:      d.Descuento,
		Importe:        d.Importe,
		LastEdit:       d.FechaActualizacion,
	}
}
