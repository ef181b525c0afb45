package sync

import (
	"context"
	"time"

	"github.com/gestorix/presync/internal/models"
	"github.com/gestorix/presync/internal/sheets"
	"github.com/shopspring/decimal"
)

// RunState tracks where the orchestrator is in a run
type RunState string

const (
	StateIdle            RunState = "idle"
	StateReadingChanges  RunState = "reading_changes"
	StateReconciling     RunState = "reconciling"
	StateWritingRemote   RunState = "writing_remote"
	StateWritingLocal    RunState = "writing_local"
	StateAdvancingCutoff RunState = "advancing_cutoff"
	StateFailed          RunState = "failed"
)

// OrderChange is one changed presupuesto, from either side, with its full
// line-item set. LastEdit is the effective edit timestamp: for local changes
// GREATEST(own, MAX(live detalles)), for remote changes the row's
// LastModified cell.
type OrderChange struct {
	ExtID         string
	LastEdit      time.Time
	Deleted       bool // soft-deleted (activo = false)
	ClienteRef    string
	Fecha         time.Time
	Estado        string
	Observaciones string
	Items         []ItemSnapshot
}

// ItemSnapshot is one line item as seen by the reconciler. DetalleID is zero
// for remote-originated items not yet pulled; RemoteRowID is empty for local
// items not yet mapped.
type ItemSnapshot struct {
	DetalleID      uint
	RemoteRowID    string
	Articulo       string
	Cantidad       decimal.Decimal
	PrecioUnitario decimal.Decimal
	Descuento      decimal.Decimal
	Importe        decimal.Decimal
	LastEdit       time.Time
}

// Plan is the reconciler's output: what to write on each side. Orders appear
// in exactly one bucket; anything already consistent is skipped.
type Plan struct {
	ToRemoteUpsert []OrderChange
	ToRemoteDelete []OrderChange
	ToLocalUpsert  []OrderChange
	ToLocalDelete  []OrderChange
	Skipped        int
}

// RunSummary is what a triggering caller gets back: counts and a success
// flag, never a stack trace. Partial success is reported as such.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	RunAt     time.Time `json:"run_at"`
	Success   bool      `json:"success"`
	Cancelled bool      `json:"cancelled"`
	Processed int       `json:"processed"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	Failed    []string  `json:"failed_ext_ids,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration"`
}

// Remote is the spreadsheet side of the engine. Implemented by
// sheets.Client; tests use an in-memory fake.
type Remote interface {
	ReadOrders(ctx context.Context) ([]sheets.OrderRow, error)
	ReadDetails(ctx context.Context) ([]sheets.DetailRow, error)

	// UpsertOrder reports whether it appended a new row (true) or rewrote
	// an existing one in place.
	UpsertOrder(ctx context.Context, row sheets.OrderRow) (created bool, err error)
	DeleteOrder(ctx context.Context, extID string) error
	DetailsForOrder(ctx context.Context, extID string) ([]sheets.DetailRow, error)
	AppendDetail(ctx context.Context, row sheets.DetailRow) error
	UpdateDetail(ctx context.Context, row sheets.DetailRow) error
	DeleteDetail(ctx context.Context, rowID string) error
	DeleteDetailsForOrder(ctx context.Context, extID string) error
}

// Store is the relational side of the engine. Implemented by store.Store.
type Store interface {
	ActiveConfig(ctx context.Context) (*models.SyncConfig, error)

	// AcquireRunLock takes the exclusive per-configuration run lock.
	// The returned release func must be called when the run leaves the
	// engine, whatever the outcome.
	AcquireRunLock(ctx context.Context, configID uint) (release func(), err error)

	ReadLocalChanges(ctx context.Context, cutoff time.Time) ([]OrderChange, error)
	AdvanceCutoff(ctx context.Context, configID uint, to time.Time) error
	AppendRunLog(ctx context.Context, entry *models.SyncLog) error
	RecentRuns(ctx context.Context, limit int) ([]models.SyncLog, error)

	// WithOrderTx runs fn inside one order-scoped transaction. A failure in
	// fn rolls back only that order's local writes.
	WithOrderTx(ctx context.Context, fn func(tx OrderTx) error) error
}

// OrderTx is the transaction-scoped slice of the store used while writing a
// single order.
type OrderTx interface {
	// UpsertOrder reports whether a new presupuesto row was created.
	UpsertOrder(change OrderChange, editedAt time.Time) (created bool, err error)
	DeactivateOrder(extID string, editedAt time.Time) error

	CreateDetalle(extID string, item ItemSnapshot, editedAt time.Time) (uint, error)
	UpdateDetalleContent(detalleID uint, item ItemSnapshot, editedAt time.Time) error
	DeactivateDetalle(detalleID uint, editedAt time.Time) error
	LiveDetalles(extID string) ([]ItemSnapshot, error)

	MapByDetalle(detalleID uint) (*models.DetalleMap, error)
	MapByRemoteRowID(rowID string) (*models.DetalleMap, error)
	MapsForOrder(extID string) ([]models.DetalleMap, error)
	RemoteRowIDExists(rowID string) (bool, error)
	InsertMap(m *models.DetalleMap) error
	TouchMap(detalleID uint, fingerprint string, at time.Time) error
	DeleteMapByDetalle(detalleID uint) error
}
