package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MapProvenance records which side originated a mapped spreadsheet row
type MapProvenance string

const (
	ProvenanceLocal  MapProvenance = "local"
	ProvenanceSheets MapProvenance = "sheets"
)

// DetalleMap associates one local line item with one spreadsheet row.
// Both sides of the association are unique: a detalle has at most one remote
// row and a remote row id is never shared. Two map rows pointing at different
// remote ids for the same (presupuesto, articulo) pair is the corruption this
// table's constraints exist to prevent.
type DetalleMap struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	DetalleID   uint          `gorm:"uniqueIndex;not null" json:"detalle_id"`
	RemoteRowID string        `gorm:"uniqueIndex;not null" json:"remote_row_id"`
	Provenance  MapProvenance `gorm:"type:varchar(20);not null" json:"provenance"`

	// SHA-256 over the compared content fields as of the last successful
	// write. A detalle whose current fingerprint equals this one is already
	// consistent and must not be re-written.
	Fingerprint string `gorm:"type:varchar(64)" json:"fingerprint"`

	AssignedAt time.Time `gorm:"not null" json:"assigned_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (DetalleMap) TableName() string {
	return "detalle_map"
}

// BeforeCreate stamps the assignment time
func (m *DetalleMap) BeforeCreate(tx *gorm.DB) error {
	if m.AssignedAt.IsZero() {
		m.AssignedAt = time.Now().UTC()
	}
	return nil
}

// SyncConfig holds the spreadsheet address and the cutoff watermark for one
// sync target. Exactly one row is active at a time; the cutoff only moves
// forward, at the end of a fully successful run.
type SyncConfig struct {
	ID uint `gorm:"primaryKey" json:"id"`

	SpreadsheetID string `gorm:"not null" json:"spreadsheet_id"`
	OrdersSheet   string `gorm:"default:Presupuestos" json:"orders_sheet"`
	DetailsSheet  string `gorm:"default:Detalles" json:"details_sheet"`

	CutoffAt time.Time `gorm:"not null" json:"cutoff_at"`
	Owner    string    `json:"owner"`
	Activo   bool      `gorm:"default:true;index" json:"activo"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (SyncConfig) TableName() string {
	return "sync_config"
}

// SyncLog is the immutable record of one orchestrator run. Written once at
// the end of the run, never updated.
type SyncLog struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	RunID string `gorm:"type:varchar(36);uniqueIndex;not null" json:"run_id"`

	RunAt     time.Time `gorm:"not null;index" json:"run_at"`
	Success   bool      `json:"success"`
	Cancelled bool      `json:"cancelled"`

	Processed int `gorm:"default:0" json:"processed"`
	Created   int `gorm:"default:0" json:"created"`
	Updated   int `gorm:"default:0" json:"updated"`
	Deleted   int `gorm:"default:0" json:"deleted"`

	ErrorText    string         `gorm:"type:text" json:"error_text"`
	FailedExtIDs datatypes.JSON `json:"failed_ext_ids"`

	DurationMs int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name
func (SyncLog) TableName() string {
	return "sync_log"
}
