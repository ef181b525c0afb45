package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PresupuestoEstado defines possible quote/order statuses
type PresupuestoEstado string

const (
	EstadoBorrador  PresupuestoEstado = "borrador"  // Draft
	EstadoEnviado   PresupuestoEstado = "enviado"   // Sent to customer
	EstadoAceptado  PresupuestoEstado = "aceptado"  // Accepted
	EstadoFacturado PresupuestoEstado = "facturado" // Invoiced
	EstadoAnulado   PresupuestoEstado = "anulado"   // Voided
)

// Presupuesto is the local copy of a quote/order. ExtID is the identifier
// shared with the spreadsheet replica; the numeric primary key never leaves
// this database.
type Presupuesto struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	ExtID  string `gorm:"column:ext_id;uniqueIndex;not null" json:"ext_id"`
	Numero string `gorm:"index" json:"numero"`

	// Customer reference (the customer master lives outside this service)
	ClienteRef    string `gorm:"index" json:"cliente_ref"`
	ClienteNombre string `json:"cliente_nombre"`

	Fecha         time.Time         `json:"fecha"`
	Estado        PresupuestoEstado `gorm:"default:borrador;index" json:"estado"`
	Observaciones string            `gorm:"type:text" json:"observaciones"`

	// Soft delete. An inactive presupuesto must not exist as a live remote row.
	Activo bool `gorm:"default:true;index" json:"activo"`

	// Own edit stamp. The effective last edit of a presupuesto is
	// GREATEST(this, MAX(live detalles)) and is always computed in SQL,
	// never stored.
	FechaActualizacion time.Time `gorm:"not null;index" json:"fecha_actualizacion"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Detalles []PresupuestoDetalle `gorm:"foreignKey:PresupuestoExtID;references:ExtID" json:"detalles,omitempty"`
}

// TableName specifies the table name
func (Presupuesto) TableName() string {
	return "presupuestos"
}

// BeforeCreate stamps the edit timestamp so change detection never sees a
// NULL parent timestamp.
func (p *Presupuesto) BeforeCreate(tx *gorm.DB) error {
	if p.FechaActualizacion.IsZero() {
		p.FechaActualizacion = time.Now().UTC()
	}
	return nil
}

// PresupuestoDetalle is a line item. It belongs to its parent by external id,
// not by numeric id, because numeric ids are not stable across replicas.
type PresupuestoDetalle struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	PresupuestoExtID string `gorm:"column:presupuesto_ext_id;not null;index" json:"presupuesto_ext_id"`

	Articulo    string `gorm:"not null;index" json:"articulo"`
	Descripcion string `json:"descripcion"`

	Cantidad       decimal.Decimal `gorm:"type:numeric(14,3)" json:"cantidad"`
	PrecioUnitario decimal.Decimal `gorm:"type:numeric(14,2)" json:"precio_unitario"`
	Descuento      decimal.Decimal `gorm:"type:numeric(14,2)" json:"descuento"`
	Importe        decimal.Decimal `gorm:"type:numeric(14,2)" json:"importe"`

	Activo             bool      `gorm:"default:true;index" json:"activo"`
	FechaActualizacion time.Time `gorm:"not null;index" json:"fecha_actualizacion"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name
func (PresupuestoDetalle) TableName() string {
	return "presupuesto_detalles"
}

// BeforeCreate stamps the edit timestamp
func (d *PresupuestoDetalle) BeforeCreate(tx *gorm.DB) error {
	if d.FechaActualizacion.IsZero() {
		d.FechaActualizacion = time.Now().UTC()
	}
	return nil
}
