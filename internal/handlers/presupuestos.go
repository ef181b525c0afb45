package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gestorix/presync/internal/database"
	"github.com/gestorix/presync/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PresupuestoHandler handles quote/order CRUD. Every mutation bumps the edit
// timestamp of the touched row (and the parent, for line-item changes) —
// change detection depends on those stamps moving.
type PresupuestoHandler struct {
	db *database.DB
}

// NewPresupuestoHandler creates a new presupuesto handler
func NewPresupuestoHandler(db *database.DB) *PresupuestoHandler {
	return &PresupuestoHandler{db: db}
}

// RegisterRoutes registers presupuesto routes
func (ph *PresupuestoHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/presupuestos", ph.List).Methods("GET")
	r.HandleFunc("/presupuestos", ph.Create).Methods("POST")
	r.HandleFunc("/presupuestos/{ext_id}", ph.Get).Methods("GET")
	r.HandleFunc("/presupuestos/{ext_id}", ph.Update).Methods("PUT")
	r.HandleFunc("/presupuestos/{ext_id}", ph.Delete).Methods("DELETE")

	r.HandleFunc("/presupuestos/{ext_id}/detalles", ph.AddDetalle).Methods("POST")
	r.HandleFunc("/detalles/{id}", ph.UpdateDetalle).Methods("PUT")
	r.HandleFunc("/detalles/{id}", ph.DeleteDetalle).Methods("DELETE")
}

type presupuestoRequest struct {
	Numero        string    `json:"numero"`
	ClienteRef    string    `json:"cliente_ref"`
	ClienteNombre string    `json:"cliente_nombre"`
	Fecha         time.Time `json:"fecha"`
	Estado        string    `json:"estado"`
	Observaciones string    `json:"observaciones"`
}

type detalleRequest struct {
	Articulo       string          `json:"articulo"`
	Descripcion    string          `json:"descripcion"`
	Cantidad       decimal.Decimal `json:"cantidad"`
	PrecioUnitario decimal.Decimal `json:"precio_unitario"`
	Descuento      decimal.Decimal `json:"descuento"`
	Importe        decimal.Decimal `json:"importe"`
}

// List returns presupuestos, live ones unless ?all=true
func (ph *PresupuestoHandler) List(w http.ResponseWriter, r *http.Request) {
	q := ph.db.WithContext(r.Context()).Order("fecha DESC")
	if r.URL.Query().Get("all") != "true" {
		q = q.Where("activo = ?", true)
	}

	var presupuestos []models.Presupuesto
	if err := q.Find(&presupuestos).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(presupuestos),
		"presupuestos": presupuestos,
	})
}

// Create creates a presupuesto with a freshly minted external id
func (ph *PresupuestoHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req presupuestoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	estado := models.PresupuestoEstado(req.Estado)
	if estado == "" {
		estado = models.EstadoBorrador
	}

	p := models.Presupuesto{
		ExtID:              uuid.NewString(),
		Numero:             req.Numero,
		ClienteRef:         req.ClienteRef,
		ClienteNombre:      req.ClienteNombre,
		Fecha:              req.Fecha,
		Estado:             estado,
		Observaciones:      req.Observaciones,
		Activo:             true,
		FechaActualizacion: time.Now().UTC(),
	}

	if err := ph.db.WithContext(r.Context()).Create(&p).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, p)
}

// Get returns one presupuesto with its live line items
func (ph *PresupuestoHandler) Get(w http.ResponseWriter, r *http.Request) {
	extID := mux.Vars(r)["ext_id"]

	var p models.Presupuesto
	err := ph.db.WithContext(r.Context()).
		Preload("Detalles", "activo = ?", true).
		Where("ext_id = ?", extID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "presupuesto not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, p)
}

// Update rewrites a presupuesto's editable fields
func (ph *PresupuestoHandler) Update(w http.ResponseWriter, r *http.Request) {
	extID := mux.Vars(r)["ext_id"]

	var req presupuestoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := ph.db.WithContext(r.Context()).
		Model(&models.Presupuesto{}).
		Where("ext_id = ? AND activo = ?", extID, true).
		Updates(map[string]interface{}{
			"numero":              req.Numero,
			"cliente_ref":         req.ClienteRef,
			"cliente_nombre":      req.ClienteNombre,
			"fecha":               req.Fecha,
			"estado":              req.Estado,
			"observaciones":       req.Observaciones,
			"fecha_actualizacion": time.Now().UTC(),
		})
	if result.Error != nil {
		respondError(w, http.StatusInternalServerError, result.Error.Error())
		return
	}
	if result.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, "presupuesto not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Delete soft-deletes a presupuesto. The deletion is terminal: the engine
// removes its remote rows and later remote edits cannot resurrect it.
func (ph *PresupuestoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	extID := mux.Vars(r)["ext_id"]

	result := ph.db.WithContext(r.Context()).
		Model(&models.Presupuesto{}).
		Where("ext_id = ? AND activo = ?", extID, true).
		Updates(map[string]interface{}{
			"activo":              false,
			"fecha_actualizacion": time.Now().UTC(),
		})
	if result.Error != nil {
		respondError(w, http.StatusInternalServerError, result.Error.Error())
		return
	}
	if result.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, "presupuesto not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AddDetalle appends a line item to a live presupuesto
func (ph *PresupuestoHandler) AddDetalle(w http.ResponseWriter, r *http.Request) {
	extID := mux.Vars(r)["ext_id"]

	var req detalleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Articulo == "" {
		respondError(w, http.StatusBadRequest, "articulo is required")
		return
	}

	now := time.Now().UTC()
	d := models.PresupuestoDetalle{
		PresupuestoExtID:   extID,
		Articulo:           req.Articulo,
		Descripcion:        req.Descripcion,
		Cantidad:           req.Cantidad,
		PrecioUnitario:     req.PrecioUnitario,
		Descuento:          req.Descuento,
		Importe:            req.Importe,
		Activo:             true,
		FechaActualizacion: now,
	}

	err := ph.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var p models.Presupuesto
		if err := tx.Where("ext_id = ? AND activo = ?", extID, true).First(&p).Error; err != nil {
			return err
		}
		if err := tx.Create(&d).Error; err != nil {
			return err
		}
		return ph.touchParent(tx, extID, now)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "presupuesto not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, d)
}

// UpdateDetalle rewrites a line item's content
func (ph *PresupuestoHandler) UpdateDetalle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req detalleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	err := ph.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var d models.PresupuestoDetalle
		if err := tx.Where("id = ? AND activo = ?", id, true).First(&d).Error; err != nil {
			return err
		}
		if err := tx.Model(&d).Updates(map[string]interface{}{
			"articulo":            req.Articulo,
			"descripcion":         req.Descripcion,
			"cantidad":            req.Cantidad,
			"precio_unitario":     req.PrecioUnitario,
			"descuento":           req.Descuento,
			"importe":             req.Importe,
			"fecha_actualizacion": now,
		}).Error; err != nil {
			return err
		}
		return ph.touchParent(tx, d.PresupuestoExtID, now)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "detalle not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DeleteDetalle soft-deletes a line item. The parent's stamp bumps too —
// change detection only sees live line items, so the removal has to surface
// through the parent.
func (ph *PresupuestoHandler) DeleteDetalle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	now := time.Now().UTC()
	err := ph.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var d models.PresupuestoDetalle
		if err := tx.Where("id = ? AND activo = ?", id, true).First(&d).Error; err != nil {
			return err
		}
		if err := tx.Model(&d).Updates(map[string]interface{}{
			"activo":              false,
			"fecha_actualizacion": now,
		}).Error; err != nil {
			return err
		}
		return ph.touchParent(tx, d.PresupuestoExtID, now)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "detalle not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (ph *PresupuestoHandler) touchParent(tx *gorm.DB, extID string, at time.Time) error {
	return tx.Model(&models.Presupuesto{}).
		Where("ext_id = ?", extID).
		Update("fecha_actualizacion", at).Error
}
