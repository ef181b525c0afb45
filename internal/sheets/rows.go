package sheets

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Column layouts of the two sheets. The first column is the stable row id on
// both sheets; LastModified is always stamped by this system on write, never
// trusted from the spreadsheet's own edit metadata.
//
//	Presupuestos: ExtID | Cliente | Fecha | Estado | Observaciones | Activo | LastModified
//	Detalles:     RowID | PresupuestoID | Articulo | Cantidad | Precio | Descuento | Importe | LastModified
const (
	ordersRange  = "A2:G"
	detailsRange = "A2:H"
)

// OrderRow is one row of the orders sheet
type OrderRow struct {
	ExtID         string
	ClienteRef    string
	Fecha         time.Time
	Estado        string
	Observaciones string
	Activo        bool
	LastModified  time.Time
}

// DetailRow is one row of the details sheet
type DetailRow struct {
	RowID          string
	OrderExtID     string
	Articulo       string
	Cantidad       decimal.Decimal
	PrecioUnitario decimal.Decimal
	Descuento      decimal.Decimal
	Importe        decimal.Decimal
	LastModified   time.Time
}

const (
	stampLayout  = "2006-01-02 15:04:05"
	legacyLayout = "02/01/2006 15:04:05"
	dateLayout   = "2006-01-02"
)

// ParseSheetTime parses a LastModified cell defensively. The sheet has
// historically held both ISO timestamps and DD/MM/YYYY ones typed by hand.
// Unparseable values map to the epoch: an unreadable stamp means "very old",
// never "fresh change".
func ParseSheetTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, stampLayout, legacyLayout, dateLayout, "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FormatSheetTime renders a timestamp the way this system stamps rows
func FormatSheetTime(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// parseSheetDecimal accepts both "1234.56" and the locale spellings
// "1234,56" / "1.234,56". Unparseable cells become zero.
func parseSheetDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseSheetBool(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TRUE", "SI", "SÍ", "1", "VERDADERO":
		return true
	}
	return false
}

func cellString(row []interface{}, idx int) string {
	if idx >= len(row) {
		return ""
	}
	s, _ := row[idx].(string)
	return strings.TrimSpace(s)
}

// orderRowFromValues decodes one sheet row. Rows with an empty id column are
// skipped by the caller.
func orderRowFromValues(row []interface{}) OrderRow {
	return OrderRow{
		ExtID:         cellString(row, 0),
		ClienteRef:    cellString(row, 1),
		Fecha:         ParseSheetTime(cellString(row, 2)),
		Estado:        cellString(row, 3),
		Observaciones: cellString(row, 4),
		Activo:        parseSheetBool(cellString(row, 5)),
		LastModified:  ParseSheetTime(cellString(row, 6)),
	}
}

func (r OrderRow) values() []interface{} {
	activo := "TRUE"
	if !r.Activo {
		activo = "FALSE"
	}
	return []interface{}{
		r.ExtID,
		r.ClienteRef,
		r.Fecha.UTC().Format(dateLayout),
		r.Estado,
		r.Observaciones,
		activo,
		FormatSheetTime(r.LastModified),
	}
}

func detailRowFromValues(row []interface{}) DetailRow {
	return DetailRow{
		RowID:          cellString(row, 0),
		OrderExtID:     cellString(row, 1),
		Articulo:       cellString(row, 2),
		Cantidad:       parseSheetDecimal(cellString(row, 3)),
		PrecioUnitario: parseSheetDecimal(cellString(row, 4)),
		Descuento:      parseSheetDecimal(cellString(row, 5)),
		Importe:        parseSheetDecimal(cellString(row, 6)),
		LastModified:   ParseSheetTime(cellString(row, 7)),
	}
}

func (r DetailRow) values() []interface{} {
	return []interface{}{
		r.RowID,
		r.OrderExtID,
		r.Articulo,
		r.Cantidad.String(),
		r.PrecioUnitario.String(),
		r.Descuento.String(),
		r.Importe.String(),
		FormatSheetTime(r.LastModified),
	}
}
