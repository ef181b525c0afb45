package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint hashes the compared content fields of a line item. Two items
// with the same fingerprint are content-equal and must not be re-written —
// timestamps and ids are deliberately excluded so a re-stamped but unchanged
// row never looks like a change.
func Fingerprint(item ItemSnapshot) string {
	parts := []string{
		item.Articulo,
		item.Cantidad.StringFixed(4),
		item.PrecioUnitario.StringFixed(4),
		item.Descuento.StringFixed(4),
		item.Importe.StringFixed(4),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
