package sync

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	rowIDLength   = 16
	rowIDMaxTries = 5
)

// IdentityGenerator mints collision-resistant row ids for new spreadsheet
// rows: content hash seeded, salted, and checked for uniqueness before use.
// A truncated content hash alone is not enough — the uniqueness check with a
// bounded retry is mandatory.
type IdentityGenerator struct {
	now func() time.Time
}

// NewIdentityGenerator creates an IdentityGenerator
func NewIdentityGenerator() *IdentityGenerator {
	return &IdentityGenerator{now: time.Now}
}

// NewRowID produces a fresh row id. seed should be derived from the row's
// content; exists is consulted before each candidate is accepted. After the
// retry budget is exhausted the caller gets a DataIntegrityError.
func (g *IdentityGenerator) NewRowID(seed string, exists func(id string) (bool, error)) (string, error) {
	for i := 0; i < rowIDMaxTries; i++ {
		salt := make([]byte, 8)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to read random salt: %w", err)
		}

		sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%x", seed, g.now().UnixNano(), salt)))
		id := hex.EncodeToString(sum[:])[:rowIDLength]

		taken, err := exists(id)
		if err != nil {
			return "", fmt.Errorf("row id uniqueness check failed: %w", err)
		}
		if !taken {
			return id, nil
		}
	}

	return "", &DataIntegrityError{
		Op:  "identity",
		Err: fmt.Errorf("could not mint a unique row id after %d attempts", rowIDMaxTries),
	}
}
