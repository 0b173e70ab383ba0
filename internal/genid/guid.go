// Package genid detects VM generation ID changes and fans them out to
// registered consumers.
package genid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUIDSize is the size of a generation ID in bytes.
const GUIDSize = 16

// GUID is an opaque generation identifier. Only byte equality is meaningful.
type GUID [GUIDSize]byte

// String renders the GUID in the canonical 8-4-4-4-12 form.
func (g GUID) String() string {
	return uuid.UUID(g).String()
}

// Hex renders the GUID as 32 hex digits.
func (g GUID) Hex() string {
	return hex.EncodeToString(g[:])
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}

// ParseGUID accepts the canonical form, optionally braced or urn-prefixed,
// or 32 bare hex digits.
func ParseGUID(s string) (GUID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*GUIDSize {
		var g GUID
		if _, err := hex.Decode(g[:], []byte(s)); err != nil {
			return GUID{}, fmt.Errorf("genid: parse guid %q: %w", s, err)
		}
		return g, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("genid: parse guid %q: %w", s, err)
	}
	return GUID(u), nil
}

// Event is one confirmed generation change.
type Event struct {
	GUID       GUID
	Generation uint64
}
