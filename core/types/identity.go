package types

import (
	"fmt"
	"strconv"
)

// IdentityID identifies a cawnet username token. Zero is reserved for "none".
type IdentityID uint32

// NoIdentity marks an absent receiver or recipient.
const NoIdentity IdentityID = 0

// IsZero reports whether the identifier is the reserved "none" value.
func (id IdentityID) IsZero() bool { return id == NoIdentity }

func (id IdentityID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseIdentityID parses a decimal identity identifier.
func ParseIdentityID(raw string) (IdentityID, error) {
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return NoIdentity, fmt.Errorf("identity id %q: %w", raw, err)
	}
	return IdentityID(value), nil
}

// ClientID identifies a registered client application.
type ClientID uint32

// Layer is the endpoint identifier of a layer taking part in cross-layer
// messaging (for example 30101 for the canonical layer).
type Layer uint32

func (l Layer) String() string { return strconv.FormatUint(uint64(l), 10) }
