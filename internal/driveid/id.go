// Package driveid provides type-safe drive identity for OneDrive API
// identifiers and consolidates the normalization the Graph API makes
// necessary: personal-account drive IDs are 16 hex characters, but the
// API variously returns them with inconsistent case or with a stripped
// leading zero (15 characters). Every identifier is normalized here,
// once, before it reaches the state database.
//
// This is a leaf package with no dependencies beyond the standard library.
package driveid

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"fmt"
	"strings"
)

// personalIDLength is the canonical length of a personal-account drive ID.
// Short hex IDs are left-padded with zeros to this length.
const personalIDLength = 16

// ID is a normalized OneDrive drive identifier. Personal-account IDs are
// lowercase and zero-padded to 16 hex characters; business and SharePoint
// IDs (e.g. "b!kqNx...") are lowercased only. The zero value represents
// an absent drive ID.
type ID struct {
	value string
}

// New creates a normalized ID from a raw API drive identifier. Hex-only
// identifiers shorter than 16 characters are zero-padded on the left
// (the stripped-leading-zero API bug). Empty input returns the zero ID.
func New(raw string) ID {
	if raw == "" {
		return ID{}
	}

	lower := strings.ToLower(raw)
	if len(lower) < personalIDLength && isHex(lower) {
		lower = strings.Repeat("0", personalIDLength-len(lower)) + lower
	}

	return ID{value: lower}
}

// isHex reports whether s consists only of lowercase hex digits.
func isHex(s string) bool {
	for _, ch := range s {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}

	return s != ""
}

// String returns the normalized drive ID string.
func (id ID) String() string {
	return id.value
}

// IsZero reports whether this is the zero-value ID.
func (id ID) IsZero() bool {
	return id.value == "" || id.value == strings.Repeat("0", personalIDLength)
}

// IsPersonal reports whether the ID has the personal-account shape:
// exactly 16 lowercase hex characters.
func (id ID) IsPersonal() bool {
	return len(id.value) == personalIDLength && isHex(id.value)
}

// Equal reports whether two IDs are identical. Both zero-value forms
// (empty and all-zeros) compare equal.
func (id ID) Equal(other ID) bool {
	if id.value == other.value {
		return true
	}

	return id.IsZero() && other.IsZero()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, normalizing as New().
func (id *ID) UnmarshalText(text []byte) error {
	*id = New(string(text))
	return nil
}

// Scan implements sql.Scanner. SQL NULL produces the zero ID.
func (id *ID) Scan(src any) error {
	if src == nil {
		*id = ID{}
		return nil
	}

	switch v := src.(type) {
	case string:
		*id = New(v)
		return nil
	case []byte:
		*id = New(string(v))
		return nil
	default:
		return fmt.Errorf("driveid.ID.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer. The zero ID writes SQL NULL.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}

	return id.value, nil
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
	_ driver.Valuer            = ID{}
	_ sql.Scanner              = (*ID)(nil)
)
