package driveid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NormalizesPersonalIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"already canonical", "bd50cf43646e28e6", "bd50cf43646e28e6"},
		{"uppercase", "BD50CF43646E28E6", "bd50cf43646e28e6"},
		{"mixed case", "Bd50Cf43646e28E6", "bd50cf43646e28e6"},
		{"stripped leading zero", "d50cf43646e28e6", "0d50cf43646e28e6"},
		{"two stripped zeros", "50cf43646e28e6", "0050cf43646e28e6"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id := New(tt.raw)
			assert.Equal(t, tt.want, id.String())
			assert.True(t, id.IsPersonal())
			assert.Len(t, id.String(), 16)
		})
	}
}

func TestNew_BusinessIDsOnlyLowercased(t *testing.T) {
	t.Parallel()

	// Business drive IDs are opaque base64-ish tokens; no padding applies.
	id := New("b!kQnx3leXkk2hMnt_DIKrBQ")
	assert.Equal(t, "b!kqnx3lexkk2hmnt_dikrbq", id.String())
	assert.False(t, id.IsPersonal())
}

func TestNew_ShortNonHexNotPadded(t *testing.T) {
	t.Parallel()

	// A short identifier containing non-hex characters is not a truncated
	// personal ID and must not be padded.
	id := New("b!short")
	assert.Equal(t, "b!short", id.String())
}

func TestID_Zero(t *testing.T) {
	t.Parallel()

	assert.True(t, ID{}.IsZero())
	assert.True(t, New("").IsZero())
	assert.True(t, New("0").IsZero(), "all-zeros after padding is still zero")
	assert.False(t, New("bd50cf43646e28e6").IsZero())
}

func TestID_Equal(t *testing.T) {
	t.Parallel()

	assert.True(t, New("BD50CF43646E28E6").Equal(New("bd50cf43646e28e6")))
	assert.True(t, ID{}.Equal(New("0")), "both zero forms compare equal")
	assert.False(t, New("bd50cf43646e28e6").Equal(New("bd50cf43646e28e7")))
}

func TestID_TextRoundTrip(t *testing.T) {
	t.Parallel()

	var id ID
	require.NoError(t, id.UnmarshalText([]byte("D50CF43646E28E6")))
	assert.Equal(t, "0d50cf43646e28e6", id.String())

	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0d50cf43646e28e6", string(text))
}

func TestID_SQLRoundTrip(t *testing.T) {
	t.Parallel()

	var id ID
	require.NoError(t, id.Scan("BD50CF43646E28E6"))
	assert.Equal(t, "bd50cf43646e28e6", id.String())

	v, err := id.Value()
	require.NoError(t, err)
	assert.Equal(t, "bd50cf43646e28e6", v)

	require.NoError(t, id.Scan(nil))
	assert.True(t, id.IsZero())

	v, err = id.Value()
	require.NoError(t, err)
	assert.Nil(t, v, "zero ID writes SQL NULL")
}

func TestItemKey(t *testing.T) {
	t.Parallel()

	k := NewItemKey("BD50CF43646E28E6", "BD50CF43646E28E6!101")
	assert.Equal(t, "bd50cf43646e28e6/BD50CF43646E28E6!101", k.String())
	assert.False(t, k.IsZero())

	// Comparable: usable as a map key.
	set := map[ItemKey]bool{k: true}
	assert.True(t, set[NewItemKey("bd50cf43646e28e6", "BD50CF43646E28E6!101")])

	assert.True(t, ItemKey{}.IsZero())
}
