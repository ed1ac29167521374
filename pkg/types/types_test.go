package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHyperrectangleIntersects(t *testing.T) {
	tests := []struct {
		name string
		a, b Hyperrectangle
		want bool
	}{
		{"overlap", Box(0, 2, 0, 2), Box(1, 3, 1, 3), true},
		{"touching edge", Box(0, 1, 0, 1), Box(1, 2, 0, 1), true},
		{"disjoint on one axis", Box(0, 1, 0, 1), Box(0, 1, 2, 3), false},
		{"full space", FullSpace, Box(5, 6), true},
		{"full space reversed", Box(5, 6), FullSpace, true},
		{"different dims share prefix", Box(0, 1), Box(0, 1, 100, 200), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Intersects(tt.b))
		})
	}
}

func TestNewHyperrectangleRejectsInvalid(t *testing.T) {
	_, err := NewHyperrectangle(Interval{Min: 2, Max: 1})
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = NewHyperrectangle(Interval{Min: math.NaN(), Max: 1})
	assert.ErrorIs(t, err, ErrInvalidInterval)

	assert.Panics(t, func() { Box(1, 0) })
	assert.Panics(t, func() { Box(1) })
}

func TestHyperrectangleCover(t *testing.T) {
	got := Box(0, 1, 5, 6).Cover(Box(-1, 0.5, 2, 3))
	assert.True(t, got.Equal(Box(-1, 1, 2, 6)), got.String())

	assert.True(t, Box(0, 1).Cover(FullSpace).IsFullSpace())
	assert.Equal(t, 0.5, Box(0, 1).Center(0))
}

func TestHyperrectangleBinaryRoundTrip(t *testing.T) {
	for _, box := range []Hyperrectangle{FullSpace, Box(1, 2), Box(-1.5, 3, 0, 0, 7, 9)} {
		buf := box.AppendBinary([]byte{0xAA})
		require.Len(t, buf, 1+box.EncodedSize())

		got, n, err := DecodeHyperrectangle(buf[1:])
		require.NoError(t, err)
		assert.Equal(t, box.EncodedSize(), n)
		assert.True(t, box.Equal(got))
	}

	buf := Box(1, 2).AppendBinary(nil)
	_, _, err := DecodeHyperrectangle(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestHyperrectangleJSON(t *testing.T) {
	data, err := json.Marshal(Box(1, 2, 3, 4))
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,2],[3,4]]`, string(data))

	var box Hyperrectangle
	require.NoError(t, json.Unmarshal([]byte(`[[0,10],[5,6]]`), &box))
	assert.True(t, box.Equal(Box(0, 10, 5, 6)))

	assert.Error(t, json.Unmarshal([]byte(`[[3,1]]`), &box))
}

func TestEntrySupersedes(t *testing.T) {
	live5 := Live(Tuple{Key: "k", Version: 5})
	live7 := Live(Tuple{Key: "k", Version: 7})
	dead7 := Tombstone("k", 7)

	assert.True(t, live7.Supersedes(live5))
	assert.False(t, live5.Supersedes(live7))
	assert.True(t, dead7.Supersedes(live7), "tombstone wins a tie")
	assert.False(t, live7.Supersedes(dead7))
	assert.True(t, dead7.IsTombstone())
	assert.True(t, dead7.Box.IsFullSpace())

	_, ok := dead7.Tuple()
	assert.False(t, ok)
	tuple, ok := live5.Tuple()
	require.True(t, ok)
	assert.Equal(t, int64(5), tuple.Version)
}

func TestCompareAndResolve(t *testing.T) {
	a1 := Live(Tuple{Key: "a", Version: 1})
	a2 := Live(Tuple{Key: "a", Version: 2})
	b1 := Live(Tuple{Key: "b", Version: 1})

	assert.Negative(t, Compare(a2, a1), "newer version first")
	assert.Negative(t, Compare(a1, b1))
	assert.Zero(t, Compare(a1, a1))

	winners := Resolve([]Entry{a1, b1, a2, Tombstone("b", 1)})
	require.Len(t, winners, 2)
	assert.Equal(t, int64(2), winners["a"].Version)
	assert.True(t, winners["b"].IsTombstone())
}

func TestTableNameValidate(t *testing.T) {
	assert.NoError(t, TableName("2_group1_table").Validate())
	assert.NoError(t, TableName("points-v2").Validate())
	assert.ErrorIs(t, TableName("").Validate(), ErrInvalidTableName)
	assert.ErrorIs(t, TableName("../etc").Validate(), ErrInvalidTableName)
	assert.ErrorIs(t, TableName("a/b").Validate(), ErrInvalidTableName)
}

func TestTupleValidate(t *testing.T) {
	assert.ErrorIs(t, Tuple{}.Validate(), ErrEmptyKey)
	assert.NoError(t, Tuple{Key: "x"}.Validate())
}
