package spatial

import (
	"bytes"
	"errors"
	"testing"

	"bboxkv/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryCodec(t *testing.T) {
	for _, e := range []Entry{
		{Box: types.Box(1, 2, 3, 4), Offset: 42},
		{Box: types.FullSpace, Offset: 0},
	} {
		var buf bytes.Buffer
		require.NoError(t, WriteEntry(&buf, e))

		got, err := ReadEntry(&buf)
		require.NoError(t, err)
		assert.True(t, e.Box.Equal(got.Box))
		assert.Equal(t, e.Offset, got.Offset)
	}

	encoded := AppendEntry(nil, Entry{Box: types.Box(0, 1), Offset: 1})
	_, err := ReadEntry(bytes.NewReader(encoded[:len(encoded)-1]))
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
}

func TestFlatRoundTrip(t *testing.T) {
	entries := []Entry{
		{Box: types.Box(0, 1, 0, 1), Offset: 0},
		{Box: types.Box(5, 6, 5, 6), Offset: 1},
		{Box: types.FullSpace, Offset: 2},
	}

	idx, err := Flat{}.Build(entries)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Flat{}.Write(&buf, idx))

	got, err := Flat{}.Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())

	hits := got.Query(types.Box(5.5, 7, 5.5, 7))
	require.Len(t, hits, 2)
	assert.Equal(t, uint64(1), hits[0].Offset)
	assert.Equal(t, uint64(2), hits[1].Offset)

	_, err = Flat{}.Read(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	require.True(t, errors.As(err, new(*FormatError)))

	_, err = Flat{}.Read(bytes.NewReader(append([]byte("BBXRTREE"), buf.Bytes()[8:]...)))
	require.True(t, errors.As(err, new(*FormatError)))
}

func TestRegistry(t *testing.T) {
	_, err := NewRegistry("rtree", Flat{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	r, err := NewRegistry(FlatName, Flat{})
	require.NoError(t, err)
	assert.Equal(t, FlatName, r.Default().Name())
	assert.Equal(t, []string{FlatName}, r.Names())

	s, err := r.Get(FlatName)
	require.NoError(t, err)
	assert.Equal(t, FlatName, s.Name())

	_, err = r.Get("quadtree")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
