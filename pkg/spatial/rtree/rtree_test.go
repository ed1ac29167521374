package rtree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"bboxkv/pkg/spatial"
	"bboxkv/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomEntries(rng *rand.Rand, n int) []spatial.Entry {
	entries := make([]spatial.Entry, n)
	for i := range entries {
		x, y := rng.Float64()*1000, rng.Float64()*1000
		w, h := rng.Float64()*20, rng.Float64()*20
		entries[i] = spatial.Entry{Box: types.Box(x, x+w, y, y+h), Offset: uint64(i)}
	}
	return entries
}

func offsets(entries []spatial.Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Offset
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func bruteForce(entries []spatial.Entry, box types.Hyperrectangle) []uint64 {
	var hits []spatial.Entry
	for _, e := range entries {
		if e.Box.Intersects(box) {
			hits = append(hits, e)
		}
	}
	return offsets(hits)
}

func assertSameTree(t *testing.T, want, got *Node) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Len(t, got.Entries, len(want.Entries), "node %d", want.ID)
	for i := range want.Entries {
		assert.True(t, want.Entries[i].Box.Equal(got.Entries[i].Box), "node %d entry %d", want.ID, i)
		assert.Equal(t, want.Entries[i].Offset, got.Entries[i].Offset)
	}
	wantBox, wantOK := want.Box()
	gotBox, gotOK := got.Box()
	assert.Equal(t, wantOK, gotOK)
	assert.True(t, wantBox.Equal(gotBox), "node %d box", want.ID)

	require.Len(t, got.Children, len(want.Children), "node %d", want.ID)
	for i := range want.Children {
		assertSameTree(t, want.Children[i], got.Children[i])
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 5, 1000} {
		for _, m := range []int{2, 16} {
			t.Run(fmt.Sprintf("n=%d/m=%d", n, m), func(t *testing.T) {
				entries := randomEntries(rng, n)
				tree, err := Build(entries, m)
				require.NoError(t, err)
				assert.Equal(t, n, tree.Len())

				var buf bytes.Buffer
				require.NoError(t, Write(&buf, tree))

				got, err := Read(&buf)
				require.NoError(t, err)
				assert.Equal(t, m, got.MaxNodeSize())
				assert.Equal(t, n, got.Len())
				assertSameTree(t, tree.Root(), got.Root())

				assert.Equal(t, offsets(entries), offsets(got.Query(types.FullSpace)))
			})
		}
	}
}

func TestQueryMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	entries := randomEntries(rng, 2000)
	tree, err := Build(entries, 8)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		x, y := rng.Float64()*1000, rng.Float64()*1000
		q := types.Box(x, x+rng.Float64()*100, y, y+rng.Float64()*100)
		assert.Equal(t, bruteForce(entries, q), offsets(tree.Query(q)), "query %s", q)
	}
}

func TestNodesRespectFanOut(t *testing.T) {
	tree, err := Build(randomEntries(rand.New(rand.NewSource(3)), 500), 4)
	require.NoError(t, err)

	var ids []int32
	queue := []*Node{tree.Root()}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		ids = append(ids, n.ID)
		assert.LessOrEqual(t, len(n.Entries), 4)
		assert.LessOrEqual(t, len(n.Children), 4)
		queue = append(queue, n.Children...)
	}
	for i, id := range ids {
		assert.Equal(t, int32(i), id, "ids follow breadth-first order")
	}
}

func TestFullSpaceEntriesAreAlwaysHit(t *testing.T) {
	entries := []spatial.Entry{
		{Box: types.Box(0, 1, 0, 1), Offset: 0},
		{Box: types.FullSpace, Offset: 1},
		{Box: types.Box(50, 60, 50, 60), Offset: 2},
	}
	tree, err := Build(entries, 2)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2}, offsets(tree.Query(types.Box(55, 56, 55, 56))))
}

func TestBuildRejectsSmallNodeSize(t *testing.T) {
	_, err := Build(nil, 1)
	assert.Error(t, err)
}

func TestStrategy(t *testing.T) {
	s := NewStrategy(4)
	assert.Equal(t, "rtree", s.Name())

	entries := randomEntries(rand.New(rand.NewSource(5)), 30)
	idx, err := s.Build(entries)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf, idx))
	got, err := s.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Len())

	assert.Error(t, s.Write(&buf, &spatial.FlatIndex{}))
}

// stream helps craft serialized trees by hand.
type stream struct{ bytes.Buffer }

func newStream(m uint32) *stream {
	s := &stream{}
	s.WriteString(magic)
	_ = binary.Write(s, binary.LittleEndian, m)
	return s
}

func (s *stream) node(id int32, entries ...spatial.Entry) *stream {
	s.WriteByte(slotPresent)
	_ = binary.Write(s, binary.LittleEndian, id)
	return s.entries(entries...)
}

func (s *stream) entries(entries ...spatial.Entry) *stream {
	for _, e := range entries {
		s.WriteByte(slotPresent)
		_ = spatial.WriteEntry(s, e)
	}
	return s
}

func (s *stream) absent(n int) *stream {
	for i := 0; i < n; i++ {
		s.WriteByte(slotAbsent)
	}
	return s
}

func TestReadRejectsMalformedInput(t *testing.T) {
	e := spatial.Entry{Box: types.Box(0, 1), Offset: 9}

	valid := func() []byte {
		var buf bytes.Buffer
		tree, err := Build([]spatial.Entry{e}, 2)
		require.NoError(t, err)
		require.NoError(t, Write(&buf, tree))
		return buf.Bytes()
	}()

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("BBXRTREX"), valid[8:]...)},
		{"node size below minimum", newStream(1).node(0).absent(1).Bytes()},
		{"missing root", newStream(2).absent(1).Bytes()},
		{"invalid node marker", append(newStream(2).Bytes(), 0x07)},
		{"invalid entry marker", append(newStream(2).node(0).Bytes(), 0x02)},
		{"entry after absent slot", newStream(2).node(0).absent(1).entries(e).absent(2).Bytes()},
		{"child after absent slot", newStream(2).node(0).absent(2).absent(1).node(1).absent(2).absent(2).Bytes()},
		{"negative node id", newStream(2).node(-1).absent(2).absent(2).Bytes()},
		{"truncated entry", valid[:len(valid)-4]},
		{"missing child slots", valid[:len(valid)-1]},
		{"trailing data", append(append([]byte(nil), valid...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.input))
			require.Error(t, err)
			var fe *spatial.FormatError
			assert.True(t, errors.As(err, &fe), "got %T: %v", err, err)
		})
	}
}

func TestReadHandCraftedTree(t *testing.T) {
	a := spatial.Entry{Box: types.Box(0, 1, 0, 1), Offset: 1}
	b := spatial.Entry{Box: types.Box(4, 5, 4, 5), Offset: 2}

	// root with two leaf children, each leaf with one entry
	input := newStream(2).
		node(0).absent(2).
		node(1, a).absent(1).
		node(2, b).absent(1).
		absent(4).Bytes()

	tree, err := Read(bytes.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Len())
	require.Len(t, tree.Root().Children, 2)

	box, ok := tree.Root().Box()
	require.True(t, ok)
	assert.True(t, box.Equal(types.Box(0, 5, 0, 5)))
	assert.Equal(t, []uint64{2}, offsets(tree.Query(types.Box(4.5, 6, 4.5, 6))))
}
