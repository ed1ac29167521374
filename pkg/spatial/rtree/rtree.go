package rtree

import (
	"fmt"
	"math"
	"sort"

	"bboxkv/pkg/spatial"
	"bboxkv/pkg/types"
)

const MinNodeSize = 2

// Node is an R-tree node. Leaves hold entries, inner nodes hold children.
type Node struct {
	ID       int32
	Entries  []spatial.Entry
	Children []*Node

	box    types.Hyperrectangle
	hasBox bool
}

func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Box returns the covering box of the node, false for an empty node.
func (n *Node) Box() (types.Hyperrectangle, bool) {
	return n.box, n.hasBox
}

func (n *Node) recomputeBox() {
	n.hasBox = false
	add := func(b types.Hyperrectangle) {
		if !n.hasBox {
			n.box, n.hasBox = b, true
			return
		}
		n.box = n.box.Cover(b)
	}
	for _, e := range n.Entries {
		add(e.Box)
	}
	for _, c := range n.Children {
		if b, ok := c.Box(); ok {
			add(b)
		}
	}
}

// Tree is an immutable, bulk-loaded R-tree.
type Tree struct {
	root        *Node
	maxNodeSize int
	size        int
}

func (t *Tree) Root() *Node {
	return t.root
}

func (t *Tree) MaxNodeSize() int {
	return t.maxNodeSize
}

func (t *Tree) Len() int {
	return t.size
}

// Query returns every entry whose box intersects box.
func (t *Tree) Query(box types.Hyperrectangle) []spatial.Entry {
	var out []spatial.Entry
	stack := []*Node{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		nb, ok := n.Box()
		if !ok || !nb.Intersects(box) {
			continue
		}
		for _, e := range n.Entries {
			if e.Box.Intersects(box) {
				out = append(out, e)
			}
		}
		stack = append(stack, n.Children...)
	}
	return out
}

// Build bulk-loads entries with Sort-Tile-Recursive packing.
func Build(entries []spatial.Entry, maxNodeSize int) (*Tree, error) {
	if maxNodeSize < MinNodeSize {
		return nil, fmt.Errorf("max node size %d is below %d", maxNodeSize, MinNodeSize)
	}

	dims := 0
	for _, e := range entries {
		dims = max(dims, e.Box.Dimensions())
	}

	items := append([]spatial.Entry(nil), entries...)
	var level []*Node
	for _, group := range tile(items, func(e spatial.Entry) types.Hyperrectangle { return e.Box }, dims, 0, maxNodeSize) {
		leaf := &Node{Entries: group}
		leaf.recomputeBox()
		level = append(level, leaf)
	}

	for len(level) > 1 {
		var parents []*Node
		for _, group := range tile(level, nodeBox, dims, 0, maxNodeSize) {
			parent := &Node{Children: group}
			parent.recomputeBox()
			parents = append(parents, parent)
		}
		level = parents
	}

	root := &Node{}
	if len(level) == 1 {
		root = level[0]
	}

	t := &Tree{root: root, maxNodeSize: maxNodeSize, size: len(entries)}
	t.assignIDs()
	return t, nil
}

func nodeBox(n *Node) types.Hyperrectangle {
	b, _ := n.Box()
	return b
}

func (t *Tree) assignIDs() {
	var id int32
	queue := []*Node{t.root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		n.ID = id
		id++
		queue = append(queue, n.Children...)
	}
}

// tile partitions items into groups of at most m. Items are sorted by the
// center of dimension dim and cut into slabs, and each slab is tiled on the
// next dimension.
func tile[T any](items []T, boxOf func(T) types.Hyperrectangle, dims, dim, m int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if len(items) <= m {
		return [][]T{items}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return boxOf(items[i]).Center(dim) < boxOf(items[j]).Center(dim)
	})

	remaining := dims - dim
	if remaining <= 1 {
		return chunk(items, m)
	}

	pages := ceilDiv(len(items), m)
	slabs := int(math.Ceil(math.Pow(float64(pages), 1/float64(remaining))))
	slabSize := m * ceilDiv(pages, slabs)

	var out [][]T
	for _, slab := range chunk(items, slabSize) {
		out = append(out, tile(slab, boxOf, dims, dim+1, m)...)
	}
	return out
}

func chunk[T any](items []T, size int) [][]T {
	out := make([][]T, 0, ceilDiv(len(items), size))
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
