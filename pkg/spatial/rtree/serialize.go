package rtree

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"bboxkv/pkg/spatial"
)

const (
	magic = "BBXRTREE"

	slotAbsent  byte = 0x00
	slotPresent byte = 0x01
)

// Write serializes the tree breadth first. Every dequeued slot is a marker
// byte; a present node is followed by its id, maxNodeSize entry slots and
// then contributes maxNodeSize child slots to the queue.
func Write(w io.Writer, t *Tree) error {
	bw := bufio.NewWriter(w)
	m := t.maxNodeSize

	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(m)); err != nil {
		return err
	}

	queue := []*Node{t.root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if n == nil {
			if err := bw.WriteByte(slotAbsent); err != nil {
				return err
			}
			continue
		}

		if len(n.Entries) > m || len(n.Children) > m {
			return fmt.Errorf("node %d exceeds max node size %d", n.ID, m)
		}

		if err := bw.WriteByte(slotPresent); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, n.ID); err != nil {
			return err
		}

		for i := 0; i < m; i++ {
			if i >= len(n.Entries) {
				if err := bw.WriteByte(slotAbsent); err != nil {
					return err
				}
				continue
			}
			if err := bw.WriteByte(slotPresent); err != nil {
				return err
			}
			if err := spatial.WriteEntry(bw, n.Entries[i]); err != nil {
				return err
			}
		}

		for i := 0; i < m; i++ {
			if i < len(n.Children) {
				queue = append(queue, n.Children[i])
			} else {
				queue = append(queue, nil)
			}
		}
	}

	return bw.Flush()
}

// pendingSlot is a queued child slot waiting for its node in the stream.
type pendingSlot struct {
	parent *Node
	slot   int
}

// Read is the inverse of Write. Node boxes are recomputed bottom-up once the
// whole tree is attached.
func Read(r io.Reader) (*Tree, error) {
	br := bufio.NewReader(r)

	if err := spatial.ReadMagic(br, magic); err != nil {
		return nil, err
	}

	var m32 uint32
	if err := binary.Read(br, binary.LittleEndian, &m32); err != nil {
		return nil, spatial.Truncated("max node size", io.ErrUnexpectedEOF)
	}
	if m32 < MinNodeSize || m32 > math.MaxInt32 {
		return nil, spatial.Malformed("invalid max node size %d", m32)
	}
	m := int(m32)

	var (
		root  *Node
		order []*Node
		size  int
	)

	queue := []pendingSlot{{}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		marker, err := br.ReadByte()
		if err != nil {
			return nil, spatial.Truncated("node marker", io.ErrUnexpectedEOF)
		}

		switch marker {
		case slotAbsent:
			if p.parent == nil {
				return nil, spatial.Malformed("missing root node")
			}
			continue
		case slotPresent:
		default:
			return nil, spatial.Malformed("invalid node marker 0x%02x", marker)
		}

		n, err := readNode(br, m)
		if err != nil {
			return nil, err
		}
		size += len(n.Entries)
		order = append(order, n)

		if p.parent == nil {
			root = n
		} else {
			if p.slot != len(p.parent.Children) {
				return nil, spatial.Malformed("node %d in child slot %d of node %d after an absent slot",
					n.ID, p.slot, p.parent.ID)
			}
			p.parent.Children = append(p.parent.Children, n)
		}

		for i := 0; i < m; i++ {
			queue = append(queue, pendingSlot{parent: n, slot: i})
		}
	}

	if err := spatial.ExpectEOF(br); err != nil {
		return nil, err
	}

	for i := len(order) - 1; i >= 0; i-- {
		order[i].recomputeBox()
	}

	return &Tree{root: root, maxNodeSize: m, size: size}, nil
}

func readNode(br *bufio.Reader, m int) (*Node, error) {
	n := &Node{}
	if err := binary.Read(br, binary.LittleEndian, &n.ID); err != nil {
		return nil, spatial.Truncated("node id", io.ErrUnexpectedEOF)
	}
	if n.ID < 0 {
		return nil, spatial.Malformed("negative node id %d", n.ID)
	}

	for i := 0; i < m; i++ {
		marker, err := br.ReadByte()
		if err != nil {
			return nil, spatial.Truncated("entry marker", io.ErrUnexpectedEOF)
		}
		switch marker {
		case slotAbsent:
			continue
		case slotPresent:
		default:
			return nil, spatial.Malformed("invalid entry marker 0x%02x in node %d", marker, n.ID)
		}
		if i != len(n.Entries) {
			return nil, spatial.Malformed("entry in slot %d of node %d after an absent slot", i, n.ID)
		}

		e, err := spatial.ReadEntry(br)
		if err != nil {
			return nil, err
		}
		n.Entries = append(n.Entries, e)
	}

	return n, nil
}
