package rtree

import (
	"fmt"
	"io"

	"bboxkv/pkg/spatial"
)

const Name = "rtree"

// Strategy plugs the R-tree into a spatial.Registry.
type Strategy struct {
	MaxNodeSize int
}

func NewStrategy(maxNodeSize int) Strategy {
	return Strategy{MaxNodeSize: maxNodeSize}
}

func (Strategy) Name() string {
	return Name
}

func (s Strategy) Build(entries []spatial.Entry) (spatial.Index, error) {
	return Build(entries, s.MaxNodeSize)
}

func (Strategy) Write(w io.Writer, idx spatial.Index) error {
	t, ok := idx.(*Tree)
	if !ok {
		return fmt.Errorf("rtree strategy cannot write %T", idx)
	}
	return Write(w, t)
}

func (Strategy) Read(r io.Reader) (spatial.Index, error) {
	return Read(r)
}
