package spatial

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"bboxkv/pkg/types"
)

const (
	FlatName  = "flat"
	flatMagic = "BBXFLAT1"
)

// FlatIndex is a linear list of entries, scanned on every query.
type FlatIndex struct {
	entries []Entry
}

func (f *FlatIndex) Query(box types.Hyperrectangle) []Entry {
	var out []Entry
	for _, e := range f.entries {
		if e.Box.Intersects(box) {
			out = append(out, e)
		}
	}
	return out
}

func (f *FlatIndex) Len() int {
	return len(f.entries)
}

// Flat is the strategy for FlatIndex.
type Flat struct{}

func (Flat) Name() string {
	return FlatName
}

func (Flat) Build(entries []Entry) (Index, error) {
	return &FlatIndex{entries: append([]Entry(nil), entries...)}, nil
}

func (Flat) Write(w io.Writer, idx Index) error {
	flat, ok := idx.(*FlatIndex)
	if !ok {
		return fmt.Errorf("flat strategy cannot write %T", idx)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(flatMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(flat.entries))); err != nil {
		return err
	}
	for _, e := range flat.entries {
		if err := WriteEntry(bw, e); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (Flat) Read(r io.Reader) (Index, error) {
	br := bufio.NewReader(r)
	if err := ReadMagic(br, flatMagic); err != nil {
		return nil, err
	}

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, Truncated("entry count", unexpected(err))
	}

	entries := make([]Entry, 0, min(count, 1<<16))
	for i := uint64(0); i < count; i++ {
		e, err := ReadEntry(br)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := ExpectEOF(br); err != nil {
		return nil, err
	}
	return &FlatIndex{entries: entries}, nil
}
