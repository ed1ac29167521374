package spatial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"bboxkv/pkg/types"
)

// maxDimensions guards decoders against absurd dimension counts in corrupt
// input before they allocate.
const maxDimensions = 1 << 12

// Entry maps a bounding box to the row of its record in a segment data file.
type Entry struct {
	Box    types.Hyperrectangle
	Offset uint64
}

// Index answers intersection queries over a fixed set of entries.
type Index interface {
	Query(box types.Hyperrectangle) []Entry
	Len() int
}

// Strategy builds, persists and loads one kind of Index.
type Strategy interface {
	Name() string
	Build(entries []Entry) (Index, error)
	Write(w io.Writer, idx Index) error
	Read(r io.Reader) (Index, error)
}

// AppendEntry appends the box encoding followed by the offset as uint64 LE.
func AppendEntry(b []byte, e Entry) []byte {
	b = e.Box.AppendBinary(b)
	return binary.LittleEndian.AppendUint64(b, e.Offset)
}

// WriteEntry writes one encoded entry to w.
func WriteEntry(w io.Writer, e Entry) error {
	_, err := w.Write(AppendEntry(make([]byte, 0, e.Box.EncodedSize()+8), e))
	return err
}

// ReadEntry reads one entry written by WriteEntry.
func ReadEntry(r io.Reader) (Entry, error) {
	var dimsBuf [4]byte
	if _, err := io.ReadFull(r, dimsBuf[:]); err != nil {
		return Entry{}, Truncated("entry", unexpected(err))
	}
	dims := binary.LittleEndian.Uint32(dimsBuf[:])
	if dims > maxDimensions {
		return Entry{}, Malformed("entry has %d dimensions", dims)
	}

	rest := make([]byte, 16*int(dims)+8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Entry{}, Truncated("entry", unexpected(err))
	}

	intervals := make([]types.Interval, dims)
	for i := range intervals {
		intervals[i].Min = math.Float64frombits(binary.LittleEndian.Uint64(rest[16*i:]))
		intervals[i].Max = math.Float64frombits(binary.LittleEndian.Uint64(rest[16*i+8:]))
	}
	box, err := types.NewHyperrectangle(intervals...)
	if err != nil {
		return Entry{}, &FormatError{Reason: "entry box", Err: err}
	}

	return Entry{
		Box:    box,
		Offset: binary.LittleEndian.Uint64(rest[16*int(dims):]),
	}, nil
}

// ReadMagic consumes and checks a fixed magic header.
func ReadMagic(r io.Reader, magic string) error {
	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Truncated("header", unexpected(err))
	}
	if string(buf) != magic {
		return Malformed("bad magic %q, want %q", buf, magic)
	}
	return nil
}

// ExpectEOF fails when r still holds data.
func ExpectEOF(r io.Reader) error {
	var one [1]byte
	n, err := r.Read(one[:])
	if n > 0 {
		return Malformed("trailing data after index")
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read spatial index: %w", err)
	}
	return nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
