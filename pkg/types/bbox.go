package types

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrInvalidInterval = errors.New("invalid interval: min is greater than max or NaN")
	ErrShortBuffer     = errors.New("short buffer")
)

// Interval is a closed range [Min, Max] on one axis.
type Interval struct {
	Min float64
	Max float64
}

func (i Interval) overlaps(o Interval) bool {
	return i.Min <= o.Max && o.Min <= i.Max
}

// Hyperrectangle is an axis-aligned box with one interval per dimension.
// The zero value has no dimensions and represents the full space.
type Hyperrectangle struct {
	intervals []Interval
}

// FullSpace is the box that intersects every other box.
var FullSpace = Hyperrectangle{}

func NewHyperrectangle(intervals ...Interval) (Hyperrectangle, error) {
	out := make([]Interval, len(intervals))
	for i, iv := range intervals {
		if math.IsNaN(iv.Min) || math.IsNaN(iv.Max) || iv.Min > iv.Max {
			return Hyperrectangle{}, fmt.Errorf("dimension %d: %w", i, ErrInvalidInterval)
		}
		out[i] = iv
	}
	return Hyperrectangle{intervals: out}, nil
}

// Box builds a hyperrectangle from min/max pairs and panics on invalid input.
// Meant for literals in tests and examples.
func Box(bounds ...float64) Hyperrectangle {
	if len(bounds)%2 != 0 {
		panic("types.Box: odd number of bounds")
	}
	intervals := make([]Interval, 0, len(bounds)/2)
	for i := 0; i < len(bounds); i += 2 {
		intervals = append(intervals, Interval{Min: bounds[i], Max: bounds[i+1]})
	}
	b, err := NewHyperrectangle(intervals...)
	if err != nil {
		panic(err)
	}
	return b
}

func (h Hyperrectangle) Dimensions() int {
	return len(h.intervals)
}

func (h Hyperrectangle) IsFullSpace() bool {
	return len(h.intervals) == 0
}

func (h Hyperrectangle) Interval(dim int) Interval {
	return h.intervals[dim]
}

// Intersects reports whether both boxes share at least one point. The full
// space intersects everything; boxes with different dimensionality only
// intersect on the dimensions they have in common.
func (h Hyperrectangle) Intersects(o Hyperrectangle) bool {
	n := min(len(h.intervals), len(o.intervals))
	for i := 0; i < n; i++ {
		if !h.intervals[i].overlaps(o.intervals[i]) {
			return false
		}
	}
	return true
}

// Cover returns the smallest box enclosing both boxes. Covering the full
// space yields the full space.
func (h Hyperrectangle) Cover(o Hyperrectangle) Hyperrectangle {
	if h.IsFullSpace() || o.IsFullSpace() {
		return FullSpace
	}
	if len(h.intervals) != len(o.intervals) {
		return FullSpace
	}
	out := make([]Interval, len(h.intervals))
	for i := range h.intervals {
		out[i] = Interval{
			Min: math.Min(h.intervals[i].Min, o.intervals[i].Min),
			Max: math.Max(h.intervals[i].Max, o.intervals[i].Max),
		}
	}
	return Hyperrectangle{intervals: out}
}

// Center returns the midpoint on the given dimension.
func (h Hyperrectangle) Center(dim int) float64 {
	if dim >= len(h.intervals) {
		return 0
	}
	iv := h.intervals[dim]
	return iv.Min + (iv.Max-iv.Min)/2
}

func (h Hyperrectangle) Equal(o Hyperrectangle) bool {
	if len(h.intervals) != len(o.intervals) {
		return false
	}
	for i := range h.intervals {
		if h.intervals[i] != o.intervals[i] {
			return false
		}
	}
	return true
}

func (h Hyperrectangle) String() string {
	if h.IsFullSpace() {
		return "[full space]"
	}
	parts := make([]string, len(h.intervals))
	for i, iv := range h.intervals {
		parts[i] = fmt.Sprintf("[%g,%g]", iv.Min, iv.Max)
	}
	return strings.Join(parts, "x")
}

// EncodedSize is the length of the binary form produced by AppendBinary.
func (h Hyperrectangle) EncodedSize() int {
	return 4 + 16*len(h.intervals)
}

// AppendBinary appends the fixed-width little-endian encoding:
// dimensions (uint32) followed by min/max float64 pairs.
func (h Hyperrectangle) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.intervals)))
	for _, iv := range h.intervals {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(iv.Min))
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(iv.Max))
	}
	return b
}

// DecodeHyperrectangle decodes a box written by AppendBinary and returns the
// number of bytes consumed.
func DecodeHyperrectangle(b []byte) (Hyperrectangle, int, error) {
	if len(b) < 4 {
		return Hyperrectangle{}, 0, ErrShortBuffer
	}
	dims := int(binary.LittleEndian.Uint32(b))
	need := 4 + 16*dims
	if len(b) < need {
		return Hyperrectangle{}, 0, ErrShortBuffer
	}
	intervals := make([]Interval, dims)
	off := 4
	for i := 0; i < dims; i++ {
		intervals[i].Min = math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
		intervals[i].Max = math.Float64frombits(binary.LittleEndian.Uint64(b[off+8:]))
		off += 16
	}
	box, err := NewHyperrectangle(intervals...)
	if err != nil {
		return Hyperrectangle{}, 0, err
	}
	return box, need, nil
}

// MarshalJSON renders the box as [[min,max],...].
func (h Hyperrectangle) MarshalJSON() ([]byte, error) {
	pairs := make([][2]float64, len(h.intervals))
	for i, iv := range h.intervals {
		pairs[i] = [2]float64{iv.Min, iv.Max}
	}
	return json.Marshal(pairs)
}

func (h *Hyperrectangle) UnmarshalJSON(data []byte) error {
	var pairs [][2]float64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	intervals := make([]Interval, len(pairs))
	for i, p := range pairs {
		intervals[i] = Interval{Min: p[0], Max: p[1]}
	}
	box, err := NewHyperrectangle(intervals...)
	if err != nil {
		return err
	}
	*h = box
	return nil
}
