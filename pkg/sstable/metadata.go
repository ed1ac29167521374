package sstable

import (
	"encoding/base64"
	"fmt"
	"os"

	"bboxkv/pkg/types"

	"github.com/goccy/go-yaml"
)

const FormatVersion = 1

// Metadata describes one finished segment. It is stored as YAML next to the
// data file.
type Metadata struct {
	FormatVersion   int         `yaml:"format_version"`
	Table           string      `yaml:"table"`
	TableNumber     uint64      `yaml:"table_number"`
	SpatialStrategy string      `yaml:"spatial_strategy"`
	Compression     string      `yaml:"compression"`
	MinKey          Key         `yaml:"min_key"`
	MaxKey          Key         `yaml:"max_key"`
	MinVersion      int64       `yaml:"min_version"`
	MaxVersion      int64       `yaml:"max_version"`
	Tuples          int         `yaml:"tuples"`
	Tombstones      int         `yaml:"tombstones"`
	Blocks          int         `yaml:"blocks"`
	DataBytes       int64       `yaml:"data_bytes"`
	Extent          [][]float64 `yaml:"extent"`
	CreatedAt       int64       `yaml:"created_at"`
}

// Key is a tuple key stored base64 encoded, since keys may hold control
// characters or invalid UTF-8 that YAML scalars cannot carry.
type Key string

func (k Key) MarshalYAML() (any, error) {
	return base64.StdEncoding.EncodeToString([]byte(k)), nil
}

func (k *Key) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("key bound: %w", err)
	}
	*k = Key(raw)
	return nil
}

// Records is the number of rows in the data file.
func (m *Metadata) Records() int {
	return m.Tuples + m.Tombstones
}

// Box returns the bounding box extent. An empty extent is the full space.
func (m *Metadata) Box() (types.Hyperrectangle, error) {
	intervals := make([]types.Interval, len(m.Extent))
	for i, pair := range m.Extent {
		if len(pair) != 2 {
			return types.Hyperrectangle{}, fmt.Errorf("extent dimension %d has %d bounds", i, len(pair))
		}
		intervals[i] = types.Interval{Min: pair[0], Max: pair[1]}
	}
	return types.NewHyperrectangle(intervals...)
}

func (m *Metadata) setBox(box types.Hyperrectangle) {
	m.Extent = make([][]float64, box.Dimensions())
	for i := range m.Extent {
		iv := box.Interval(i)
		m.Extent[i] = []float64{iv.Min, iv.Max}
	}
}

func writeMetadata(path string, m *Metadata) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return writeFileSync(path, data)
}

func readMetadata(path string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, formatErr(path, "metadata", err)
	}
	if m.FormatVersion != FormatVersion {
		return m, formatErr(path, fmt.Sprintf("unsupported format version %d", m.FormatVersion), nil)
	}
	return m, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
