package sstable

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

const manifestFile = "MANIFEST"

// Manifest is the per-table record of finished segments and of the table
// number counter. The counter is never reset, so numbers are not reused
// after a clear or a restart.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	data     ManifestData
}

type ManifestData struct {
	Version         int      `json:"version"`
	LastTableNumber uint64   `json:"last_table_number"`
	Segments        []uint64 `json:"segments"`
}

func NewManifest(dir string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dir, manifestFile),
		data:     ManifestData{Version: 1},
	}
}

// Load reads the manifest, creating it when missing.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m.save()
		}
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var md ManifestData
	if err := json.Unmarshal(data, &md); err != nil {
		return formatErr(m.filePath, "manifest", err)
	}
	m.data = md
	return nil
}

// save writes a temp file and renames it over the manifest.
func (m *Manifest) save() error {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}
	return nil
}

// NextTableNumber increments the counter and persists it before returning.
func (m *Manifest) NextTableNumber() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.LastTableNumber++
	if err := m.save(); err != nil {
		m.data.LastTableNumber--
		return 0, err
	}
	return m.data.LastTableNumber, nil
}

func (m *Manifest) LastTableNumber() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LastTableNumber
}

func (m *Manifest) AddSegment(n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slices.Contains(m.data.Segments, n) {
		return nil
	}
	prev := m.data.Segments
	m.data.Segments = append(slices.Clone(prev), n)
	slices.Sort(m.data.Segments)
	if err := m.save(); err != nil {
		m.data.Segments = prev
		return err
	}
	return nil
}

// ClearSegments forgets every segment but keeps the counter.
func (m *Manifest) ClearSegments() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.data.Segments
	m.data.Segments = nil
	if err := m.save(); err != nil {
		m.data.Segments = prev
		return err
	}
	return nil
}

// Segments returns the registered table numbers in ascending order.
func (m *Manifest) Segments() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.data.Segments)
}

func (m *Manifest) Path() string {
	return m.filePath
}
