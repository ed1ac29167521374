package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"bboxkv/pkg/types"

	"github.com/cespare/xxhash/v2"
)

const (
	filePrefix = "wal_"
	fileSuffix = ".log"

	// length (4) + checksum (8)
	recordHeaderSize = 12

	// MaxRecordSize bounds a single encoded entry. Longer length headers are
	// treated as corruption.
	MaxRecordSize = 64 << 20
)

var (
	ErrClosed   = errors.New("wal segment is closed")
	ErrChecksum = errors.New("wal record checksum mismatch")
	ErrTooLarge = errors.New("wal record too large")
)

// Segment is an append-only log backing exactly one memtable generation.
type Segment struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	seq    uint64
	sync   bool
}

// FileName returns the segment file name for a sequence number.
func FileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix)
}

// ParseFileName extracts the sequence number from a segment file name.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Create opens a new segment in dir. With syncWrites every append is fsynced.
func Create(dir string, seq uint64, syncWrites bool) (*Segment, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	path := filepath.Join(dir, FileName(seq))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &Segment{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		seq:    seq,
		sync:   syncWrites,
	}, nil
}

func (s *Segment) Path() string {
	return s.path
}

func (s *Segment) Seq() uint64 {
	return s.seq
}

// Append writes one entry and flushes it to the OS.
func (s *Segment) Append(e types.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrClosed
	}

	payload, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if len(payload) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[4:12], xxhash.Sum64(payload))

	if _, err := s.writer.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if _, err := s.writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	return nil
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		s.writer = nil
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		s.file = nil
	}

	return nil
}

// Remove closes the segment and deletes its file.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}
	return nil
}

// List returns the segment files in dir ordered by sequence number, and the
// highest sequence number seen.
func List(dir string) ([]string, uint64, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to list WAL directory: %w", err)
	}

	type segment struct {
		seq  uint64
		path string
	}
	var segments []segment
	var maxSeq uint64
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		seq, ok := ParseFileName(de.Name())
		if !ok {
			continue
		}
		segments = append(segments, segment{seq: seq, path: filepath.Join(dir, de.Name())})
		maxSeq = max(maxSeq, seq)
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].seq < segments[j].seq })

	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, maxSeq, nil
}

// Replay calls fn for every intact record of the segment at path. A torn
// record at the tail, left by a crash mid-append, ends the replay silently.
func Replay(path string, fn func(types.Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		e, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("truncated WAL tail ignored", "path", path)
				return nil
			}
			return fmt.Errorf("failed to read WAL entry from %s: %w", path, err)
		}

		if err := fn(e); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

func readRecord(r *bufio.Reader) (types.Entry, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return types.Entry{}, err
	}

	size := binary.LittleEndian.Uint32(header[0:4])
	if size > MaxRecordSize {
		return types.Entry{}, fmt.Errorf("%w: length header %d", ErrTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return types.Entry{}, io.ErrUnexpectedEOF
		}
		return types.Entry{}, err
	}
	if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(header[4:12]) {
		return types.Entry{}, ErrChecksum
	}

	return decodeEntry(payload)
}

// payload: kind (1) | version (8) | key len (4) | key | box | value len (4) | value
func encodeEntry(e types.Entry) ([]byte, error) {
	if len(e.Key) > math.MaxUint32 {
		return nil, fmt.Errorf("key too large: %d", len(e.Key))
	}
	if len(e.Value) > math.MaxUint32 {
		return nil, fmt.Errorf("value too large: %d", len(e.Value))
	}

	buf := make([]byte, 0, 1+8+4+len(e.Key)+e.Box.EncodedSize()+4+len(e.Value))
	buf = append(buf, byte(e.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Version))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = e.Box.AppendBinary(buf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	return buf, nil
}

func decodeEntry(b []byte) (types.Entry, error) {
	var e types.Entry
	if len(b) < 1+8+4 {
		return e, io.ErrUnexpectedEOF
	}
	e.Kind = types.Kind(b[0])
	if e.Kind != types.KindLive && e.Kind != types.KindTombstone {
		return e, fmt.Errorf("unknown entry kind %d", b[0])
	}
	e.Version = int64(binary.LittleEndian.Uint64(b[1:9]))
	keyLen := int(binary.LittleEndian.Uint32(b[9:13]))
	b = b[13:]
	if len(b) < keyLen {
		return e, io.ErrUnexpectedEOF
	}
	e.Key = string(b[:keyLen])
	b = b[keyLen:]

	box, n, err := types.DecodeHyperrectangle(b)
	if err != nil {
		return e, err
	}
	e.Box = box
	b = b[n:]

	if len(b) < 4 {
		return e, io.ErrUnexpectedEOF
	}
	valueLen := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	if len(b) < valueLen {
		return e, io.ErrUnexpectedEOF
	}
	if valueLen > 0 {
		e.Value = append([]byte(nil), b[:valueLen]...)
	}
	return e, nil
}
