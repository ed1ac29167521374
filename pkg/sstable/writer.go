package sstable

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"bboxkv/pkg/spatial"
	"bboxkv/pkg/types"

	"golang.org/x/time/rate"
)

const (
	dataMagic  = "BBXSST\x00\x01"
	indexMagic = "BBXINDEX"
)

// blockHandle is one sparse index record: the first key and row of a block
// and where the sealed block lives in the data file.
type blockHandle struct {
	FirstKey string
	FirstRow uint64
	Offset   int64
	Length   int64
}

type WriterOptions struct {
	BlockSize   int
	Compression Compression
	BloomFPRate float64
	Strategy    spatial.Strategy
	// Limiter throttles file writes in bytes per second. Nil disables it.
	Limiter *rate.Limiter
}

func (o WriterOptions) norm() WriterOptions {
	if o.BlockSize < 1 {
		o.BlockSize = 4 << 10
	}
	switch o.Compression {
	case CompressionNone, CompressionSnappy, CompressionZstd, CompressionLZ4:
	default:
		o.Compression = CompressionSnappy
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
	return o
}

// Writer persists sorted entries as one segment of a table.
type Writer struct {
	dir   string
	table types.TableName
	opts  WriterOptions
}

func NewWriter(dir string, table types.TableName, opts WriterOptions) *Writer {
	return &Writer{dir: dir, table: table, opts: opts.norm()}
}

// Write stores entries, sorted by key then descending version, as segment n.
// On failure every file of the segment is removed.
func (w *Writer) Write(ctx context.Context, n uint64, entries []types.Entry) (meta Metadata, err error) {
	if len(entries) == 0 {
		return meta, ErrEmptyTable
	}
	if w.opts.Strategy == nil {
		return meta, errors.New("no spatial index strategy configured")
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return meta, fmt.Errorf("failed to create table directory: %w", err)
	}

	paths := SegmentPaths(w.dir, w.table, n)
	defer func() {
		if err != nil {
			removeSegmentFiles(paths)
		}
	}()

	meta = Metadata{
		FormatVersion:   FormatVersion,
		Table:           string(w.table),
		TableNumber:     n,
		SpatialStrategy: w.opts.Strategy.Name(),
		Compression:     string(w.opts.Compression),
		CreatedAt:       time.Now().UnixMilli(),
	}

	bloom := NewBloomFilter(len(entries), w.opts.BloomFPRate)
	spatialEntries := make([]spatial.Entry, 0, len(entries))

	handles, err := w.writeData(ctx, paths[ExtData], entries, &meta, func(row uint64, e types.Entry) {
		bloom.Add(e.Key)
		spatialEntries = append(spatialEntries, spatial.Entry{Box: e.Box, Offset: row})
	})
	if err != nil {
		return meta, fmt.Errorf("write data file: %w", err)
	}
	meta.Blocks = len(handles)

	if err := w.writeFile(ctx, paths[ExtIndex], func(bw io.Writer) error {
		return writeIndex(bw, handles)
	}); err != nil {
		return meta, fmt.Errorf("write index file: %w", err)
	}

	if err := w.writeFile(ctx, paths[ExtBloom], func(bw io.Writer) error {
		_, err := bloom.WriteTo(bw)
		return err
	}); err != nil {
		return meta, fmt.Errorf("write bloom filter: %w", err)
	}

	idx, err := w.opts.Strategy.Build(spatialEntries)
	if err != nil {
		return meta, fmt.Errorf("build spatial index: %w", err)
	}
	if err := w.writeFile(ctx, paths[ExtSpatial], func(bw io.Writer) error {
		return w.opts.Strategy.Write(bw, idx)
	}); err != nil {
		return meta, fmt.Errorf("write spatial index: %w", err)
	}

	if err := writeMetadata(paths[ExtMetadata], &meta); err != nil {
		return meta, fmt.Errorf("write metadata: %w", err)
	}

	return meta, nil
}

func (w *Writer) writeData(
	ctx context.Context,
	path string,
	entries []types.Entry,
	meta *Metadata,
	onRow func(row uint64, e types.Entry),
) ([]blockHandle, error) {
	var handles []blockHandle

	err := w.writeFile(ctx, path, func(out io.Writer) error {
		if _, err := io.WriteString(out, dataMagic); err != nil {
			return err
		}
		offset := int64(len(dataMagic))

		var (
			raw     []byte
			current blockHandle
			extent  types.Hyperrectangle
			prev    types.Entry
		)
		flushBlock := func() error {
			if len(raw) == 0 {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			sealed := sealBlock(raw, w.opts.Compression)
			if _, err := out.Write(sealed); err != nil {
				return err
			}
			current.Offset = offset
			current.Length = int64(len(sealed))
			handles = append(handles, current)
			offset += current.Length
			raw = raw[:0]
			return nil
		}

		for i, e := range entries {
			if i > 0 && types.Compare(prev, e) >= 0 {
				return fmt.Errorf("entries out of order at row %d: %q@%d after %q@%d",
					i, e.Key, e.Version, prev.Key, prev.Version)
			}
			prev = e

			row := uint64(i)
			if len(raw) == 0 {
				current = blockHandle{FirstKey: e.Key, FirstRow: row}
			}
			raw = appendRecord(raw, e)
			onRow(row, e)

			switch e.Kind {
			case types.KindLive:
				meta.Tuples++
			case types.KindTombstone:
				meta.Tombstones++
			}
			if i == 0 {
				meta.MinKey, meta.MinVersion, meta.MaxVersion = Key(e.Key), e.Version, e.Version
				extent = e.Box
			} else {
				meta.MinVersion = min(meta.MinVersion, e.Version)
				meta.MaxVersion = max(meta.MaxVersion, e.Version)
				extent = extent.Cover(e.Box)
			}
			meta.MaxKey = Key(e.Key)

			if len(raw) >= w.opts.BlockSize {
				if err := flushBlock(); err != nil {
					return err
				}
			}
		}
		if err := flushBlock(); err != nil {
			return err
		}

		meta.DataBytes = offset
		meta.setBox(extent)
		return nil
	})

	return handles, err
}

// writeFile creates path, hands a buffered throttled writer to fill and
// syncs the file.
func (w *Writer) writeFile(ctx context.Context, path string, fill func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(throttle(ctx, f, w.opts.Limiter))
	if err := fill(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeIndex(w io.Writer, handles []blockHandle) error {
	buf := make([]byte, 0, len(indexMagic)+4+len(handles)*32)
	buf = append(buf, indexMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(handles)))
	for _, h := range handles {
		buf = binary.AppendUvarint(buf, uint64(len(h.FirstKey)))
		buf = append(buf, h.FirstKey...)
		buf = binary.LittleEndian.AppendUint64(buf, h.FirstRow)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Offset))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Length))
	}
	_, err := w.Write(buf)
	return err
}

func readIndex(path string) ([]blockHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(indexMagic)+4 || string(data[:len(indexMagic)]) != indexMagic {
		return nil, formatErr(path, "bad index header", nil)
	}
	count := binary.LittleEndian.Uint32(data[len(indexMagic):])
	b := data[len(indexMagic)+4:]

	handles := make([]blockHandle, 0, min(int(count), len(b)))
	for i := uint32(0); i < count; i++ {
		keyLen, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < keyLen+24 {
			return nil, formatErr(path, fmt.Sprintf("truncated index record %d", i), nil)
		}
		b = b[n:]
		h := blockHandle{FirstKey: string(b[:keyLen])}
		b = b[keyLen:]
		h.FirstRow = binary.LittleEndian.Uint64(b)
		h.Offset = int64(binary.LittleEndian.Uint64(b[8:]))
		h.Length = int64(binary.LittleEndian.Uint64(b[16:]))
		b = b[24:]
		handles = append(handles, h)
	}
	if len(b) != 0 {
		return nil, formatErr(path, "trailing data after index", nil)
	}
	return handles, nil
}

func removeSegmentFiles(paths map[string]string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove segment file", "path", p, "error", err)
		}
	}
}
