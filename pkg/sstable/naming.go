package sstable

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"bboxkv/pkg/types"
)

// File extensions of the parts of one segment.
const (
	ExtData     = ".sst"
	ExtIndex    = ".idx"
	ExtBloom    = ".blm"
	ExtSpatial  = ".sidx"
	ExtMetadata = ".meta"
)

// Extensions lists every file a segment consists of. Metadata is last: it is
// written last and its presence marks a finished segment.
var Extensions = []string{ExtData, ExtIndex, ExtBloom, ExtSpatial, ExtMetadata}

const filePrefix = "sstable_"

// TableDir is the directory holding every file of a table.
func TableDir(root string, table types.TableName) string {
	return filepath.Join(root, string(table))
}

// FileName returns sstable_<table>_<n><ext>.
func FileName(table types.TableName, n uint64, ext string) string {
	return fmt.Sprintf("%s%s_%d%s", filePrefix, table, n, ext)
}

// SegmentPaths returns the paths of all files of segment n.
func SegmentPaths(dir string, table types.TableName, n uint64) map[string]string {
	paths := make(map[string]string, len(Extensions))
	for _, ext := range Extensions {
		paths[ext] = filepath.Join(dir, FileName(table, n, ext))
	}
	return paths
}

// ParseFileName extracts the table number and extension of a segment file
// belonging to table.
func ParseFileName(table types.TableName, name string) (n uint64, ext string, ok bool) {
	prefix := filePrefix + string(table) + "_"
	if !strings.HasPrefix(name, prefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(name, prefix)

	dot := strings.IndexByte(rest, '.')
	if dot <= 0 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(rest[:dot], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, rest[dot:], true
}
