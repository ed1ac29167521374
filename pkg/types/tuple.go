package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyKey         = errors.New("empty key")
	ErrInvalidTableName = errors.New("invalid table name")
)

// Kind tags an Entry as a live tuple or a tombstone.
type Kind uint8

const (
	KindLive Kind = iota + 1
	KindTombstone
)

func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tuple is a versioned value stored under a key and a bounding box.
type Tuple struct {
	Key     string
	Box     Hyperrectangle
	Value   []byte
	Version int64
}

func (t Tuple) Validate() error {
	if t.Key == "" {
		return ErrEmptyKey
	}
	return nil
}

// Entry is either a live tuple or a tombstone for a key at a version.
type Entry struct {
	Kind    Kind
	Key     string
	Box     Hyperrectangle
	Value   []byte
	Version int64
}

// Live wraps a tuple into an entry.
func Live(t Tuple) Entry {
	return Entry{
		Kind:    KindLive,
		Key:     t.Key,
		Box:     t.Box,
		Value:   t.Value,
		Version: t.Version,
	}
}

// Tombstone is a deletion marker. Its box is the full space so every range
// query sees it and can shadow older versions.
func Tombstone(key string, version int64) Entry {
	return Entry{
		Kind:    KindTombstone,
		Key:     key,
		Box:     FullSpace,
		Version: version,
	}
}

func (e Entry) IsTombstone() bool {
	return e.Kind == KindTombstone
}

// Tuple returns the live tuple, or false for a tombstone.
func (e Entry) Tuple() (Tuple, bool) {
	if e.Kind != KindLive {
		return Tuple{}, false
	}
	return Tuple{Key: e.Key, Box: e.Box, Value: e.Value, Version: e.Version}, true
}

// Supersedes reports whether e wins over o for the same key: the higher
// version wins, and a tombstone wins a tie.
func (e Entry) Supersedes(o Entry) bool {
	if e.Version != o.Version {
		return e.Version > o.Version
	}
	return e.Kind == KindTombstone && o.Kind != KindTombstone
}

// Size is the approximate in-memory footprint used for memtable accounting.
func (e Entry) Size() int {
	const overhead = 8 + 1 + 16 // version + kind + slice headers
	return overhead + len(e.Key) + len(e.Value) + e.Box.EncodedSize()
}

// Compare orders entries by key ascending, then version descending.
func Compare(a, b Entry) int {
	if c := strings.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Version > b.Version:
		return -1
	case a.Version < b.Version:
		return 1
	}
	return 0
}

// Resolve keeps the winning entry per key.
func Resolve(entries []Entry) map[string]Entry {
	winners := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if cur, ok := winners[e.Key]; !ok || e.Supersedes(cur) {
			winners[e.Key] = e
		}
	}
	return winners
}

// TableName identifies a table on this node. It doubles as a directory name.
type TableName string

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

func (n TableName) Validate() error {
	if !tableNameRe.MatchString(string(n)) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, string(n))
	}
	return nil
}

func (n TableName) String() string {
	return string(n)
}
