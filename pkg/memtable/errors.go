package memtable

import "errors"

var ErrSealed = errors.New("memtable is sealed")
