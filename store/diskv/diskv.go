// Package diskv implements a profile archive backend backed by diskv.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanomc/store/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a profile archive backend that uses an on-disk key-value store.
type Diskv struct {
	*kv.KV
}

// New creates a new profile archive on disk at path.
func New(path string) *Diskv {
	return &Diskv{
		KV: kv.New(kvdiskv.New(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "profiles"),
			Transform:    kvdiskv.FlatTransform,
			CacheSizeMax: 1024 * 1024,
		}))),
	}
}
