// Package inmem implements an in-memory profile archive backend.
package inmem

import (
	"github.com/micromdm/nanomc/store/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is a profile archive backend using an in-memory key-value store.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.New())}
}
