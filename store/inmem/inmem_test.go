package inmem

import (
	"testing"

	"github.com/micromdm/nanomc/store"
	"github.com/micromdm/nanomc/store/test"
)

func TestInMem(t *testing.T) {
	test.TestStorage(t, func() store.Storage { return New() })
}
