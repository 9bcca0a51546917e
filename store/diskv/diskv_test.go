package diskv

import (
	"testing"

	"github.com/micromdm/nanomc/store"
	"github.com/micromdm/nanomc/store/test"
)

func TestDiskv(t *testing.T) {
	test.TestStorage(t, func() store.Storage { return New(t.TempDir()) })
}
