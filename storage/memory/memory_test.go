package memory

import (
	"testing"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
	"github.com/thegreatlucas/therichcouple-sub000/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore()
	})
}
