package mongodb

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
	"github.com/thegreatlucas/therichcouple-sub000/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("THERICHCOUPLE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("THERICHCOUPLE_TEST_MONGO_URI not set; skipping MongoDB tests")
	}

	ctx := context.Background()
	s, err := Open(ctx, uri, "therichcouple_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Drop(ctx) //nolint:errcheck
		s.Close()
	})
	return s
}

func TestMongoStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestOpenRejectsEmptyURI(t *testing.T) {
	_, err := Open(context.Background(), "", "db")
	require.Error(t, err)
}
