package warm

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postgresTestDSN returns the DSN for integration tests.
// If STRATA_TEST_POSTGRES_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("STRATA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STRATA_TEST_POSTGRES_DSN not set; skipping pgvector integration tests")
	}
	return dsn
}

func TestPGVectorIndex_AgreesWithFlat(t *testing.T) {
	dsn := postgresTestDSN(t)
	ctx := context.Background()

	pg, err := OpenPGVectorIndex(ctx, dsn, testDim)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pg.Reset(ctx)
		_ = pg.Close()
	})
	require.NoError(t, pg.Reset(ctx))

	flat := NewFlatIndex()
	for i := 0; i < 10; i++ {
		vec := embed(t, fmt.Sprintf("pg note %d topic %d", i, i%3))
		id := fmt.Sprintf("p%02d", i)
		require.NoError(t, pg.Upsert(ctx, id, vec))
		require.NoError(t, flat.Upsert(ctx, id, vec))
	}
	assert.Equal(t, 10, pg.Len())

	q := embed(t, "pg note topic 1")
	want, err := flat.Query(ctx, q, 3)
	require.NoError(t, err)
	got, err := pg.Query(ctx, q, 3)
	require.NoError(t, err)

	require.Len(t, got, 3)
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.InDelta(t, want[i].Similarity, got[i].Similarity, 1e-4)
	}

	require.NoError(t, pg.Delete(ctx, "p00"))
	assert.Equal(t, 9, pg.Len())
}
