package deadletter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/types"
)

// Both backends must behave identically; run the same scenarios over each.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := &Entry{
				TenantID:   types.NewID(),
				Stage:      "normalize",
				Kind:       "parse_error",
				ArchiveRef: "raw-events/t/2024/01/15/abc",
				Reason:     "unexpected token at offset 12",
				Diagnostic: `{"parser":"generic-json","version":"v1"}`,
				Attempts:   1,
			}
			require.NoError(t, store.Put(ctx, entry))
			require.NotEqual(t, types.NilID, entry.ID)

			got, err := store.Get(ctx, entry.ID)
			require.NoError(t, err)
			assert.Equal(t, entry.Stage, got.Stage)
			assert.Equal(t, entry.Kind, got.Kind)
			assert.Equal(t, entry.ArchiveRef, got.ArchiveRef)
			assert.Equal(t, entry.Reason, got.Reason)
			assert.Equal(t, entry.Attempts, got.Attempts)
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), types.NewID())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListFilters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantA := types.NewID()
			tenantB := types.NewID()

			require.NoError(t, store.Put(ctx, &Entry{TenantID: tenantA, Stage: "normalize", Kind: "parse_error", ArchiveRef: "r1", Reason: "bad json"}))
			require.NoError(t, store.Put(ctx, &Entry{TenantID: tenantA, Stage: "normalize", Kind: "fx_unavailable", ArchiveRef: "r2", Reason: "no rate"}))
			require.NoError(t, store.Put(ctx, &Entry{TenantID: tenantB, Stage: "intake", Kind: "config_missing", ArchiveRef: "r3", Reason: "unknown connection"}))

			all, err := store.List(ctx, Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			byTenant, err := store.List(ctx, Filter{TenantID: tenantA})
			require.NoError(t, err)
			assert.Len(t, byTenant, 2)

			byKind, err := store.List(ctx, Filter{Kind: "parse_error"})
			require.NoError(t, err)
			require.Len(t, byKind, 1)
			assert.Equal(t, "r1", byKind[0].ArchiveRef)

			limited, err := store.List(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}
