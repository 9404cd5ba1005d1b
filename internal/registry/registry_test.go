package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_Overwrites(t *testing.T) {
	r := New()

	assert.True(t, r.Upsert("A1", Agent{ID: "A1", Hostname: "h1", OS: "linux"}))
	assert.False(t, r.Upsert("A1", Agent{ID: "A1", Hostname: "h2"}))

	got, ok := r.Get("A1")
	require.True(t, ok)
	assert.Equal(t, "h2", got.Hostname)
	assert.Empty(t, got.OS, "records are replaced, not merged")
	assert.Equal(t, 1, r.Len())
}

func TestGet_Unknown(t *testing.T) {
	_, ok := New().Get("nobody")
	assert.False(t, ok)
}

// TestUpsert_ConcurrentUniqueness verifies concurrent check-ins under
// a handful of identities leave exactly one entry per identity.
func TestUpsert_ConcurrentUniqueness(t *testing.T) {
	r := New()
	const ids, writers = 8, 200

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i%ids)
			r.Upsert(id, Agent{ID: id, Hostname: fmt.Sprintf("host-%d", i)})
			r.List()
		}(i)
	}
	wg.Wait()

	list := r.List()
	require.Len(t, list, ids)
	seen := map[string]bool{}
	for _, a := range list {
		assert.False(t, seen[a.ID], "duplicate %s", a.ID)
		seen[a.ID] = true
	}
}

// TestList_SnapshotIsolation verifies a listing is unaffected by later
// check-ins and that mutating it does not touch the registry.
func TestList_SnapshotIsolation(t *testing.T) {
	r := New()
	r.Upsert("b", Agent{ID: "b", Hostname: "old"})
	r.Upsert("a", Agent{ID: "a"})

	snap := r.List()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID, "ordered by identity")

	r.Upsert("b", Agent{ID: "b", Hostname: "new"})
	r.Upsert("c", Agent{ID: "c"})
	assert.Len(t, snap, 2)
	assert.Equal(t, "old", snap[1].Hostname)

	snap[0].Hostname = "tampered"
	got, _ := r.Get("a")
	assert.Empty(t, got.Hostname)
}

func TestList_Empty(t *testing.T) {
	list := New().List()
	assert.NotNil(t, list)
	assert.Empty(t, list)
}
