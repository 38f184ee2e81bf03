package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"marginalia/internal/store"
)

func entry(userID, connID string) Entry {
	return Entry{Profile: store.Profile{ID: userID, Username: userID}, ConnectionID: connID}
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return r
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.Add("doc_1", entry("usr_a", "c1"))
	r.Add("doc_1", entry("usr_b", "c2"))
	r.Add("doc_1", entry("usr_a", "c3"))

	list := r.List("doc_1")
	assert.Len(t, list, 2)
	assert.Equal(t, "usr_a", list[0].ID, "re-add keeps original join order")
	assert.Equal(t, "c3", list[0].ConnectionID)
	assert.Equal(t, 2, r.Len("doc_1"))
}

func TestRegistryRemoveCollectsEmptyRooms(t *testing.T) {
	r := newTestRegistry()
	r.Add("doc_1", entry("usr_a", "c1"))
	r.Add("doc_2", entry("usr_a", "c2"))
	assert.Equal(t, []string{"doc_1", "doc_2"}, r.Documents())

	assert.True(t, r.Remove("doc_1", "usr_a", ""))
	assert.Equal(t, []string{"doc_2"}, r.Documents())
	assert.Empty(t, r.List("doc_1"))
	assert.False(t, r.Remove("doc_1", "usr_a", ""))
}

func TestRegistryRemoveChecksConnection(t *testing.T) {
	r := newTestRegistry()
	r.Add("doc_1", entry("usr_a", "old"))
	r.Add("doc_1", entry("usr_a", "new"))

	assert.False(t, r.Remove("doc_1", "usr_a", "old"), "stale connection must not evict newer one")
	assert.True(t, r.Has("doc_1", "usr_a"))
	assert.True(t, r.Remove("doc_1", "usr_a", "new"))
	assert.False(t, r.Has("doc_1", "usr_a"))
}

func TestRegistryInstancesAreIsolated(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.Add("doc_1", entry("usr_a", "c1"))
	assert.Equal(t, 0, b.Len("doc_1"))
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("usr_%d", i)
			r.Add("doc_1", entry(userID, userID))
			if i%2 == 0 {
				r.Remove("doc_1", userID, userID)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, r.Len("doc_1"))

	for i := 1; i < 50; i += 2 {
		r.Remove("doc_1", fmt.Sprintf("usr_%d", i), "")
	}
	assert.Empty(t, r.Documents())
}
