package ordset

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(s *Set) []string {
	var out []string
	s.Ascend(func(k string) bool {
		out = append(out, k)
		return true
	})
	return out
}

func TestInsertKeepsAscendingOrder(t *testing.T) {
	s := New()
	keys := []string{"zebra", "apple", "mango", "banana", "kiwi"}
	for _, k := range keys {
		s.Insert(k)
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	require.Equal(t, sorted, collect(s))
	require.Equal(t, len(sorted), s.Len())
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	s := New()
	require.True(t, s.Insert("a"))
	require.False(t, s.Insert("a"))
	require.Equal(t, 1, s.Len())
}

func TestDeleteRemovesKey(t *testing.T) {
	s := New()
	s.Insert("a")
	s.Insert("b")
	require.True(t, s.Delete("a"))
	require.False(t, s.Contains("a"))
	require.True(t, s.Contains("b"))
	require.False(t, s.Delete("a"))
}

func TestSnapshotIsolatesFromLaterMutation(t *testing.T) {
	s := New()
	s.Insert("a")
	s.Insert("b")
	snap := s.Snapshot()

	s.Insert("c")
	s.Delete("a")

	require.Equal(t, []string{"a", "b"}, collect(snap))
	require.Equal(t, []string{"b", "c"}, collect(s))
}

func TestManyInsertsSplitNodesAndStayOrdered(t *testing.T) {
	s := New()
	r := rand.New(rand.NewSource(1))
	seen := map[string]bool{}
	for i := 0; i < 5000; i++ {
		k := randKey(r)
		s.Insert(k)
		seen[k] = true
	}
	got := collect(s)
	require.Equal(t, len(seen), len(got))
	require.True(t, sort.StringsAreSorted(got))
	for k := range seen {
		require.True(t, s.Contains(k))
	}
}

func randKey(r *rand.Rand) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(b)
}
