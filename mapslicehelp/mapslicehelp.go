package mapslicehelp

import (
	"cmp"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// OrderedMapKeys returns the keys of m from oldest to newest.
func OrderedMapKeys[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []K {
	l := make([]K, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Key
		i++
	}
	return l
}

// TopN returns up to n elements of s ordered by descending key, ties keeping
// their original order.
func TopN[E any, K constraints.Ordered](s []E, n int, key func(E) K) []E {
	sorted := slices.Clone(s)
	slices.SortStableFunc(sorted, func(a, b E) int {
		return cmp.Compare(key(b), key(a))
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
