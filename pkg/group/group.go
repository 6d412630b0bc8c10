// Package group provides insertion-ordered keyed grouping.
package group

import "github.com/samber/lo"

// Group is one key and the items that mapped to it, in input order.
type Group[K comparable, V any] struct {
	Key   K
	Items []V
}

// By partitions items by key. Groups appear in order of first occurrence.
func By[K comparable, V any](items []V, key func(V) K) []Group[K, V] {
	index := make(map[K]int)
	var groups []Group[K, V]
	for _, item := range items {
		k := key(item)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group[K, V]{Key: k})
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	return groups
}

// Chunk splits items into consecutive slices of at most size elements.
// A size of zero or less yields a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{items}
	}
	return lo.Chunk(items, size)
}
