// Package stats holds the memory accounting records reported by caches.
package stats

import "sort"

// CacheStat describes the size of one cached item, or of a group of items
// that share a name.
type CacheStat struct {
	CategoryName string `json:"category_name"`
	CacheName    string `json:"cache_name"`
	ByteLength   int    `json:"byte_length"`
}

// Provider reports its current cache stats.
type Provider interface {
	Stats() []CacheStat
}

// Group collapses stats with the same category and cache name into a single
// record, sorted by category then name.
func Group(in []CacheStat) []CacheStat {
	type key struct{ category, name string }
	sums := make(map[key]int, len(in))
	for _, s := range in {
		sums[key{s.CategoryName, s.CacheName}] += s.ByteLength
	}
	out := make([]CacheStat, 0, len(sums))
	for k, n := range sums {
		out = append(out, CacheStat{CategoryName: k.category, CacheName: k.name, ByteLength: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CategoryName != out[j].CategoryName {
			return out[i].CategoryName < out[j].CategoryName
		}
		return out[i].CacheName < out[j].CacheName
	})
	return out
}

// Collect concatenates the stats of every provider and groups them.
func Collect(providers ...Provider) []CacheStat {
	var all []CacheStat
	for _, p := range providers {
		if p == nil {
			continue
		}
		all = append(all, p.Stats()...)
	}
	return Group(all)
}
