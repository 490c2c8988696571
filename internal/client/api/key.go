package api

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strings"
)

// descriptor is the canonical form of a read used to derive its cache key. Two
// reads with the same endpoint, method, path and query share an entry.
type descriptor struct {
	Endpoint string
	Method   string
	Path     string
	Query    url.Values
}

// Hash computes a deterministic FNV-1a hash of the descriptor. Query values are
// written in sorted key order.
func (d descriptor) Hash() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(d.Method)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(d.Path))
	_, _ = h.Write([]byte("|"))

	if len(d.Query) > 0 {
		keys := make([]string, 0, len(d.Query))
		for k := range d.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			values := append([]string(nil), d.Query[k]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", k, strings.Join(values, ",")))
		}
		_, _ = h.Write([]byte(strings.Join(parts, "&")))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Key prefixes the hash with the endpoint name so keys stay readable in logs.
func (d descriptor) Key() string {
	return d.Endpoint + "#" + d.Hash()
}
