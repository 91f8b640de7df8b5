// Package jsontree searches loosely typed JSON documents without assuming a
// fixed envelope path. Values are the shapes produced by encoding/json when
// decoding into any: maps, slices and scalars.
package jsontree

import (
	"sort"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
)

// DefaultMaxDepth bounds every search so adversarial payloads cannot force
// unbounded traversal.
const DefaultMaxDepth = 32

// Kind tags a node of the decoded tree.
type Kind int

// Node kinds.
const (
	Scalar Kind = iota
	Map
	Sequence
)

// KindOf reports the node kind of v.
func KindOf(v any) Kind {
	switch v.(type) {
	case map[string]any:
		return Map
	case []any:
		return Sequence
	default:
		return Scalar
	}
}

// Find walks root breadth-first, visiting at most maxDepth levels below the
// root, and returns the first map accepted by match. Shallower matches win;
// map keys are visited in sorted order so results are deterministic.
func Find(root any, maxDepth int, match func(map[string]any) bool) (map[string]any, bool) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	level := []any{root}
	for depth := 0; depth <= maxDepth && len(level) > 0; depth++ {
		var next []any
		for _, node := range level {
			switch n := node.(type) {
			case map[string]any:
				if match(n) {
					return n, true
				}
				for _, key := range sortedKeys(n) {
					if KindOf(n[key]) != Scalar {
						next = append(next, n[key])
					}
				}
			case []any:
				for _, child := range n {
					if KindOf(child) != Scalar {
						next = append(next, child)
					}
				}
			}
		}
		level = next
	}
	return nil, false
}

// FindEdges locates the first "edges" sequence in the document.
func FindEdges(root any, maxDepth int) ([]any, bool) {
	holder, ok := Find(root, maxDepth, func(m map[string]any) bool {
		return KindOf(m["edges"]) == Sequence
	})
	if !ok {
		return nil, false
	}
	return holder["edges"].([]any), true
}

// FindPageInfo locates the first "pageInfo" object in the document.
func FindPageInfo(root any, maxDepth int) (map[string]any, bool) {
	holder, ok := Find(root, maxDepth, func(m map[string]any) bool {
		return KindOf(m["pageInfo"]) == Map
	})
	if !ok {
		return nil, false
	}
	return holder["pageInfo"].(map[string]any), true
}

// FindCursor returns the endCursor of the first pageInfo block that carries
// one. Empty or non-string cursors are treated as absent.
func FindCursor(root any, maxDepth int) catalog.Cursor {
	holder, ok := Find(root, maxDepth, func(m map[string]any) bool {
		info, isMap := m["pageInfo"].(map[string]any)
		if !isMap {
			return false
		}
		_, has := info["endCursor"]
		return has
	})
	if !ok {
		return nil
	}
	raw, _ := holder["pageInfo"].(map[string]any)["endCursor"].(string)
	return catalog.NewCursor(raw)
}

// HasNextPage reads pageInfo.hasNextPage; nil means the flag was absent.
func HasNextPage(info map[string]any) *bool {
	if info == nil {
		return nil
	}
	v, ok := info["hasNextPage"].(bool)
	if !ok {
		return nil
	}
	return &v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
