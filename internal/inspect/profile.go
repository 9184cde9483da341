// Package inspect builds a statistical profile of the shape of heterogeneous,
// schema-less JSON documents: field names, nesting, cardinality, and
// (optionally) value distributions, without any a-priori schema.
//
// The profile is a frequency tree. Interior nodes (branches) map field names
// to children; terminal nodes (leaves) carry an occurrence count and an
// optional value histogram. The tree is bounded in depth at fold time and in
// histogram width only at render time.
package inspect

import (
	"fmt"
	"sort"
	"strconv"
)

// Limits for the value-inspection feature.
const (
	// maxValueLen is the length value strings are truncated to in histograms.
	maxValueLen = 50

	// MaxHistogramEntries is the number of histogram entries shown per leaf
	// at render time. Accumulation itself is unbounded.
	MaxHistogramEntries = 50
)

// NodeKind discriminates the frequency tree's tagged union.
type NodeKind int

const (
	// KindBranch marks an interior node whose children are further fields.
	KindBranch NodeKind = iota
	// KindLeaf marks a terminal node carrying count and histogram.
	KindLeaf
)

// Node is one position in the frequency tree: either a Branch or a Leaf,
// fixed by the first occurrence folded at its path.
type Node struct {
	Kind NodeKind

	// Branch state: children keyed by field name, plus insertion order for
	// deterministic traversal (Go maps are unordered).
	Children map[string]*Node
	Order    []string

	// Leaf state: occurrence count (strictly increasing while folding) and a
	// value histogram populated only when value inspection is enabled.
	// HistOrder records first-seen order of histogram keys so render-time
	// sorting can break count ties stably.
	Count     int
	Hist      map[string]int
	HistOrder []string
}

func newBranch() *Node {
	return &Node{Kind: KindBranch, Children: make(map[string]*Node)}
}

func newLeaf() *Node {
	return &Node{Kind: KindLeaf, Hist: make(map[string]int)}
}

// Profiler is a record sink that folds every accepted document into a shared
// frequency tree. One Profiler owns one tree for the lifetime of one run.
type Profiler struct {
	resourceType string
	root         *Node
	maxLevel     int
	withValues   bool
}

// NewProfiler builds a profiler for one run.
//
// maxLevel is the maximum nesting depth to recurse into nested objects before
// treating them as opaque leaf values; it must be >= 1.
func NewProfiler(resourceType string, maxLevel int, withValues bool) (*Profiler, error) {
	if maxLevel < 1 {
		return nil, fmt.Errorf("inspect: max level must be > 0, got %d", maxLevel)
	}
	return &Profiler{
		resourceType: resourceType,
		root:         newBranch(),
		maxLevel:     maxLevel,
		withValues:   withValues,
	}, nil
}

// ResourceType returns the label the tree is rooted at.
func (p *Profiler) ResourceType() string { return p.resourceType }

// Tree exposes the accumulated frequency tree (the root branch).
func (p *Profiler) Tree() *Node { return p.root }

// Accept folds one record into the tree. It implements fetch.Sink.
func (p *Profiler) Accept(resource map[string]any) {
	p.fold(resource, p.root, 0)
}

// fold recursively merges one object's fields into a branch node.
//
// Every value is normalized to a sequence: a multi-valued (array) field
// contributes one increment per element, a scalar exactly one. The kind of
// the child at a given path is fixed by the first occurrence folded there;
// in particular a depth-capped object folds into an established leaf rather
// than forcing a branch.
func (p *Profiler) fold(rec map[string]any, node *Node, level int) {
	// Sorted field iteration keeps the tree deterministic across runs.
	names := make([]string, 0, len(rec))
	for name := range rec {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		elems, ok := rec[name].([]any)
		if !ok {
			elems = []any{rec[name]}
		}

		for _, elem := range elems {
			obj, isObject := elem.(map[string]any)

			if isObject && level < p.maxLevel {
				child := node.Children[name]
				if child == nil {
					child = newBranch()
					node.Children[name] = child
					node.Order = append(node.Order, name)
				}
				if child.Kind == KindLeaf {
					// Path already fixed as a leaf (it was first seen at the
					// nesting limit, or as a scalar); keep counting it there.
					p.leafOccurrence(child, elem)
					continue
				}
				p.fold(obj, child, level+1)
				continue
			}

			child := node.Children[name]
			if child == nil {
				child = newLeaf()
				node.Children[name] = child
				node.Order = append(node.Order, name)
			}
			if child.Kind == KindBranch {
				// Scalar occurrence at an established branch path: the kind
				// is fixed by the first occurrence, so the value is dropped.
				continue
			}
			p.leafOccurrence(child, elem)
		}
	}
}

func (p *Profiler) leafOccurrence(leaf *Node, v any) {
	leaf.Count++
	if !p.withValues {
		return
	}

	s := truncateValue(stringifyValue(v))
	if _, seen := leaf.Hist[s]; !seen {
		leaf.HistOrder = append(leaf.HistOrder, s)
	}
	leaf.Hist[s]++
}

// stringifyValue renders a histogram key for a folded element.
//
// fmt prints map keys in sorted order, so depth-capped objects produce a
// deterministic string.
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(v)
	}
}

// truncateValue caps a histogram key at maxValueLen characters, appending an
// ellipsis marker. Strings up to maxValueLen+3 pass through untouched so that
// truncation never produces a longer string than the original.
func truncateValue(s string) string {
	if len(s) <= maxValueLen+3 {
		return s
	}
	return s[:maxValueLen] + "..."
}
