package inspect

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// RenderOptions controls tree rendering.
type RenderOptions struct {
	// WithValues includes per-leaf value histograms.
	WithValues bool

	// MaxValues bounds the number of histogram entries printed per leaf.
	// Zero means MaxHistogramEntries.
	MaxValues int
}

// HistEntry is one rendered histogram row.
type HistEntry struct {
	Value string
	Count int
}

// TopValues returns the most frequent histogram entries of a leaf, at most
// max of them, ordered by descending count. Ties are broken by first-seen
// order, so growing a histogram never reorders the entries already shown.
func TopValues(n *Node, max int) []HistEntry {
	entries := make([]HistEntry, 0, len(n.HistOrder))
	for _, v := range n.HistOrder {
		entries = append(entries, HistEntry{Value: v, Count: n.Hist[v]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	if len(entries) > max {
		entries = entries[:max]
	}
	return entries
}

// RenderTree writes the frequency tree as indented text, one field per line
// in first-seen order, leaves annotated with their occurrence count and,
// when requested, their top histogram entries.
func RenderTree(w io.Writer, resourceType string, root *Node, opt RenderOptions) error {
	if opt.MaxValues <= 0 {
		opt.MaxValues = MaxHistogramEntries
	}
	if _, err := fmt.Fprintf(w, "%s\n", resourceType); err != nil {
		return err
	}
	return renderNode(w, root, 1, opt)
}

func renderNode(w io.Writer, node *Node, depth int, opt RenderOptions) error {
	indent := strings.Repeat("  ", depth)
	for _, name := range node.Order {
		child := node.Children[name]
		if child.Kind == KindBranch {
			if _, err := fmt.Fprintf(w, "%s%s\n", indent, name); err != nil {
				return err
			}
			if err := renderNode(w, child, depth+1, opt); err != nil {
				return err
			}
			continue
		}

		if _, err := fmt.Fprintf(w, "%s%s(%d)\n", indent, name, child.Count); err != nil {
			return err
		}
		if !opt.WithValues {
			continue
		}
		valIndent := strings.Repeat("  ", depth+1)
		for _, e := range TopValues(child, opt.MaxValues) {
			if _, err := fmt.Fprintf(w, "%s%s(%d)\n", valIndent, e.Value, e.Count); err != nil {
				return err
			}
		}
	}
	return nil
}
