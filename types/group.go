package types

import "strings"

// NestingSeparator joins the segments of a group key, e.g. "Top$Mid$Leaf"
const NestingSeparator = "$"

// GroupNode is a read-only snapshot of one test group, produced when the
// aggregation tree is built. Children are populated only in snapshots.
type GroupNode struct {
	Key           string
	Name          string
	DisplayName   string
	OwnTags       TagSet
	InheritedTags TagSet
	AncestorChain []string // Display names of strict ancestors, root first
	Cases         []*CaseRecord
	Children      []*GroupNode
}

// Walk visits n and its descendants depth first. Returning false from visitor
// stops descent below that node.
func (n *GroupNode) Walk(visitor func(node *GroupNode, depth int) bool) {
	n.walk(visitor, 0)
}

func (n *GroupNode) walk(visitor func(*GroupNode, int) bool, depth int) {
	if !visitor(n, depth) {
		return
	}
	for _, child := range n.Children {
		child.walk(visitor, depth+1)
	}
}

// AllCases returns the cases of n and every descendant
func (n *GroupNode) AllCases() []*CaseRecord {
	var out []*CaseRecord
	n.Walk(func(node *GroupNode, _ int) bool {
		out = append(out, node.Cases...)
		return true
	})
	return out
}

// JoinKey builds a group key from nesting segments
func JoinKey(segments ...string) string {
	return strings.Join(segments, NestingSeparator)
}

// SplitKey returns the nesting segments of a key
func SplitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, NestingSeparator)
}

// ParentKey drops the last nesting segment of key. Top-level keys have no parent.
func ParentKey(key string) (string, bool) {
	idx := strings.LastIndex(key, NestingSeparator)
	if idx < 0 {
		return "", false
	}
	return key[:idx], true
}

// LastSegment returns the innermost segment of key
func LastSegment(key string) string {
	idx := strings.LastIndex(key, NestingSeparator)
	return key[idx+1:]
}
