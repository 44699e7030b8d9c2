// Package store accumulates group and case records for one run and rebuilds
// the nested group tree on demand.
package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-launch/metrics"
	"github.com/ethereum-optimism/infra/op-launch/types"
)

var (
	ErrUnknownGroup = errors.New("unknown group")
	ErrNilCase      = errors.New("nil case record")
)

// GroupMeta describes a group when it is registered
type GroupMeta struct {
	Name          string
	DisplayName   string
	OwnTags       types.TagSet
	InheritedTags types.TagSet
	AncestorChain []string
}

// Node is the live, store-owned state of one group. Only the store appends cases.
type Node struct {
	key string

	mu    sync.Mutex
	meta  GroupMeta
	cases []*types.CaseRecord
}

func (n *Node) Key() string {
	return n.key
}

// Meta returns a copy of the group's descriptive fields
func (n *Node) Meta() GroupMeta {
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyMeta(n.meta)
}

// Cases returns a snapshot of the stored cases in completion order
func (n *Node) Cases() []*types.CaseRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.cases)
}

func (n *Node) append(rec *types.CaseRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cases = append(n.cases, rec)
}

// refresh merges a repeated registration. The case list is never touched.
func (n *Node) refresh(meta GroupMeta) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if meta.Name != "" {
		n.meta.Name = meta.Name
	}
	if meta.DisplayName != "" {
		n.meta.DisplayName = meta.DisplayName
	}
	if meta.OwnTags.Len() > 0 {
		n.meta.OwnTags = meta.OwnTags.Clone()
	}
	if meta.InheritedTags.Len() > 0 {
		n.meta.InheritedTags = meta.InheritedTags.Clone()
	}
	if len(meta.AncestorChain) > 0 {
		n.meta.AncestorChain = slices.Clone(meta.AncestorChain)
	}
}

// Store maps group keys to nodes. It is safe for concurrent use.
type Store struct {
	log log.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
}

func New(logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root()
	}
	return &Store{
		log:   logger,
		nodes: make(map[string]*Node),
	}
}

// RegisterGroup upserts the node for key. Registering an existing key refreshes
// its names and tags, and reports created=false.
func (s *Store) RegisterGroup(key string, meta GroupMeta) (node *Node, created bool) {
	s.mu.RLock()
	node, ok := s.nodes[key]
	s.mu.RUnlock()
	if ok {
		node.refresh(meta)
		return node, false
	}

	s.mu.Lock()
	if node, ok = s.nodes[key]; ok {
		s.mu.Unlock()
		node.refresh(meta)
		return node, false
	}
	node = newNode(key, meta)
	s.nodes[key] = node
	s.mu.Unlock()

	metrics.RecordGroupRegistered()
	s.log.Debug("Registered group", "key", key, "displayName", meta.DisplayName)
	return node, true
}

// AppendCase stores a finished case under its group. An unknown group is
// registered on the spot so the case is not lost.
func (s *Store) AppendCase(groupKey string, rec *types.CaseRecord) error {
	if rec == nil {
		return ErrNilCase
	}
	node, ok := s.Group(groupKey)
	if !ok {
		s.log.Warn("Case stored for unregistered group", "group", groupKey, "case", rec.CaseID())
		node, _ = s.RegisterGroup(groupKey, GroupMeta{Name: types.LastSegment(groupKey)})
	}
	node.append(rec)
	return nil
}

func (s *Store) Group(key string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[key]
	return node, ok
}

// Cases returns the stored cases of a group
func (s *Store) Cases(key string) ([]*types.CaseRecord, error) {
	node, ok := s.Group(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, key)
	}
	return node.Cases(), nil
}

// Keys returns every registered key in lexical order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.nodes))
	for k := range s.nodes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// BuildTree reconstructs the nested snapshot rooted at rootKey. Children are
// found by dropping the last nesting segment of every other key. Descendants
// of rootKey whose parent was never registered are logged and left out. The
// returned root has its key cleared.
func (s *Store) BuildTree(rootKey string) (*types.GroupNode, error) {
	s.mu.RLock()
	root, ok := s.nodes[rootKey]
	all := make(map[string]*Node, len(s.nodes))
	for k, n := range s.nodes {
		all[k] = n
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, rootKey)
	}

	byParent := make(map[string][]string)
	for key := range all {
		if key == rootKey {
			continue
		}
		parent, hasParent := types.ParentKey(key)
		if !hasParent {
			continue
		}
		if _, known := all[parent]; !known {
			if isDescendant(key, rootKey) {
				s.log.Warn("Orphan group left out of tree", "group", key, "missingParent", parent, "root", rootKey)
				metrics.RecordOrphanGroup()
			}
			continue
		}
		byParent[parent] = append(byParent[parent], key)
	}
	for _, children := range byParent {
		slices.Sort(children)
	}

	tree := snapshot(root, all, byParent)
	tree.Key = ""
	return tree, nil
}

func snapshot(n *Node, all map[string]*Node, byParent map[string][]string) *types.GroupNode {
	meta := n.Meta()
	out := &types.GroupNode{
		Key:           n.key,
		Name:          meta.Name,
		DisplayName:   meta.DisplayName,
		OwnTags:       meta.OwnTags,
		InheritedTags: meta.InheritedTags,
		AncestorChain: meta.AncestorChain,
		Cases:         n.Cases(),
		Children:      []*types.GroupNode{},
	}
	for _, childKey := range byParent[n.key] {
		out.Children = append(out.Children, snapshot(all[childKey], all, byParent))
	}
	return out
}

func isDescendant(key, rootKey string) bool {
	return strings.HasPrefix(key, rootKey+types.NestingSeparator)
}

func newNode(key string, meta GroupMeta) *Node {
	m := copyMeta(meta)
	if m.Name == "" {
		m.Name = types.LastSegment(key)
	}
	if m.DisplayName == "" {
		m.DisplayName = m.Name
	}
	return &Node{key: key, meta: m, cases: []*types.CaseRecord{}}
}

func copyMeta(meta GroupMeta) GroupMeta {
	out := meta
	out.OwnTags = meta.OwnTags.Clone()
	out.InheritedTags = meta.InheritedTags.Clone()
	out.AncestorChain = slices.Clone(meta.AncestorChain)
	if out.AncestorChain == nil {
		out.AncestorChain = []string{}
	}
	return out
}
