package store

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

func newTestStore() *Store {
	return New(log.NewLogger(log.DiscardHandler()))
}

func finishedCase(t *testing.T, method, id string) *types.CaseRecord {
	t.Helper()
	rec := types.NewCaseRecord(method, id)
	require.NoError(t, rec.Start(1000))
	require.NoError(t, rec.Finish(types.StatusPassed, 1010, nil))
	return rec
}

func TestRegisterGroup_Idempotent(t *testing.T) {
	s := newTestStore()

	first, created := s.RegisterGroup("Top", GroupMeta{Name: "Top", OwnTags: types.NewTagSet("A")})
	require.True(t, created)
	require.NoError(t, s.AppendCase("Top", finishedCase(t, "a", "Top#a")))

	second, created := s.RegisterGroup("Top", GroupMeta{DisplayName: "Top Level", InheritedTags: types.NewTagSet("X")})
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, s.Len())

	meta := second.Meta()
	assert.Equal(t, "Top", meta.Name)
	assert.Equal(t, "Top Level", meta.DisplayName, "display name is refreshed")
	assert.Equal(t, []string{"A"}, meta.OwnTags.Sorted(), "own tags survive a refresh without tags")
	assert.Equal(t, []string{"X"}, meta.InheritedTags.Sorted())
	assert.Len(t, second.Cases(), 1, "cases are never cleared by a refresh")
}

func TestRegisterGroup_Defaults(t *testing.T) {
	s := newTestStore()
	node, _ := s.RegisterGroup("Top$Inner", GroupMeta{})
	meta := node.Meta()
	assert.Equal(t, "Inner", meta.Name)
	assert.Equal(t, "Inner", meta.DisplayName)
	assert.NotNil(t, meta.AncestorChain)
}

func TestAppendCase_UnknownGroupIsRegistered(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.AppendCase("Top$Late", finishedCase(t, "m", "Top$Late#m")))

	cases, err := s.Cases("Top$Late")
	require.NoError(t, err)
	assert.Len(t, cases, 1)

	_, err = s.Cases("Missing")
	require.ErrorIs(t, err, ErrUnknownGroup)
	require.ErrorIs(t, s.AppendCase("Top", nil), ErrNilCase)
}

func TestAppendCase_ConcurrentNoLostUpdates(t *testing.T) {
	const m = 500
	s := newTestStore()
	s.RegisterGroup("Top", GroupMeta{Name: "Top"})

	p := pool.New().WithErrors().WithMaxGoroutines(32)
	for i := 0; i < m; i++ {
		p.Go(func() error {
			rec := types.NewCaseRecord("m", fmt.Sprintf("Top#m[%d]", i))
			if err := rec.Finish(types.StatusPassed, 1, nil); err != nil {
				return err
			}
			return s.AppendCase("Top", rec)
		})
	}
	require.NoError(t, p.Wait())

	cases, err := s.Cases("Top")
	require.NoError(t, err)
	assert.Len(t, cases, m)
}

func TestRegisterGroup_ConcurrentSingleNode(t *testing.T) {
	s := newTestStore()
	p := pool.New().WithMaxGoroutines(16)
	for i := 0; i < 100; i++ {
		p.Go(func() {
			s.RegisterGroup("Top$Mid", GroupMeta{Name: "Mid"})
			_ = s.AppendCase("Top$Mid", finishedCase(t, "m", "Top$Mid#m"))
		})
	}
	p.Wait()
	assert.Equal(t, []string{"Top$Mid"}, s.Keys())
	cases, err := s.Cases("Top$Mid")
	require.NoError(t, err)
	assert.Len(t, cases, 100)
}

func TestBuildTree(t *testing.T) {
	s := newTestStore()
	s.RegisterGroup("Top", GroupMeta{Name: "Top"})
	s.RegisterGroup("Top$Mid", GroupMeta{Name: "Mid", AncestorChain: []string{"Top"}})
	s.RegisterGroup("Top$Mid$Leaf", GroupMeta{Name: "Leaf", AncestorChain: []string{"Top", "Mid"}})
	require.NoError(t, s.AppendCase("Top$Mid$Leaf", finishedCase(t, "deep", "Top$Mid$Leaf#deep")))

	root, err := s.BuildTree("Top")
	require.NoError(t, err)

	assert.Empty(t, root.Key, "root key is cleared")
	assert.Equal(t, "Top", root.Name)
	require.Len(t, root.Children, 1)
	mid := root.Children[0]
	assert.Equal(t, "Mid", mid.Name)
	assert.Equal(t, "Top$Mid", mid.Key)
	require.Len(t, mid.Children, 1)
	leaf := mid.Children[0]
	assert.Equal(t, "Leaf", leaf.Name)
	assert.Empty(t, leaf.Children)
	require.Len(t, leaf.Cases, 1)
	assert.Equal(t, "Top$Mid$Leaf#deep", leaf.Cases[0].CaseID())
}

func TestBuildTree_OrphansAndOtherRoots(t *testing.T) {
	s := newTestStore()
	s.RegisterGroup("Top", GroupMeta{Name: "Top"})
	s.RegisterGroup("Top$B", GroupMeta{Name: "B"})
	s.RegisterGroup("Top$A", GroupMeta{Name: "A"})
	s.RegisterGroup("Top$Missing$Orphan", GroupMeta{Name: "Orphan"})
	s.RegisterGroup("Other", GroupMeta{Name: "Other"})
	s.RegisterGroup("Other$Child", GroupMeta{Name: "Child"})

	root, err := s.BuildTree("Top")
	require.NoError(t, err)

	var keys []string
	root.Walk(func(n *types.GroupNode, _ int) bool {
		keys = append(keys, n.Key)
		return true
	})
	assert.Equal(t, []string{"", "Top$A", "Top$B"}, keys, "siblings sorted, orphan and other root excluded")

	other, err := s.BuildTree("Other")
	require.NoError(t, err)
	require.Len(t, other.Children, 1)
	assert.Equal(t, "Child", other.Children[0].Name)
}

func TestBuildTree_UnknownRoot(t *testing.T) {
	_, err := newTestStore().BuildTree("Nope")
	require.ErrorIs(t, err, ErrUnknownGroup)
}

func TestBuildTree_SnapshotIsDetached(t *testing.T) {
	s := newTestStore()
	s.RegisterGroup("Top", GroupMeta{Name: "Top"})
	require.NoError(t, s.AppendCase("Top", finishedCase(t, "a", "Top#a")))

	root, err := s.BuildTree("Top")
	require.NoError(t, err)
	require.NoError(t, s.AppendCase("Top", finishedCase(t, "b", "Top#b")))

	assert.Len(t, root.Cases, 1, "later appends do not leak into a built tree")
}
