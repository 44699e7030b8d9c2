package reporting

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

func finished(t *testing.T, groupKey, method, id string, status types.Status, detail string) *types.CaseRecord {
	t.Helper()
	c := types.NewCaseRecord(method, id)
	c.GroupKey = groupKey
	c.RunDisplayName = method
	c.MethodDisplayName = method
	require.NoError(t, c.Start(1000))
	var d []byte
	if detail != "" {
		d = []byte(detail)
	}
	require.NoError(t, c.Finish(status, 1050, d))
	return c
}

// sampleReport builds Top (tag A) > Inner (tag B) with one passing case on
// Top and a failing plus a parameterized case on Inner
func sampleReport(t *testing.T) *types.Report {
	t.Helper()
	plain := finished(t, "Top", "plain", "Top#plain", types.StatusPassed, "")
	plain.MethodTags = types.NewTagSet("M")
	plain.OwnGroupTags = types.NewTagSet("A")
	plain.ParentDisplayName = "Top Level"
	plain.ParentChain = []string{"Top Level"}

	broken := finished(t, "Top$Inner", "broken", "Top$Inner#broken", types.StatusFailed, "\x1b[31mexpected 1, got 2\x1b[0m")

	param := types.NewCaseRecord("param", "Top$Inner#param")
	param.GroupKey = "Top$Inner"
	param.RunDisplayName = "Run 1 with value=A"
	require.NoError(t, param.Start(2000))
	require.NoError(t, param.ApplyInvocation("Top$Inner#param[0]", []types.Parameter{{Index: 0, TypeName: "string", StringValue: "A"}}))
	require.NoError(t, param.Finish(types.StatusPassed, 2010, nil))

	inner := &types.GroupNode{
		Key:           "Top$Inner",
		Name:          "Inner",
		DisplayName:   "Inner",
		OwnTags:       types.NewTagSet("B"),
		InheritedTags: types.NewTagSet("A"),
		AncestorChain: []string{"Top Level"},
		Cases:         []*types.CaseRecord{broken, param},
		Children:      []*types.GroupNode{},
	}
	root := &types.GroupNode{
		Key:           "",
		Name:          "Top",
		DisplayName:   "Top Level",
		OwnTags:       types.NewTagSet("A"),
		InheritedTags: types.NewTagSet(),
		AncestorChain: []string{},
		Cases:         []*types.CaseRecord{plain},
		Children:      []*types.GroupNode{inner},
	}
	return &types.Report{
		Header: types.Header{
			LaunchID:        "TestLaunch-0123456789ab",
			LaunchStartTime: 900,
			LaunchEndTime:   3000,
			ApplicationName: "payments",
			RunEnvironment:  "UAT",
		},
		Root: root,
	}
}
