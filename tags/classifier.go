// Package tags splits the tags visible from a test context into the scopes
// they were declared at.
package tags

import "github.com/ethereum-optimism/infra/op-launch/types"

// Classification holds three disjoint-by-scope tag sets. A tag declared at two
// levels appears in both sets.
type Classification struct {
	Method    types.TagSet // declared on the case's method
	OwnGroup  types.TagSet // declared on the immediately enclosing group
	Inherited types.TagSet // union over every strictly enclosing group
}

// Classifier derives tag classifications. It holds no state and is safe for concurrent use.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// ForCase classifies the tags of a case context, whose enclosing context is its group
func (c *Classifier) ForCase(testCase types.Context) Classification {
	out := empty()
	if testCase == nil {
		return out
	}
	out.Method = declared(testCase)
	group := testCase.EnclosingContext()
	if group == nil {
		return out
	}
	out.OwnGroup = declared(group)
	out.Inherited = ancestorTags(group)
	return out
}

// ForGroup classifies the tags of a group context. Method is always empty.
func (c *Classifier) ForGroup(group types.Context) Classification {
	out := empty()
	if group == nil {
		return out
	}
	out.OwnGroup = declared(group)
	out.Inherited = ancestorTags(group)
	return out
}

func ancestorTags(group types.Context) types.TagSet {
	out := types.NewTagSet()
	for a := group.EnclosingContext(); a != nil; a = a.EnclosingContext() {
		out.AddAll(declared(a))
	}
	return out
}

func declared(ctx types.Context) types.TagSet {
	return types.NewTagSet(ctx.DeclaredTags()...)
}

func empty() Classification {
	return Classification{
		Method:    types.NewTagSet(),
		OwnGroup:  types.NewTagSet(),
		Inherited: types.NewTagSet(),
	}
}
