// Package naming resolves human-readable names for cases and groups.
package naming

import (
	"slices"
	"strings"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

// Resolver applies the display-name precedence rules. It holds no state.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// IsAutoGenerated reports whether raw looks like a runner default derived from
// the method name: the name itself, "name()", or "name(<signature>)".
func IsAutoGenerated(raw, methodName string) bool {
	if raw == "" {
		return true
	}
	return raw == methodName ||
		raw == methodName+"()" ||
		strings.HasPrefix(raw, methodName+"(")
}

// RunDisplayName resolves the label of one execution. A runner-computed label
// such as "Run 1 with value=A" wins over declared metadata. Otherwise the
// method's display name is used, then its group's, then the bare method name.
func (r *Resolver) RunDisplayName(raw, methodName string, testCase types.Context) string {
	if !IsAutoGenerated(raw, methodName) {
		return raw
	}
	if testCase != nil {
		if name, ok := testCase.DeclaredDisplayName(); ok {
			return name
		}
		if group := testCase.EnclosingContext(); group != nil {
			if name, ok := group.DeclaredDisplayName(); ok {
				return name
			}
		}
	}
	return methodName
}

// MethodDisplayName is the declared display name of the method, or its name
func (r *Resolver) MethodDisplayName(testCase types.Context) string {
	if testCase == nil {
		return ""
	}
	if name, ok := testCase.DeclaredDisplayName(); ok {
		return name
	}
	return testCase.ContextName()
}

// GroupDisplayName is the declared display name of a group, or its simple name
func (r *Resolver) GroupDisplayName(group types.Context) string {
	if group == nil {
		return ""
	}
	if name, ok := group.DeclaredDisplayName(); ok {
		return name
	}
	return group.ContextName()
}

// AncestorChain lists the display names of the strict ancestors of ctx, root first
func (r *Resolver) AncestorChain(ctx types.Context) []string {
	chain := []string{}
	if ctx == nil {
		return chain
	}
	for a := ctx.EnclosingContext(); a != nil; a = a.EnclosingContext() {
		chain = append(chain, r.GroupDisplayName(a))
	}
	slices.Reverse(chain)
	return chain
}

// ParentChain lists the group display names of a case, root to owning group inclusive
func (r *Resolver) ParentChain(testCase types.Context) []string {
	if testCase == nil || testCase.EnclosingContext() == nil {
		return []string{}
	}
	group := testCase.EnclosingContext()
	return append(r.AncestorChain(group), r.GroupDisplayName(group))
}
