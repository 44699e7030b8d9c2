// Package caseid builds run-unique test case identifiers.
package caseid

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/infra/op-launch/types"
)

const methodSeparator = "#"

// GroupPath strips the namespace prefix of the top-level segment, keeping every
// nesting segment intact. "com.acme.Top$v1.2" becomes "Top$v1.2".
func GroupPath(groupKey string) string {
	segs := types.SplitKey(groupKey)
	if len(segs) == 0 {
		return groupKey
	}
	segs[0] = segs[0][strings.LastIndex(segs[0], ".")+1:]
	return types.JoinKey(segs...)
}

// SingleID returns "<groupPath>#<methodName>"
func SingleID(groupKey, methodName string) string {
	return GroupPath(groupKey) + methodSeparator + methodName
}

// ParameterizedID returns "<groupPath>#<methodName>[<index>]"
func ParameterizedID(groupKey, methodName string, index int) string {
	return fmt.Sprintf("%s[%d]", SingleID(groupKey, methodName), index)
}

// InvocationCounter hands out zero-based invocation indexes per (group, method).
// It is safe for concurrent use; each Next is a single atomic increment.
type InvocationCounter struct {
	counters sync.Map // counterKey -> *atomic.Int64
}

type counterKey struct {
	group  string
	method string
}

func NewInvocationCounter() *InvocationCounter {
	return &InvocationCounter{}
}

// Next returns the next index for the pair, starting at 0
func (c *InvocationCounter) Next(groupKey, methodName string) int {
	v, _ := c.counters.LoadOrStore(counterKey{groupKey, methodName}, new(atomic.Int64))
	return int(v.(*atomic.Int64).Add(1) - 1)
}

// Reset forgets every counter. Called when a new run starts.
func (c *InvocationCounter) Reset() {
	c.counters.Clear()
}
