package types

// Context is the capability a caller implements to describe a test group or a
// test case to the engine: its own name, its declared metadata, and the
// context that encloses it.
type Context interface {
	// ContextName is the method name for a case and the simple group name for a group
	ContextName() string
	DeclaredTags() []string
	DeclaredDisplayName() (string, bool)
	// EnclosingContext returns nil for a top-level group
	EnclosingContext() Context
}

var _ Context = (*Scope)(nil)

// Scope is a plain-data Context, used when lifecycle events are decoded from a stream
type Scope struct {
	Name        string   `json:"name"`
	Tags        []string `json:"tags,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Parent      *Scope   `json:"parent,omitempty"`
}

func (s *Scope) ContextName() string {
	return s.Name
}

func (s *Scope) DeclaredTags() []string {
	return s.Tags
}

func (s *Scope) DeclaredDisplayName() (string, bool) {
	return s.DisplayName, s.DisplayName != ""
}

func (s *Scope) EnclosingContext() Context {
	if s.Parent == nil {
		return nil
	}
	return s.Parent
}

// NewScope creates a scope nested in parent, which may be nil
func NewScope(parent *Scope, name, displayName string, tags ...string) *Scope {
	return &Scope{Name: name, Tags: tags, DisplayName: displayName, Parent: parent}
}

// GroupKey computes the nesting key of a group context from its enclosing chain
func GroupKey(group Context) string {
	var segments []string
	for c := group; c != nil; c = c.EnclosingContext() {
		segments = append(segments, c.ContextName())
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return JoinKey(segments...)
}

// IsTopLevel reports whether a group context has no enclosing group
func IsTopLevel(group Context) bool {
	return group != nil && group.EnclosingContext() == nil
}
