// Package identity assigns the single launch identifier shared by every
// report of one run.
package identity

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	DefaultBase      = "TestLaunch"
	DefaultMaxLength = 50
	Separator        = "-"

	tokenLength = 12
)

// A launch id is final once it ends in a run of at least tokenLength id characters.
// Shorter seeds such as "Nightly" are treated as a base to build on.
var fullIDPattern = regexp.MustCompile(`^.+[-a-zA-Z0-9]{12,}$`)

// IsFull reports whether id already looks like a generated launch id
func IsFull(id string) bool {
	return fullIDPattern.MatchString(id)
}

// RunIdentity lazily generates and caches the launch id. The zero value is
// not usable, construct it with New.
type RunIdentity struct {
	mu        sync.Mutex
	value     atomic.Pointer[string]
	maxLength int
	token     func() string
}

type Option func(*RunIdentity)

// WithSeed supplies an externally configured value. A full id is used as-is,
// anything else only contributes its base segment.
func WithSeed(seed string) Option {
	return func(r *RunIdentity) {
		seed = strings.TrimSpace(seed)
		if seed != "" {
			r.value.Store(&seed)
		}
	}
}

// WithMaxLength overrides the maximum id length
func WithMaxLength(n int) Option {
	return func(r *RunIdentity) {
		if n > 0 {
			r.maxLength = n
		}
	}
}

// WithTokenSource replaces the random token generator
func WithTokenSource(token func() string) Option {
	return func(r *RunIdentity) {
		if token != nil {
			r.token = token
		}
	}
}

func New(opts ...Option) *RunIdentity {
	r := &RunIdentity{
		maxLength: DefaultMaxLength,
		token:     randomToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure returns the launch id, generating it on first use. Concurrent callers
// all observe the value stored by the first writer.
func (r *RunIdentity) Ensure() string {
	return r.EnsureFunc(nil)
}

// EnsureFunc is Ensure with a hook run by the caller that generates the id.
// The hook runs before the id is published, so no caller can observe the id
// while it is still running.
func (r *RunIdentity) EnsureFunc(onCreate func()) string {
	if id, ok := r.Get(); ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	if IsFull(current) {
		return current
	}
	id := Truncate(baseOf(current)+Separator+r.token(), r.maxLength)
	if onCreate != nil {
		onCreate()
	}
	r.value.Store(&id)
	return id
}

// Get returns the launch id if one has been established
func (r *RunIdentity) Get() (string, bool) {
	current := r.load()
	if !IsFull(current) {
		return "", false
	}
	return current, true
}

func (r *RunIdentity) load() string {
	if p := r.value.Load(); p != nil {
		return *p
	}
	return ""
}

// baseOf keeps the first separator-delimited segment of a partial seed
func baseOf(seed string) string {
	base, _, _ := strings.Cut(seed, Separator)
	if base == "" {
		return DefaultBase
	}
	return base
}

// Truncate cuts id to at most maxLength bytes and drops any trailing separators
func Truncate(id string, maxLength int) string {
	if maxLength > 0 && len(id) > maxLength {
		id = id[:maxLength]
	}
	return strings.TrimRight(id, Separator)
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}
