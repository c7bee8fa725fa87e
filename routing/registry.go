// Package routing implements the ordered collection of forwarding
// targets of one tenant, resolving a request path to the best matching
// target.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dinghy-proxy/dinghy/pattern"
)

var (
	// ErrDuplicateName is returned when adding a target with a name
	// already present in the registry.
	ErrDuplicateName = errors.New("duplicate target name")

	// ErrNotFound is returned when updating or removing a target
	// that is not in the registry.
	ErrNotFound = errors.New("target not found")
)

// Target is a named forwarding rule: a path pattern, the upstream
// origin and the credentials injected on every forwarded request.
type Target struct {

	// Name identifies the target, unique within its registry.
	Name string `yaml:"name" json:"name"`

	// Pattern is the glob style path pattern ('*' one segment,
	// '**' any depth).
	Pattern string `yaml:"pattern" json:"pattern"`

	// Origin is the absolute base URL of the upstream.
	Origin string `yaml:"origin" json:"origin"`

	// CookieHeader, when non-empty, is set verbatim as the Cookie
	// header of every forwarded request, replacing the client's
	// cookies.
	CookieHeader string `yaml:"cookie,omitempty" json:"cookie,omitempty"`

	// ExtraHeaders are set on every forwarded request, overwriting
	// same-named inbound headers.
	ExtraHeaders map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

func (t Target) copy() Target {
	if t.ExtraHeaders != nil {
		h := make(map[string]string, len(t.ExtraHeaders))
		for k, v := range t.ExtraHeaders {
			h[k] = v
		}

		t.ExtraHeaders = h
	}

	return t
}

// Validate checks the required fields of a target definition: the name,
// a compilable pattern and an absolute http or https origin.
func (t Target) Validate() error {
	if t.Name == "" {
		return errors.New("target name is required")
	}

	if t.Pattern == "" {
		return fmt.Errorf("target %s: pattern is required", t.Name)
	}

	if _, err := pattern.Compile(t.Pattern); err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}

	if t.Origin == "" {
		return fmt.Errorf("target %s: origin is required", t.Name)
	}

	u, err := url.Parse(t.Origin)
	if err != nil {
		return fmt.Errorf("target %s: invalid origin: %w", t.Name, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target %s: origin must be an absolute http(s) URL", t.Name)
	}

	return nil
}

type compiledTarget struct {
	target  Target
	pattern *pattern.Pattern
}

// Registry holds the targets of one tenant. Mutations are serialized,
// resolution reads an immutable pre-sorted snapshot swapped on every
// mutation, so concurrent requests never observe a partial update.
type Registry struct {
	mu       sync.Mutex
	targets  []Target
	resolved atomic.Pointer[[]compiledTarget]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.swap(nil)
	return r
}

// NewRegistryWithTargets returns a registry initialized with the given
// targets in order. It fails on the first invalid or duplicate
// definition.
func NewRegistryWithTargets(targets []Target) (*Registry, error) {
	r := NewRegistry()
	for _, t := range targets {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// swap recompiles and sorts the snapshot used by Resolve. Called with
// mu held (or before the registry is shared).
func (r *Registry) swap(targets []Target) {
	compiled := make([]compiledTarget, 0, len(targets))
	for _, t := range targets {
		p, err := pattern.Compile(t.Pattern)
		if err != nil {
			// rejected by Validate before, skip instead of
			// taking the whole registry down
			continue
		}

		compiled = append(compiled, compiledTarget{target: t, pattern: p})
	}

	// ties keep registration order, the first registered wins
	sort.SliceStable(compiled, func(i, j int) bool {
		return pattern.Specificity(compiled[i].target.Pattern) >
			pattern.Specificity(compiled[j].target.Pattern)
	})

	r.resolved.Store(&compiled)
}

func (r *Registry) indexOf(name string) int {
	for i := range r.targets {
		if r.targets[i].Name == name {
			return i
		}
	}

	return -1
}

// Add registers a new target. It fails with ErrDuplicateName when the
// name is taken and rejects invalid definitions.
func (r *Registry) Add(t Target) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(t.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateName, t.Name)
	}

	r.targets = append(r.targets, t.copy())
	r.swap(r.targets)
	return nil
}

// Update replaces all fields of the target registered under name. The
// new definition may rename the target, but not to a name taken by
// another one.
func (r *Registry) Update(name string, t Target) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if t.Name != name && r.indexOf(t.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateName, t.Name)
	}

	r.targets[i] = t.copy()
	r.swap(r.targets)
	return nil
}

// Remove deletes the target registered under name. An empty registry is
// a valid state.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	r.targets = append(r.targets[:i], r.targets[i+1:]...)
	r.swap(r.targets)
	return nil
}

// Resolve returns the most specific target whose pattern matches the
// path, or nil when none matches.
func (r *Registry) Resolve(path string) *Target {
	compiled := *r.resolved.Load()
	for i := range compiled {
		if compiled[i].pattern.Match(path) {
			t := compiled[i].target.copy()
			return &t
		}
	}

	return nil
}

// Targets returns a copy of the registered targets in registration
// order.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]Target, len(r.targets))
	for i, t := range r.targets {
		targets[i] = t.copy()
	}

	return targets
}

// Patterns returns the configured patterns in registration order, used
// for routing miss diagnostics.
func (r *Registry) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := make([]string, len(r.targets))
	for i := range r.targets {
		patterns[i] = r.targets[i].Pattern
	}

	return patterns
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}
