// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
)

// Scope identifies the lifetime of a property in a Context.
type Scope byte

const (
	ScopeExchange Scope = iota // visible for the lifetime of the exchange
	ScopeMessage               // tied to a single message
	ScopeIn                    // tied to the IN phase of an exchange
	ScopeOut                   // tied to the OUT phase of an exchange
)

func (s Scope) String() string {
	switch s {
	case ScopeExchange:
		return "EXCHANGE"
	case ScopeMessage:
		return "MESSAGE"
	case ScopeIn:
		return "IN"
	case ScopeOut:
		return "OUT"
	default:
		return fmt.Sprintf("SCOPE:%d", byte(s))
	}
}

// Well-known property labels.
const (
	// LabelTransient marks a property that is local to this process. Transient
	// properties are not merged into other contexts and are not sent to remote
	// peers.
	LabelTransient = "transient"

	// LabelHeader marks a property that was read from, or should be written
	// to, a protocol header by a gateway.
	LabelHeader = "header"

	// LabelSystem marks a property maintained by the exchange core itself.
	LabelSystem = "system"
)

// Names of system properties maintained by the exchange core.
const (
	PropMessageID        = "esb.message.id"         // ScopeMessage
	PropRelatesTo        = "esb.message.relatesTo"  // ScopeMessage, on replies
	PropExchangeDuration = "esb.exchange.duration"  // ScopeExchange, on completion
	PropOperation        = "esb.exchange.operation" // ScopeExchange
)

// A Property is a named value with a scope and a set of labels.
//
// A Property returned by a Context is live: changes to its labels are seen by
// the Context that owns it. Snapshots returned by Context.Properties are not.
type Property struct {
	name   string
	value  any
	scope  Scope
	labels mapset.Set[string]
}

// Name reports the name of the property.
func (p *Property) Name() string { return p.name }

// Value reports the value of the property.
func (p *Property) Value() any { return p.value }

// Scope reports the scope of the property.
func (p *Property) Scope() Scope { return p.scope }

// AddLabels adds the specified labels to p, and returns p to permit chaining.
func (p *Property) AddLabels(labels ...string) *Property {
	p.labels.Add(labels...)
	return p
}

// RemoveLabels removes the specified labels from p, and returns p to permit
// chaining.
func (p *Property) RemoveLabels(labels ...string) *Property {
	p.labels.Remove(labels...)
	return p
}

// HasLabel reports whether p has the specified label.
func (p *Property) HasLabel(label string) bool { return p.labels.Has(label) }

// Labels returns the labels of p in lexicographic order.
func (p *Property) Labels() []string { return slices.Sorted(maps.Keys(p.labels)) }

func (p *Property) String() string {
	return fmt.Sprintf("Property(%s=%v, %v, %q)", p.name, p.value, p.scope, p.Labels())
}

func (p *Property) clone() *Property {
	return &Property{name: p.name, value: p.value, scope: p.scope, labels: p.labels.Clone()}
}

type propKey struct {
	name  string
	scope Scope
}

// A Context is a scoped collection of properties attached to an exchange or a
// message. A zero Context is ready for use. The methods of a Context are safe
// for concurrent use, but a Context is intended to have a single writer while
// its exchange is in flight.
type Context struct {
	μ     sync.Mutex
	props map[propKey]*Property
}

// NewContext constructs a new empty context.
func NewContext() *Context { return new(Context) }

// SetProperty adds or replaces the property with the given name and scope,
// and returns it so that labels can be added. If value == nil, any existing
// property is removed and SetProperty returns nil.
//
// Replacing a property discards its labels.
func (c *Context) SetProperty(name string, value any, scope Scope) *Property {
	c.μ.Lock()
	defer c.μ.Unlock()
	key := propKey{name, scope}
	if value == nil {
		delete(c.props, key)
		return nil
	}
	if c.props == nil {
		c.props = make(map[propKey]*Property)
	}
	p := &Property{name: name, value: value, scope: scope, labels: mapset.New[string]()}
	c.props[key] = p
	return p
}

// Property returns the property with the given name and scope, or nil.
func (c *Context) Property(name string, scope Scope) *Property {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.props[propKey{name, scope}]
}

// lookupOrder is the order in which Lookup searches the scopes of a context.
var lookupOrder = []Scope{ScopeMessage, ScopeOut, ScopeIn, ScopeExchange}

// Lookup returns the property with the given name from the narrowest scope
// that defines it, searching Message, Out, In, then Exchange. It returns nil
// if no scope defines name.
func (c *Context) Lookup(name string) *Property {
	c.μ.Lock()
	defer c.μ.Unlock()
	for _, s := range lookupOrder {
		if p, ok := c.props[propKey{name, s}]; ok {
			return p
		}
	}
	return nil
}

// Value returns the value of the property with the given name and scope, or
// nil if there is no such property.
func (c *Context) Value(name string, scope Scope) any {
	if p := c.Property(name, scope); p != nil {
		return p.value
	}
	return nil
}

// Properties returns a snapshot of the properties in the specified scopes, or
// of all properties if no scopes are given. The result is ordered by scope and
// then by name. The returned properties are copies, and changes to them do not
// affect c.
func (c *Context) Properties(scopes ...Scope) []*Property {
	want := mapset.New(scopes...)
	c.μ.Lock()
	out := make([]*Property, 0, len(c.props))
	for key, p := range c.props {
		if want.IsEmpty() || want.Has(key.scope) {
			out = append(out, p.clone())
		}
	}
	c.μ.Unlock()
	slices.SortFunc(out, func(a, b *Property) int {
		if v := cmp.Compare(a.scope, b.scope); v != 0 {
			return v
		}
		return cmp.Compare(a.name, b.name)
	})
	return out
}

// RemoveProperty removes the property with the given name and scope, if it
// exists.
func (c *Context) RemoveProperty(name string, scope Scope) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.props, propKey{name, scope})
}

// RemoveProperties removes all the properties in the given scope.
func (c *Context) RemoveProperties(scope Scope) {
	c.μ.Lock()
	defer c.μ.Unlock()
	maps.DeleteFunc(c.props, func(key propKey, _ *Property) bool { return key.scope == scope })
}

// Len reports the number of properties in c.
func (c *Context) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.props)
}

// MergeInto copies the Exchange and Out scoped properties of c into dst,
// replacing properties of dst with the same name and scope. Properties of dst
// that are not defined by c are left alone. Transient properties are not
// copied.
func (c *Context) MergeInto(dst *Context) {
	if dst == c {
		return
	}
	var merge []*Property
	for _, p := range c.Properties(ScopeExchange, ScopeOut) {
		if !p.HasLabel(LabelTransient) {
			merge = append(merge, p)
		}
	}

	dst.μ.Lock()
	defer dst.μ.Unlock()
	if dst.props == nil && len(merge) != 0 {
		dst.props = make(map[propKey]*Property)
	}
	for _, p := range merge {
		dst.props[propKey{p.name, p.scope}] = p // already a copy
	}
}

// Copy returns an independent copy of c. Adding, removing, or relabeling the
// properties of the copy does not affect c, and vice versa. Property values
// are not themselves copied.
func (c *Context) Copy() *Context {
	c.μ.Lock()
	defer c.μ.Unlock()
	out := &Context{props: make(map[propKey]*Property, len(c.props))}
	for key, p := range c.props {
		out.props[key] = p.clone()
	}
	return out
}
