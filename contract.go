// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"fmt"
	"slices"
)

// Pattern is the message exchange pattern of an operation.
type Pattern byte

const (
	InOut  Pattern = 0 // the consumer expects a reply or a fault
	InOnly Pattern = 1 // the consumer does not expect a reply
)

func (p Pattern) String() string {
	switch p {
	case InOut:
		return "in-out"
	case InOnly:
		return "in-only"
	default:
		return fmt.Sprintf("pattern:%d", byte(p))
	}
}

// ParsePattern parses the string form of an exchange pattern.
func ParsePattern(s string) (Pattern, error) {
	switch s {
	case "in-out", "InOut", "IN_OUT":
		return InOut, nil
	case "in-only", "InOnly", "IN_ONLY":
		return InOnly, nil
	default:
		return 0, fmt.Errorf("invalid exchange pattern %q", s)
	}
}

// An Operation describes one operation of a service interface. The Input,
// Output, and Fault fields name message types; they are descriptive and are
// not enforced by the exchange core.
type Operation struct {
	Name    string
	Pattern Pattern
	Input   string
	Output  string
	Fault   string
}

func (o Operation) String() string { return fmt.Sprintf("%s(%v)", o.Name, o.Pattern) }

// DefaultOperation is the name of the operation defined by the interfaces
// returned by DefaultInOut and DefaultInOnly.
const DefaultOperation = "process"

// A ServiceInterface is a named set of operations shared by a service and the
// references that address it. A ServiceInterface is immutable once created.
type ServiceInterface struct {
	name string
	ops  []Operation
}

// NewInterface constructs a service interface with the given name and
// operations. It panics if two operations have the same name.
func NewInterface(name string, ops ...Operation) *ServiceInterface {
	si := &ServiceInterface{name: name, ops: slices.Clone(ops)}
	seen := make(map[string]bool)
	for _, op := range ops {
		if seen[op.Name] {
			panic(fmt.Sprintf("duplicate operation %q in interface %q", op.Name, name))
		}
		seen[op.Name] = true
	}
	return si
}

// DefaultInOut returns an interface with the single in-out operation
// DefaultOperation.
func DefaultInOut() *ServiceInterface {
	return NewInterface("default", Operation{Name: DefaultOperation, Pattern: InOut})
}

// DefaultInOnly returns an interface with the single in-only operation
// DefaultOperation.
func DefaultInOnly() *ServiceInterface {
	return NewInterface("default", Operation{Name: DefaultOperation, Pattern: InOnly})
}

// Name reports the name of the interface.
func (s *ServiceInterface) Name() string { return s.name }

// Operations returns the operations of s in definition order.
func (s *ServiceInterface) Operations() []Operation { return slices.Clone(s.ops) }

// Operation returns the operation with the given name, and reports whether it
// was found.
func (s *ServiceInterface) Operation(name string) (Operation, bool) {
	for _, op := range s.ops {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}

// resolve finds the named operation. An empty name matches the sole operation
// of a single-operation interface.
func (s *ServiceInterface) resolve(name string) (Operation, bool) {
	if name == "" && len(s.ops) == 1 {
		return s.ops[0], true
	}
	return s.Operation(name)
}

// An ExchangeContract records the consumer and provider operations of an
// exchange. It is resolved when the exchange is created and does not change.
type ExchangeContract struct {
	Consumer Operation
	Provider Operation
}

// Pattern reports the exchange pattern of the contract, which is the pattern
// of the consumer operation.
func (c ExchangeContract) Pattern() Pattern { return c.Consumer.Pattern }

// resolveContract matches the named operation of the consumer interface to an
// operation of the provider interface.
func resolveContract(consumer, provider *ServiceInterface, name string) (ExchangeContract, error) {
	cop, ok := consumer.resolve(name)
	if !ok {
		return ExchangeContract{}, fmt.Errorf("interface %q: %w %q", consumer.Name(), ErrUnknownOperation, name)
	}
	pop, ok := provider.resolve(cop.Name)
	if !ok {
		if len(provider.ops) != 1 {
			return ExchangeContract{}, fmt.Errorf("interface %q: %w %q", provider.Name(), ErrUnknownOperation, cop.Name)
		}
		pop = provider.ops[0]
	}
	if cop.Pattern == InOut && pop.Pattern == InOnly {
		return ExchangeContract{}, fmt.Errorf("operation %q: %w: consumer %v, provider %v",
			cop.Name, ErrPatternMismatch, cop.Pattern, pop.Pattern)
	}
	return ExchangeContract{Consumer: cop, Provider: pop}, nil
}
