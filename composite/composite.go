// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package composite assembles a service domain from a declarative YAML
// description of its services and references.
//
// A composite names the domain, its services with their operations, and the
// references that consumers use to address them. Handlers are named in the
// composite and supplied by the program through a [Registry]:
//
//	domain: orders
//	handlers: [audit]
//	services:
//	  - name: Billing
//	    implementation: billing
//	    operations:
//	      - name: charge
//	        pattern: in-out
//	        input: amount
//	        output: receipt
//	      - name: notify
//	        pattern: in-only
//	        implementation: notifier
//	references:
//	  - name: Checkout
//	    target: Billing
//	    timeout: 5s
//
// Values of the form ${VAR} or $VAR are replaced by the environment when
// loading a file with [Load].
package composite

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/esb"
	"github.com/creachadair/esb/catalog"
	"github.com/creachadair/mds/mapset"
	"gopkg.in/yaml.v3"
)

// Config is the root of a composite description.
type Config struct {
	Domain     string            `yaml:"domain"`
	Handlers   []string          `yaml:"handlers,omitempty"` // run first for every exchange
	Services   []ServiceConfig   `yaml:"services"`
	References []ReferenceConfig `yaml:"references,omitempty"`
}

// ServiceConfig describes a service provider.
type ServiceConfig struct {
	Name string `yaml:"name"`

	// Interface is the name of the service interface. If empty, the service
	// name is used.
	Interface string `yaml:"interface,omitempty"`

	// Implementation names the handler for operations that do not name
	// their own.
	Implementation string `yaml:"implementation,omitempty"`

	// Operations lists the operations of the service. If empty, the service
	// has a single in-out operation named "process".
	Operations []OperationConfig `yaml:"operations,omitempty"`
}

// OperationConfig describes one operation of a service.
type OperationConfig struct {
	Name           string `yaml:"name"`
	Pattern        string `yaml:"pattern,omitempty"` // default in-out
	Input          string `yaml:"input,omitempty"`
	Output         string `yaml:"output,omitempty"`
	Fault          string `yaml:"fault,omitempty"`
	Implementation string `yaml:"implementation,omitempty"`
}

// ReferenceConfig describes a service reference.
type ReferenceConfig struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target,omitempty"` // default Name

	// Interface names a service of the composite whose interface the
	// reference uses. If empty, the interface of the target is used.
	Interface string `yaml:"interface,omitempty"`

	Timeout  time.Duration `yaml:"timeout"`
	Handlers []string      `yaml:"handlers,omitempty"`
}

// target reports the name of the service addressed by r.
func (r ReferenceConfig) target() string {
	if r.Target != "" {
		return r.Target
	}
	return r.Name
}

// Load reads and validates a composite from a YAML file. Environment
// variables in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading composite: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses and validates a composite from YAML text.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing composite: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating composite: %w", err)
	}
	return &cfg, nil
}

// Validate reports an error describing every problem with c, or nil.
// It does not check that handler names are registered; Build does that.
func (c *Config) Validate() error {
	var errs []error
	addf := func(msg string, args ...any) { errs = append(errs, fmt.Errorf(msg, args...)) }

	if c.Domain == "" {
		addf("missing domain name")
	}
	svcs := mapset.New[string]()
	for i, s := range c.Services {
		if s.Name == "" {
			addf("service %d: missing name", i+1)
			continue
		} else if svcs.Has(s.Name) {
			addf("service %q: %w", s.Name, esb.ErrDuplicateService)
		}
		svcs.Add(s.Name)

		ops := mapset.New[string]()
		for j, op := range s.Operations {
			if op.Name == "" {
				addf("service %q: operation %d: missing name", s.Name, j+1)
				continue
			} else if ops.Has(op.Name) {
				addf("service %q: duplicate operation %q", s.Name, op.Name)
			}
			ops.Add(op.Name)
			if op.Pattern != "" {
				if _, err := esb.ParsePattern(op.Pattern); err != nil {
					addf("service %q: operation %q: %w", s.Name, op.Name, err)
				}
			}
			if op.Implementation == "" && s.Implementation == "" {
				addf("service %q: operation %q: no implementation", s.Name, op.Name)
			}
		}
		if len(s.Operations) == 0 && s.Implementation == "" {
			addf("service %q: no implementation", s.Name)
		}
	}

	refs := mapset.New[string]()
	for i, r := range c.References {
		if r.Name == "" {
			addf("reference %d: missing name", i+1)
			continue
		} else if refs.Has(r.Name) {
			addf("reference %q: %w", r.Name, esb.ErrDuplicateService)
		}
		refs.Add(r.Name)
		if r.Timeout <= 0 {
			addf("reference %q: %w: %v", r.Name, esb.ErrInvalidTimeout, r.Timeout)
		}
		iface := r.Interface
		if iface == "" {
			iface = r.target()
		}
		if !svcs.Has(iface) {
			addf("reference %q: interface service %q: %w", r.Name, iface, esb.ErrServiceNotFound)
		}
	}
	return errors.Join(errs...)
}

// A Registry maps handler names used in a composite to handlers.
type Registry map[string]esb.Handler

func (r Registry) lookup(name string) (esb.Handler, error) {
	if h, ok := r[name]; ok && h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("handler %q is not registered", name)
}

func (r Registry) lookupAll(names []string) ([]esb.Handler, error) {
	var out []esb.Handler
	for _, name := range names {
		h, err := r.lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Catalog returns an unbound catalog for the interface of s, with the
// handlers of its operations bound from reg.
func (s ServiceConfig) Catalog(reg Registry) (catalog.Catalog, error) {
	name := s.Interface
	if name == "" {
		name = s.Name
	}
	cat := catalog.New(name)
	ops := s.Operations
	if len(ops) == 0 {
		ops = []OperationConfig{{Name: esb.DefaultOperation}}
	}
	for _, oc := range ops {
		op := esb.Operation{Name: oc.Name, Input: oc.Input, Output: oc.Output, Fault: oc.Fault}
		if oc.Pattern != "" {
			p, err := esb.ParsePattern(oc.Pattern)
			if err != nil {
				return cat, fmt.Errorf("operation %q: %w", oc.Name, err)
			}
			op.Pattern = p
		}
		impl := oc.Implementation
		if impl == "" {
			impl = s.Implementation
		}
		h, err := reg.lookup(impl)
		if err != nil {
			return cat, fmt.Errorf("operation %q: %w", oc.Name, err)
		}
		cat.Set(op).Handle(op.Name, h)
	}
	return cat, nil
}

// Build constructs a new domain from c, using handlers from reg.
func (c *Config) Build(reg Registry) (*esb.Domain, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	hs, err := reg.lookupAll(c.Handlers)
	if err != nil {
		return nil, fmt.Errorf("domain %q: %w", c.Domain, err)
	}
	d := esb.NewDomain(c.Domain).Use(hs...)

	ifaces := make(map[string]*esb.ServiceInterface)
	for _, s := range c.Services {
		cat, err := s.Catalog(reg)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", s.Name, err)
		}
		if _, err := cat.Bind(d).Register(s.Name); err != nil {
			return nil, err
		}
		ifaces[s.Name] = cat.Interface()
	}

	for _, r := range c.References {
		hs, err := reg.lookupAll(r.Handlers)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", r.Name, err)
		}
		iface := r.Interface
		if iface == "" {
			iface = r.target()
		}
		if _, err := d.RegisterServiceReference(r.Name, ifaces[iface],
			esb.WithTarget(r.target()),
			esb.WithTimeout(r.Timeout),
			esb.WithHandlers(hs...),
		); err != nil {
			return nil, err
		}
	}
	return d, nil
}
