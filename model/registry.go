package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/neurlang/qtrain/failure"
	"github.com/neurlang/qtrain/schedule"
)

// Capabilities are declared by an architecture, never guessed from its name.
type Capabilities struct {
	// FeatureParallel reports that only the feature extractor should be
	// replicated across devices when running data parallel on one process.
	FeatureParallel bool
}

// Constructor builds a model.
type Constructor func(opts Options) (Model, error)

// Entry is one architecture of a namespace.
type Entry struct {
	New          Constructor
	Capabilities Capabilities
}

// Namespace groups architectures. Models of a namespace that is not Quantized
// always run in full precision, whatever bit-widths were requested.
type Namespace struct {
	Name      string
	Quantized bool
	Entries   map[string]Entry
}

// Registry tries namespaces in registration order.
type Registry struct {
	namespaces []Namespace
}

func NewRegistry(ns ...Namespace) *Registry {
	r := &Registry{}
	for _, n := range ns {
		r.Register(n)
	}
	return r
}

func (r *Registry) Register(ns Namespace) {
	r.namespaces = append(r.namespaces, ns)
}

// Names lists every architecture, sorted and without duplicates.
func (r *Registry) Names() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ns := range r.namespaces {
		for name := range ns.Entries {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Created is the result of a successful lookup.
type Created struct {
	Model        Model
	Namespace    string
	Capabilities Capabilities
	// Options are the options actually used; bit-widths are reset to
	// schedule.FullPrecision for full precision namespaces.
	Options Options
}

// NotFoundError is returned when no namespace knows the architecture.
type NotFoundError struct {
	Arch  string
	Tried []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("architecture %q not found (tried %s)", e.Arch, strings.Join(e.Tried, ", "))
}

func (e *NotFoundError) Unwrap() error { return failure.Configuration }

// Lookup finds the entry for arch without constructing it.
func (r *Registry) Lookup(arch string) (Namespace, Entry, error) {
	var tried []string
	for _, ns := range r.namespaces {
		if e, ok := ns.Entries[arch]; ok && e.New != nil {
			return ns, e, nil
		}
		tried = append(tried, ns.Name)
	}
	return Namespace{}, Entry{}, &NotFoundError{Arch: arch, Tried: tried}
}

// Create resolves arch and builds the model.
func (r *Registry) Create(arch string, opts Options) (Created, error) {
	ns, e, err := r.Lookup(arch)
	if err != nil {
		return Created{}, err
	}
	if !ns.Quantized {
		opts.WeightBits = schedule.FullPrecision
		opts.ActivationBits = schedule.FullPrecision
	}
	m, err := e.New(opts)
	if err != nil {
		return Created{}, err
	}
	return Created{Model: m, Namespace: ns.Name, Capabilities: e.Capabilities, Options: opts}, nil
}
