package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/llm"
	"github.com/floegence/flowerpilot/internal/ai/schema"
)

type registeredModule struct {
	module    Module
	validator *schema.Validator
}

// Registry is the immutable name -> module table built once at startup.
type Registry struct {
	order   []string
	modules map[string]registeredModule
	logical map[string]string
}

// NewRegistry validates and indexes modules. Empty or duplicate names, empty
// descriptions, missing Execute functions and broken schemas are fatal
// configuration errors.
func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{
		modules: make(map[string]registeredModule, len(modules)),
		logical: make(map[string]string),
	}
	seen := make(map[string]bool, len(modules))
	var errs []error
	for i, m := range modules {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("tool #%d: name is required", i))
			continue
		}
		m.Name = name
		if strings.TrimSpace(m.Description) == "" {
			errs = append(errs, fmt.Errorf("tool %s: description is required", name))
		}
		if m.Execute == nil {
			errs = append(errs, fmt.Errorf("tool %s: missing execute", name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("tool_registry_conflict: duplicate tool %q", name))
			continue
		}
		seen[name] = true
		switch m.PageReadDedupe {
		case DedupeNone, DedupeRemoveToolCall, DedupeTrimToolResponse:
		default:
			errs = append(errs, fmt.Errorf("tool %s: unknown dedupe action %q", name, m.PageReadDedupe))
		}
		v, err := schema.Compile(m.Parameters)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool %s: %w", name, err))
			continue
		}
		if key := strings.TrimSpace(m.LogicalKey); key != "" {
			if prev, ok := r.logical[key]; ok {
				errs = append(errs, fmt.Errorf("tool %s: logical key %q already used by %s", name, key, prev))
			} else {
				r.logical[key] = name
			}
		}
		r.modules[name] = registeredModule{module: m, validator: v}
		r.order = append(r.order, name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// MustRegistry panics when NewRegistry fails.
func MustRegistry(modules ...Module) *Registry {
	r, err := NewRegistry(modules...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(name string) (Module, bool) {
	if r == nil {
		return Module{}, false
	}
	rm, ok := r.modules[strings.TrimSpace(name)]
	return rm.module, ok
}

// NameFor resolves a logical key to the registered wire name.
func (r *Registry) NameFor(logicalKey string) (string, bool) {
	if r == nil {
		return "", false
	}
	name, ok := r.logical[strings.TrimSpace(logicalKey)]
	return name, ok
}

// DedupeAction reports how compaction treats older page reads of a tool.
func (r *Registry) DedupeAction(name string) DedupeAction {
	m, ok := r.Lookup(name)
	if !ok {
		return DedupeNone
	}
	return m.PageReadDedupe
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Definitions returns the wire definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	if r == nil {
		return nil
	}
	out := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		rm := r.modules[name]
		out = append(out, llm.ToolDefinition{
			Name:        name,
			Description: strings.TrimSpace(rm.module.Description),
			Parameters:  rm.validator.Params(),
			Strict:      rm.module.Strict,
		})
	}
	return out
}

func (r *Registry) validator(name string) *schema.Validator {
	return r.modules[name].validator
}
