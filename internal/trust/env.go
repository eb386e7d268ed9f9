// Package trust propagates the proxy's CA and environment into the process,
// the OS certificate store, and system-wide profile files. Everything here
// is best-effort by contract: a sandbox without trust-store access still has
// to reach the foreground command.
package trust

import "sort"

// ProcessContext accumulates environment variables produced by pipeline
// stages. Nothing touches the real process environment until Apply, so
// stages stay testable and the export happens exactly once, at handoff.
type ProcessContext struct {
	keys   []string
	values map[string]string
}

// NewProcessContext returns an empty accumulator.
func NewProcessContext() *ProcessContext {
	return &ProcessContext{values: make(map[string]string)}
}

// Set records a variable, preserving first-insertion order on update.
func (p *ProcessContext) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the recorded value, or "" when unset.
func (p *ProcessContext) Get(key string) string {
	return p.values[key]
}

// Len returns the number of recorded variables.
func (p *ProcessContext) Len() int {
	return len(p.keys)
}

// Environ returns KEY=value pairs in insertion order.
func (p *ProcessContext) Environ() []string {
	env := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		env = append(env, k+"="+p.values[k])
	}
	return env
}

// SortedKeys returns the recorded keys in lexical order, for deterministic
// file output.
func (p *ProcessContext) SortedKeys() []string {
	keys := append([]string(nil), p.keys...)
	sort.Strings(keys)
	return keys
}

// Apply materializes the accumulated variables via setenv (os.Setenv in
// production). Errors are ignored: by this point the variables are a
// convenience for the child, not a correctness requirement.
func (p *ProcessContext) Apply(setenv func(key, value string) error) {
	for _, k := range p.keys {
		_ = setenv(k, p.values[k])
	}
}
