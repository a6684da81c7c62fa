package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env composes child process environments from an optional OS base, global
// variables shared by every managed process, and per-process overrides.
// An Env is immutable after construction and safe for concurrent reads.
type Env struct {
	base Var
	vars Var
}

// New returns an Env. When useOS is set the supervisor's own environment is
// captured as the base layer.
func New(useOS bool) *Env {
	e := &Env{base: make(Var), vars: make(Var)}
	if useOS {
		for k, v := range Parse(os.Environ()) {
			e.base[k] = v
		}
	}
	return e
}

// With returns a copy of e with the given "KEY=VALUE" pairs applied as globals.
func (e *Env) With(kvs []string) *Env {
	n := &Env{base: e.base, vars: make(Var, len(e.vars)+len(kvs))}
	for k, v := range e.vars {
		n.vars[k] = v
	}
	for k, v := range Parse(kvs) {
		n.vars[k] = v
	}
	return n
}

// Merge composes the final environment list applying order:
// base (OS env when enabled), then globals, then perProc overrides.
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range Parse(perProc) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse converts "KEY=VALUE" entries into a map, skipping malformed entries
// and entries with an empty key.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
