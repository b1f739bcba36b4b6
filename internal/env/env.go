package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RepoRootVar names the variable that supplies the deployment root. The
// supervisor reads it and passes it on to the launched service.
const RepoRootVar = "CONTROL_REPO_ROOT"

type Var map[string]string

// Env composes the environment handed to the supervised service.
// Layers apply in order: inherited OS env, env files, explicit pairs.
type Env struct {
	base Var
	vars Var
}

func New() *Env { return &Env{vars: make(Var)} }

// FromOS uses the current process environment as the base layer.
func (e *Env) FromOS() *Env {
	e.base = Parse(os.Environ())
	return e
}

// Set sets K=V on top of every other layer.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// SetPairs applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) *Env {
	for k, v := range Parse(kvs) {
		e.vars[k] = v
	}
	return e
}

// LoadFile applies a simple .env file: KEY=VALUE lines, # comments, no quoting.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := strings.Cut(line, "="); ok {
			e.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
	return nil
}

// List returns the composed environment as sorted "K=V" entries with a
// single pass of ${VAR} expansion against the composed map.
func (e *Env) List() []string {
	m := make(Var, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse turns "K=V" entries into a map, skipping entries without a key.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand replaces ${VAR} references found in m; anything else is kept verbatim.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
