package process

import (
	"os"
	"sort"
	"strings"
)

// EnvironmentConfig describes the layers that make up a child's environment
type EnvironmentConfig struct {
	// Inherited is the supervisor's own environment in "K=V" form; nil means os.Environ()
	Inherited []string
	// Supervisor is settings.environment, injected into every child
	Supervisor map[string]string
	// Service is the child-declared environment
	Service map[string]string
	// AllowOverride lets Service values win over Supervisor values
	AllowOverride bool
}

// BuildEnvironment composes the final "K=V" list, sorted by key.
// The inherited environment never overrides supervisor values. Child-declared
// values override supervisor values only when AllowOverride is set.
// Injected values may reference any variable of the merged environment as
// ${NAME}; "$$" is a literal "$" and every other "$" is kept as is. A value
// referring to itself, directly or through a cycle, sees the inherited value.
func BuildEnvironment(config EnvironmentConfig) []string {
	inherited := config.Inherited
	if inherited == nil {
		inherited = os.Environ()
	}

	base := make(map[string]string, len(inherited))
	for _, kv := range inherited {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}

	injected := make(map[string]string, len(config.Supervisor)+len(config.Service))
	low, high := config.Service, config.Supervisor
	if config.AllowOverride {
		low, high = config.Supervisor, config.Service
	}
	for _, layer := range []map[string]string{low, high} {
		for k, v := range layer {
			if k != "" {
				injected[k] = v
			}
		}
	}

	r := &resolver{base: base, raw: injected, resolved: map[string]string{}, visiting: map[string]bool{}}
	vars := make(map[string]string, len(base)+len(injected))
	for k, v := range base {
		vars[k] = v
	}
	keys := make([]string, 0, len(injected))
	for k := range injected {
		keys = append(keys, k)
	}
	// key order keeps cycle resolution deterministic
	sort.Strings(keys)
	for _, k := range keys {
		vars[k], _ = r.lookup(k)
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

type resolver struct {
	base     map[string]string
	raw      map[string]string
	resolved map[string]string
	visiting map[string]bool
}

func (r *resolver) lookup(name string) (string, bool) {
	if v, ok := r.resolved[name]; ok {
		return v, true
	}
	raw, ok := r.raw[name]
	if !ok || r.visiting[name] {
		v, ok := r.base[name]
		return v, ok
	}
	r.visiting[name] = true
	v := expand(raw, r.lookup)
	delete(r.visiting, name)
	r.resolved[name] = v
	return v, true
}

// expand replaces ${NAME} with its value when NAME is defined and "$$" with "$"
func expand(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case '$':
			b.WriteByte('$')
			i++
			continue
		case '{':
			if end := strings.IndexByte(s[i+2:], '}'); end > 0 {
				if v, ok := lookup(s[i+2 : i+2+end]); ok {
					b.WriteString(v)
					i += 2 + end
					continue
				}
			}
		}
		b.WriteByte('$')
	}
	return b.String()
}

// LookupEnv returns the value of key in a "K=V" list
func LookupEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}
