// Package tplengine renders the logic-less SQL templates attached to
// endpoints. Templates see four flat scopes: params (merged request
// parameters), conn (properties of the endpoint's first connection), env
// (whitelisted process environment) and cache (populated during cache
// refresh only).
package tplengine

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/cbroglie/mustache"
)

// Scopes carries the template context for one rendering pass.
type Scopes struct {
	Params map[string]string
	Conn   map[string]string
	Env    map[string]string
	Cache  map[string]string
}

// Engine renders SQL templates. The environment whitelist is fixed at
// construction; variables whose names match no pattern render as empty.
type Engine struct {
	envWhitelist []*regexp.Regexp
}

// New compiles the environment whitelist patterns. Invalid patterns are a
// configuration error.
func New(envWhitelist []string) (*Engine, error) {
	res := make([]*regexp.Regexp, 0, len(envWhitelist))
	for _, p := range envWhitelist {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid environment whitelist pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return &Engine{envWhitelist: res}, nil
}

// EnvScope snapshots the process environment filtered through the whitelist.
func (e *Engine) EnvScope() map[string]string {
	out := make(map[string]string)
	if len(e.envWhitelist) == 0 {
		return out
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, re := range e.envWhitelist {
			if re.MatchString(name) {
				out[name] = value
				break
			}
		}
	}
	return out
}

// Render renders a template string against the given scopes. Missing keys
// render as the empty string; sections over absent keys are skipped, which
// lets one cache template branch on cache.mode without helpers.
func (e *Engine) Render(template string, scopes Scopes) (string, error) {
	ctx := map[string]any{
		"params": toAny(scopes.Params),
		"conn":   toAny(scopes.Conn),
		"env":    envOrDefault(scopes.Env, e),
		"cache":  toAny(scopes.Cache),
	}
	out, err := mustache.Render(template, ctx)
	if err != nil {
		return "", fmt.Errorf("template rendering failed: %w", err)
	}
	return out, nil
}

// RenderFile reads and renders a template file.
func (e *Engine) RenderFile(path string, scopes Scopes) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", path, err)
	}
	return e.Render(string(data), scopes)
}

// HasMarkers reports whether s contains template markers at all.
func HasMarkers(s string) bool {
	return strings.Contains(s, "{{")
}

func envOrDefault(env map[string]string, e *Engine) map[string]any {
	if env == nil {
		env = e.EnvScope()
	}
	return toAny(env)
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
