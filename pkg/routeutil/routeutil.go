// Package routeutil compiles endpoint URL patterns of the form
// "/users/:id/orders/:oid" into anchored regular expressions and implements
// the slug encoding used when admin routes embed a target endpoint path.
package routeutil

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a compiled URL pattern with named ":segment" captures.
type Pattern struct {
	Raw    string
	re     *regexp.Regexp
	params []string
}

// Compile turns "/a/:id/b/:x" into ^/a/([^/]+)/b/([^/]+)$ and records the
// parameter names in order.
func Compile(raw string) (*Pattern, error) {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("url pattern must start with '/': %q", raw)
	}
	var params []string
	var sb strings.Builder
	sb.WriteString("^")
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			continue
		}
		sb.WriteString("/")
		if strings.HasPrefix(seg, ":") {
			name := seg[1:]
			if name == "" {
				return nil, fmt.Errorf("empty parameter name in pattern %q", raw)
			}
			params = append(params, name)
			sb.WriteString("([^/]+)")
		} else {
			sb.WriteString(regexp.QuoteMeta(seg))
		}
	}
	if raw == "/" {
		sb.WriteString("/")
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", raw, err)
	}
	return &Pattern{Raw: raw, re: re, params: params}, nil
}

// Match reports whether path matches the pattern, returning one entry per
// ":name" segment and nothing else.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	captures := make(map[string]string, len(p.params))
	for i, name := range p.params {
		captures[name] = m[i+1]
	}
	return captures, true
}

// ParamNames returns the ordered ":name" segments of the pattern.
func (p *Pattern) ParamNames() []string {
	out := make([]string, len(p.params))
	copy(out, p.params)
	return out
}

var collapseHyphens = regexp.MustCompile(`-+`)

// EncodeSlug maps an endpoint path to an identifier safe to embed in an
// admin route segment: "/" becomes "-slash-", the empty path "empty", any
// other non-alphanumeric rune "-"; runs are collapsed and outer hyphens
// trimmed.
func EncodeSlug(path string) string {
	if path == "" {
		return "empty"
	}
	var sb strings.Builder
	for _, r := range path {
		switch {
		case r == '/':
			sb.WriteString("-slash-")
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	s := collapseHyphens.ReplaceAllString(sb.String(), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "empty"
	}
	return s
}

// DecodeSlug inverts EncodeSlug for lookup purposes. Only the "-slash-"
// marker is recoverable; other substituted runes stay hyphens, which is
// sufficient because lookups run against the encoded form of live paths.
func DecodeSlug(slug string) string {
	if slug == "empty" {
		return ""
	}
	s := strings.TrimPrefix(slug, "slash-")
	s = strings.ReplaceAll(s, "-slash-", "/")
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// MatchSlug reports whether slug addresses path, comparing in encoded space
// so information lost by the forward transform cannot cause false negatives.
func MatchSlug(slug, path string) bool {
	return slug == EncodeSlug(path)
}
