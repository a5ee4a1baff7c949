package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/flapi/flapi/pkg/logger"
	"github.com/flapi/flapi/pkg/routeutil"
)

// DiscoverEndpointFiles walks the template directory recursively and returns
// every .yaml/.yml file in deterministic order.
func DiscoverEndpointFiles(root string) ([]string, error) {
	seen := make(map[string]bool)
	for _, pattern := range []string{"**/*.yaml", "**/*.yml"} {
		matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			seen[m] = true
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// LoadEndpoints parses every endpoint file under the template directory. A
// single malformed file does not abort the load: invalid endpoints are
// skipped with a diagnostic and the valid remainder is returned.
func LoadEndpoints(ctx context.Context, cfg *Config) ([]*Endpoint, error) {
	log := logger.FromContext(ctx)
	files, err := DiscoverEndpointFiles(cfg.TemplateDir())
	if err != nil {
		return nil, err
	}
	endpoints := make([]*Endpoint, 0, len(files))
	ids := make(map[Identity]string)
	for _, file := range files {
		ep, err := ParseEndpointFile(ctx, cfg, file)
		if err != nil {
			log.Warn("skipping invalid endpoint file", "file", file, "error", err)
			continue
		}
		if dup := firstDuplicate(ids, ep, file); dup != "" {
			log.Warn("skipping endpoint with duplicate identity", "file", file, "conflict", dup)
			continue
		}
		endpoints = append(endpoints, ep)
	}
	log.Info("endpoint templates loaded", "dir", cfg.TemplateDir(), "count", len(endpoints), "files", len(files))
	return endpoints, nil
}

func firstDuplicate(ids map[Identity]string, ep *Endpoint, file string) string {
	for _, id := range ep.Identities() {
		if prev, ok := ids[id]; ok {
			return fmt.Sprintf("%s %q already defined in %s", id.Type, id.ID, prev)
		}
	}
	for _, id := range ep.Identities() {
		ids[id] = file
	}
	return ""
}

// ParseEndpointFile parses one endpoint YAML, detects its capability kind,
// resolves template paths to absolute form and runs structural validation.
func ParseEndpointFile(ctx context.Context, cfg *Config, path string) (*Endpoint, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint path %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read endpoint file: %w", err)
	}
	ep := &Endpoint{}
	if err := yaml.Unmarshal(data, ep); err != nil {
		return nil, fmt.Errorf("parse endpoint yaml: %w", err)
	}
	ep.SourcePath = abs
	resolveEndpointPaths(ep, filepath.Dir(abs))
	if err := validateEndpoint(ctx, cfg, ep); err != nil {
		return nil, err
	}
	if ep.IsRest() {
		pattern, err := routeutil.Compile(ep.URLPath)
		if err != nil {
			return nil, err
		}
		ep.pattern = pattern
	}
	return ep, nil
}

// resolveEndpointPaths canonicalizes template-source and cache.template-file
// relative to the endpoint file's directory. Stored paths are always
// absolute, so a later reload of the same file resolves identically no
// matter the working directory.
func resolveEndpointPaths(ep *Endpoint, dir string) {
	ep.TemplateSource = absAgainst(dir, ep.TemplateSource)
	ep.Cache.TemplateFile = absAgainst(dir, ep.Cache.TemplateFile)
}

func absAgainst(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(dir, p))
}

func validateEndpoint(ctx context.Context, cfg *Config, ep *Endpoint) error {
	log := logger.FromContext(ctx)
	if !ep.IsRest() && !ep.HasMCP() {
		return fmt.Errorf("endpoint declares neither url-path nor an mcp capability")
	}
	if ep.IsRest() && !strings.HasPrefix(ep.URLPath, "/") {
		return fmt.Errorf("url-path must start with '/': %q", ep.URLPath)
	}
	if ep.MCPPrompt != nil && strings.TrimSpace(ep.MCPPrompt.Template) == "" {
		return fmt.Errorf("mcp-prompt %q requires a non-empty template literal", ep.MCPPrompt.Name)
	}
	needsTemplate := ep.IsRest() || ep.MCPTool != nil || ep.MCPResource != nil
	if needsTemplate && ep.TemplateSource == "" {
		return fmt.Errorf("template-source is required")
	}
	for _, name := range ep.Connection {
		if _, ok := cfg.Conns[name]; !ok {
			return fmt.Errorf("connection %q is not defined in the global connections map", name)
		}
	}
	if len(ep.Connection) == 0 {
		log.Warn("endpoint has no connections configured", "file", ep.SourcePath)
	}
	if ep.TemplateSource != "" {
		if _, err := os.Stat(ep.TemplateSource); err != nil {
			log.Warn("template file not found", "file", ep.TemplateSource)
		}
	}
	if ep.Cache.Enabled && ep.Cache.TemplateFile != "" {
		if _, err := os.Stat(ep.Cache.TemplateFile); err != nil {
			log.Warn("cache template file not found", "file", ep.Cache.TemplateFile)
		}
	}
	return nil
}
