package server

import (
	"html"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

// handleDoc serves a minimal OpenAPI 3.0 document derived from the live
// endpoint list.
func (s *Server) handleDoc(c *gin.Context) {
	cfg := s.store.Config()
	paths := map[string]any{}
	for _, ep := range s.store.Snapshot() {
		if !ep.IsRest() {
			continue
		}
		var params []map[string]any
		for _, f := range ep.Request {
			in := f.FieldIn
			if in == "" {
				in = "query"
			}
			params = append(params, map[string]any{
				"name":        f.FieldName,
				"in":          in,
				"required":    f.Required,
				"description": f.Description,
				"schema":      map[string]any{"type": "string"},
			})
		}
		operation := map[string]any{
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
			},
		}
		if len(params) > 0 {
			operation["parameters"] = params
		}
		paths[openAPIPath(ep.URLPath)] = map[string]any{
			strings.ToLower(ep.HTTPMethod()): operation,
		}
	}
	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       cfg.ProjectName,
			"description": cfg.ProjectDescription,
			"version":     "1.0.0",
		},
		"paths": paths,
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml", out)
}

// handleDocPage serves a small HTML index of the live endpoints with a
// link to the machine-readable OpenAPI document.
func (s *Server) handleDocPage(c *gin.Context) {
	cfg := s.store.Config()
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>")
	b.WriteString(html.EscapeString(cfg.ProjectName))
	b.WriteString(" API</title></head>\n<body>\n<h1>")
	b.WriteString(html.EscapeString(cfg.ProjectName))
	b.WriteString("</h1>\n")
	if cfg.ProjectDescription != "" {
		b.WriteString("<p>" + html.EscapeString(cfg.ProjectDescription) + "</p>\n")
	}
	b.WriteString("<p><a href=\"/doc.yaml\">OpenAPI document</a></p>\n<ul>\n")
	for _, ep := range s.store.Snapshot() {
		if !ep.IsRest() {
			continue
		}
		b.WriteString("<li><code>")
		b.WriteString(html.EscapeString(ep.HTTPMethod() + " " + ep.URLPath))
		b.WriteString("</code></li>\n")
	}
	b.WriteString("</ul>\n</body>\n</html>\n")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

// openAPIPath rewrites :name segments to {name}.
func openAPIPath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, ":") {
			segs[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}
