// Package mcpserver exposes configured endpoints as model-context tools,
// resources and prompts. Capabilities share the SQL pipeline with the HTTP
// surface; the transport is streamable HTTP mounted under /mcp.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/pipeline"
	"github.com/flapi/flapi/pkg/logger"
	"github.com/flapi/flapi/pkg/tplengine"
)

// Adapter owns the MCP server and its capability registrations.
type Adapter struct {
	pipe *pipeline.Pipeline
	tpl  *tplengine.Engine
	srv  *server.MCPServer
}

// New builds the adapter and registers every MCP-capable endpoint from the
// current snapshot.
func New(ctx context.Context, projectName string, pipe *pipeline.Pipeline, tpl *tplengine.Engine) *Adapter {
	a := &Adapter{
		pipe: pipe,
		tpl:  tpl,
		srv: server.NewMCPServer(
			projectName,
			"1.0.0",
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithPromptCapabilities(false),
		),
	}
	a.register(ctx)
	return a
}

// Handler returns the streamable HTTP transport for mounting on the router.
func (a *Adapter) Handler() http.Handler {
	return server.NewStreamableHTTPServer(a.srv)
}

func (a *Adapter) register(ctx context.Context) {
	log := logger.FromContext(ctx)
	for _, ep := range a.pipe.Store().Snapshot() {
		if ep.MCPTool != nil {
			a.registerTool(ep)
			log.Debug("registered mcp tool", "name", ep.MCPTool.Name)
		}
		if ep.MCPResource != nil {
			a.registerResource(ep)
			log.Debug("registered mcp resource", "name", ep.MCPResource.Name)
		}
		if ep.MCPPrompt != nil {
			a.registerPrompt(ep)
			log.Debug("registered mcp prompt", "name", ep.MCPPrompt.Name)
		}
	}
}

func (a *Adapter) registerTool(ep *config.Endpoint) {
	opts := []mcp.ToolOption{mcp.WithDescription(ep.MCPTool.Description)}
	for i := range ep.Request {
		f := &ep.Request[i]
		argOpts := []mcp.PropertyOption{mcp.Description(f.Description)}
		if f.Required {
			argOpts = append(argOpts, mcp.Required())
		}
		opts = append(opts, mcp.WithString(f.FieldName, argOpts...))
	}
	tool := mcp.NewTool(ep.MCPTool.Name, opts...)
	a.srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := a.toolParams(ep, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := a.executeAsJSON(ctx, ep, params)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	})
}

func (a *Adapter) registerResource(ep *config.Endpoint) {
	mimeType := ep.MCPResource.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}
	uri := "flapi://" + ep.MCPResource.Name
	resource := mcp.NewResource(uri, ep.MCPResource.Name,
		mcp.WithResourceDescription(ep.MCPResource.Description),
		mcp.WithMIMEType(mimeType),
	)
	a.srv.AddResource(resource, func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		params, err := pipeline.ReadParams(ep, nil, nil)
		if err != nil {
			return nil, err
		}
		text, err := a.executeAsJSON(ctx, ep, params)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: mimeType, Text: text},
		}, nil
	})
}

func (a *Adapter) registerPrompt(ep *config.Endpoint) {
	opts := []mcp.PromptOption{mcp.WithPromptDescription(ep.MCPPrompt.Description)}
	for _, arg := range ep.MCPPrompt.Arguments {
		argOpts := []mcp.ArgumentOption{mcp.ArgumentDescription(arg.Description)}
		if arg.Required {
			argOpts = append(argOpts, mcp.RequiredArgument())
		}
		opts = append(opts, mcp.WithArgument(arg.Name, argOpts...))
	}
	prompt := mcp.NewPrompt(ep.MCPPrompt.Name, opts...)
	a.srv.AddPrompt(prompt, func(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		params := map[string]string{}
		for k, v := range req.Params.Arguments {
			params[k] = v
		}
		text, err := a.tpl.Render(ep.MCPPrompt.Template, tplengine.Scopes{Params: params})
		if err != nil {
			return nil, err
		}
		return mcp.NewGetPromptResult(ep.MCPPrompt.Description, []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		}), nil
	})
}

// toolParams maps call arguments onto the read parameter defaults.
func (a *Adapter) toolParams(ep *config.Endpoint, args map[string]any) (map[string]string, error) {
	params, err := pipeline.ReadParams(ep, nil, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range args {
		switch tv := v.(type) {
		case string:
			params[k] = tv
		case nil:
			params[k] = ""
		default:
			raw, err := json.Marshal(tv)
			if err != nil {
				return nil, fmt.Errorf("argument %q is not serializable: %w", k, err)
			}
			params[k] = string(raw)
		}
	}
	return params, nil
}

// executeAsJSON runs the endpoint and renders the rows as a JSON array.
func (a *Adapter) executeAsJSON(ctx context.Context, ep *config.Endpoint, params map[string]string) (string, error) {
	if errs := a.pipe.Validate(ep, params); len(errs) > 0 {
		raw, _ := json.Marshal(errs)
		return "", fmt.Errorf("validation failed: %s", raw)
	}
	if ep.IsWrite() {
		res, err := a.pipe.ExecuteWrite(ctx, ep, params)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(map[string]any{"rows_affected": res.RowsAffected, "data": res.Rows})
		return string(raw), err
	}
	res, err := a.pipe.ExecuteRead(ctx, ep, params)
	if err != nil {
		return "", err
	}
	rows := res.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	raw, err := json.Marshal(rows)
	return string(raw), err
}
