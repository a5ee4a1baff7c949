package config

import (
	"strings"

	"github.com/flapi/flapi/pkg/routeutil"
)

// EndpointType discriminates the capability an endpoint identity belongs to.
type EndpointType string

const (
	TypeRest        EndpointType = "rest"
	TypeMCPTool     EndpointType = "mcp-tool"
	TypeMCPResource EndpointType = "mcp-resource"
	TypeMCPPrompt   EndpointType = "mcp-prompt"
)

// Endpoint is one configured unit: a URL path and/or MCP capabilities backed
// by a single SQL template. The shared envelope (template, connections,
// auth, rate limit, cache, heartbeat, request fields) applies to every
// capability the endpoint carries.
type Endpoint struct {
	URLPath                 string               `yaml:"url-path"`
	Method                  string               `yaml:"method"`
	WithPagination          bool                 `yaml:"with-pagination"`
	RequestFieldsValidation bool                 `yaml:"request-fields-validation"`
	TemplateSource          string               `yaml:"template-source"`
	Connection              []string             `yaml:"connection"`
	Request                 []RequestFieldConfig `yaml:"request"`
	RateLimit               RateLimitConfig      `yaml:"rate-limit"`
	Auth                    AuthConfig           `yaml:"auth"`
	Cache                   CacheConfig          `yaml:"cache"`
	Heartbeat               HeartbeatConfig      `yaml:"heartbeat"`
	ResponseFormat          ResponseFormatConfig `yaml:"response-format"`
	Operation               OperationConfig      `yaml:"operation"`

	MCPTool     *MCPToolConfig     `yaml:"mcp-tool"`
	MCPResource *MCPResourceConfig `yaml:"mcp-resource"`
	MCPPrompt   *MCPPromptConfig   `yaml:"mcp-prompt"`

	// SourcePath is the absolute path of the YAML file this endpoint was
	// parsed from; single-endpoint reload re-parses it with the same
	// resolver.
	SourcePath string `yaml:"-"`

	pattern *routeutil.Pattern
}

// RequestFieldConfig declares one validated request parameter.
type RequestFieldConfig struct {
	FieldName   string            `yaml:"field-name"`
	FieldIn     string            `yaml:"field-in"` // query | path | body | header
	Required    bool              `yaml:"required"`
	Default     *string           `yaml:"default"`
	Description string            `yaml:"description"`
	Validators  []ValidatorConfig `yaml:"validators"`
}

// ValidatorConfig is the tagged sum of field validators. Type selects the
// variant; PreventSQLInjection applies irrespective of type and defaults to
// true.
type ValidatorConfig struct {
	Type string `yaml:"type"` // int | string | enum | date | time

	// int
	Min *int64 `yaml:"min"`
	Max *int64 `yaml:"max"`

	// string
	Regex     string `yaml:"regex"`
	MinLength int    `yaml:"min-length"`

	// enum
	AllowedValues []string `yaml:"allowed-values"`

	// date / time bounds in ISO form
	MinDate string `yaml:"min-date"`
	MaxDate string `yaml:"max-date"`
	MinTime string `yaml:"min-time"`
	MaxTime string `yaml:"max-time"`

	PreventSQLInjection *bool `yaml:"prevent-sql-injection"`
}

// SQLInjectionGuard reports whether the injection guard is active.
func (v *ValidatorConfig) SQLInjectionGuard() bool {
	return v.PreventSQLInjection == nil || *v.PreventSQLInjection
}

// RateLimitConfig is a per-endpoint sliding window.
type RateLimitConfig struct {
	Enabled bool  `yaml:"enabled" koanf:"enabled"`
	Max     int64 `yaml:"max"     koanf:"max"`
	// Interval is the window length in seconds.
	Interval int `yaml:"interval" koanf:"interval"`
}

// AuthConfig selects and parameterizes the endpoint's authentication scheme.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled" koanf:"enabled"`
	Type    string       `yaml:"type"    koanf:"type"` // basic | bearer
	Users   []UserConfig `yaml:"users"   koanf:"users"`

	FromAWSSecretManager *SecretTableConfig `yaml:"from-aws-secretmanager" koanf:"from_aws_secretmanager"`

	JWTSecret string `yaml:"jwt_secret" koanf:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer" koanf:"jwt_issuer"`
}

// UserConfig is an inline credential entry. Password may be plaintext or a
// 32-character lowercase MD5 hex digest.
type UserConfig struct {
	Username string   `yaml:"username" koanf:"username"`
	Password string   `yaml:"password" koanf:"password"`
	Roles    []string `yaml:"roles"    koanf:"roles"`
}

// SecretTableConfig materializes credentials from an external secret store
// through the engine: Init creates/refreshes the credential handle, Query
// selects the secret payload as JSON.
type SecretTableConfig struct {
	SecretName string `yaml:"secret_name" koanf:"secret_name"`
	Init       string `yaml:"init"        koanf:"init"`
	Query      string `yaml:"query"       koanf:"query"`
}

// HeartbeatConfig opts the endpoint into the worker's warm-ping.
type HeartbeatConfig struct {
	Enabled bool              `yaml:"enabled"`
	Params  map[string]string `yaml:"params"`
}

// ResponseFormatConfig lists the wire formats the endpoint serves.
type ResponseFormatConfig struct {
	Formats      []string `yaml:"formats"`
	Default      string   `yaml:"default"`
	ArrowEnabled bool     `yaml:"arrow-enabled"`
}

// OperationConfig classifies the endpoint's SQL template.
type OperationConfig struct {
	Type                string `yaml:"type"` // read | write
	Transaction         bool   `yaml:"transaction"`
	ReturnsData         bool   `yaml:"returns-data"`
	ValidateBeforeWrite bool   `yaml:"validate-before-write"`
}

// MCPToolConfig exposes the endpoint as a model-context tool.
type MCPToolConfig struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	ResultMimeType string `yaml:"result_mime_type"`
}

// MCPResourceConfig exposes the endpoint as a model-context resource.
type MCPResourceConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mime_type"`
}

// MCPPromptConfig exposes the endpoint as a model-context prompt backed by a
// literal template.
type MCPPromptConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Template    string            `yaml:"template"`
	Arguments   []MCPPromptArgRef `yaml:"arguments"`
}

// MCPPromptArgRef names one prompt argument.
type MCPPromptArgRef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// IsRest reports whether the endpoint serves an HTTP route.
func (e *Endpoint) IsRest() bool { return e.URLPath != "" }

// HasMCP reports whether the endpoint carries any model-context capability.
func (e *Endpoint) HasMCP() bool {
	return e.MCPTool != nil || e.MCPResource != nil || e.MCPPrompt != nil
}

// Identity is the (type, identifier) pair that is unique within the live
// endpoint list.
type Identity struct {
	Type EndpointType
	ID   string
}

// Identities enumerates every identity the endpoint answers to.
func (e *Endpoint) Identities() []Identity {
	var out []Identity
	if e.IsRest() {
		out = append(out, Identity{TypeRest, e.URLPath})
	}
	if e.MCPTool != nil {
		out = append(out, Identity{TypeMCPTool, e.MCPTool.Name})
	}
	if e.MCPResource != nil {
		out = append(out, Identity{TypeMCPResource, e.MCPResource.Name})
	}
	if e.MCPPrompt != nil {
		out = append(out, Identity{TypeMCPPrompt, e.MCPPrompt.Name})
	}
	return out
}

// HTTPMethod returns the endpoint's read/write method, defaulting to GET.
func (e *Endpoint) HTTPMethod() string {
	if e.Method == "" {
		return "GET"
	}
	return strings.ToUpper(e.Method)
}

// IsWrite reports whether the endpoint executes a write operation.
func (e *Endpoint) IsWrite() bool {
	return strings.EqualFold(e.Operation.Type, "write")
}

// Pattern returns the compiled URL pattern for REST endpoints.
func (e *Endpoint) Pattern() *routeutil.Pattern { return e.pattern }

// Formats returns the configured response formats, defaulting to JSON/CSV.
func (r ResponseFormatConfig) FormatsOrDefault() []string {
	if len(r.Formats) == 0 {
		return []string{"json", "csv"}
	}
	return r.Formats
}

// DefaultOrJSON returns the preferred format name.
func (r ResponseFormatConfig) DefaultOrJSON() string {
	if r.Default == "" {
		return "json"
	}
	return r.Default
}
