// Package auth implements the per-endpoint security boundary: HTTP Basic
// against inline users or an engine-backed secret table, and Bearer with
// HS256-signed JWTs.
package auth

import (
	"context"
	"crypto/md5" //nolint:gosec // accommodates pre-hashed credential stores, not a recommendation
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/duck"
	"github.com/flapi/flapi/pkg/logger"
)

const realm = "flAPI"

// Identity describes the authenticated caller for one request.
type Identity struct {
	Authenticated bool
	Username      string
	Roles         []string
}

type ctxKey struct{}

// WithIdentity stores the identity on the request context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok
}

// Authenticator gates one endpoint. The secret table, when configured, is
// materialized lazily on the first request and reused afterwards.
type Authenticator struct {
	cfg config.AuthConfig
	db  *duck.Engine

	secretOnce sync.Once
	secretErr  error
	secretTbl  string
}

// New builds an authenticator for the endpoint's auth settings.
func New(cfg config.AuthConfig, db *duck.Engine) *Authenticator {
	return &Authenticator{cfg: cfg, db: db}
}

// Authenticate enforces the configured scheme for one request. On success
// the identity is attached to the request context; on failure the request
// is aborted with 401 and a challenge header, and false is returned. A nil
// receiver admits everything.
func (a *Authenticator) Authenticate(c *gin.Context) bool {
	if a == nil || !a.cfg.Enabled {
		return true
	}
	var (
		id  *Identity
		err error
	)
	switch strings.ToLower(a.cfg.Type) {
	case "bearer":
		id, err = a.bearer(c.GetHeader("Authorization"))
	default:
		id, err = a.basic(c, c.GetHeader("Authorization"))
	}
	if err != nil {
		log := logger.FromContext(c.Request.Context())
		log.Debug("authentication failed", "scheme", a.cfg.Type, "error", err)
		a.challenge(c)
		return false
	}
	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
	return true
}

// Middleware wraps Authenticate for statically registered routes.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Authenticate(c) {
			c.Next()
		}
	}
}

func (a *Authenticator) challenge(c *gin.Context) {
	scheme := "Basic"
	if strings.EqualFold(a.cfg.Type, "bearer") {
		scheme = "Bearer"
	}
	c.Header("WWW-Authenticate", fmt.Sprintf("%s realm=%q", scheme, realm))
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
}

func (a *Authenticator) basic(c *gin.Context, header string) (*Identity, error) {
	payload, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return nil, fmt.Errorf("missing basic credentials")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("malformed basic credentials: %w", err)
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("malformed basic credentials")
	}
	if a.cfg.FromAWSSecretManager != nil {
		return a.lookupSecretTable(c.Request.Context(), username, password)
	}
	for _, u := range a.cfg.Users {
		if u.Username == username && verifyPassword(u.Password, password) {
			return &Identity{Authenticated: true, Username: username, Roles: u.Roles}, nil
		}
	}
	return nil, fmt.Errorf("unknown user or wrong password")
}

// verifyPassword accepts plaintext or a 32-character lowercase MD5 hex
// digest on the stored side.
func verifyPassword(stored, supplied string) bool {
	if looksLikeMD5(stored) {
		sum := md5.Sum([]byte(supplied)) //nolint:gosec
		return subtle.ConstantTimeCompare([]byte(stored), []byte(hex.EncodeToString(sum[:]))) == 1
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

var md5HexRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

func looksLikeMD5(s string) bool { return md5HexRe.MatchString(s) }

func (a *Authenticator) bearer(header string) (*Identity, error) {
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("missing bearer token")
	}
	token, err := jwt.Parse(strings.TrimSpace(tokenStr),
		func(t *jwt.Token) (any, error) { return []byte(a.cfg.JWTSecret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(a.cfg.JWTIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claim type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return &Identity{Authenticated: true, Username: sub, Roles: rolesFromClaim(claims["roles"])}, nil
}

// rolesFromClaim accepts either a comma-separated string or a list.
func rolesFromClaim(v any) []string {
	switch rv := v.(type) {
	case string:
		if rv == "" {
			return nil
		}
		parts := strings.Split(rv, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	case []any:
		out := make([]string, 0, len(rv))
		for _, r := range rv {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

var nonAlnumRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// secretTableName derives the dedicated credential table for one secret.
func secretTableName(secretName string) string {
	return "auth_" + strings.Trim(nonAlnumRe.ReplaceAllString(secretName, "_"), "_")
}

// ensureSecretTable materializes the secret payload into the credential
// table exactly once per authenticator.
func (a *Authenticator) ensureSecretTable(ctx context.Context) error {
	a.secretOnce.Do(func() {
		sc := a.cfg.FromAWSSecretManager
		a.secretTbl = secretTableName(sc.SecretName)
		conn, err := a.db.Conn(ctx)
		if err != nil {
			a.secretErr = err
			return
		}
		defer conn.Close()
		for _, stmt := range duck.SplitStatements(sc.Init) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				a.secretErr = fmt.Errorf("secret store init failed: %w", err)
				return
			}
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT j FROM (%s) AS t(j)",
			a.secretTbl, sc.Query)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			a.secretErr = fmt.Errorf("secret table materialization failed: %w", err)
		}
	})
	return a.secretErr
}

func (a *Authenticator) lookupSecretTable(ctx context.Context, username, password string) (*Identity, error) {
	if err := a.ensureSecretTable(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(
		"SELECT j->>'password', COALESCE(CAST(j->'roles' AS VARCHAR), '') FROM %s WHERE j->>'username' = ?",
		a.secretTbl)
	var stored, roles sql.NullString
	err := a.db.DB().QueryRowContext(ctx, q, username).Scan(&stored, &roles)
	if err != nil {
		return nil, fmt.Errorf("secret lookup failed: %w", err)
	}
	if !stored.Valid || !verifyPassword(stored.String, password) {
		return nil, fmt.Errorf("unknown user or wrong password")
	}
	return &Identity{
		Authenticated: true,
		Username:      username,
		Roles:         rolesFromJSONList(roles.String),
	}, nil
}

func rolesFromJSONList(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
