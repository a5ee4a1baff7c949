package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapi/flapi/engine/config"
)

func requestContext(t *testing.T, authorization string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	req, err := http.NewRequest(http.MethodGet, "/users", nil)
	require.NoError(t, err)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	c.Request = req
	return c, rec
}

func basicHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func TestAuthenticate(t *testing.T) {
	t.Run("Should admit everything through a nil authenticator", func(t *testing.T) {
		var a *Authenticator
		c, _ := requestContext(t, "")
		assert.True(t, a.Authenticate(c))
	})

	t.Run("Should admit everything when disabled", func(t *testing.T) {
		a := New(config.AuthConfig{Enabled: false}, nil)
		c, _ := requestContext(t, "")
		assert.True(t, a.Authenticate(c))
	})
}

func TestBasicAuth(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled: true,
		Type:    "basic",
		Users: []config.UserConfig{
			{Username: "alice", Password: "s3cret", Roles: []string{"admin"}},
			{Username: "bob", Password: "5f4dcc3b5aa765d61d8327deb882cf99"}, // md5("password")
		},
	}

	t.Run("Should accept a plaintext credential and attach the identity", func(t *testing.T) {
		a := New(cfg, nil)
		c, _ := requestContext(t, basicHeader("alice", "s3cret"))
		require.True(t, a.Authenticate(c))

		id, ok := IdentityFromContext(c.Request.Context())
		require.True(t, ok)
		assert.True(t, id.Authenticated)
		assert.Equal(t, "alice", id.Username)
		assert.Equal(t, []string{"admin"}, id.Roles)
	})

	t.Run("Should accept an MD5-stored credential", func(t *testing.T) {
		a := New(cfg, nil)
		c, _ := requestContext(t, basicHeader("bob", "password"))
		assert.True(t, a.Authenticate(c))
	})

	t.Run("Should reject a wrong password with 401 and a challenge", func(t *testing.T) {
		a := New(cfg, nil)
		c, rec := requestContext(t, basicHeader("alice", "wrong"))
		require.False(t, a.Authenticate(c))
		assert.True(t, c.IsAborted())
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, `Basic realm="flAPI"`, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("Should reject a missing header", func(t *testing.T) {
		a := New(cfg, nil)
		c, rec := requestContext(t, "")
		require.False(t, a.Authenticate(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Should reject undecodable credentials", func(t *testing.T) {
		a := New(cfg, nil)
		c, rec := requestContext(t, "Basic !!!not-base64!!!")
		require.False(t, a.Authenticate(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-signing-key"
	cfg := config.AuthConfig{
		Enabled:   true,
		Type:      "bearer",
		JWTSecret: secret,
		JWTIssuer: "flapi-test",
	}

	sign := func(t *testing.T, key string, claims jwt.MapClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return token
	}

	t.Run("Should accept a valid token and map list roles", func(t *testing.T) {
		token := sign(t, secret, jwt.MapClaims{
			"iss":   "flapi-test",
			"sub":   "alice",
			"roles": []string{"admin", "reader"},
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		a := New(cfg, nil)
		c, _ := requestContext(t, "Bearer "+token)
		require.True(t, a.Authenticate(c))

		id, ok := IdentityFromContext(c.Request.Context())
		require.True(t, ok)
		assert.Equal(t, "alice", id.Username)
		assert.Equal(t, []string{"admin", "reader"}, id.Roles)
	})

	t.Run("Should map comma-separated roles", func(t *testing.T) {
		token := sign(t, secret, jwt.MapClaims{
			"iss":   "flapi-test",
			"sub":   "bob",
			"roles": "admin, reader",
		})
		a := New(cfg, nil)
		c, _ := requestContext(t, "Bearer "+token)
		require.True(t, a.Authenticate(c))

		id, _ := IdentityFromContext(c.Request.Context())
		assert.Equal(t, []string{"admin", "reader"}, id.Roles)
	})

	t.Run("Should reject a token signed with the wrong key", func(t *testing.T) {
		token := sign(t, "other-key", jwt.MapClaims{"iss": "flapi-test", "sub": "alice"})
		a := New(cfg, nil)
		c, rec := requestContext(t, "Bearer "+token)
		require.False(t, a.Authenticate(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, `Bearer realm="flAPI"`, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("Should reject a wrong issuer", func(t *testing.T) {
		token := sign(t, secret, jwt.MapClaims{"iss": "someone-else", "sub": "alice"})
		a := New(cfg, nil)
		c, _ := requestContext(t, "Bearer "+token)
		assert.False(t, a.Authenticate(c))
	})

	t.Run("Should reject an expired token", func(t *testing.T) {
		token := sign(t, secret, jwt.MapClaims{
			"iss": "flapi-test",
			"sub": "alice",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		a := New(cfg, nil)
		c, _ := requestContext(t, "Bearer "+token)
		assert.False(t, a.Authenticate(c))
	})

	t.Run("Should reject a token without a subject", func(t *testing.T) {
		token := sign(t, secret, jwt.MapClaims{"iss": "flapi-test"})
		a := New(cfg, nil)
		c, _ := requestContext(t, "Bearer "+token)
		assert.False(t, a.Authenticate(c))
	})
}

func TestVerifyPassword(t *testing.T) {
	t.Run("Should compare plaintext directly", func(t *testing.T) {
		assert.True(t, verifyPassword("open sesame", "open sesame"))
		assert.False(t, verifyPassword("open sesame", "wrong"))
	})

	t.Run("Should hash the supplied value against an MD5 digest", func(t *testing.T) {
		assert.True(t, verifyPassword("5f4dcc3b5aa765d61d8327deb882cf99", "password"))
		assert.False(t, verifyPassword("5f4dcc3b5aa765d61d8327deb882cf99", "other"))
	})

	t.Run("Should not treat uppercase hex as a digest", func(t *testing.T) {
		stored := "5F4DCC3B5AA765D61D8327DEB882CF99"
		assert.False(t, verifyPassword(stored, "password"))
		assert.True(t, verifyPassword(stored, stored))
	})
}

func TestSecretTableName(t *testing.T) {
	t.Run("Should sanitize the secret name into an identifier", func(t *testing.T) {
		assert.Equal(t, "auth_prod_api_users", secretTableName("prod/api-users"))
		assert.Equal(t, "auth_users", secretTableName("users"))
		assert.Equal(t, "auth_a_b", secretTableName("--a@@b--"))
	})
}

func TestRolesFromJSONList(t *testing.T) {
	t.Run("Should parse a JSON list of role strings", func(t *testing.T) {
		assert.Equal(t, []string{"admin", "reader"}, rolesFromJSONList(`["admin", "reader"]`))
	})

	t.Run("Should return nil for an empty payload", func(t *testing.T) {
		assert.Nil(t, rolesFromJSONList(""))
		assert.Nil(t, rolesFromJSONList("[]"))
	})
}
