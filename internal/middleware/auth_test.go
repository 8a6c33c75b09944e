package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/tabflow/internal/services"
	"github.com/kartikbazzad/tabflow/internal/store"
)

func authRouter(t *testing.T, bootstrap string) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens := services.NewTokenService(store.NewMemory())
	_, raw, err := tokens.CreateToken(context.Background(), "ci", "operator", "deploy", 0)
	require.NoError(t, err)

	r := gin.New()
	r.Use(TokenAuthMiddleware(tokens, bootstrap))
	r.GET("/whoami", func(c *gin.Context) {
		p := GetPrincipal(c)
		require.NotNil(t, p)
		c.JSON(http.StatusOK, gin.H{"name": p.Name, "role": p.Role})
	})
	return r, raw
}

func get(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingOrMalformedHeader(t *testing.T) {
	r, _ := authRouter(t, "")

	assert.Equal(t, http.StatusUnauthorized, get(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer ").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer tf_bogus").Code)
}

func TestAuthResolvesAPIToken(t *testing.T) {
	r, raw := authRouter(t, "")

	w := get(r, "Bearer "+raw)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"ci"`)
	assert.Contains(t, w.Body.String(), `"role":"operator"`)
}

func TestAuthBootstrapToken(t *testing.T) {
	r, _ := authRouter(t, "seed-credential")

	w := get(r, "Bearer seed-credential")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"admin"`)

	// Disabled bootstrap never matches.
	r2, _ := authRouter(t, "")
	assert.Equal(t, http.StatusUnauthorized, get(r2, "Bearer seed-credential").Code)
}
