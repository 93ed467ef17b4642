package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService("test-secret", time.Hour)
}

func token(t *testing.T, auth *service.AuthService, userID string, role model.Role) string {
	t.Helper()
	tok, err := auth.IssueToken(userID, role)
	require.NoError(t, err)
	return tok
}

func whoami(c *gin.Context) {
	c.String(http.StatusOK, GetClaims(c).UserID)
}

func TestRequireUserJWT(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/me", RequireUserJWT(auth), whoami)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "valid bearer", header: "Bearer " + token(t, auth, "alice", model.RoleLearner), status: http.StatusOK, body: "alice"},
		{name: "lowercase scheme", header: "bearer " + token(t, auth, "bob", model.RoleLearner), status: http.StatusOK, body: "bob"},
		{name: "missing header", header: "", status: http.StatusUnauthorized, body: "TOKEN_REQUIRED"},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized, body: "TOKEN_REQUIRED"},
		{name: "garbage token", header: "Bearer not.a.jwt", status: http.StatusUnauthorized, body: "TOKEN_INVALID"},
		{name: "foreign signature", header: "Bearer " + token(t, service.NewAuthService("other", time.Hour), "eve", model.RoleAdmin), status: http.StatusUnauthorized, body: "TOKEN_INVALID"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.body)
		})
	}
}

func TestRequireWSAuth_QueryToken(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/ws", RequireWSAuth(auth), whoami)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+token(t, auth, "alice", model.RoleLearner), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/keys", RequireUserJWT(auth), RequireRole(model.RoleInstructor, model.RoleAdmin), whoami)

	for role, status := range map[model.Role]int{
		model.RoleLearner:    http.StatusForbidden,
		model.RoleInstructor: http.StatusOK,
		model.RoleAdmin:      http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodGet, "/keys", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, auth, "u-"+string(role), role))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, "role %s", role)
	}
}

func TestRateLimiter_PerUser(t *testing.T) {
	auth := newAuth()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.GET("/x", RequireUserJWT(auth), rl.Middleware(), whoami)

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, auth, user, model.RoleLearner))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, call("alice"))
	}
	assert.Equal(t, http.StatusTooManyRequests, call("alice"))
	assert.Equal(t, http.StatusOK, call("bob"), "buckets are per user")

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, call("alice"))
}

func TestBrotli(t *testing.T) {
	big := strings.Repeat("kubernetes ", 500)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, big) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	t.Run("large body is compressed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/big", nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
		assert.Less(t, w.Body.Len(), len(big))

		plain, err := io.ReadAll(brotli.NewReader(w.Body))
		require.NoError(t, err)
		assert.Equal(t, big, string(plain))
	})

	t.Run("small body is sent as is", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/small", nil)
		req.Header.Set("Accept-Encoding", "br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, "ok", w.Body.String())
	})

	t.Run("client without br", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/big", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, big, w.Body.String())
	})
}
