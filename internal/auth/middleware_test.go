package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware())
	handlers := append(mw, func(c *gin.Context) {
		actor, _ := GetActor(c)
		c.JSON(http.StatusOK, gin.H{"id": actor.ID, "role": actor.Role})
	})
	r.GET("/test", handlers...)
	return r
}

func do(r *gin.Engine, id, role string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if id != "" {
		req.Header.Set(HeaderActorID, id)
	}
	if role != "" {
		req.Header.Set(HeaderActorRole, role)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsActor(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set(HeaderActorID, "user-42")
	c.Request.Header.Set(HeaderActorRole, "Arbitrator")

	Middleware()(c)

	actor, ok := GetActor(c)
	if !ok {
		t.Fatal("expected actor in context")
	}
	if actor.ID != "user-42" || actor.Role != RoleArbitrator {
		t.Errorf("actor = %+v, want user-42/arbitrator", actor)
	}
}

func TestMiddleware_IgnoresUnknownRole(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set(HeaderActorID, "user-42")
	c.Request.Header.Set(HeaderActorRole, "superuser")

	Middleware()(c)

	if _, ok := GetActor(c); ok {
		t.Error("unknown role must not produce an actor")
	}
}

func TestRequireActor(t *testing.T) {
	r := newRouter(RequireActor())

	if w := do(r, "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing headers: status = %d, want 401", w.Code)
	}
	if w := do(r, "user-1", "client"); w.Code != http.StatusOK {
		t.Errorf("valid headers: status = %d, want 200", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := newRouter(RequireRole(RoleArbitrator, RoleAdmin))

	tests := []struct {
		role string
		want int
	}{
		{"arbitrator", http.StatusOK},
		{"admin", http.StatusOK},
		{"client", http.StatusForbidden},
		{"freelancer", http.StatusForbidden},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			if w := do(r, "actor-1", tt.role); w.Code != tt.want {
				t.Errorf("role %q: status = %d, want %d", tt.role, w.Code, tt.want)
			}
		})
	}
}
