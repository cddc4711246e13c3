package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustwork/escrowd/internal/ledger"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Actor-ID"); id != "" {
			a := ledger.Actor{ID: id, Role: ledger.Role(c.GetHeader("X-Actor-Role"))}
			c.Request = c.Request.WithContext(ledger.WithActor(c.Request.Context(), a))
		}
		c.Next()
	})
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func do(r *gin.Engine, method, path string, actor *ledger.Actor, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("X-Actor-ID", actor.ID)
		req.Header.Set("X-Actor-Role", string(actor.Role))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func disputeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	d, ok := out["dispute"].(map[string]any)
	require.True(t, ok, w.Body.String())
	return d
}

func TestHandler_OpenAndResolve(t *testing.T) {
	r, f := setupTestRouter(t)
	e := f.hold(t, "60", "40")

	w := do(r, http.MethodPost, "/v1/escrows/"+e.ID+"/disputes", &client, gin.H{"reason": "missed deadline"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d := disputeBody(t, w)
	id := d["id"].(string)
	assert.Equal(t, "pending", d["status"])

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/evidence", &freelancer, gin.H{"evidence": []string{"commit-log.txt"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/review", &operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "in_review", disputeBody(t, w)["status"])

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/resolve", &operator, gin.H{
		"decision": "split", "adjustment": "300.00", "notes": "half done",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d = disputeBody(t, w)
	assert.Equal(t, "resolved", d["status"])
	assert.Equal(t, "split", d["decision"])

	assert.Equal(t, ledger.EscrowReleased, f.escrow(t, e.ID).Status)
}

func TestHandler_Errors(t *testing.T) {
	r, f := setupTestRouter(t)
	e := f.hold(t)

	w := do(r, http.MethodPost, "/v1/escrows/"+e.ID+"/disputes", nil, gin.H{"reason": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/v1/escrows/"+e.ID+"/disputes", &client, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/escrows/"+e.ID+"/disputes", &stranger, gin.H{"reason": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/escrows/nope/disputes", &client, gin.H{"reason": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/escrows/"+e.ID+"/disputes", &client, gin.H{"reason": "x"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := disputeBody(t, w)["id"].(string)

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/resolve", &client, gin.H{"decision": "favor_client"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/resolve", &operator, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/resolve", &operator, gin.H{"decision": "split", "adjustment": "-50.00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "adjustment")

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/cancel", &client, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/escalate", &operator, gin.H{"notes": "late"})
	assert.Equal(t, http.StatusConflict, w.Code, "cancelled disputes are closed")
}
