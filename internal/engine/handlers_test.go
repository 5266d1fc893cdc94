package engine

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/coverpool/internal/auth"
	"github.com/mbd888/coverpool/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAccountHeader = "X-Test-Account"

// newTestRouter mounts the handler with a stand-in for the API key
// middleware that trusts testAccountHeader.
func newTestRouter(t *testing.T) (*gin.Engine, *harness, *ledger.BlockClock) {
	t.Helper()
	h := newHarness(t)
	clock := ledger.NewBlockClock(0, slog.Default())
	handler := NewHandler(h.engine, clock, slog.Default())

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		if account := c.GetHeader(testAccountHeader); account != "" {
			c.Set(auth.ContextKeyAccount, account)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(protected)
	return r, h, clock
}

func do(r *gin.Engine, method, path, account string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(testAccountHeader, account)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandler_Reads(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/v1/state", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)["state"].(map[string]any)
	assert.Equal(t, owner, state["owner"])

	w = do(r, http.MethodGet, "/v1/tiers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["count"])

	w = do(r, http.MethodGet, "/v1/tiers/2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Premium", decode(t, w)["tier"].(map[string]any)["name"])

	w = do(r, http.MethodGet, "/v1/tiers/99", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "tier_not_found", decode(t, w)["error"])

	w = do(r, http.MethodGet, "/v1/tiers/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ComputePremium(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/v1/premium?tierId=1&coverage=10000000", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	quote := decode(t, w)["quote"].(map[string]any)
	assert.EqualValues(t, 15_000_000, quote["premium"])

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing tier", "?coverage=1", http.StatusBadRequest},
		{"bad coverage", "?tierId=1&coverage=-5", http.StatusBadRequest},
		{"bad account", "?tierId=1&coverage=1&account=bob", http.StatusBadRequest},
		{"unknown tier", "?tierId=42&coverage=1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, "/v1/premium"+tt.query, "", nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_PolicyLifecycle(t *testing.T) {
	r, h, clock := newTestRouter(t)
	h.fund(t, alice, 20_000_000)

	w := do(r, http.MethodGet, "/v1/accounts/"+alice+"/policy", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_policy_exists", decode(t, w)["error"])

	body := map[string]any{"tierId": 1, "coverage": 10_000_000, "stakeAmount": 1_000_000, "duration": 100}
	w = do(r, http.MethodPost, "/v1/policies", alice, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "15.000000", resp["premiumDisplay"])
	assert.Equal(t, true, resp["policy"].(map[string]any)["active"])

	w = do(r, http.MethodPost, "/v1/policies", alice, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_parameters", decode(t, w)["error"])

	w = do(r, http.MethodGet, "/v1/accounts/"+alice+"/policy", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decode(t, w)["policy"].(map[string]any)["effectiveStatus"])

	clock.Advance(200)
	w = do(r, http.MethodGet, "/v1/accounts/"+alice+"/policy", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "expired", decode(t, w)["policy"].(map[string]any)["effectiveStatus"])

	w = do(r, http.MethodPost, "/v1/policies/"+alice+"/expire", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "expired", decode(t, w)["policy"].(map[string]any)["status"])
}

func TestHandler_PurchaseErrors(t *testing.T) {
	r, h, _ := newTestRouter(t)
	h.fund(t, alice, 1_000_000)

	w := do(r, http.MethodPost, "/v1/policies", alice, map[string]any{"tierId": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])

	w = do(r, http.MethodPost, "/v1/policies", alice, map[string]any{"tierId": 1, "coverage": 10_000_000, "stakeAmount": 1, "duration": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "stake_too_low", decode(t, w)["error"])

	w = do(r, http.MethodPost, "/v1/policies", alice, map[string]any{"tierId": 1, "coverage": 10_000_000, "stakeAmount": 1_000_000, "duration": 100})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "funds_insufficient", decode(t, w)["error"])

	w = do(r, http.MethodPost, "/v1/policies", alice, map[string]any{"tierId": 1, "coverage": 500_000_000, "stakeAmount": 1_000_000, "duration": 100})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "max_coverage_exceeded", decode(t, w)["error"])
}

func TestHandler_Claims(t *testing.T) {
	r, h, _ := newTestRouter(t)
	h.fund(t, alice, 20_000_000)
	h.buyBasic(t, alice, 1)

	w := do(r, http.MethodPost, "/v1/claims", alice, map[string]any{"amount": 2_000_000, "evidenceDocument": "incident report", "category": "oracle"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	claim := decode(t, w)["claim"].(map[string]any)
	assert.Equal(t, "pending", claim["verdict"])
	assert.EqualValues(t, 0, claim["claimId"])

	w = do(r, http.MethodPost, "/v1/claims", alice, map[string]any{"amount": 1, "evidenceDocument": "again", "category": "oracle"})
	assert.Equal(t, http.StatusTooEarly, w.Code)
	assert.Equal(t, "cooldown_active", decode(t, w)["error"])

	w = do(r, http.MethodPost, "/v1/claims", bob, map[string]any{"amount": 1, "evidence": evidence.Hex(), "category": "oracle"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_policy_exists", decode(t, w)["error"])

	w = do(r, http.MethodGet, "/v1/accounts/"+alice+"/claims", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(r, http.MethodGet, "/v1/accounts/"+alice+"/claims?cursor=bogus!", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_cursor", decode(t, w)["error"])

	w = do(r, http.MethodGet, "/v1/accounts/"+alice+"/claims/0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/accounts/"+alice+"/claims/7", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])

	w = do(r, http.MethodGet, "/v1/accounts/not-an-address/claims", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Staking(t *testing.T) {
	r, h, _ := newTestRouter(t)
	h.fund(t, bob, 2_000_000)

	w := do(r, http.MethodGet, "/v1/accounts/"+bob+"/stake", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/stakes", bob, map[string]any{"amount": 1_000_000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	stake := decode(t, w)["stake"].(map[string]any)
	assert.Equal(t, true, stake["locked"])

	w = do(r, http.MethodPost, "/v1/stakes/rewards", bob, nil)
	assert.Equal(t, http.StatusTooEarly, w.Code)

	w = do(r, http.MethodPost, "/v1/stakes/unstake", bob, map[string]any{"amount": 1_000_000})
	assert.Equal(t, http.StatusTooEarly, w.Code)

	w = do(r, http.MethodGet, "/v1/accounts/"+bob+"/stake", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Risk(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/v1/accounts/"+carol+"/risk", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)["risk"].(map[string]any)
	assert.EqualValues(t, 50, view["score"])
	assert.Equal(t, "allow", view["decision"])

	w = do(r, http.MethodGet, "/v1/accounts/"+carol+"/risk/assessments?limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])
}
