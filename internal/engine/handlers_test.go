package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/auth"
	"github.com/mbd888/txguard/internal/txn"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, mutate func(*Config)) (*gin.Engine, *Engine, *testClock) {
	t.Helper()
	e, clk := newTestEngine(t, nil, mutate)
	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(auth.NewAuthenticator(""), e.Recorder()))
	NewHandler(e).RegisterRoutes(v1)
	return r, e, clk
}

func call(r *gin.Engine, method, path, actor string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(auth.HeaderActorID, actor)
		req.Header.Set(auth.HeaderActorRole, auth.RoleAdmin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandler_EvaluateApproved(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	w := call(r, http.MethodPost, "/v1/transactions/evaluate", "alice", EvaluateRequest{Amount: "250"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	dec := decode(t, w)["decision"].(map[string]any)
	assert.Equal(t, string(txn.StateNotRequired), dec["state"])
	assert.Equal(t, "alice", dec["actorId"])
	assert.Equal(t, "250.000000", dec["amount"])
}

func TestHandler_EvaluatePendingThenSign(t *testing.T) {
	r, _, _ := setupRouter(t, withoutAML)

	w := call(r, http.MethodPost, "/v1/transactions/evaluate", "alice", EvaluateRequest{Amount: "150000", ProposalRef: "prop_9"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode(t, w)["decision"].(map[string]any)["transactionId"].(string)

	w = call(r, http.MethodGet, "/v1/transactions/"+id+"/authorization", "alice", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(CodeInsufficientSignatures), body["error"])
	assert.Equal(t, float64(0), body["signaturesHave"])
	assert.Equal(t, float64(2), body["signaturesNeed"])

	for i, signer := range []string{"bob", "carol"} {
		w = call(r, http.MethodPost, "/v1/transactions/"+id+"/signatures", signer, SignatureRequest{Signature: "sig"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode(t, w)["outcome"].(map[string]any)
		assert.Equal(t, float64(i+1), out["collected"])
	}

	w = call(r, http.MethodGet, "/v1/transactions/"+id+"/authorization", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["authorized"])

	w = call(r, http.MethodGet, "/v1/transactions/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tx := decode(t, w)["transaction"].(map[string]any)
	assert.Equal(t, string(txn.StateApproved), tx["state"])
	assert.Len(t, tx["signatures"], 2)
}

func TestHandler_SignerMustBeCaller(t *testing.T) {
	r, _, _ := setupRouter(t, withoutAML)

	w := call(r, http.MethodPost, "/v1/transactions/evaluate", "alice", EvaluateRequest{Amount: "150000"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["decision"].(map[string]any)["transactionId"].(string)

	w = call(r, http.MethodPost, "/v1/transactions/"+id+"/signatures", "bob", SignatureRequest{Signer: "carol", Signature: "sig"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_BadSignedAt(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	w := call(r, http.MethodPost, "/v1/transactions/tx_000000000000000000000000/signatures", "bob",
		SignatureRequest{Signature: "sig", SignedAt: "yesterday"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RejectWithEmptyBody(t *testing.T) {
	r, _, _ := setupRouter(t, withoutAML)

	w := call(r, http.MethodPost, "/v1/transactions/evaluate", "alice", EvaluateRequest{Amount: "150000"})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["decision"].(map[string]any)["transactionId"].(string)

	w = call(r, http.MethodPost, "/v1/transactions/"+id+"/reject", "reviewer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)["outcome"].(map[string]any)
	assert.Equal(t, string(txn.StateRejected), out["state"])
	assert.Equal(t, "rejected by reviewer", out["reason"])
}

func TestHandler_RejectionStatusCodes(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	tests := []struct {
		name   string
		amount string
		status int
		code   Code
	}{
		{"invalid amount", "12abc", http.StatusBadRequest, CodeInvalidAmount},
		{"over max", "20000000", http.StatusUnprocessableEntity, CodeExceedsMaxAmount},
		{"aml", "60000", http.StatusUnprocessableEntity, CodeComplianceRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(r, http.MethodPost, "/v1/transactions/evaluate", "alice", EvaluateRequest{Amount: tt.amount})
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.code), decode(t, w)["error"])
		})
	}
}

func TestHandler_ComplianceBodyListsRequirements(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	w := call(r, http.MethodPost, "/v1/transactions/evaluate", "alice", EvaluateRequest{Amount: "60000"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	reqs := decode(t, w)["requirements"].([]any)
	assert.Len(t, reqs, 3)
}

func TestHandler_MalformedTransactionID(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	w := call(r, http.MethodGet, "/v1/transactions/not-an-id", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_transaction_id", decode(t, w)["error"])
}

func TestHandler_TransactionNotFound(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	w := call(r, http.MethodGet, "/v1/transactions/tx_000000000000000000000000", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(CodeTransactionNotFound), decode(t, w)["error"])
}

func TestHandler_ActorStatus(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	w := call(r, http.MethodPost, "/v1/transactions/evaluate", "alice", EvaluateRequest{Amount: "400"})
	require.Equal(t, http.StatusOK, w.Code)

	w = call(r, http.MethodGet, "/v1/actors/alice/status", "auditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)["status"].(map[string]any)
	assert.Equal(t, "400.000000", st["dailyTotal"])
	assert.Equal(t, float64(1), st["lastHourCount"])
}

func TestHandler_RequiresAuthentication(t *testing.T) {
	r, e, _ := setupRouter(t, nil)
	w := call(r, http.MethodPost, "/v1/transactions/evaluate", "", EvaluateRequest{Amount: "1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, e.Recorder().Len())
}

func TestHandler_InvalidBody(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/transactions/evaluate", bytes.NewBufferString("{"))
	req.Header.Set(auth.HeaderActorID, "alice")
	req.Header.Set(auth.HeaderActorRole, auth.RoleAdmin)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
