package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/approval"
	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/breaker"
	"github.com/penserai/acteon/dispatcher"
	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/infrastructure/logging"
	"github.com/penserai/acteon/infrastructure/metrics"
	"github.com/penserai/acteon/infrastructure/redaction"
	"github.com/penserai/acteon/infrastructure/resilience"
	"github.com/penserai/acteon/infrastructure/state"
	"github.com/penserai/acteon/providers"
	"github.com/penserai/acteon/rules"

	"github.com/prometheus/client_golang/prometheus"
)

// newTestServer wires a Server the way cmd/gateway does, minus the
// chain engine/group manager/scheduler — the handlers under test don't
// reach them.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logging.New("test", "error", "text")
	stateStore := state.NewMemoryStore(time.Minute)
	auditStore := audit.NewMemoryStore()
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	ruleEngine := rules.NewEngine(stateStore)

	registry := providers.NewRegistry()
	registry.Register("log", providers.NewLogProvider(logger))

	breakers := breaker.NewManager(resilience.DefaultConfig(), nil, nil, reg, logger)
	redactor := redaction.NewFromFields(nil, "***")

	disp := dispatcher.New(dispatcher.DefaultConfig(), stateStore, ruleEngine, registry, breakers, auditStore, redactor, nil, reg, logger)

	keys, err := approval.NewKeySet("k1", map[string][]byte{"k1": []byte("secret")})
	require.NoError(t, err)
	approvals := approval.NewStore(stateStore, keys, disp.DispatchForApproval)
	disp.SetApprovalStore(approvals)

	return &Server{
		Dispatcher: disp,
		Audit:      auditStore,
		Approvals:  approvals,
		Breakers:   breakers,
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleDispatch_ExecutesAndAudits(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	action := domain.Action{Namespace: "ns1", Tenant: "acme", Provider: "log", ActionType: "notify"}
	rec := doRequest(t, h, http.MethodPost, "/v1/dispatch", action)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ActionID)
	assert.Equal(t, domain.OutcomeExecuted, resp.Outcome.Kind)

	page, err := srv.Audit.Query(context.Background(), domain.AuditQuery{Namespace: "ns1", Tenant: "acme", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
}

func TestHandleDispatch_RejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", bytes.NewBufferString(`{"namespace": `))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDispatchBatch(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	actions := []domain.Action{
		{Namespace: "ns1", Tenant: "acme", Provider: "log", ActionType: "a"},
		{Namespace: "ns1", Tenant: "acme", Provider: "log", ActionType: "b"},
	}
	rec := doRequest(t, h, http.MethodPost, "/v1/dispatch/batch", actions)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, domain.OutcomeExecuted, r.Outcome.Kind)
	}
}

func TestHandleAuditQuery_ScopesByNamespaceAndTenant(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	doRequest(t, h, http.MethodPost, "/v1/dispatch", domain.Action{Namespace: "ns1", Tenant: "acme", Provider: "log"})
	doRequest(t, h, http.MethodPost, "/v1/dispatch", domain.Action{Namespace: "ns2", Tenant: "other", Provider: "log"})

	rec := doRequest(t, h, http.MethodGet, "/v1/audit?namespace=ns1&tenant=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page domain.AuditPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Records, 1)
	assert.Equal(t, "ns1", page.Records[0].Namespace)
}

func TestHandleApprovalsList_EmptyWhenNonePending(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	rec := doRequest(t, h, http.MethodGet, "/v1/approvals?namespace=ns1&tenant=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var approvals []domain.Approval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approvals))
	assert.Empty(t, approvals)
}

func TestHandleApprovalDecide_RequiresBearerToken(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	rec := doRequest(t, h, http.MethodPost, "/v1/approvals/ns1/acme/missing/approve", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApprovalDecide_ApprovesAndRedispatches(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	action := domain.Action{Namespace: "ns1", Tenant: "acme", Provider: "log", ActionType: "needs-approval"}
	detail, err := srv.Approvals.Create(context.Background(), action, "rule.sensitive", "", nil, time.Hour)
	require.NoError(t, err)

	got, err := srv.Approvals.Get(context.Background(), "ns1", "acme", detail.ApprovalID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/ns1/acme/"+detail.ApprovalID+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+got.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var decided domain.Approval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.Equal(t, domain.ApprovalApproved, decided.Status)
}
