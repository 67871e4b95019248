package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentMesh/internal/attest"
	"AgentMesh/internal/auth"
	"AgentMesh/internal/bridge"
	"AgentMesh/internal/compliance"
	"AgentMesh/internal/distribution"
	"AgentMesh/internal/escrow"
	"AgentMesh/internal/funds"
	"AgentMesh/internal/ledger"
	"AgentMesh/internal/proof"
	"AgentMesh/internal/registry"
	"AgentMesh/pkg/backoff"
)

type testEnv struct {
	server   *Server
	handler  http.Handler
	registry *registry.Registry
	funds    *funds.MemoryProvider
}

func newTestEnv(t *testing.T, authSvc *auth.Service) *testEnv {
	t.Helper()
	if authSvc == nil {
		authSvc = auth.NewService("disabled", "")
	}

	lgr := ledger.New(nil)
	engine := compliance.New(compliance.Config{}, nil)
	reg := registry.New(registry.NewMemoryStore(), lgr, engine, nil, registry.Config{})
	provider := funds.NewMemoryProvider()
	verifier := proof.NewVerifier(proof.Secp256k1Backend{}, 5*time.Minute)
	manager := escrow.NewManager(escrow.NewMemoryStore(), lgr, provider, verifier, reg, engine, nil,
		attest.LocalAttestor{}, escrow.Config{
			CollateralBps: 1000,
			Retry:         backoff.Policy{Attempts: 2, Base: time.Millisecond},
		})
	reg.SetEscrowChecker(manager)

	distributor, err := distribution.New(lgr, engine, nil, distribution.Config{
		CreatorsBps: 7000,
		StakersBps:  2000,
		TreasuryBps: 1000,
	})
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}

	networks := bridge.NewStaticRegistry(&bridge.MemoryAdapter{
		NetworkName: "local",
		Adverts: []bridge.Advert{
			{AgentID: "remote-1", Name: "remote translator", Capabilities: []string{"translate"}},
		},
	})
	coordinator := bridge.NewCoordinator(networks, nil, bridge.Config{})

	server := NewServer(":0", reg, lgr, manager, distributor, coordinator, engine, authSvc, nil)
	return &testEnv{server: server, handler: server.Handler(), registry: reg, funds: provider}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name":         "translator",
		"owner":        "alice",
		"capabilities": []string{"translate"},
		"tier":         "hobbyist",
		"stake":        100,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	agent := decodeBody[registry.Agent](t, rec)
	if agent.ID == "" {
		t.Fatalf("registered agent has no id")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get agent: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", rec.Code)
	}
	view := decodeBody[ledger.BalanceView](t, rec)
	if view.Staked != 100 || view.Locked != 50 {
		t.Fatalf("unexpected balance view: %+v", view)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents?capabilities=translate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("find: expected 200, got %d", rec.Code)
	}
	matched := decodeBody[[]registry.Agent](t, rec)
	if len(matched) != 1 || matched[0].ID != agent.ID {
		t.Fatalf("unexpected find result: %+v", matched)
	}

	// 默认冷却期内注销应被拒绝。
	rec = env.do(t, http.MethodDelete, "/api/v1/agents/"+agent.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("deregister during cooldown: expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing agent: expected 404, got %d", rec.Code)
	}
}

func TestRegisterBelowMinimumMapsToPaymentRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name":  "translator",
		"owner": "alice",
		"tier":  "enterprise",
		"stake": 10,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[errorBody](t, rec)
	if body.Code != string(registry.CodeInsufficientStake) {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestEscrowRejectedProofOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name": "worker", "owner": "bob", "tier": "hobbyist", "stake": 100,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	agent := decodeBody[registry.Agent](t, rec)
	env.funds.Fund("client-1", 1000)

	rec = env.do(t, http.MethodPost, "/api/v1/escrows", map[string]any{
		"client_id": "client-1",
		"agent_id":  agent.ID,
		"amount":    200,
		"deadline":  time.Now().Add(time.Hour).Unix(),
		"criteria":  map[string]any{"deliverable": "report"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create escrow: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	contract := decodeBody[escrow.Contract](t, rec)
	if contract.State != escrow.StateFunded {
		t.Fatalf("expected funded escrow, got %s", contract.State)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start escrow: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// 承诺摘要与约定标准不符，验证必须拒绝但仍返回回执。
	rec = env.do(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/proof", proof.Proof{
		ContentHash:    []byte("deliverable"),
		CriteriaDigest: []byte("wrong commitment"),
		SubmittedAt:    time.Now().Unix(),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	receipt := decodeBody[escrow.Receipt](t, rec)
	if receipt.Verdict != escrow.VerdictRejected {
		t.Fatalf("expected rejected verdict, got %+v", receipt)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/escrows/"+contract.ID, nil)
	current := decodeBody[escrow.Contract](t, rec)
	if current.State != escrow.StateInProgress {
		t.Fatalf("rejected proof should return escrow to in_progress, got %s", current.State)
	}
}

func TestDiscoveryAndRoutesOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/discovery", map[string]any{
		"capabilities": []string{"translate"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("discover: expected 200, got %d", rec.Code)
	}
	result := decodeBody[bridge.PartialResult](t, rec)
	if len(result.PerNetwork["local"].Adverts) != 1 {
		t.Fatalf("unexpected discovery result: %+v", result)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/routes", map[string]any{"network": "local"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open route: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	route := decodeBody[bridge.Route](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/routes/"+route.ID+"/activate", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	states := decodeBody[map[string]string](t, rec)
	if states["state"] != string(bridge.RouteActive) {
		t.Fatalf("expected active route, got %+v", states)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/routes", map[string]any{"network": "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown network: expected 404, got %d", rec.Code)
	}
}

func TestComplianceEvaluateOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/compliance/evaluate", map[string]any{
		"name":         "escrow.create",
		"jurisdiction": "sg",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: expected 200, got %d", rec.Code)
	}
	result := decodeBody[compliance.Result](t, rec)
	if len(result.Violations) != 1 {
		t.Fatalf("expected the identity rule to fail: %+v", result)
	}
}

func TestTokenAuthGuardsEveryRoute(t *testing.T) {
	env := newTestEnv(t, auth.NewService("token", "secret"))

	rec := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer secret")
	ok := httptest.NewRecorder()
	env.handler.ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", ok.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
}
