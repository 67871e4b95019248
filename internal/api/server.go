package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentMesh/internal/auth"
	"AgentMesh/internal/bridge"
	"AgentMesh/internal/compliance"
	"AgentMesh/internal/distribution"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/escrow"
	"AgentMesh/internal/funds"
	"AgentMesh/internal/ledger"
	"AgentMesh/internal/observability/alerting"
	"AgentMesh/internal/observability/metrics"
	"AgentMesh/internal/proof"
	"AgentMesh/internal/registry"
)

// Server 负责暴露 REST 接口，供外部驱动智能体经济协调引擎。
type Server struct {
	addr        string
	registry    *registry.Registry
	ledger      *ledger.Ledger
	escrows     *escrow.Manager
	distributor *distribution.Distributor
	coordinator *bridge.Coordinator
	engine      *compliance.Engine
	authSvc     *auth.Service
	alerts      alerting.Dispatcher
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, reg *registry.Registry, lgr *ledger.Ledger, escrows *escrow.Manager,
	distributor *distribution.Distributor, coordinator *bridge.Coordinator, engine *compliance.Engine,
	authSvc *auth.Service, alerts alerting.Dispatcher) *Server {
	return &Server{
		addr:        addr,
		registry:    reg,
		ledger:      lgr,
		escrows:     escrows,
		distributor: distributor,
		coordinator: coordinator,
		engine:      engine,
		authSvc:     authSvc,
		alerts:      alerts,
	}
}

// Handler 组装全部路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/agents", s.instrument("agents", s.handleRegister))
	mux.Handle("GET /api/v1/agents", s.instrument("agents", s.handleFind))
	mux.Handle("GET /api/v1/agents/{id}", s.instrument("agent", s.handleGetAgent))
	mux.Handle("DELETE /api/v1/agents/{id}", s.instrument("agent", s.handleDeregister))
	mux.Handle("POST /api/v1/agents/{id}/outcome", s.instrument("agent_outcome", s.handleOutcome))
	mux.Handle("GET /api/v1/agents/{id}/balance", s.instrument("agent_balance", s.handleBalance))

	mux.Handle("POST /api/v1/escrows", s.instrument("escrows", s.handleCreateEscrow))
	mux.Handle("GET /api/v1/escrows/{id}", s.instrument("escrow", s.handleGetEscrow))
	mux.Handle("POST /api/v1/escrows/{id}/start", s.instrument("escrow_start", s.handleStartEscrow))
	mux.Handle("POST /api/v1/escrows/{id}/proof", s.instrument("escrow_proof", s.handleSubmitProof))
	mux.Handle("POST /api/v1/escrows/{id}/dispute", s.instrument("escrow_dispute", s.handleDispute))
	mux.Handle("POST /api/v1/escrows/{id}/resolve", s.instrument("escrow_resolve", s.handleResolve))
	mux.Handle("POST /api/v1/escrows/expire-check", s.instrument("escrow_expire", s.handleExpireCheck))

	mux.Handle("POST /api/v1/distributions", s.instrument("distributions", s.handleDistribute))

	mux.Handle("POST /api/v1/discovery", s.instrument("discovery", s.handleDiscover))
	mux.Handle("POST /api/v1/routes", s.instrument("routes", s.handleOpenRoute))
	mux.Handle("GET /api/v1/routes/{id}", s.instrument("route", s.handleGetRoute))
	mux.Handle("POST /api/v1/routes/{id}/activate", s.instrument("route_activate", s.handleActivateRoute))
	mux.Handle("POST /api/v1/routes/{id}/cancel", s.instrument("route_cancel", s.handleCancelRoute))

	mux.Handle("POST /api/v1/compliance/evaluate", s.instrument("compliance", s.handleEvaluate))

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return s.authSvc.Middleware(mux)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return metrics.Instrument(name, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type registerRequest struct {
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	Capabilities []string `json:"capabilities"`
	Tier         string   `json:"tier"`
	Jurisdiction string   `json:"jurisdiction"`
	Stake        int64    `json:"stake"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	agent, err := s.registry.Register(r.Context(), registry.Profile{
		Name:         req.Name,
		Owner:        req.Owner,
		Capabilities: req.Capabilities,
		Tier:         registry.Tier(req.Tier),
		Jurisdiction: req.Jurisdiction,
	}, req.Stake)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var capabilities []string
	if raw := r.URL.Query().Get("capabilities"); raw != "" {
		capabilities = strings.Split(raw, ",")
	}
	minRep := 0.0
	if raw := r.URL.Query().Get("min_reputation"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			minRep = parsed
		}
	}
	agents, err := s.registry.Find(r.Context(), capabilities, minRep)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	agent, err := s.registry.RecordOutcome(r.Context(), r.PathValue("id"), req.Success)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	view, err := s.ledger.Balance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createEscrowRequest struct {
	ClientID    string         `json:"client_id"`
	AgentID     string         `json:"agent_id"`
	Amount      int64          `json:"amount"`
	DeadlineUTC int64          `json:"deadline"`
	Criteria    proof.Criteria `json:"criteria"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	contract, err := s.escrows.Create(r.Context(), req.ClientID, req.AgentID, req.Amount,
		time.Unix(req.DeadlineUTC, 0), req.Criteria)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.CountEvent("escrow_created")
	writeJSON(w, http.StatusCreated, contract)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	contract, err := s.escrows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleStartEscrow(w http.ResponseWriter, r *http.Request) {
	contract, err := s.escrows.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var p proof.Proof
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	receipt, err := s.escrows.SubmitProof(r.Context(), r.PathValue("id"), p)
	if err != nil {
		// 验证失败仍返回回执，告知裁定与原因。
		if receipt != nil && errors.Is(err, proof.ErrProofInvalid) {
			metrics.CountEvent("proof_rejected")
			writeJSON(w, http.StatusUnprocessableEntity, receipt)
			return
		}
		s.writeError(w, r, err)
		return
	}
	metrics.CountEvent("proof_verified")
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Party string `json:"party"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	contract, err := s.escrows.Dispute(r.Context(), r.PathValue("id"), req.Party)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	contract, err := s.escrows.Resolve(r.Context(), r.PathValue("id"), escrow.Resolution(req.Resolution))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleExpireCheck(w http.ResponseWriter, r *http.Request) {
	expired, err := s.escrows.ExpireCheck(r.Context(), time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

type distributeRequest struct {
	Total        int64                      `json:"total"`
	Period       string                     `json:"period"`
	Participants []distribution.Participant `json:"participants"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	record, err := s.distributor.Distribute(r.Context(), req.Total, req.Period, req.Participants)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.CountEvent("distribution_committed")
	writeJSON(w, http.StatusOK, record)
}

type discoverRequest struct {
	Capabilities []string `json:"capabilities"`
	Networks     []string `json:"networks"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result, err := s.coordinator.Discover(r.Context(), req.Capabilities, req.Networks)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOpenRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Network  string `json:"network"`
		EscrowID string `json:"escrow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	route, err := s.coordinator.OpenRoute(req.Network, req.EscrowID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.coordinator.Route(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleActivateRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload []byte `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	state, err := s.coordinator.ActivateRoute(r.Context(), r.PathValue("id"), req.Payload)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{
			"state": string(state),
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) handleCancelRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.CancelRoute(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var op compliance.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result := s.engine.Evaluate(r.Context(), op)
	writeJSON(w, http.StatusOK, result)
}

// errorBody 是统一的错误响应格式。
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeError 把统一错误映射为 HTTP 状态码，需要告警的错误同时投递
// 告警事件。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if s.alerts != nil && xerrors.ShouldAlert(err) {
		_ = s.alerts.Notify(r.Context(), alerting.FromError(err, "", ""))
	}
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusFor(err), body)
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, ledger.CodeAccountNotFound, ledger.CodeLockNotFound,
		registry.CodeAgentNotFound, escrow.CodeEscrowNotFound, bridge.CodeUnknownNetwork,
		funds.CodeFundsLockNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, escrow.CodeEscrowState, bridge.CodeRouteState,
		registry.CodeDuplicateAgent, registry.CodeAgentBusy, registry.CodeCooldownActive:
		return http.StatusConflict
	case registry.CodeValidation:
		return http.StatusBadRequest
	case registry.CodeInsufficientStake, ledger.CodeInsufficientFunds,
		funds.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case compliance.CodeComplianceViolation:
		return http.StatusForbidden
	case proof.CodeProofInvalid:
		return http.StatusUnprocessableEntity
	case bridge.CodeBridgeUnavailable, xerrors.CodeTimeout:
		return http.StatusServiceUnavailable
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
