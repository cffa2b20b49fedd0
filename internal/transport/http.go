package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/cmorris/tradeforge/internal/approval"
	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/observ"
	"github.com/cmorris/tradeforge/internal/orchestrator"
	"github.com/cmorris/tradeforge/internal/risk"
)

const maxSignatureSkew = 300 * time.Second

// Server is the process boundary: signal intake, approval resolution,
// health, and metrics. Approval resolutions are HMAC-signed by the
// approval channel and replay-protected with a nonce cache.
type Server struct {
	router *mux.Router
	srv    *http.Server

	orch *orchestrator.Orchestrator
	gate *approval.Gate
	risk *risk.Manager
	halt risk.Halter

	signingSecret    string
	allowedApprovers []string

	nonceMu sync.Mutex
	nonces  map[string]time.Time
}

func NewServer(
	cfg config.Server,
	approvalCfg config.Approval,
	orch *orchestrator.Orchestrator,
	gate *approval.Gate,
	riskMgr *risk.Manager,
	halt risk.Halter,
) *Server {
	s := &Server{
		router:           mux.NewRouter(),
		orch:             orch,
		gate:             gate,
		risk:             riskMgr,
		halt:             halt,
		signingSecret:    approvalCfg.SigningSecret,
		allowedApprovers: approvalCfg.AllowedApprovers,
		nonces:           make(map[string]time.Time),
	}

	s.router.HandleFunc("/v1/signals", s.handleSignal).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/approvals/{id}", s.handleApproval).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSecs) * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ListenAndServe() error {
	observ.Log("http_server_started", map[string]any{"addr": s.srv.Addr})
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig orchestrator.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	sig.ReceivedAt = time.Now()

	res := s.orch.ProcessSignal(r.Context(), sig)
	writeJSON(w, statusCode(res), res)
}

func statusCode(res orchestrator.Result) int {
	switch res.Status {
	case orchestrator.StatusSuccess:
		return http.StatusOK
	case orchestrator.StatusAwaitingApproval:
		return http.StatusAccepted
	case orchestrator.StatusRejected:
		if res.Reason == orchestrator.ReasonMalformedSignal {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	default:
		if res.Reason == orchestrator.ReasonHalted {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
}

type approvalRequest struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}

	signature := r.Header.Get("X-Signature")
	timestamp := r.Header.Get("X-Request-Timestamp")
	if !s.verifySignature(body, signature, timestamp) {
		observ.IncCounter("approval_invalid_signatures_total", nil)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var req approvalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if !s.approverAllowed(req.Approver) {
		observ.IncCounter("approval_rbac_denied_total", nil)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "approver not allowed"})
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.gate.Resolve(id, req.Approved, req.Approver); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown request"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.risk.Snapshot()
	halted, haltReason := s.halt.Halted()

	status := "ok"
	if halted {
		status = "halted"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"halt_reason":        haltReason,
		"consecutive_losses": snap.ConsecutiveLosses,
		"open_positions":     snap.OpenPositions,
		"breaker_tripped":    snap.BreakerActive,
		"exposure_usd":       snap.ExposureUSD.String(),
	})
}

// verifySignature checks the v0 HMAC scheme: hex(hmac-sha256(secret,
// "v0:"+timestamp+":"+body)) with bounded clock skew and replay
// protection via a nonce cache.
func (s *Server) verifySignature(body []byte, signature, timestamp string) bool {
	if s.signingSecret == "" {
		return true // signing disabled, e.g. local paper trading
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSignatureSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.signingSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return false
	}

	// Only authenticated requests consume nonce cache entries; a forged
	// signature must not be able to fill the cache or burn a real nonce.
	nonce := signature + timestamp
	s.nonceMu.Lock()
	if _, seen := s.nonces[nonce]; seen {
		s.nonceMu.Unlock()
		return false
	}
	s.nonces[nonce] = time.Now()
	s.pruneNoncesUnsafe()
	s.nonceMu.Unlock()
	return true
}

func (s *Server) pruneNoncesUnsafe() {
	cutoff := time.Now().Add(-2 * maxSignatureSkew)
	for nonce, seen := range s.nonces {
		if seen.Before(cutoff) {
			delete(s.nonces, nonce)
		}
	}
}

func (s *Server) approverAllowed(approver string) bool {
	if len(s.allowedApprovers) == 0 {
		return true
	}
	for _, allowed := range s.allowedApprovers {
		if allowed == approver {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
