package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"taskwiser/auth"
	"taskwiser/dispute"
	"taskwiser/escrow"
	"taskwiser/reconcile"
	"taskwiser/task"
)

type ctxKey string

const (
	ctxKeyAddress ctxKey = "address"
	ctxKeyRole    ctxKey = "role"
)

const maxBodyBytes = 1 << 20

type taskService interface {
	Create(ctx context.Context, actor string, params task.CreateParams) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	SubmitWork(ctx context.Context, actor, taskID, content string) (task.Task, error)
	EnableEscrow(ctx context.Context, actor, taskID string) (task.Task, error)
	Move(ctx context.Context, actor, taskID string, next task.Status) (task.MoveResult, error)
	BatchMove(ctx context.Context, actor string, moves []task.MoveRequest) ([]task.MoveResult, error)
	RecordManualPayment(ctx context.Context, actor, taskID, txHash string) (task.Task, error)
	RefundByAssignee(ctx context.Context, actor, taskID, reason string) (task.Task, error)
	SyncEscrow(ctx context.Context, taskID string) (task.Task, error)
}

type disputeService interface {
	Open(ctx context.Context, actor string, req dispute.OpenRequest) (dispute.Dispute, error)
	Get(ctx context.Context, actor, id string) (dispute.Dispute, error)
	ListPending(ctx context.Context, actor string) ([]dispute.Dispute, error)
	SubmitEvidence(ctx context.Context, actor, id string, ev dispute.Evidence) (dispute.Dispute, error)
	Advise(ctx context.Context, actor, id string) (dispute.Dispute, error)
	Resolve(ctx context.Context, actor, id string, req dispute.ResolveRequest) (dispute.Dispute, error)
	Close(ctx context.Context, actor, id, reason string) (dispute.Dispute, error)
}

type authService interface {
	IssueNonce(ctx context.Context, address string) (auth.Nonce, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Session, error)
}

type escrowReader interface {
	GetEscrowDetails(ctx context.Context, taskID string) (escrow.Record, error)
}

// Server wires the HTTP API to the domain services.
type Server struct {
	taskService    taskService
	disputeService disputeService
	authService    authService
	escrow         escrowReader
}

func NewServer(tasks taskService, disputes disputeService, authSvc authService, reader escrowReader) *Server {
	return &Server{taskService: tasks, disputeService: disputes, authService: authSvc, escrow: reader}
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/auth/nonce", s.handleNonce)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("POST /api/tasks", s.requireAuth(s.handleCreateTask))
	mux.HandleFunc("POST /api/tasks/move", s.requireAuth(s.handleBatchMove))
	mux.HandleFunc("GET /api/tasks/{id}", s.requireAuth(s.handleGetTask))
	mux.HandleFunc("POST /api/tasks/{id}/submission", s.requireAuth(s.handleSubmitWork))
	mux.HandleFunc("POST /api/tasks/{id}/move", s.requireAuth(s.handleMove))
	mux.HandleFunc("POST /api/tasks/{id}/payment", s.requireAuth(s.handleManualPayment))
	mux.HandleFunc("GET /api/tasks/{id}/escrow", s.requireAuth(s.handleGetEscrow))
	mux.HandleFunc("POST /api/tasks/{id}/escrow/lock", s.requireAuth(s.handleLockEscrow))
	mux.HandleFunc("POST /api/tasks/{id}/escrow/sync", s.requireAuth(s.handleSyncEscrow))
	mux.HandleFunc("POST /api/tasks/{id}/escrow/refund", s.requireAuth(s.handleAssigneeRefund))

	mux.HandleFunc("GET /api/disputes", s.requireAuth(s.handleListDisputes))
	mux.HandleFunc("POST /api/disputes", s.requireAuth(s.handleOpenDispute))
	mux.HandleFunc("GET /api/disputes/{id}", s.requireAuth(s.handleGetDispute))
	mux.HandleFunc("POST /api/disputes/{id}/evidence", s.requireAuth(s.handleEvidence))
	mux.HandleFunc("POST /api/disputes/{id}/analyze", s.requireAuth(s.handleAnalyze))
	mux.HandleFunc("POST /api/disputes/{id}/resolve", s.requireAuth(s.handleResolve))
	mux.HandleFunc("POST /api/disputes/{id}/close", s.requireAuth(s.handleClose))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		session, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAddress, session.Address)
		ctx = context.WithValue(ctx, ctxKeyRole, session.Role)
		next(w, r.WithContext(ctx))
	}
}

func actorFrom(ctx context.Context) string {
	addr, _ := ctx.Value(ctxKeyAddress).(string)
	return addr
}

type errorResponse struct {
	Error  string `json:"error"`
	Advice string `json:"advice,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes. Chain related failures
// carry the retry advice and, if one was sent, the transaction hash.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", r.Method, r.URL.Path, err)
		resp.Error = "internal error"
	}
	if chainRelated(err) {
		resp.Advice = reconcile.Advice(err)
		var submitted *escrow.SubmittedError
		var pending *reconcile.PendingError
		var approved *escrow.ApprovedError
		switch {
		case errors.As(err, &pending):
			resp.TxHash = pending.TxHash.Hex()
		case errors.As(err, &submitted):
			resp.TxHash = submitted.TxHash.Hex()
		case errors.As(err, &approved):
			resp.TxHash = approved.Approval.Hex()
		}
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrNonceExpired):
		return http.StatusUnauthorized
	case errors.Is(err, task.ErrForbidden), errors.Is(err, dispute.ErrForbidden), errors.Is(err, dispute.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, task.ErrNotFound), errors.Is(err, dispute.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrCannotMutatePaidTask), errors.Is(err, task.ErrDisputeOpen),
		errors.Is(err, task.ErrEscrowAlreadyEnabled), errors.Is(err, task.ErrEscrowMismatch), errors.Is(err, dispute.ErrBadStatus),
		errors.Is(err, dispute.ErrAlreadyOpen), errors.Is(err, reconcile.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrInvalidEscrowState), errors.Is(err, escrow.ErrEscrowNotLocked):
		return http.StatusPreconditionFailed
	case errors.Is(err, task.ErrInvalidStatus), errors.Is(err, task.ErrNoAssignee), errors.Is(err, task.ErrNoReward),
		errors.Is(err, task.ErrEscrowNotEnabled), errors.Is(err, task.ErrPaymentNotAllowed),
		errors.Is(err, task.ErrInvalidTxHash), errors.Is(err, escrow.ErrUnknownToken),
		errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, dispute.ErrInvalidDecision),
		errors.Is(err, dispute.ErrReasonRequired), errors.Is(err, auth.ErrInvalidAddress):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reconcile.ErrReconciliationPending), errors.Is(err, escrow.ErrTransactionFailed),
		errors.Is(err, escrow.ErrConfirmationTimeout), errors.Is(err, escrow.ErrChainRejected):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrWalletNotConnected), errors.Is(err, escrow.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func chainRelated(err error) bool {
	if reconcile.TransactionSent(err) {
		return true
	}
	var approved *escrow.ApprovedError
	if errors.As(err, &approved) {
		return true
	}
	for _, target := range []error{
		escrow.ErrWalletNotConnected, escrow.ErrNotConfigured, escrow.ErrChainRejected,
		escrow.ErrEscrowNotLocked, reconcile.ErrInvalidEscrowState, reconcile.ErrInFlight,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
