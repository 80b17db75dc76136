package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"taskwiser/auth"
	"taskwiser/dispute"
	"taskwiser/escrow"
	"taskwiser/task"
)

type submissionResponse struct {
	Content     string `json:"content"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submittedAt"`
	Feedback    string `json:"feedback,omitempty"`
}

type taskResponse struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Status          string              `json:"status"`
	CreatorAddress  string              `json:"creatorAddress"`
	AssigneeAddress string              `json:"assigneeAddress,omitempty"`
	Reward          string              `json:"reward,omitempty"`
	RewardAmount    string              `json:"rewardAmount"`
	Paid            bool                `json:"paid"`
	EscrowEnabled   bool                `json:"escrowEnabled"`
	EscrowStatus    string              `json:"escrowStatus,omitempty"`
	Submission      *submissionResponse `json:"submission,omitempty"`
	ActiveDisputeID string              `json:"activeDisputeId,omitempty"`
	PaymentTxHash   string              `json:"paymentTxHash,omitempty"`
	CreatedAt       string              `json:"createdAt"`
	UpdatedAt       string              `json:"updatedAt"`
}

func toTaskResponse(t task.Task) taskResponse {
	resp := taskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          string(t.Status),
		CreatorAddress:  t.CreatorAddress,
		AssigneeAddress: t.AssigneeAddress,
		Reward:          t.Reward,
		RewardAmount:    t.RewardAmount.String(),
		Paid:            t.Paid,
		EscrowEnabled:   t.EscrowEnabled,
		EscrowStatus:    string(t.EscrowStatus),
		PaymentTxHash:   t.PaymentTxHash,
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
	if t.ActiveDisputeID != nil {
		resp.ActiveDisputeID = *t.ActiveDisputeID
	}
	if s := t.Submission; s != nil {
		resp.Submission = &submissionResponse{
			Content:     s.Content,
			Status:      string(s.Status),
			SubmittedAt: formatTime(s.SubmittedAt),
			Feedback:    s.Feedback,
		}
	}
	return resp
}

type moveResponse struct {
	Task    taskResponse `json:"task"`
	Outcome string       `json:"outcome"`
}

type escrowResponse struct {
	TaskID     string `json:"taskId"`
	Slot       string `json:"slot"`
	Status     string `json:"status"`
	Token      string `json:"token"`
	Admin      string `json:"admin"`
	Assignee   string `json:"assignee"`
	Amount     string `json:"amount"`
	LockedAt   string `json:"lockedAt,omitempty"`
	ReleasedAt string `json:"releasedAt,omitempty"`
}

type disputeResponse struct {
	ID                  string              `json:"id"`
	TaskID              string              `json:"taskId"`
	TaskTitle           string              `json:"taskTitle"`
	CreatorAddress      string              `json:"creatorAddress"`
	ContributorAddress  string              `json:"contributorAddress"`
	RaisedBy            string              `json:"raisedBy"`
	Reason              string              `json:"reason"`
	Status              string              `json:"status"`
	EscrowToken         string              `json:"escrowToken,omitempty"`
	EscrowAmount        string              `json:"escrowAmount"`
	CreatorEvidence     *dispute.Evidence   `json:"creatorEvidence,omitempty"`
	ContributorEvidence *dispute.Evidence   `json:"contributorEvidence,omitempty"`
	Resolution          *dispute.Resolution `json:"resolution,omitempty"`
	Advisory            *dispute.Advisory   `json:"advisory,omitempty"`
	CreatedAt           string              `json:"createdAt"`
	ResolvedAt          string              `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:                  d.ID,
		TaskID:              d.TaskID,
		TaskTitle:           d.TaskTitle,
		CreatorAddress:      d.CreatorAddress,
		ContributorAddress:  d.ContributorAddress,
		RaisedBy:            d.RaisedBy,
		Reason:              d.Reason,
		Status:              string(d.Status),
		EscrowToken:         d.EscrowToken,
		EscrowAmount:        d.EscrowAmount.String(),
		CreatorEvidence:     d.CreatorEvidence,
		ContributorEvidence: d.ContributorEvidence,
		Resolution:          d.Resolution,
		Advisory:            d.Advisory,
		CreatedAt:           formatTime(d.CreatedAt),
	}
	if d.ResolvedAt != nil {
		resp.ResolvedAt = formatTime(*d.ResolvedAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	var req auth.NonceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	nonce, err := s.authService.IssueNonce(r.Context(), req.Address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"nonce":     nonce.Value,
		"message":   nonce.Message(),
		"expiresAt": formatTime(nonce.ExpiresAt),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   res.Token,
		"address": res.Session.Address,
		"role":    string(res.Session.Role),
	})
}

type createTaskRequest struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	AssigneeAddress string          `json:"assigneeAddress"`
	Reward          string          `json:"reward"`
	RewardAmount    decimal.Decimal `json:"rewardAmount"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.taskService.Create(r.Context(), actorFrom(r.Context()), task.CreateParams{
		ID:              req.ID,
		Title:           req.Title,
		Description:     req.Description,
		AssigneeAddress: req.AssigneeAddress,
		Reward:          req.Reward,
		RewardAmount:    req.RewardAmount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(t))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.taskService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.taskService.SubmitWork(r.Context(), actorFrom(r.Context()), r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status task.Status `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.taskService.Move(r.Context(), actorFrom(r.Context()), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, moveResponse{Task: toTaskResponse(res.Task), Outcome: string(res.Outcome)})
}

func (s *Server) handleBatchMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Moves []struct {
			TaskID string      `json:"taskId"`
			Status task.Status `json:"status"`
		} `json:"moves"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	moves := make([]task.MoveRequest, 0, len(req.Moves))
	for _, m := range req.Moves {
		moves = append(moves, task.MoveRequest{TaskID: m.TaskID, Status: m.Status})
	}
	results, err := s.taskService.BatchMove(r.Context(), actorFrom(r.Context()), moves)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]moveResponse, 0, len(results))
	for _, res := range results {
		items = append(items, moveResponse{Task: toTaskResponse(res.Task), Outcome: string(res.Outcome)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleManualPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.taskService.RecordManualPayment(r.Context(), actorFrom(r.Context()), r.PathValue("id"), req.TxHash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.escrow.GetEscrowDetails(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := escrowResponse{
		TaskID:   id,
		Slot:     escrow.SlotHex(id),
		Status:   rec.Status.String(),
		Token:    rec.Token.Hex(),
		Admin:    rec.Admin.Hex(),
		Assignee: rec.Assignee.Hex(),
		Amount:   escrow.FormatAmount(rec.Amount),
	}
	if !rec.LockedAt.IsZero() {
		resp.LockedAt = formatTime(rec.LockedAt)
	}
	if !rec.ReleasedAt.IsZero() {
		resp.ReleasedAt = formatTime(rec.ReleasedAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLockEscrow(w http.ResponseWriter, r *http.Request) {
	t, err := s.taskService.EnableEscrow(r.Context(), actorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleSyncEscrow(w http.ResponseWriter, r *http.Request) {
	t, err := s.taskService.SyncEscrow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleAssigneeRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.taskService.RefundByAssignee(r.Context(), actorFrom(r.Context()), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputeService.ListPending(r.Context(), actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, d := range records {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req dispute.OpenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "taskId is required"})
		return
	}
	d, err := s.disputeService.Open(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Get(r.Context(), actorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string   `json:"description"`
		Attachments []string `json:"attachments"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.disputeService.SubmitEvidence(r.Context(), actorFrom(r.Context()), r.PathValue("id"), dispute.Evidence{
		Description: req.Description,
		Attachments: req.Attachments,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Advise(r.Context(), actorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req dispute.ResolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.disputeService.Resolve(r.Context(), actorFrom(r.Context()), r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.disputeService.Close(r.Context(), actorFrom(r.Context()), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}
