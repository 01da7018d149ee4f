package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"leasevault/auth"
	"leasevault/dispute"
	"leasevault/escrow"
	"leasevault/lease"
	"leasevault/money"
)

const dateLayout = "2006-01-02"

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

type leaseResponse struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenantId"`
	LandlordID        string  `json:"landlordId"`
	Property          string  `json:"property"`
	Deposit           string  `json:"deposit"`
	MonthlyRent       string  `json:"monthlyRent"`
	Currency          string  `json:"currency"`
	StartDate         string  `json:"startDate"`
	EndDate           string  `json:"endDate"`
	State             string  `json:"state"`
	Version           int64   `json:"version"`
	MoveInTenantAt    *string `json:"moveInTenantAt,omitempty"`
	MoveInLandlordAt  *string `json:"moveInLandlordAt,omitempty"`
	ReleaseTenantAt   *string `json:"releaseTenantAt,omitempty"`
	ReleaseLandlordAt *string `json:"releaseLandlordAt,omitempty"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
}

type leaseDetailResponse struct {
	leaseResponse
	EscrowBalance string `json:"escrowBalance"`
}

type movementResponse struct {
	ID               string `json:"id"`
	LeaseID          string `json:"leaseId"`
	Seq              int    `json:"seq"`
	Direction        string `json:"direction"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	ActorID          string `json:"actorId"`
	ResultingBalance string `json:"resultingBalance"`
	CreatedAt        string `json:"createdAt"`
}

type fundResponse struct {
	Lease    leaseResponse    `json:"lease"`
	Movement movementResponse `json:"movement"`
	Balance  string           `json:"balance"`
}

type outcomeResponse struct {
	Kind  string `json:"kind"`
	Ratio string `json:"ratio,omitempty"`
}

type disputeResponse struct {
	ID           string           `json:"id"`
	LeaseID      string           `json:"leaseId"`
	RaisedBy     string           `json:"raisedBy"`
	Reason       string           `json:"reason"`
	EvidenceRefs []string         `json:"evidenceRefs,omitempty"`
	Status       string           `json:"status"`
	Outcome      *outcomeResponse `json:"outcome,omitempty"`
	ResolvedBy   *string          `json:"resolvedBy,omitempty"`
	RaisedAt     string           `json:"raisedAt"`
	ResolvedAt   *string          `json:"resolvedAt,omitempty"`
}

type resolveResponse struct {
	Dispute disputeResponse `json:"dispute"`
	Lease   leaseResponse   `json:"lease"`
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func timeStringPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeString(*t)
	return &s
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: timeString(u.CreatedAt),
	}
}

func toLeaseResponse(l lease.Lease) leaseResponse {
	return leaseResponse{
		ID:                l.ID,
		TenantID:          l.TenantID,
		LandlordID:        l.LandlordID,
		Property:          l.Property,
		Deposit:           l.Deposit.String(),
		MonthlyRent:       l.MonthlyRent.String(),
		Currency:          l.Deposit.Currency(),
		StartDate:         l.StartDate.UTC().Format(dateLayout),
		EndDate:           l.EndDate.UTC().Format(dateLayout),
		State:             string(l.State),
		Version:           l.Version,
		MoveInTenantAt:    timeStringPtr(l.MoveInTenantAt),
		MoveInLandlordAt:  timeStringPtr(l.MoveInLandlordAt),
		ReleaseTenantAt:   timeStringPtr(l.ReleaseTenantAt),
		ReleaseLandlordAt: timeStringPtr(l.ReleaseLandlordAt),
		CreatedAt:         timeString(l.CreatedAt),
		UpdatedAt:         timeString(l.UpdatedAt),
	}
}

func toMovementResponse(m escrow.Movement) movementResponse {
	return movementResponse{
		ID:               m.ID,
		LeaseID:          m.LeaseID,
		Seq:              m.Seq,
		Direction:        string(m.Direction),
		Amount:           m.Amount.String(),
		Currency:         m.Amount.Currency(),
		ActorID:          m.ActorID,
		ResultingBalance: m.ResultingBalance.String(),
		CreatedAt:        timeString(m.CreatedAt),
	}
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:           d.ID,
		LeaseID:      d.LeaseID,
		RaisedBy:     d.RaisedBy,
		Reason:       d.Reason,
		EvidenceRefs: d.EvidenceRefs,
		Status:       string(d.Status),
		ResolvedBy:   d.ResolvedBy,
		RaisedAt:     timeString(d.RaisedAt),
		ResolvedAt:   timeStringPtr(d.ResolvedAt),
	}
	if d.Outcome != nil {
		resp.Outcome = &outcomeResponse{Kind: string(d.Outcome.Kind)}
		if d.Outcome.Kind == dispute.OutcomeSplit {
			resp.Outcome.Ratio = d.Outcome.Ratio.String()
		}
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "malformed JSON")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "DuplicateEmail", err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "WeakPassword", err.Error())
		case errors.Is(err, auth.ErrRoleNotPermitted):
			writeError(w, http.StatusForbidden, "RoleNotPermitted", err.Error())
		default:
			status, payload := failure(err)
			if status == http.StatusInternalServerError {
				writeJSON(w, status, payload)
				return
			}
			writeError(w, http.StatusBadRequest, "InvalidBody", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "malformed JSON")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "InvalidCredentials", "invalid email or password")
			return
		}
		status, payload := failure(err)
		writeJSON(w, status, payload)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

type createLeaseRequest struct {
	TenantID    string `json:"tenantId"`
	LandlordID  string `json:"landlordId"`
	Property    string `json:"property"`
	Deposit     string `json:"deposit"`
	MonthlyRent string `json:"monthlyRent"`
	Currency    string `json:"currency"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListLeases(w, r)
	case http.MethodPost:
		s.handleCreateLease(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use GET or POST")
	}
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := lease.Filters{
		TenantID:   q.Get("tenantId"),
		LandlordID: q.Get("landlordId"),
		State:      lease.State(q.Get("state")),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("pageSize")); err == nil {
		filters.PageSize = size
	}
	// Non-arbitrators only see leases they are party to.
	if callerRole(r) != auth.RoleArbitrator && filters.TenantID == "" && filters.LandlordID == "" {
		switch callerRole(r) {
		case auth.RoleLandlord:
			filters.LandlordID = callerID(r)
		default:
			filters.TenantID = callerID(r)
		}
	}

	leases, total, err := s.leaseService.List(r.Context(), filters)
	if err != nil {
		status, payload := failure(err)
		writeJSON(w, status, payload)
		return
	}
	items := make([]leaseResponse, 0, len(leases))
	for _, l := range leases {
		items = append(items, toLeaseResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req createLeaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "malformed JSON")
		return
	}

	s.withIdempotency(w, r, body, func() (int, any) {
		deposit, err := money.Parse(req.Deposit, req.Currency)
		if err != nil {
			return failure(err)
		}
		rent, err := money.Parse(req.MonthlyRent, req.Currency)
		if err != nil {
			return failure(err)
		}
		start, err := time.Parse(dateLayout, req.StartDate)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "InvalidTerms", Message: "startDate must be YYYY-MM-DD"}
		}
		end, err := time.Parse(dateLayout, req.EndDate)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: "InvalidTerms", Message: "endDate must be YYYY-MM-DD"}
		}
		if caller := callerID(r); caller != req.TenantID && caller != req.LandlordID {
			return failure(lease.ErrNotParty)
		}

		created, err := s.leaseService.Create(r.Context(), lease.CreateParams{
			TenantID:    req.TenantID,
			LandlordID:  req.LandlordID,
			Property:    req.Property,
			Deposit:     deposit,
			MonthlyRent: rent,
			StartDate:   start,
			EndDate:     end,
		})
		if err != nil {
			return failure(err)
		}
		return http.StatusCreated, toLeaseResponse(created)
	})
}

// handleLeaseDetail dispatches /api/leases/{id} and /api/leases/{id}/{action}.
func (s *Server) handleLeaseDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/leases/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "InvalidPath", "lease id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use GET")
			return
		}
		s.handleGetLease(w, r, id)
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NotFound", "no such resource")
		return
	}

	action := parts[1]
	switch r.Method {
	case http.MethodGet:
		switch action {
		case "movements":
			s.handleMovements(w, r, id)
		case "disputes":
			s.handleLeaseDisputes(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "NotFound", "no such resource")
		}
	case http.MethodPost:
		switch action {
		case "submit":
			s.handleLeaseTransition(w, r, id, s.leaseService.Submit)
		case "cancel":
			s.handleLeaseTransition(w, r, id, s.leaseService.Cancel)
		case "confirm-movein":
			s.handleLeaseTransition(w, r, id, s.leaseService.ConfirmMoveIn)
		case "confirm-release":
			s.handleLeaseTransition(w, r, id, s.leaseService.ConfirmRelease)
		case "fund":
			s.handleFund(w, r, id)
		case "dispute":
			s.handleRaiseDispute(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "NotFound", "no such resource")
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use GET or POST")
	}
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request, id string) {
	l, err := s.leaseService.Get(r.Context(), id)
	if err != nil {
		status, payload := failure(err)
		writeJSON(w, status, payload)
		return
	}
	balance, err := s.escrowService.Balance(r.Context(), id)
	if err != nil {
		status, payload := failure(err)
		writeJSON(w, status, payload)
		return
	}
	writeJSON(w, http.StatusOK, leaseDetailResponse{
		leaseResponse: toLeaseResponse(l),
		EscrowBalance: balance.String(),
	})
}

// handleLeaseTransition covers the four lifecycle posts that carry no body
// beyond the caller identity: submit, cancel, confirm-movein,
// confirm-release.
func (s *Server) handleLeaseTransition(w http.ResponseWriter, r *http.Request, id string, op func(ctx context.Context, id, actorID string) (lease.Lease, error)) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.withIdempotency(w, r, body, func() (int, any) {
		updated, err := op(r.Context(), id, callerID(r))
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, toLeaseResponse(updated)
	})
}

type fundRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "malformed JSON")
		return
	}
	s.withIdempotency(w, r, body, func() (int, any) {
		amount, err := money.Parse(req.Amount, req.Currency)
		if err != nil {
			return failure(err)
		}
		result, err := s.escrowService.Fund(r.Context(), id, amount, callerID(r))
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, fundResponse{
			Lease:    toLeaseResponse(result.Lease),
			Movement: toMovementResponse(result.Movement),
			Balance:  result.Balance.String(),
		}
	})
}

func (s *Server) handleMovements(w http.ResponseWriter, r *http.Request, id string) {
	movements, err := s.escrowService.History(r.Context(), id)
	if err != nil {
		status, payload := failure(err)
		writeJSON(w, status, payload)
		return
	}
	items := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		items = append(items, toMovementResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleLeaseDisputes(w http.ResponseWriter, r *http.Request, id string) {
	records, err := s.disputeService.ListByLease(r.Context(), id)
	if err != nil {
		status, payload := failure(err)
		writeJSON(w, status, payload)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, d := range records {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type raiseDisputeRequest struct {
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidenceRefs"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "malformed JSON")
		return
	}
	s.withIdempotency(w, r, body, func() (int, any) {
		record, err := s.disputeService.Raise(r.Context(), dispute.RaiseParams{
			LeaseID:      id,
			RaisedBy:     callerID(r),
			Reason:       req.Reason,
			EvidenceRefs: req.EvidenceRefs,
		})
		if err != nil {
			return failure(err)
		}
		return http.StatusCreated, toDisputeResponse(record)
	})
}

type resolveDisputeRequest struct {
	Outcome struct {
		Kind  string `json:"kind"`
		Ratio string `json:"ratio"`
	} `json:"outcome"`
}

// handleDisputeDetail dispatches /api/disputes/{id}/resolve.
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "InvalidPath", "dispute id required")
		return
	}
	if len(parts) != 2 || parts[1] != "resolve" {
		writeError(w, http.StatusNotFound, "NotFound", "no such resource")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST")
		return
	}
	s.handleResolveDispute(w, r, parts[0])
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "malformed JSON")
		return
	}
	s.withIdempotency(w, r, body, func() (int, any) {
		outcome := dispute.Outcome{Kind: dispute.OutcomeKind(req.Outcome.Kind)}
		if req.Outcome.Ratio != "" {
			ratio, err := decimal.NewFromString(req.Outcome.Ratio)
			if err != nil {
				return http.StatusBadRequest, errorResponse{Error: "InvalidOutcome", Message: "ratio must be a decimal"}
			}
			outcome.Ratio = ratio
		}
		result, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
			DisputeID:    id,
			Outcome:      outcome,
			ResolvedBy:   callerID(r),
			ResolverRole: escrow.Role(callerRole(r)),
		})
		if err != nil {
			return failure(err)
		}
		return http.StatusOK, resolveResponse{
			Dispute: toDisputeResponse(result.Dispute),
			Lease:   toLeaseResponse(result.Lease),
		}
	})
}
