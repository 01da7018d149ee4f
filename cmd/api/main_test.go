package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"leasevault/auth"
	"leasevault/dispute"
	"leasevault/escrow"
	"leasevault/idempotency"
	"leasevault/lease"
	"leasevault/money"
)

type stubLeaseService struct {
	lease   lease.Lease
	leases  []lease.Lease
	total   int
	err     error
	calls   int
	gotID   string
	gotActo string
	getFn   func(ctx context.Context, id string) (lease.Lease, error)
}

func (s *stubLeaseService) Create(_ context.Context, _ lease.CreateParams) (lease.Lease, error) {
	s.calls++
	return s.lease, s.err
}

func (s *stubLeaseService) Get(ctx context.Context, id string) (lease.Lease, error) {
	s.gotID = id
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return s.lease, s.err
}

func (s *stubLeaseService) List(_ context.Context, _ lease.Filters) ([]lease.Lease, int, error) {
	return s.leases, s.total, s.err
}

func (s *stubLeaseService) transition(id, actorID string) (lease.Lease, error) {
	s.calls++
	s.gotID = id
	s.gotActo = actorID
	return s.lease, s.err
}

func (s *stubLeaseService) Submit(_ context.Context, id, actorID string) (lease.Lease, error) {
	return s.transition(id, actorID)
}

func (s *stubLeaseService) Cancel(_ context.Context, id, actorID string) (lease.Lease, error) {
	return s.transition(id, actorID)
}

func (s *stubLeaseService) ConfirmMoveIn(_ context.Context, id, actorID string) (lease.Lease, error) {
	return s.transition(id, actorID)
}

func (s *stubLeaseService) ConfirmRelease(_ context.Context, id, actorID string) (lease.Lease, error) {
	return s.transition(id, actorID)
}

type stubEscrowService struct {
	result    escrow.FundResult
	balance   money.Money
	movements []escrow.Movement
	err       error
	fundCalls int
}

func (s *stubEscrowService) Fund(_ context.Context, _ string, _ money.Money, _ string) (escrow.FundResult, error) {
	s.fundCalls++
	return s.result, s.err
}

func (s *stubEscrowService) Balance(_ context.Context, _ string) (money.Money, error) {
	if s.err != nil {
		return money.Money{}, s.err
	}
	return s.balance, nil
}

func (s *stubEscrowService) History(_ context.Context, _ string) ([]escrow.Movement, error) {
	return s.movements, s.err
}

type stubDisputeService struct {
	record     dispute.Record
	records    []dispute.Record
	resolution dispute.ResolveResult
	err        error
}

func (s *stubDisputeService) Raise(_ context.Context, _ dispute.RaiseParams) (dispute.Record, error) {
	return s.record, s.err
}

func (s *stubDisputeService) Resolve(_ context.Context, _ dispute.ResolveParams) (dispute.ResolveResult, error) {
	return s.resolution, s.err
}

func (s *stubDisputeService) ListByLease(_ context.Context, _ string) ([]dispute.Record, error) {
	return s.records, s.err
}

type memIdempotencyEntry struct {
	hash   string
	status int
	body   []byte
	done   bool
}

type memIdempotency struct {
	mu      sync.Mutex
	entries map[string]*memIdempotencyEntry
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{entries: map[string]*memIdempotencyEntry{}}
}

func (m *memIdempotency) Reserve(_ context.Context, key, requestHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return idempotency.ErrDuplicateKey
	}
	m.entries[key] = &memIdempotencyEntry{hash: requestHash}
	return nil
}

func (m *memIdempotency) Complete(_ context.Context, key string, statusCode int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.status = statusCode
		e.body = body
		e.done = true
	}
	return nil
}

func (m *memIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !e.done {
		delete(m.entries, key)
	}
	return nil
}

func (m *memIdempotency) Lookup(_ context.Context, key, requestHash string) (idempotency.Saved, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return idempotency.Saved{}, idempotency.ErrDuplicateKey
	}
	if e.hash != requestHash {
		return idempotency.Saved{}, idempotency.ErrPayloadMismatch
	}
	if !e.done {
		return idempotency.Saved{}, idempotency.ErrPending
	}
	return idempotency.Saved{StatusCode: e.status, Body: e.body}, nil
}

func sampleLease() lease.Lease {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return lease.Lease{
		ID: "l1",
		Terms: lease.Terms{
			TenantID:    "tenant-1",
			LandlordID:  "landlord-1",
			Property:    "12 Harbor Lane, Apt 3",
			Deposit:     money.MustParse("1500.00", "USD"),
			MonthlyRent: money.MustParse("750.00", "USD"),
			StartDate:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			EndDate:     time.Date(2027, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		State:     lease.StatePendingFunding,
		Version:   2,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func authedRequest(method, target string, body string, userID string, role auth.Role) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func TestHandleGetLease_Success(t *testing.T) {
	server := &Server{
		leaseService:  &stubLeaseService{lease: sampleLease()},
		escrowService: &stubEscrowService{balance: money.MustParse("1500.00", "USD")},
	}

	req := authedRequest(http.MethodGet, "/api/leases/l1", "", "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp leaseDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "l1" || resp.State != "pending_funding" || resp.Version != 2 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.Deposit != "1500.00" || resp.EscrowBalance != "1500.00" || resp.Currency != "USD" {
		t.Fatalf("unexpected amounts: %+v", resp)
	}
	if resp.StartDate != "2026-04-01" {
		t.Fatalf("expected startDate 2026-04-01, got %s", resp.StartDate)
	}
}

func TestHandleGetLease_NotFound(t *testing.T) {
	server := &Server{
		leaseService:  &stubLeaseService{err: lease.ErrNotFound},
		escrowService: &stubEscrowService{},
	}

	req := authedRequest(http.MethodGet, "/api/leases/missing", "", "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "NotFound" {
		t.Fatalf("expected kind NotFound, got %q", resp.Error)
	}
}

func TestHandleLeaseDetail_InvalidPath(t *testing.T) {
	server := &Server{leaseService: &stubLeaseService{}}

	req := authedRequest(http.MethodGet, "/api/leases/", "", "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleLeaseDetail_WrongMethod(t *testing.T) {
	server := &Server{leaseService: &stubLeaseService{}}

	req := authedRequest(http.MethodDelete, "/api/leases/l1", "", "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleCreateLease_InvalidTerms(t *testing.T) {
	server := &Server{
		leaseService: &stubLeaseService{err: lease.ErrInvalidTerms},
	}

	body := `{"tenantId":"tenant-1","landlordId":"landlord-1","property":"12 Harbor Lane","deposit":"1500.00","monthlyRent":"750.00","currency":"USD","startDate":"2026-04-01","endDate":"2026-03-01"}`
	req := authedRequest(http.MethodPost, "/api/leases", body, "landlord-1", auth.RoleLandlord)
	rec := httptest.NewRecorder()

	server.handleLeases(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "InvalidTerms" {
		t.Fatalf("expected kind InvalidTerms, got %q", resp.Error)
	}
}

func TestHandleCreateLease_CallerNotParty(t *testing.T) {
	svc := &stubLeaseService{lease: sampleLease()}
	server := &Server{leaseService: svc}

	body := `{"tenantId":"tenant-1","landlordId":"landlord-1","property":"12 Harbor Lane","deposit":"1500.00","monthlyRent":"750.00","currency":"USD","startDate":"2026-04-01","endDate":"2027-04-01"}`
	req := authedRequest(http.MethodPost, "/api/leases", body, "someone-else", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeases(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if svc.calls != 0 {
		t.Fatalf("service should not be called, got %d calls", svc.calls)
	}
}

func TestHandleSubmit_Busy(t *testing.T) {
	svc := &stubLeaseService{err: lease.ErrBusy}
	server := &Server{leaseService: svc}

	req := authedRequest(http.MethodPost, "/api/leases/l1/submit", "", "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "Busy" {
		t.Fatalf("expected kind Busy, got %q", resp.Error)
	}
	if svc.gotID != "l1" || svc.gotActo != "tenant-1" {
		t.Fatalf("unexpected call args: id=%q actor=%q", svc.gotID, svc.gotActo)
	}
}

func TestHandleFund_Success(t *testing.T) {
	funded := sampleLease()
	funded.State = lease.StatePendingMoveIn
	funded.Version = 3
	svc := &stubEscrowService{
		result: escrow.FundResult{
			Lease: funded,
			Movement: escrow.Movement{
				ID:               "m1",
				LeaseID:          "l1",
				Seq:              1,
				Direction:        escrow.DirectionDeposit,
				Amount:           money.MustParse("1500.00", "USD"),
				ActorID:          "tenant-1",
				ResultingBalance: money.MustParse("1500.00", "USD"),
				CreatedAt:        time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
			},
			Balance: money.MustParse("1500.00", "USD"),
		},
	}
	server := &Server{leaseService: &stubLeaseService{}, escrowService: svc}

	body := `{"amount":"1500.00","currency":"USD"}`
	req := authedRequest(http.MethodPost, "/api/leases/l1/fund", body, "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp fundResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Lease.State != "pending_move_in" || resp.Movement.Seq != 1 || resp.Balance != "1500.00" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleFund_Overfunded(t *testing.T) {
	server := &Server{
		leaseService:  &stubLeaseService{},
		escrowService: &stubEscrowService{err: escrow.ErrOverfunded},
	}

	body := `{"amount":"9999.00","currency":"USD"}`
	req := authedRequest(http.MethodPost, "/api/leases/l1/fund", body, "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "Overfunded" {
		t.Fatalf("expected kind Overfunded, got %q", resp.Error)
	}
}

func TestHandleRaiseDispute_AlreadyOpen(t *testing.T) {
	server := &Server{
		leaseService:   &stubLeaseService{},
		disputeService: &stubDisputeService{err: dispute.ErrAlreadyOpen},
	}

	body := `{"reason":"deposit not returned"}`
	req := authedRequest(http.MethodPost, "/api/leases/l1/dispute", body, "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "DisputeAlreadyOpen" {
		t.Fatalf("expected kind DisputeAlreadyOpen, got %q", resp.Error)
	}
}

func TestHandleResolveDispute_Unauthorized(t *testing.T) {
	server := &Server{
		disputeService: &stubDisputeService{err: dispute.ErrUnauthorizedArbitrator},
	}

	body := `{"outcome":{"kind":"tenant_favor"}}`
	req := authedRequest(http.MethodPost, "/api/disputes/d1/resolve", body, "landlord-1", auth.RoleLandlord)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "UnauthorizedArbitrator" {
		t.Fatalf("expected kind UnauthorizedArbitrator, got %q", resp.Error)
	}
}

func TestHandleResolveDispute_Success(t *testing.T) {
	closed := sampleLease()
	closed.State = lease.StateClosed
	resolved := dispute.Record{
		ID:       "d1",
		LeaseID:  "l1",
		RaisedBy: "tenant-1",
		Reason:   "deposit not returned",
		Status:   dispute.StatusResolved,
		RaisedAt: time.Date(2027, 4, 2, 8, 0, 0, 0, time.UTC),
	}
	server := &Server{
		disputeService: &stubDisputeService{
			resolution: dispute.ResolveResult{Dispute: resolved, Lease: closed},
		},
	}

	body := `{"outcome":{"kind":"split","ratio":"0.5"}}`
	req := authedRequest(http.MethodPost, "/api/disputes/d1/resolve", body, "arb-1", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp resolveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Dispute.Status != "resolved" || resp.Lease.State != "closed" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleListLeases_ScopesToCaller(t *testing.T) {
	server := &Server{
		leaseService: &stubLeaseService{leases: []lease.Lease{sampleLease()}, total: 1},
	}

	req := authedRequest(http.MethodGet, "/api/leases", "", "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeases(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []leaseResponse `json:"items"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].ID != "l1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestIdempotentReplay(t *testing.T) {
	svc := &stubEscrowService{
		result: escrow.FundResult{
			Lease:    sampleLease(),
			Movement: escrow.Movement{ID: "m1", LeaseID: "l1", Seq: 1, Direction: escrow.DirectionDeposit, Amount: money.MustParse("1500.00", "USD"), ResultingBalance: money.MustParse("1500.00", "USD")},
			Balance:  money.MustParse("1500.00", "USD"),
		},
	}
	server := &Server{
		leaseService:  &stubLeaseService{},
		escrowService: svc,
		idempotency:   newMemIdempotency(),
	}

	body := `{"amount":"1500.00","currency":"USD"}`
	send := func() *httptest.ResponseRecorder {
		req := authedRequest(http.MethodPost, "/api/leases/l1/fund", body, "tenant-1", auth.RoleTenant)
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		server.handleLeaseDetail(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %s", first.Code, first.Body.String())
	}

	second := send()
	if second.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatal("expected Idempotency-Replayed header on replay")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body differs:\nfirst:  %s\nsecond: %s", first.Body.String(), second.Body.String())
	}
	if svc.fundCalls != 1 {
		t.Fatalf("expected exactly one fund call, got %d", svc.fundCalls)
	}
}

func TestIdempotentKeyReuse_DifferentPayload(t *testing.T) {
	server := &Server{
		leaseService: &stubLeaseService{},
		escrowService: &stubEscrowService{
			result: escrow.FundResult{Lease: sampleLease(), Balance: money.MustParse("100.00", "USD")},
		},
		idempotency: newMemIdempotency(),
	}

	send := func(body string) *httptest.ResponseRecorder {
		req := authedRequest(http.MethodPost, "/api/leases/l1/fund", body, "tenant-1", auth.RoleTenant)
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		server.handleLeaseDetail(rec, req)
		return rec
	}

	if rec := send(`{"amount":"100.00","currency":"USD"}`); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec := send(`{"amount":"200.00","currency":"USD"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "IdempotencyKeyReuse" {
		t.Fatalf("expected kind IdempotencyKeyReuse, got %q", resp.Error)
	}
}

func TestErrorStatus_Timeout(t *testing.T) {
	status, kind := errorStatus(context.DeadlineExceeded)
	if status != http.StatusGatewayTimeout || kind != "Timeout" {
		t.Fatalf("expected 504/Timeout, got %d/%s", status, kind)
	}
}

// stubAuthRepo satisfies auth.Repository for handler tests that need a real
// auth.Service in front of it.
type stubAuthRepo struct {
	created *auth.User
}

func (s *stubAuthRepo) CreateUser(_ context.Context, params auth.CreateUserParams) (auth.User, error) {
	u := auth.User{ID: "u1", Email: params.Email, FullName: params.FullName, Role: params.Role}
	s.created = &u
	return u, nil
}

func (s *stubAuthRepo) GetUserByEmail(_ context.Context, _ string) (auth.User, error) {
	return auth.User{}, auth.ErrUserNotFound
}

func (s *stubAuthRepo) GetUserByID(_ context.Context, _ string) (auth.User, error) {
	return auth.User{}, auth.ErrUserNotFound
}

func TestHandleRegister_ArbitratorForbidden(t *testing.T) {
	repo := &stubAuthRepo{}
	server := &Server{authService: auth.NewService(repo, "test-secret")}

	body := `{"email":"arda@example.com","password":"strongpassword","fullName":"Arda A","role":"arbitrator"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "RoleNotPermitted" {
		t.Fatalf("expected kind RoleNotPermitted, got %q", resp.Error)
	}
	if repo.created != nil {
		t.Fatal("no account may be created for arbitrator signup")
	}
}

func TestHandleRegister_LandlordAllowed(t *testing.T) {
	repo := &stubAuthRepo{}
	server := &Server{authService: auth.NewService(repo, "test-secret")}

	body := `{"email":"lena@example.com","password":"strongpassword","fullName":"Lena L","role":"landlord"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if repo.created == nil || repo.created.Role != auth.RoleLandlord {
		t.Fatalf("unexpected created user: %+v", repo.created)
	}
}

func TestHandleFund_ZeroAmount(t *testing.T) {
	svc := &stubEscrowService{err: escrow.ErrZeroAmount}
	server := &Server{leaseService: &stubLeaseService{}, escrowService: svc}

	body := `{"amount":"0.00","currency":"USD"}`
	req := authedRequest(http.MethodPost, "/api/leases/l1/fund", body, "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "InvalidAmount" {
		t.Fatalf("expected kind InvalidAmount, got %q", resp.Error)
	}
}

func TestRequestDeadline_SlowServiceTimesOut(t *testing.T) {
	svc := &stubLeaseService{getFn: func(ctx context.Context, _ string) (lease.Lease, error) {
		<-ctx.Done()
		return lease.Lease{}, ctx.Err()
	}}
	server := &Server{
		leaseService:   svc,
		escrowService:  &stubEscrowService{},
		requestTimeout: 20 * time.Millisecond,
	}

	req := authedRequest(http.MethodGet, "/api/leases/l1", "", "tenant-1", auth.RoleTenant)
	rec := httptest.NewRecorder()

	server.timed(server.handleLeaseDetail)(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "Timeout" {
		t.Fatalf("expected kind Timeout, got %q", resp.Error)
	}
}
