package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"leasevault/auth"
	"leasevault/dispute"
	"leasevault/escrow"
	"leasevault/idempotency"
	"leasevault/lease"
	"leasevault/money"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// 1 MiB is plenty for any request this API accepts.
const maxBodyBytes = 1 << 20

// defaultRequestTimeout bounds every request so no repository call can block
// indefinitely on a wedged connection. Expiry surfaces as 504 Timeout.
const defaultRequestTimeout = 15 * time.Second

type leaseService interface {
	Create(ctx context.Context, params lease.CreateParams) (lease.Lease, error)
	Get(ctx context.Context, id string) (lease.Lease, error)
	List(ctx context.Context, filters lease.Filters) ([]lease.Lease, int, error)
	Submit(ctx context.Context, id, actorID string) (lease.Lease, error)
	Cancel(ctx context.Context, id, actorID string) (lease.Lease, error)
	ConfirmMoveIn(ctx context.Context, id, actorID string) (lease.Lease, error)
	ConfirmRelease(ctx context.Context, id, actorID string) (lease.Lease, error)
}

type escrowService interface {
	Fund(ctx context.Context, leaseID string, amount money.Money, actorID string) (escrow.FundResult, error)
	Balance(ctx context.Context, leaseID string) (money.Money, error)
	History(ctx context.Context, leaseID string) ([]escrow.Movement, error)
}

type disputeService interface {
	Raise(ctx context.Context, params dispute.RaiseParams) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.ResolveResult, error)
	ListByLease(ctx context.Context, leaseID string) ([]dispute.Record, error)
}

type idempotencyStore interface {
	Reserve(ctx context.Context, key, requestHash string) error
	Complete(ctx context.Context, key string, statusCode int, body []byte) error
	Release(ctx context.Context, key string) error
	Lookup(ctx context.Context, key, requestHash string) (idempotency.Saved, error)
}

// Server wires the HTTP surface to the domain services. Handlers translate
// transport concerns only; every rule lives behind the service interfaces.
type Server struct {
	authService    *auth.Service
	leaseService   leaseService
	escrowService  escrowService
	disputeService disputeService
	idempotency    idempotencyStore

	// requestTimeout overrides defaultRequestTimeout when positive.
	requestTimeout time.Duration
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.timed(s.handleRegister))
	mux.HandleFunc("/api/auth/login", s.timed(s.handleLogin))
	mux.HandleFunc("/api/leases", s.timed(s.requireAuth(s.handleLeases)))
	mux.HandleFunc("/api/leases/", s.timed(s.requireAuth(s.handleLeaseDetail)))
	mux.HandleFunc("/api/disputes/", s.timed(s.requireAuth(s.handleDisputeDetail)))
	return mux
}

// timed attaches the request deadline; handlers hand the bounded context to
// the services, so every repository call inherits it.
func (s *Server) timed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timeout := s.requestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

// requireAuth verifies the bearer token and stashes the caller identity in
// the request context under ctxKeyUserID and ctxKeyRole.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "cannot read request body")
		return nil, false
	}
	return body, true
}

// errorStatus maps domain sentinels to their HTTP status and stable
// machine-readable kind. Unknown errors become an opaque 500.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, lease.ErrInvalidTerms),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, money.ErrInvalidRatio):
		return http.StatusBadRequest, "InvalidTerms"
	case errors.Is(err, escrow.ErrZeroAmount):
		return http.StatusBadRequest, "InvalidAmount"
	case errors.Is(err, dispute.ErrInvalidOutcome):
		return http.StatusBadRequest, "InvalidOutcome"
	case errors.Is(err, dispute.ErrEmptyReason):
		return http.StatusBadRequest, "InvalidReason"
	case errors.Is(err, lease.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, dispute.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, lease.ErrNotParty),
		errors.Is(err, escrow.ErrUnauthorizedActor):
		return http.StatusForbidden, "UnauthorizedActor"
	case errors.Is(err, dispute.ErrUnauthorizedArbitrator):
		return http.StatusForbidden, "UnauthorizedArbitrator"
	case errors.Is(err, lease.ErrVersionConflict):
		return http.StatusConflict, "VersionConflict"
	case errors.Is(err, lease.ErrBusy):
		return http.StatusConflict, "Busy"
	case errors.Is(err, lease.ErrInvalidTransition):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, lease.ErrFundsHeld):
		return http.StatusConflict, "FundsHeld"
	case errors.Is(err, lease.ErrNotEnded):
		return http.StatusConflict, "NotEnded"
	case errors.Is(err, escrow.ErrNotFundable):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, escrow.ErrOverfunded):
		return http.StatusConflict, "Overfunded"
	case errors.Is(err, escrow.ErrInsufficientBalance):
		return http.StatusConflict, "InsufficientBalance"
	case errors.Is(err, dispute.ErrAlreadyOpen):
		return http.StatusConflict, "DisputeAlreadyOpen"
	case errors.Is(err, dispute.ErrAlreadyResolved):
		return http.StatusConflict, "DisputeAlreadyResolved"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func failure(err error) (int, any) {
	status, kind := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("api: internal error: %v", err)
		message = "internal error"
	}
	return status, errorResponse{Error: kind, Message: message}
}

func respondResult(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload)
}

// withIdempotency executes fn once per Idempotency-Key. A replay with the
// same key and payload returns the stored response verbatim; the same key
// with a different payload is a conflict. Responses the caller should retry
// (5xx) release the key instead of pinning it.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, body []byte, fn func() (int, any)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || s.idempotency == nil {
		status, payload := fn()
		respondResult(w, status, payload)
		return
	}

	ctx := r.Context()
	hash := idempotency.HashPayload([]byte(r.Method + " " + r.URL.Path + "\n" + string(body)))
	if err := s.idempotency.Reserve(ctx, key, hash); err != nil {
		if !errors.Is(err, idempotency.ErrDuplicateKey) {
			log.Printf("api: idempotency reserve: %v", err)
			writeError(w, http.StatusInternalServerError, "Internal", "internal error")
			return
		}
		saved, lookupErr := s.idempotency.Lookup(ctx, key, hash)
		switch {
		case lookupErr == nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(saved.StatusCode)
			if _, err := w.Write(saved.Body); err != nil {
				log.Printf("api: write replayed response: %v", err)
			}
		case errors.Is(lookupErr, idempotency.ErrPayloadMismatch):
			writeError(w, http.StatusConflict, "IdempotencyKeyReuse", "idempotency key already used with a different request")
		case errors.Is(lookupErr, idempotency.ErrPending):
			writeError(w, http.StatusConflict, "Busy", "original request still in flight")
		default:
			log.Printf("api: idempotency lookup: %v", lookupErr)
			writeError(w, http.StatusInternalServerError, "Internal", "internal error")
		}
		return
	}

	status, payload := fn()
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("api: encode idempotent response: %v", err)
		_ = s.idempotency.Release(ctx, key)
		writeError(w, http.StatusInternalServerError, "Internal", "internal error")
		return
	}
	if status >= http.StatusInternalServerError {
		if err := s.idempotency.Release(ctx, key); err != nil {
			log.Printf("api: idempotency release: %v", err)
		}
	} else if err := s.idempotency.Complete(ctx, key, status, encoded); err != nil {
		log.Printf("api: idempotency complete: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(encoded); err != nil {
		log.Printf("api: write response: %v", err)
	}
}
