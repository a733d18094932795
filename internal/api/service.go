// Package api exposes the vault over HTTP and a WebSocket event stream.
//
// Amounts travel as decimal strings of base units, the JSON form of
// cosmossdk.io/math.Int. The caller of every operation is the account named
// in the X-Account header.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"cosmossdk.io/math"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atmx/yield-vault/internal/account"
	"github.com/atmx/yield-vault/internal/metrics"
	"github.com/atmx/yield-vault/internal/model"
	"github.com/atmx/yield-vault/internal/store"
	"github.com/atmx/yield-vault/internal/vault"
)

// AccountHeader names the caller of a request.
const AccountHeader = "X-Account"

// Service handles vault operations. Mutations are serialized with a mutex
// so that concurrent clients queue instead of tripping the vault's
// re-entrancy guard.
type Service struct {
	vault *vault.Vault
	store store.Store
	log   zerolog.Logger
	mu    sync.Mutex
}

// NewService creates a new vault service.
func NewService(v *vault.Vault, st store.Store, log zerolog.Logger) *Service {
	return &Service{vault: v, store: st, log: log}
}

// opContext is the context a mutation runs under. Once started, an
// operation runs to completion even if the client goes away or the request
// times out, so its strategy calls and audit record are not cut short.
func opContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposit.
type DepositRequest struct {
	Assets   math.Int `json:"assets"`
	Receiver string   `json:"receiver,omitempty"` // defaults to the caller
}

// WithdrawRequest is the JSON body for POST /withdraw.
type WithdrawRequest struct {
	Assets   math.Int `json:"assets"`
	Receiver string   `json:"receiver,omitempty"` // defaults to the caller
	Owner    string   `json:"owner,omitempty"`    // defaults to the caller
}

// ApproveRequest is the JSON body for POST /approve.
type ApproveRequest struct {
	Spender string   `json:"spender"`
	Shares  math.Int `json:"shares"`
}

// OperationResponse is returned by every user operation.
type OperationResponse struct {
	Assets   math.Int           `json:"assets"`
	Shares   math.Int           `json:"shares"` // minted or burned
	Position model.PositionView `json:"position"`
}

// CheckResponse is returned by the can-deposit and can-withdraw queries.
type CheckResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Class  string `json:"class,omitempty"`
	Code   uint32 `json:"code,omitempty"`
}

// --- User operations ---

// Deposit handles POST /api/v1/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Receiver == "" {
		req.Receiver = caller
	}

	s.mu.Lock()
	shares, err := s.vault.Deposit(opContext(r), caller, req.Assets, req.Receiver)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, "deposit", err)
		return
	}
	s.writeOperation(w, r, req.Assets, shares, req.Receiver)
}

// Withdraw handles POST /api/v1/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Receiver == "" {
		req.Receiver = caller
	}
	if req.Owner == "" {
		req.Owner = caller
	}

	s.mu.Lock()
	shares, err := s.vault.Withdraw(opContext(r), caller, req.Assets, req.Receiver, req.Owner)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, "withdraw", err)
		return
	}
	s.writeOperation(w, r, req.Assets, shares, req.Owner)
}

// WithdrawProfit handles POST /api/v1/withdraw-profit. A position without
// gains returns zero amounts and status 200.
func (s *Service) WithdrawProfit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	assets, shares, err := s.vault.WithdrawProfit(opContext(r), caller)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, "withdraw profit", err)
		return
	}
	s.writeOperation(w, r, assets, shares, caller)
}

// Approve handles POST /api/v1/approve: the caller lets spender withdraw
// up to shares of the caller's position.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	err := s.vault.ApproveShares(opContext(r), caller, req.Spender, req.Shares)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     caller,
		"spender":   req.Spender,
		"allowance": s.vault.Allowance(caller, req.Spender),
	})
}

// --- Queries ---

// GetPosition handles GET /api/v1/positions/{account}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := s.vault.Position(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.writeVaultError(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetMaxWithdraw handles GET /api/v1/positions/{account}/max-withdraw.
func (s *Service) GetMaxWithdraw(w http.ResponseWriter, r *http.Request) {
	most, err := s.vault.MaxWithdraw(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.writeVaultError(w, "max withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]math.Int{"assets": most})
}

// ListPositions handles GET /api/v1/positions, serving the stored
// snapshots.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetStats handles GET /api/v1/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.vault.Stats(r.Context())
	if err != nil {
		s.writeVaultError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetAllowance handles GET /api/v1/allowance?owner=&spender=.
func (s *Service) GetAllowance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, map[string]math.Int{
		"shares": s.vault.Allowance(q.Get("owner"), q.Get("spender")),
	})
}

// PreviewDeposit handles GET /api/v1/preview/deposit?assets=.
func (s *Service) PreviewDeposit(w http.ResponseWriter, r *http.Request) {
	assets, ok := amountParam(w, r, "assets")
	if !ok {
		return
	}
	shares, err := s.vault.PreviewDeposit(r.Context(), assets)
	if err != nil {
		s.writeVaultError(w, "preview deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]math.Int{"assets": assets, "shares": shares})
}

// PreviewWithdraw handles GET /api/v1/preview/withdraw?assets=.
func (s *Service) PreviewWithdraw(w http.ResponseWriter, r *http.Request) {
	assets, ok := amountParam(w, r, "assets")
	if !ok {
		return
	}
	shares, err := s.vault.PreviewWithdraw(r.Context(), assets)
	if err != nil {
		s.writeVaultError(w, "preview withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]math.Int{"assets": assets, "shares": shares})
}

// CanDeposit handles GET /api/v1/can-deposit?assets=&receiver=.
func (s *Service) CanDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	assets, ok := amountParam(w, r, "assets")
	if !ok {
		return
	}
	receiver := r.URL.Query().Get("receiver")
	if receiver == "" {
		receiver = caller
	}
	writeJSON(w, http.StatusOK, checkResponse(s.vault.CanDeposit(r.Context(), caller, assets, receiver)))
}

// CanWithdraw handles GET /api/v1/can-withdraw?assets=&receiver=&owner=.
func (s *Service) CanWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	assets, ok := amountParam(w, r, "assets")
	if !ok {
		return
	}
	q := r.URL.Query()
	receiver, owner := q.Get("receiver"), q.Get("owner")
	if receiver == "" {
		receiver = caller
	}
	if owner == "" {
		owner = caller
	}
	writeJSON(w, http.StatusOK, checkResponse(s.vault.CanWithdraw(r.Context(), caller, assets, receiver, owner)))
}

// ListEvents handles GET /api/v1/events?account=&limit=.
// Returns the audit trail, newest first.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := store.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		events []model.Event
		err    error
	)
	if acct := q.Get("account"); acct != "" {
		events, err = s.store.ListEventsByAccount(r.Context(), normalizeAccount(acct), limit)
	} else {
		events, err = s.store.ListEvents(r.Context(), limit)
	}
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- helpers ---

func (s *Service) writeOperation(w http.ResponseWriter, r *http.Request, assets, shares math.Int, holder string) {
	resp := OperationResponse{Assets: assets, Shares: shares}
	view, err := s.vault.Position(r.Context(), holder)
	if err != nil {
		s.log.Warn().Err(err).Str("account", holder).Msg("position lookup after operation failed")
	} else {
		resp.Position = view
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeVaultError maps a vault error to a status code and counts the
// rejection.
func (s *Service) writeVaultError(w http.ResponseWriter, op string, err error) {
	class := vault.Classify(err)
	status := statusFor(class)
	if class == vault.ClassUnknown {
		s.log.Error().Err(err).Str("op", op).Msg("unexpected vault error")
	} else {
		metrics.ObserveRejection(class.String(), vault.Code(err))
		s.log.Debug().Err(err).Str("op", op).Str("class", class.String()).Msg("operation rejected")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Class: class.String(), Code: vault.Code(err)})
}

func statusFor(c vault.Class) int {
	switch c {
	case vault.ClassValidation:
		return http.StatusBadRequest
	case vault.ClassAuthorization:
		return http.StatusForbidden
	case vault.ClassLifecycle:
		return http.StatusConflict
	case vault.ClassExternal:
		return http.StatusBadGateway
	case vault.ClassConcurrency:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func checkResponse(err error) CheckResponse {
	if err == nil {
		return CheckResponse{OK: true}
	}
	return CheckResponse{
		Reason: err.Error(),
		Class:  vault.Classify(err).String(),
		Code:   vault.Code(err),
	}
}

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get(AccountHeader)
	if caller == "" {
		writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return caller, true
}

func amountParam(w http.ResponseWriter, r *http.Request, name string) (math.Int, bool) {
	amt, ok := math.NewIntFromString(r.URL.Query().Get(name))
	if !ok || amt.IsNegative() {
		writeError(w, name+" must be a non-negative integer in base units", http.StatusBadRequest)
		return math.Int{}, false
	}
	return amt, true
}

// normalizeAccount lower-cases a valid address so it matches stored events.
func normalizeAccount(addr string) string {
	if a, err := account.Parse(addr); err == nil {
		return a
	}
	return addr
}

type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
	Code  uint32 `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}
