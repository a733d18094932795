package api

import (
	"context"
	"encoding/json"
	"net/http"

	"cosmossdk.io/math"
)

// BPSRequest is the JSON body of the basis-point setters.
type BPSRequest struct {
	BPS *uint32 `json:"bps"`
}

// LimitsRequest is the JSON body for POST /admin/limits. Omitted limits
// are left unchanged.
type LimitsRequest struct {
	MaxDeposit  *math.Int `json:"max_deposit,omitempty"`
	MaxWithdraw *math.Int `json:"max_withdraw,omitempty"`
}

// RebalanceResponse reports a manual rebalance.
type RebalanceResponse struct {
	Direction string   `json:"direction"`
	Requested math.Int `json:"requested"`
	Moved     math.Int `json:"moved"`
}

// SetFee handles POST /api/v1/admin/fee.
func (s *Service) SetFee(w http.ResponseWriter, r *http.Request) {
	s.setBPS(w, r, "set fee", s.vault.SetManagementFee)
}

// SetTargetLiquidity handles POST /api/v1/admin/target-liquidity.
func (s *Service) SetTargetLiquidity(w http.ResponseWriter, r *http.Request) {
	s.setBPS(w, r, "set target liquidity", s.vault.SetTargetLiquidity)
}

// SetThreshold handles POST /api/v1/admin/threshold.
func (s *Service) SetThreshold(w http.ResponseWriter, r *http.Request) {
	s.setBPS(w, r, "set threshold", s.vault.SetRebalanceThreshold)
}

func (s *Service) setBPS(w http.ResponseWriter, r *http.Request, op string, set func(context.Context, string, uint32) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req BPSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BPS == nil {
		writeError(w, "body must be {\"bps\": <uint>}", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	err := set(opContext(r), caller, *req.BPS)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, op, err)
		return
	}
	s.writeParams(w)
}

// SetLimits handles POST /api/v1/admin/limits.
func (s *Service) SetLimits(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req LimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MaxDeposit == nil && req.MaxWithdraw == nil {
		writeError(w, "max_deposit or max_withdraw is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.MaxDeposit != nil {
		if err := s.vault.SetDepositLimit(opContext(r), caller, *req.MaxDeposit); err != nil {
			s.writeVaultError(w, "set deposit limit", err)
			return
		}
	}
	if req.MaxWithdraw != nil {
		if err := s.vault.SetWithdrawLimit(opContext(r), caller, *req.MaxWithdraw); err != nil {
			s.writeVaultError(w, "set withdraw limit", err)
			return
		}
	}
	s.writeParams(w)
}

// Pause handles POST /api/v1/admin/pause.
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, "pause", s.vault.Pause)
}

// Unpause handles POST /api/v1/admin/unpause.
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, "unpause", s.vault.Unpause)
}

func (s *Service) toggle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	err := fn(opContext(r), caller)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.vault.Paused()})
}

// Rebalance handles POST /api/v1/admin/rebalance.
func (s *Service) Rebalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	res, err := s.vault.Rebalance(opContext(r), caller)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, "rebalance", err)
		return
	}
	writeJSON(w, http.StatusOK, RebalanceResponse{
		Direction: res.Direction,
		Requested: zeroIfNil(res.Requested),
		Moved:     zeroIfNil(res.Moved),
	})
}

// Harvest handles POST /api/v1/admin/harvest.
func (s *Service) Harvest(w http.ResponseWriter, r *http.Request) {
	s.sweep(w, r, "harvest", s.vault.Harvest)
}

// EmergencyWithdraw handles POST /api/v1/admin/emergency-withdraw.
func (s *Service) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	s.sweep(w, r, "emergency withdraw", s.vault.EmergencyWithdraw)
}

// EmergencyWithdrawStrategy handles POST /api/v1/admin/emergency-withdraw-strategy.
func (s *Service) EmergencyWithdrawStrategy(w http.ResponseWriter, r *http.Request) {
	s.sweep(w, r, "emergency withdraw strategy", s.vault.EmergencyWithdrawFromStrategy)
}

// sweep runs an owner operation that moves assets and reports how many.
func (s *Service) sweep(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (math.Int, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	amount, err := fn(opContext(r), caller)
	s.mu.Unlock()
	if err != nil {
		s.writeVaultError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]math.Int{"assets": amount})
}

// GetParams handles GET /api/v1/params.
func (s *Service) GetParams(w http.ResponseWriter, _ *http.Request) {
	s.writeParams(w)
}

type paramsResponse struct {
	MaxDeposit            math.Int `json:"max_deposit"`
	MaxWithdraw           math.Int `json:"max_withdraw"`
	ManagementFeeBPS      uint32   `json:"management_fee_bps"`
	TargetLiquidityBPS    uint32   `json:"target_liquidity_bps"`
	RebalanceThresholdBPS uint32   `json:"rebalance_threshold_bps"`
	Paused                bool     `json:"paused"`
	Owner                 string   `json:"owner"`
	Vault                 string   `json:"vault"`
}

func (s *Service) writeParams(w http.ResponseWriter) {
	p := s.vault.Params()
	writeJSON(w, http.StatusOK, paramsResponse{
		MaxDeposit:            p.MaxDepositLimit,
		MaxWithdraw:           p.MaxWithdrawLimit,
		ManagementFeeBPS:      p.ManagementFeeBPS,
		TargetLiquidityBPS:    p.TargetLiquidityBPS,
		RebalanceThresholdBPS: p.RebalanceThresholdBPS,
		Paused:                s.vault.Paused(),
		Owner:                 s.vault.Owner(),
		Vault:                 s.vault.Account(),
	})
}

func zeroIfNil(i math.Int) math.Int {
	if i.IsNil() {
		return math.ZeroInt()
	}
	return i
}
