package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sablefi/collateral-engine/internal/ledger"
	"github.com/sablefi/collateral-engine/internal/model"
	"github.com/sablefi/collateral-engine/internal/token"
)

// --- Request/Response types ---

// CollateralRequest is the JSON body for deposit and redeem.
type CollateralRequest struct {
	User   string          `json:"user"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"` // token wei
}

// StableRequest is the JSON body for mint and burn.
type StableRequest struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"` // stable wei
}

// DepositAndMintRequest is the JSON body for the combined deposit+mint.
type DepositAndMintRequest struct {
	User       string          `json:"user"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	MintAmount decimal.Decimal `json:"mint_amount"`
}

// RedeemForStableRequest is the JSON body for the combined burn+redeem.
type RedeemForStableRequest struct {
	User       string          `json:"user"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	BurnAmount decimal.Decimal `json:"burn_amount"`
}

// LiquidateRequest is the JSON body for POST /liquidate.
type LiquidateRequest struct {
	Liquidator  string          `json:"liquidator"`
	User        string          `json:"user"`
	Token       string          `json:"token"`
	DebtToCover decimal.Decimal `json:"debt_to_cover"` // stable wei
}

// AccountResponse is returned after every successful operation and
// from account queries.
type AccountResponse struct {
	User               string          `json:"user"`
	MintedDebt         decimal.Decimal `json:"minted_debt"`
	CollateralValueUsd decimal.Decimal `json:"collateral_value_usd"`
	HealthFactor       string          `json:"health_factor"`
}

// --- HTTP Handlers ---

// HandleDeposit handles POST /api/v1/deposit
func (e *Engine) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if !decodeBody(w, r, &req) || !requireUser(w, req.User) {
		return
	}
	if err := e.DepositCollateral(r.Context(), req.User, req.Token, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	e.writeAccount(w, r, req.User)
}

// HandleMint handles POST /api/v1/mint
func (e *Engine) HandleMint(w http.ResponseWriter, r *http.Request) {
	var req StableRequest
	if !decodeBody(w, r, &req) || !requireUser(w, req.User) {
		return
	}
	if err := e.MintStable(r.Context(), req.User, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	e.writeAccount(w, r, req.User)
}

// HandleRedeem handles POST /api/v1/redeem
func (e *Engine) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if !decodeBody(w, r, &req) || !requireUser(w, req.User) {
		return
	}
	if err := e.RedeemCollateral(r.Context(), req.User, req.Token, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	e.writeAccount(w, r, req.User)
}

// HandleBurn handles POST /api/v1/burn
func (e *Engine) HandleBurn(w http.ResponseWriter, r *http.Request) {
	var req StableRequest
	if !decodeBody(w, r, &req) || !requireUser(w, req.User) {
		return
	}
	if err := e.BurnStable(r.Context(), req.User, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	e.writeAccount(w, r, req.User)
}

// HandleDepositAndMint handles POST /api/v1/deposit-and-mint
func (e *Engine) HandleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req DepositAndMintRequest
	if !decodeBody(w, r, &req) || !requireUser(w, req.User) {
		return
	}
	if err := e.DepositCollateralAndMintStable(r.Context(), req.User, req.Token, req.Amount, req.MintAmount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	e.writeAccount(w, r, req.User)
}

// HandleRedeemForStable handles POST /api/v1/redeem-for-stable
func (e *Engine) HandleRedeemForStable(w http.ResponseWriter, r *http.Request) {
	var req RedeemForStableRequest
	if !decodeBody(w, r, &req) || !requireUser(w, req.User) {
		return
	}
	if err := e.RedeemCollateralForStable(r.Context(), req.User, req.Token, req.Amount, req.BurnAmount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	e.writeAccount(w, r, req.User)
}

// HandleLiquidate handles POST /api/v1/liquidate
func (e *Engine) HandleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !decodeBody(w, r, &req) || !requireUser(w, req.Liquidator) || !requireUser(w, req.User) {
		return
	}
	if err := e.Liquidate(r.Context(), req.Liquidator, req.User, req.Token, req.DebtToCover); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	e.writeAccount(w, r, req.User)
}

// HandleAccount handles GET /api/v1/accounts/{userID}
func (e *Engine) HandleAccount(w http.ResponseWriter, r *http.Request) {
	e.writeAccount(w, r, chi.URLParam(r, "userID"))
}

// HandleHealthFactor handles GET /api/v1/accounts/{userID}/health-factor
func (e *Engine) HandleHealthFactor(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	hf, err := e.HealthFactor(r.Context(), user)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"user":          user,
		"health_factor": hf.String(),
	})
}

// HandleHistory handles GET /api/v1/accounts/{userID}/history
func (e *Engine) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if e.store == nil {
		writeError(w, "history not available", http.StatusNotFound)
		return
	}
	entries, err := e.store.EntriesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// HandlePositions handles GET /api/v1/positions
func (e *Engine) HandlePositions(w http.ResponseWriter, r *http.Request) {
	if e.store == nil {
		writeError(w, "positions not available", http.StatusNotFound)
		return
	}
	positions, err := e.store.ListPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.PositionSnapshot{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// HandlePrice handles GET /api/v1/prices/{token}
func (e *Engine) HandlePrice(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	price, err := e.ScaledPrice(r.Context(), tok)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"token": tok,
		"price": price.String(),
	})
}

func (e *Engine) writeAccount(w http.ResponseWriter, r *http.Request, user string) {
	info, err := e.AccountInformation(r.Context(), user)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hf, err := e.HealthFactor(r.Context(), user)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("account state",
		"user", user,
		"debt", info.MintedDebt.String(),
		"collateral_usd", info.CollateralValueUsd.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AccountResponse{
		User:               user,
		MintedDebt:         info.MintedDebt,
		CollateralValueUsd: info.CollateralValueUsd,
		HealthFactor:       hf.String(),
	})
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireUser(w http.ResponseWriter, user string) bool {
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNeedsMoreThanZero),
		errors.Is(err, ErrNotAllowedToken):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ErrBreaksHealthFactor),
		errors.Is(err, ErrHealthFactorOk),
		errors.Is(err, ErrHealthFactorNotImproved),
		errors.Is(err, token.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
