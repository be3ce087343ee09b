// Package engine implements the collateral engine: per-user collateral
// and debt accounting, health-factor enforcement on every
// state-changing operation, and third-party liquidation of unhealthy
// positions.
//
// Every public operation is a single indivisible unit of work,
// serialized by a mutex. The ordering discipline within an operation
// is fixed: validate, evaluate the health factor against the candidate
// post-operation state, commit ledger mutations, and only then call
// external token collaborators. A collaborator failure undoes the
// ledger commit, so no partial application is ever observable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sablefi/collateral-engine/internal/health"
	"github.com/sablefi/collateral-engine/internal/ledger"
	"github.com/sablefi/collateral-engine/internal/metrics"
	"github.com/sablefi/collateral-engine/internal/model"
	"github.com/sablefi/collateral-engine/internal/oracle"
	"github.com/sablefi/collateral-engine/internal/store"
	"github.com/sablefi/collateral-engine/internal/token"
)

var (
	// ErrNeedsMoreThanZero is returned for zero or negative amounts.
	ErrNeedsMoreThanZero = errors.New("engine: amount must be more than zero")

	// ErrNotAllowedToken is returned when a token is not a configured
	// collateral type.
	ErrNotAllowedToken = errors.New("engine: token is not an allowed collateral")

	// ErrBreaksHealthFactor is returned when a mint or redeem would
	// leave the user's health factor below the minimum.
	ErrBreaksHealthFactor = errors.New("engine: operation would break health factor")

	// ErrHealthFactorOk is returned when liquidation targets a solvent
	// position.
	ErrHealthFactorOk = errors.New("engine: health factor is not below minimum")

	// ErrHealthFactorNotImproved is returned when a liquidation would
	// leave the target worse off than before.
	ErrHealthFactorNotImproved = errors.New("engine: liquidation did not improve health factor")

	// ErrTokenFeedLengthMismatch is a construction-time failure: the
	// collateral token list and the price feed list must pair up 1:1.
	ErrTokenFeedLengthMismatch = errors.New("engine: token and price feed lists must be the same length")
)

var (
	// liquidationBonus is the extra collateral percentage seized beyond
	// the covered debt, the incentive for third-party liquidators.
	liquidationBonus     = decimal.NewFromInt(10)
	liquidationPrecision = decimal.NewFromInt(100)
)

// Config wires the engine's collaborators. CollateralTokens and
// PriceFeeds are ordered, equal-length lists bound positionally.
type Config struct {
	CollateralTokens []string
	PriceFeeds       []oracle.PriceSource

	// Transferors move each collateral token; one per configured token.
	Transferors map[string]token.Transferor

	// Stablecoin is the mintable/burnable stable asset. The engine must
	// be its sole authorized minter and burner.
	Stablecoin token.Stablecoin

	// Custodian is the account that holds deposited collateral in the
	// token collaborators. Defaults to "engine".
	Custodian string

	// Store receives the operation journal and position snapshots.
	// Optional; nil disables journaling.
	Store store.Store

	// Hub broadcasts operation events to WebSocket clients. Optional.
	Hub *Hub
}

// Engine tracks collateral and debt per user and enforces the minimum
// health factor on every operation that can reduce solvency.
type Engine struct {
	mu sync.Mutex

	tokens      []string // configured collateral set, immutable after construction
	allowed     map[string]bool
	oracle      *oracle.Adapter
	transferors map[string]token.Transferor
	stable      token.Stablecoin
	custodian   string

	collateral *ledger.CollateralLedger
	debt       *ledger.DebtLedger

	store store.Store
	hub   *Hub
}

// New constructs an engine from the given configuration. A token list
// and feed list of different lengths is a hard construction failure.
func New(cfg Config) (*Engine, error) {
	if len(cfg.CollateralTokens) != len(cfg.PriceFeeds) {
		return nil, ErrTokenFeedLengthMismatch
	}
	if len(cfg.CollateralTokens) == 0 {
		return nil, errors.New("engine: at least one collateral token must be configured")
	}
	if cfg.Stablecoin == nil {
		return nil, errors.New("engine: stablecoin collaborator is required")
	}

	allowed := make(map[string]bool, len(cfg.CollateralTokens))
	for _, t := range cfg.CollateralTokens {
		if cfg.Transferors[t] == nil {
			return nil, fmt.Errorf("engine: no transferor configured for token %s", t)
		}
		allowed[t] = true
	}

	custodian := cfg.Custodian
	if custodian == "" {
		custodian = "engine"
	}

	return &Engine{
		tokens:      append([]string(nil), cfg.CollateralTokens...),
		allowed:     allowed,
		oracle:      oracle.NewAdapter(cfg.CollateralTokens, cfg.PriceFeeds),
		transferors: cfg.Transferors,
		stable:      cfg.Stablecoin,
		custodian:   custodian,
		collateral:  ledger.NewCollateralLedger(),
		debt:        ledger.NewDebtLedger(),
		store:       cfg.Store,
		hub:         cfg.Hub,
	}, nil
}

// Tokens returns the configured collateral tokens in order.
func (e *Engine) Tokens() []string {
	return append([]string(nil), e.tokens...)
}

// --- Operations ---

// DepositCollateral moves amount of tok from the user into engine
// custody and credits the user's collateral balance. Deposits only
// improve solvency, so there is no health check.
func (e *Engine) DepositCollateral(ctx context.Context, user, tok string, amount decimal.Decimal) error {
	if err := e.validate(tok, amount); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	done := e.observe(model.KindDeposit)
	if err := e.depositLocked(ctx, user, tok, amount); err != nil {
		return err
	}
	done()

	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindDeposit, User: user, Token: tok, Amount: amount,
	})
	e.snapshotLocked(ctx, user)
	return nil
}

// MintStable creates amount of the stable asset for the user against
// their collateral. Rejected if the post-mint health factor would fall
// below the minimum.
func (e *Engine) MintStable(ctx context.Context, user string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNeedsMoreThanZero
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	done := e.observe(model.KindMint)
	if err := e.mintLocked(ctx, user, amount); err != nil {
		return err
	}
	done()

	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindMint, User: user, Amount: amount,
	})
	e.snapshotLocked(ctx, user)
	return nil
}

// RedeemCollateral debits the user's collateral balance and transfers
// the tokens back. Rejected if the post-redeem health factor would fall
// below the minimum.
func (e *Engine) RedeemCollateral(ctx context.Context, user, tok string, amount decimal.Decimal) error {
	if err := e.validate(tok, amount); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	done := e.observe(model.KindRedeem)
	if err := e.redeemLocked(ctx, user, tok, amount); err != nil {
		return err
	}
	done()

	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindRedeem, User: user, Token: tok, Amount: amount,
	})
	e.snapshotLocked(ctx, user)
	return nil
}

// BurnStable retires amount of the user's debt, burning their stable
// tokens. Burning only improves solvency; burning more than owed fails
// with ledger.ErrInsufficientBalance.
func (e *Engine) BurnStable(ctx context.Context, user string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNeedsMoreThanZero
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	done := e.observe(model.KindBurn)
	if err := e.burnLocked(ctx, user, amount); err != nil {
		return err
	}
	done()

	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindBurn, User: user, Amount: amount,
	})
	e.snapshotLocked(ctx, user)
	return nil
}

// DepositCollateralAndMintStable deposits collateral and mints stable
// in one atomic operation: if the mint is rejected, the deposit is
// undone as well.
func (e *Engine) DepositCollateralAndMintStable(ctx context.Context, user, tok string, depositAmount, mintAmount decimal.Decimal) error {
	if err := e.validate(tok, depositAmount); err != nil {
		return err
	}
	if !mintAmount.IsPositive() {
		return ErrNeedsMoreThanZero
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.depositLocked(ctx, user, tok, depositAmount); err != nil {
		return err
	}
	if err := e.mintLocked(ctx, user, mintAmount); err != nil {
		// Unwind the deposit: return the tokens and clear the credit.
		if terr := e.transferors[tok].TransferFrom(ctx, e.custodian, user, depositAmount); terr != nil {
			slog.Error("deposit unwind transfer failed", "user", user, "token", tok, "err", terr)
		}
		if lerr := e.collateral.Decrease(user, tok, depositAmount); lerr != nil {
			slog.Error("deposit unwind ledger failed", "user", user, "token", tok, "err", lerr)
		}
		return err
	}

	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindDeposit, User: user, Token: tok, Amount: depositAmount,
	})
	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindMint, User: user, Amount: mintAmount,
	})
	e.snapshotLocked(ctx, user)
	return nil
}

// RedeemCollateralForStable burns stable debt and redeems collateral in
// one atomic operation: burning first means the health check sees the
// reduced debt, and a rejected redeem restores the burn.
func (e *Engine) RedeemCollateralForStable(ctx context.Context, user, tok string, redeemAmount, burnAmount decimal.Decimal) error {
	if err := e.validate(tok, redeemAmount); err != nil {
		return err
	}
	if !burnAmount.IsPositive() {
		return ErrNeedsMoreThanZero
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.burnLocked(ctx, user, burnAmount); err != nil {
		return err
	}
	if err := e.redeemLocked(ctx, user, tok, redeemAmount); err != nil {
		// Unwind the burn: restore the debt and re-issue the tokens.
		if lerr := e.debt.Increase(user, burnAmount); lerr != nil {
			slog.Error("burn unwind ledger failed", "user", user, "err", lerr)
		}
		if merr := e.stable.Mint(ctx, user, burnAmount); merr != nil {
			slog.Error("burn unwind mint failed", "user", user, "err", merr)
		}
		return err
	}

	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindBurn, User: user, Amount: burnAmount,
	})
	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindRedeem, User: user, Token: tok, Amount: redeemAmount,
	})
	e.snapshotLocked(ctx, user)
	return nil
}

// Liquidate lets a third party repay debtToCover of an unhealthy
// user's debt in exchange for the equivalent collateral plus a bonus.
//
// The seize amount is capped at the target's remaining collateral:
// against a terminally insolvent position the liquidation executes for
// whatever collateral remains rather than stranding the bad debt. The
// operation reverts if it would leave the target worse off, or the
// liquidator's own position below minimum.
func (e *Engine) Liquidate(ctx context.Context, liquidator, user, tok string, debtToCover decimal.Decimal) error {
	if err := e.validate(tok, debtToCover); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	startingHF, err := e.healthFactorLocked(ctx, user)
	if err != nil {
		return err
	}
	if !health.Below(startingHF) {
		return ErrHealthFactorOk
	}

	tokenFromDebt, err := e.oracle.TokenAmountFromUsd(ctx, tok, debtToCover)
	if err != nil {
		return err
	}
	bonus := divFloor(tokenFromDebt.Mul(liquidationBonus), liquidationPrecision)
	seize := tokenFromDebt.Add(bonus)
	if bal := e.collateral.Balance(user, tok); seize.GreaterThan(bal) {
		seize = bal
	}

	// Effects before interactions.
	if err := e.debt.Decrease(user, debtToCover); err != nil {
		return err
	}
	if err := e.collateral.Decrease(user, tok, seize); err != nil {
		e.debt.Increase(user, debtToCover)
		return err
	}
	undo := func() {
		e.collateral.Increase(user, tok, seize)
		e.debt.Increase(user, debtToCover)
	}

	endingHF, err := e.healthFactorLocked(ctx, user)
	if err != nil {
		undo()
		return err
	}
	if endingHF.LessThan(startingHF) {
		undo()
		return ErrHealthFactorNotImproved
	}
	liquidatorHF, err := e.healthFactorLocked(ctx, liquidator)
	if err != nil {
		undo()
		return err
	}
	if health.Below(liquidatorHF) {
		undo()
		return ErrBreaksHealthFactor
	}

	// Interactions last: burn the liquidator's stable, hand over the
	// seized collateral.
	if err := e.stable.BurnFrom(ctx, liquidator, debtToCover); err != nil {
		undo()
		return fmt.Errorf("engine: liquidation burn: %w", err)
	}
	if seize.IsPositive() {
		if err := e.transferors[tok].TransferFrom(ctx, e.custodian, liquidator, seize); err != nil {
			if merr := e.stable.Mint(ctx, liquidator, debtToCover); merr != nil {
				slog.Error("liquidation unwind mint failed", "liquidator", liquidator, "err", merr)
			}
			undo()
			return fmt.Errorf("engine: liquidation transfer: %w", err)
		}
	}

	metrics.LiquidationsTotal.WithLabelValues(tok).Inc()
	slog.Info("position liquidated",
		"liquidator", liquidator,
		"user", user,
		"token", tok,
		"debt_covered", debtToCover.String(),
		"seized", seize.String(),
		"hf_before", startingHF.String(),
		"hf_after", endingHF.String(),
	)

	e.recordLocked(ctx, &model.JournalEntry{
		Kind: model.KindLiquidation, User: user, Token: tok,
		Amount: debtToCover, Liquidator: liquidator, Seized: seize,
	})
	e.snapshotLocked(ctx, user)
	e.snapshotLocked(ctx, liquidator)
	return nil
}

// --- Queries ---

// AccountInformation returns the user's minted debt and total
// collateral value in 18-decimal USD.
func (e *Engine) AccountInformation(ctx context.Context, user string) (model.AccountInformation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	collUsd, err := e.collateralValueUsdLocked(ctx, user)
	if err != nil {
		return model.AccountInformation{}, err
	}
	return model.AccountInformation{
		MintedDebt:         e.debt.Debt(user),
		CollateralValueUsd: collUsd,
	}, nil
}

// HealthFactor returns the user's current health factor.
func (e *Engine) HealthFactor(ctx context.Context, user string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthFactorLocked(ctx, user)
}

// CollateralBalance returns the user's deposited balance for tok.
func (e *Engine) CollateralBalance(user, tok string) decimal.Decimal {
	return e.collateral.Balance(user, tok)
}

// UsdValue prices a token amount in 18-decimal USD.
func (e *Engine) UsdValue(ctx context.Context, tok string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !e.allowed[tok] {
		return decimal.Decimal{}, ErrNotAllowedToken
	}
	return e.oracle.UsdValue(ctx, tok, amount)
}

// TokenAmountFromUsd converts an 18-decimal USD amount into tok wei.
func (e *Engine) TokenAmountFromUsd(ctx context.Context, tok string, usd decimal.Decimal) (decimal.Decimal, error) {
	if !e.allowed[tok] {
		return decimal.Decimal{}, ErrNotAllowedToken
	}
	return e.oracle.TokenAmountFromUsd(ctx, tok, usd)
}

// ScaledPrice returns tok's current 18-decimal price.
func (e *Engine) ScaledPrice(ctx context.Context, tok string) (decimal.Decimal, error) {
	if !e.allowed[tok] {
		return decimal.Decimal{}, ErrNotAllowedToken
	}
	return e.oracle.ScaledPrice(ctx, tok)
}

// --- Locked helpers (e.mu held) ---

func (e *Engine) depositLocked(ctx context.Context, user, tok string, amount decimal.Decimal) error {
	if err := e.collateral.Increase(user, tok, amount); err != nil {
		return err
	}
	if err := e.transferors[tok].TransferFrom(ctx, user, e.custodian, amount); err != nil {
		e.collateral.Decrease(user, tok, amount)
		return fmt.Errorf("engine: deposit transfer: %w", err)
	}
	return nil
}

func (e *Engine) mintLocked(ctx context.Context, user string, amount decimal.Decimal) error {
	collUsd, err := e.collateralValueUsdLocked(ctx, user)
	if err != nil {
		return err
	}
	// Health check against the hypothetical post-mint debt.
	if health.Below(health.Compute(collUsd, e.debt.Debt(user).Add(amount))) {
		metrics.HealthFactorRejections.Inc()
		return ErrBreaksHealthFactor
	}
	if err := e.debt.Increase(user, amount); err != nil {
		return err
	}
	if err := e.stable.Mint(ctx, user, amount); err != nil {
		e.debt.Decrease(user, amount)
		return fmt.Errorf("engine: stable mint: %w", err)
	}
	return nil
}

func (e *Engine) redeemLocked(ctx context.Context, user, tok string, amount decimal.Decimal) error {
	// Tentatively apply, then check the resulting health factor.
	if err := e.collateral.Decrease(user, tok, amount); err != nil {
		return err
	}
	hf, err := e.healthFactorLocked(ctx, user)
	if err != nil {
		e.collateral.Increase(user, tok, amount)
		return err
	}
	if health.Below(hf) {
		e.collateral.Increase(user, tok, amount)
		metrics.HealthFactorRejections.Inc()
		return ErrBreaksHealthFactor
	}
	if err := e.transferors[tok].TransferFrom(ctx, e.custodian, user, amount); err != nil {
		e.collateral.Increase(user, tok, amount)
		return fmt.Errorf("engine: redeem transfer: %w", err)
	}
	return nil
}

func (e *Engine) burnLocked(ctx context.Context, user string, amount decimal.Decimal) error {
	if err := e.debt.Decrease(user, amount); err != nil {
		return err
	}
	if err := e.stable.BurnFrom(ctx, user, amount); err != nil {
		e.debt.Increase(user, amount)
		return fmt.Errorf("engine: stable burn: %w", err)
	}
	return nil
}

func (e *Engine) healthFactorLocked(ctx context.Context, user string) (decimal.Decimal, error) {
	collUsd, err := e.collateralValueUsdLocked(ctx, user)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return health.Compute(collUsd, e.debt.Debt(user)), nil
}

// collateralValueUsdLocked prices the user's collateral across all
// configured tokens. Prices are read fresh on every call; the engine
// never caches oracle answers.
func (e *Engine) collateralValueUsdLocked(ctx context.Context, user string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, tok := range e.tokens {
		bal := e.collateral.Balance(user, tok)
		if bal.IsZero() {
			continue
		}
		usd, err := e.oracle.UsdValue(ctx, tok, bal)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total = total.Add(usd)
	}
	return total, nil
}

// --- Bookkeeping (journal, metrics, events, snapshots) ---

func (e *Engine) validate(tok string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNeedsMoreThanZero
	}
	if !e.allowed[tok] {
		return ErrNotAllowedToken
	}
	return nil
}

// observe starts a latency observation for an operation kind and
// returns the completion callback.
func (e *Engine) observe(kind model.EntryKind) func() {
	start := time.Now()
	return func() {
		metrics.OperationLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
}

// recordLocked journals an executed operation and broadcasts it. The
// journal is observational: a write failure is logged, never rolled
// back into an already-committed operation.
func (e *Engine) recordLocked(ctx context.Context, entry *model.JournalEntry) {
	entry.ID = uuid.New().String()
	entry.Timestamp = time.Now().UTC()
	metrics.OperationsTotal.WithLabelValues(string(entry.Kind)).Inc()

	if e.store != nil {
		if err := e.store.InsertEntry(ctx, entry); err != nil {
			slog.Error("journal write failed", "kind", entry.Kind, "user", entry.User, "err", err)
		}
	}
	if e.hub != nil {
		e.hub.Broadcast(Event{
			Type:       string(entry.Kind),
			User:       entry.User,
			Token:      entry.Token,
			Amount:     entry.Amount.String(),
			Liquidator: entry.Liquidator,
			Seized:     entry.Seized.String(),
		})
	}
}

func (e *Engine) snapshotLocked(ctx context.Context, user string) {
	if e.store == nil {
		return
	}
	collUsd, err := e.collateralValueUsdLocked(ctx, user)
	if err != nil {
		slog.Error("snapshot pricing failed", "user", user, "err", err)
		return
	}
	debt := e.debt.Debt(user)
	pos := &model.PositionSnapshot{
		User:               user,
		Collateral:         e.collateral.Balances(user),
		Debt:               debt,
		CollateralValueUsd: collUsd,
		HealthFactor:       health.Compute(collUsd, debt),
		UpdatedAt:          time.Now().UTC(),
	}
	if err := e.store.UpsertPosition(ctx, pos); err != nil {
		slog.Error("snapshot write failed", "user", user, "err", err)
	}
}

// divFloor truncates the quotient toward zero.
func divFloor(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}
