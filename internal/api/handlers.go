// Package api exposes the lending engine over HTTP and pushes committed
// events to WebSocket subscribers.
//
// Amounts travel as decimal token strings ("12.5"), never as JSON numbers.
// Mutating routes take the caller from the bearer token's subject.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/amount"
	"github.com/atmx/vault-lending/internal/engine"
	"github.com/atmx/vault-lending/internal/model"
)

// Service holds the HTTP handlers.
type Service struct {
	eng      *engine.Engine
	validate *validator.Validate
	log      *slog.Logger
}

func NewService(eng *engine.Engine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{eng: eng, validate: validator.New(), log: log}
}

// --- Request/Response types ---

// AmountRequest carries a single amount, e.g. POST /pools/{pool}/deposit.
type AmountRequest struct {
	Amount   string `json:"amount" validate:"required,numeric"`
	Asset    string `json:"asset,omitempty" validate:"omitempty,max=64"`
	Receiver string `json:"receiver,omitempty" validate:"omitempty,max=80"`
	Owner    string `json:"owner,omitempty" validate:"omitempty,max=80"`
}

type ApproveRequest struct {
	Spender string `json:"spender" validate:"required,max=80"`
	Amount  string `json:"amount" validate:"required,numeric"`
}

type TransferRequest struct {
	To     string `json:"to" validate:"required,max=80"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type IssueLoanRequest struct {
	Borrower   string `json:"borrower" validate:"required,max=80"`
	Collateral string `json:"collateral" validate:"required,numeric"`
}

type BorrowRequest struct {
	Collateral string `json:"collateral" validate:"required,numeric"`
}

type DepositResponse struct {
	Pool   string          `json:"pool"`
	Assets decimal.Decimal `json:"assets"`
	Shares decimal.Decimal `json:"shares"`
}

type LoanResponse struct {
	LoanID           string          `json:"loan_id"`
	Borrower         string          `json:"borrower"`
	RegistryIndex    int             `json:"registry_index"`
	Principal        decimal.Decimal `json:"principal"`
	RepaymentDue     decimal.Decimal `json:"repayment_due"`
	Collateral       decimal.Decimal `json:"collateral"`
	CollateralShares decimal.Decimal `json:"collateral_shares"`
	StartTime        time.Time       `json:"start_time"`
	LiquidatableAt   time.Time       `json:"liquidatable_at"`
}

type LiquidationResponse struct {
	Borrower   string          `json:"borrower"`
	Principal  decimal.Decimal `json:"principal"`
	Collateral decimal.Decimal `json:"collateral"`
	Shares     decimal.Decimal `json:"shares_burned"`
}

type BorrowersResponse struct {
	Borrowers []string `json:"borrowers"`
	Total     int      `json:"total"`
}

func loanResponse(r *engine.LoanReceipt) LoanResponse {
	return LoanResponse{
		LoanID:           r.LoanID,
		Borrower:         r.Borrower,
		RegistryIndex:    r.RegistryIndex,
		Principal:        amount.ToDecimal(r.Principal),
		RepaymentDue:     amount.ToDecimal(r.RepaymentDue),
		Collateral:       amount.ToDecimal(r.Collateral),
		CollateralShares: amount.ToDecimal(r.CollateralShares),
		StartTime:        r.StartTime,
		LiquidatableAt:   r.LiquidatableAt,
	}
}

// decode reads and validates a JSON body into dst, writing the error
// response itself when it fails.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", "", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, err.Error(), model.ErrInvalidAmount.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseAmount(w http.ResponseWriter, raw string) (*uint256.Int, bool) {
	v, err := amount.Parse(raw)
	if err != nil {
		writeError(w, err.Error(), model.ErrInvalidAmount.Error(), http.StatusBadRequest)
		return nil, false
	}
	return v, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}

// --- Pools ---

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Pools())
}

// GetPool handles GET /api/v1/pools/{pool}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.Pool(chi.URLParam(r, "pool"))
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHolder handles GET /api/v1/pools/{pool}/holders/{account}
func (s *Service) GetHolder(w http.ResponseWriter, r *http.Request) {
	h, err := s.eng.Position(chi.URLParam(r, "pool"), chi.URLParam(r, "account"))
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// Deposit handles POST /api/v1/pools/{pool}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	poolID := chi.URLParam(r, "pool")
	asset := req.Asset
	if asset == "" {
		p, err := s.eng.Pool(poolID)
		if err != nil {
			writeOpError(w, r, err)
			return
		}
		asset = p.Asset
	}
	shares, err := s.eng.Deposit(r.Context(), Caller(r.Context()), poolID, asset, amt, req.Receiver)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{
		Pool:   poolID,
		Assets: amount.ToDecimal(amt),
		Shares: amount.ToDecimal(shares),
	})
}

// Withdraw handles POST /api/v1/pools/{pool}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	poolID := chi.URLParam(r, "pool")
	shares, err := s.eng.Withdraw(r.Context(), Caller(r.Context()), poolID, amt, req.Receiver, req.Owner)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{
		Pool:   poolID,
		Assets: amount.ToDecimal(amt),
		Shares: amount.ToDecimal(shares),
	})
}

// Redeem handles POST /api/v1/pools/{pool}/redeem. Amount is in shares.
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	shares, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	poolID := chi.URLParam(r, "pool")
	assets, err := s.eng.Redeem(r.Context(), Caller(r.Context()), poolID, shares, req.Receiver, req.Owner)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{
		Pool:   poolID,
		Assets: amount.ToDecimal(assets),
		Shares: amount.ToDecimal(shares),
	})
}

// --- Assets ---

// GetBalance handles GET /api/v1/assets/{asset}/balances/{account}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.eng.Balance(chi.URLParam(r, "asset"), chi.URLParam(r, "account"))
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetAllowance handles GET /api/v1/assets/{asset}/allowances/{owner}/{spender}
func (s *Service) GetAllowance(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	owner, spender := chi.URLParam(r, "owner"), chi.URLParam(r, "spender")
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"owner":     owner,
		"spender":   spender,
		"allowance": amount.ToDecimal(s.eng.Allowance(asset, owner, spender)),
	})
}

// Approve handles POST /api/v1/assets/{asset}/approve
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")
	if err := s.eng.Approve(r.Context(), Caller(r.Context()), asset, req.Spender, amt); err != nil {
		writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Transfer handles POST /api/v1/assets/{asset}/transfer
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !s.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")
	if err := s.eng.Transfer(r.Context(), Caller(r.Context()), asset, req.To, amt); err != nil {
		writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Loans ---

// IssueLoan handles POST /api/v1/loans. Operator only.
func (s *Service) IssueLoan(w http.ResponseWriter, r *http.Request) {
	var req IssueLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	col, ok := parseAmount(w, req.Collateral)
	if !ok {
		return
	}
	receipt, err := s.eng.IssueLoan(r.Context(), Caller(r.Context()), req.Borrower, col)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanResponse(receipt))
}

// Borrow handles POST /api/v1/loans/borrow: deposit collateral and draw
// the loan in one step.
func (s *Service) Borrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if !s.decode(w, r, &req) {
		return
	}
	col, ok := parseAmount(w, req.Collateral)
	if !ok {
		return
	}
	receipt, err := s.eng.DepositAndBorrow(r.Context(), Caller(r.Context()), col)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanResponse(receipt))
}

// GetLoan handles GET /api/v1/loans/{borrower}
func (s *Service) GetLoan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Loan(chi.URLParam(r, "borrower")))
}

// GetLoanHistory handles GET /api/v1/loans/{borrower}/history
func (s *Service) GetLoanHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.eng.LoanHistory(r.Context(), chi.URLParam(r, "borrower"))
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	if hist == nil {
		hist = []model.LoanRecord{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// Repay handles POST /api/v1/loans/{borrower}/repay
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amt, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	borrower := chi.URLParam(r, "borrower")
	if err := s.eng.RepayLoan(r.Context(), Caller(r.Context()), borrower, amt); err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Loan(borrower))
}

// Liquidate handles POST /api/v1/loans/{borrower}/liquidate. Operator only.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	seized, err := s.eng.Liquidate(r.Context(), Caller(r.Context()), chi.URLParam(r, "borrower"))
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidationResponse{
		Borrower:   seized.Borrower,
		Principal:  amount.ToDecimal(seized.Principal),
		Collateral: amount.ToDecimal(seized.Collateral),
		Shares:     amount.ToDecimal(seized.Shares),
	})
}

// ListBorrowers handles GET /api/v1/borrowers?from=&limit=
func (s *Service) ListBorrowers(w http.ResponseWriter, r *http.Request) {
	list, total := s.eng.Borrowers(queryInt(r, "from", 0), queryInt(r, "limit", 100))
	if list == nil {
		list = []string{}
	}
	writeJSON(w, http.StatusOK, BorrowersResponse{Borrowers: list, Total: total})
}

// ListLiquidations handles GET /api/v1/liquidations
func (s *Service) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	c := s.eng.LiquidationCandidates()
	if c == nil {
		c = []string{}
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Roles ---

// ListOperators handles GET /api/v1/operators
func (s *Service) ListOperators(w http.ResponseWriter, r *http.Request) {
	ops := s.eng.Operators()
	if ops == nil {
		ops = []string{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// GrantOperator handles PUT /api/v1/operators/{account}. Admin only.
func (s *Service) GrantOperator(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.GrantOperator(r.Context(), Caller(r.Context()), chi.URLParam(r, "account")); err != nil {
		writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeOperator handles DELETE /api/v1/operators/{account}. Admin only.
func (s *Service) RevokeOperator(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.RevokeOperator(r.Context(), Caller(r.Context()), chi.URLParam(r, "account")); err != nil {
		writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Journal ---

// ListEvents handles GET /api/v1/events?after=&limit=&account=
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	var (
		events []model.Event
		err    error
	)
	if acct := r.URL.Query().Get("account"); acct != "" {
		events, err = s.eng.AccountEvents(r.Context(), acct, limit)
	} else {
		after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
		events, err = s.eng.Events(r.Context(), after, limit)
	}
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
