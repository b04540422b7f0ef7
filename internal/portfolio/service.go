// Package portfolio provides the HTTP handlers for accounts, transactions,
// P&L queries and the asset catalog.
//
// All monetary values use shopspring/decimal, never float64 for money.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/pnl"
	"github.com/atmx/portfolio-ledger/internal/quote"
	"github.com/atmx/portfolio-ledger/internal/ticker"
)

// Catalog is the read side of the asset catalog.
type Catalog interface {
	GetAsset(ctx context.Context, ticker string) (*model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)
	ListAssetsByMarket(ctx context.Context, marketType string) ([]model.Asset, error)
	ListMarketTypes(ctx context.Context) ([]string, error)
}

// Service exposes the ledger engine and P&L calculator over HTTP.
type Service struct {
	engine  *ledger.Engine
	calc    *pnl.Calculator
	catalog Catalog
	wsHub   *WSHub // optional WebSocket hub for ledger events
}

// NewService creates a new portfolio service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *ledger.Engine, calc *pnl.Calculator, catalog Catalog, hub *WSHub) *Service {
	return &Service{
		engine:  engine,
		calc:    calc,
		catalog: catalog,
		wsHub:   hub,
	}
}

// Routes registers every endpoint on r, relative to the API prefix.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.CreateUser)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/", s.GetUser)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Post("/buy", s.Buy)
		r.Post("/sell", s.Sell)
		r.Get("/transactions", s.TransactionHistory)
		r.Patch("/transactions/{txID}", s.AmendTransaction)
		r.Delete("/transactions/{txID}", s.DeleteTransaction)
		r.Get("/holdings", s.Holdings)
		r.Get("/pnl/realized", s.RealizedPnL)
		r.Get("/pnl/unrealized", s.UnrealizedPnL)
		r.Get("/distribution", s.Distribution)
		r.Get("/portfolio", s.Portfolio)
	})

	r.Get("/assets", s.ListAssets)
	r.Get("/assets/market/{marketType}", s.ListAssetsByMarket)
	r.Get("/assets/{ticker}", s.GetAsset)
	r.Get("/market-types", s.ListMarketTypes)
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// CashRequest is the JSON body for deposits and withdrawals.
type CashRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /buy and /sell.
type TradeRequest struct {
	Ticker string          `json:"ticker"`
	Amount decimal.Decimal `json:"amount"` // units of the asset
	Price  decimal.Decimal `json:"price"`  // 0 → the asset's current buy/sell price
}

// TransactionResponse is returned by every ledger mutation.
type TransactionResponse struct {
	Transaction model.Transaction `json:"transaction"`
	Balance     decimal.Decimal   `json:"balance"`
}

// PnLResponse is the body of the realized and unrealized P&L endpoints.
type PnLResponse struct {
	UserID    string                `json:"user_id"`
	Total     decimal.Decimal       `json:"total"`
	Positions []model.PositionValue `json:"positions,omitempty"`
	Unpriced  []string              `json:"unpriced,omitempty"`
}

// --- Account handlers ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, err := s.engine.CreateUser(r.Context(), req.Username)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.cash(w, r, model.TxDeposit)
}

// Withdraw handles POST /api/v1/users/{userID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.cash(w, r, model.TxWithdraw)
}

func (s *Service) cash(w http.ResponseWriter, r *http.Request, typ model.TxType) {
	var req CashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rc, err := s.engine.Submit(r.Context(), chi.URLParam(r, "userID"),
		model.Transaction{Type: typ, Amount: req.Amount})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.respondTx(w, "transaction_applied", rc)
}

// --- Trade handlers ---

// Buy handles POST /api/v1/users/{userID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, model.TxBuy)
}

// Sell handles POST /api/v1/users/{userID}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, model.TxSell)
}

func (s *Service) trade(w http.ResponseWriter, r *http.Request, side model.TxType) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tk, err := ticker.Normalize(req.Ticker)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	price := req.Price
	if price.IsZero() {
		asset, err := s.catalog.GetAsset(ctx, tk)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		price = asset.PriceToBuy
		if side == model.TxSell {
			price = asset.PriceToSell
		}
	}

	rc, err := s.engine.Submit(ctx, chi.URLParam(r, "userID"), model.Transaction{
		Type:   side,
		Ticker: tk,
		Amount: req.Amount,
		Price:  price,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.respondTx(w, "transaction_applied", rc)
}

// --- Transaction log handlers ---

// TransactionHistory handles GET /api/v1/users/{userID}/transactions
func (s *Service) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := s.engine.TransactionHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// AmendTransaction handles PATCH /api/v1/users/{userID}/transactions/{txID}
func (s *Service) AmendTransaction(w http.ResponseWriter, r *http.Request) {
	var req ledger.Amendment
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Ticker != nil {
		tk, err := ticker.Normalize(*req.Ticker)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Ticker = &tk
	}

	rc, err := s.engine.Amend(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "txID"), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.respondTx(w, "transaction_amended", rc)
}

// DeleteTransaction handles DELETE /api/v1/users/{userID}/transactions/{txID}
func (s *Service) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	txID := chi.URLParam(r, "txID")
	rc, err := s.engine.Delete(r.Context(), userID, txID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.broadcast(WSMessage{
		Type:          "transaction_deleted",
		UserID:        userID,
		TransactionID: txID,
		TxType:        string(rc.Transaction.Type),
		Ticker:        rc.Transaction.Ticker,
		Balance:       rc.Balance.String(),
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- Query handlers ---

// Holdings handles GET /api/v1/users/{userID}/holdings
func (s *Service) Holdings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.engine.Holdings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// RealizedPnL handles GET /api/v1/users/{userID}/pnl/realized
func (s *Service) RealizedPnL(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	snap, err := s.engine.Snapshot(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PnLResponse{UserID: userID, Total: pnl.Realized(snap.Matches)})
}

// UnrealizedPnL handles GET /api/v1/users/{userID}/pnl/unrealized
func (s *Service) UnrealizedPnL(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	snap, err := s.engine.Snapshot(r.Context(), userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	u, err := s.calc.Unrealized(r.Context(), snap.Lots)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PnLResponse{
		UserID:    userID,
		Total:     u.Total.Round(2),
		Positions: u.Positions,
		Unpriced:  u.Unpriced,
	})
}

// Distribution handles GET /api/v1/users/{userID}/distribution
func (s *Service) Distribution(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dist, err := s.calc.Distribution(r.Context(), snap.Lots)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

// Portfolio handles GET /api/v1/users/{userID}/portfolio
func (s *Service) Portfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	p, err := s.calc.Summary(r.Context(), snap)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if p.Positions == nil {
		p.Positions = []model.PositionValue{}
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Catalog handlers ---

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.catalog.ListAssets(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset handles GET /api/v1/assets/{ticker}
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	tk, err := ticker.Normalize(chi.URLParam(r, "ticker"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	asset, err := s.catalog.GetAsset(r.Context(), tk)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// ListAssetsByMarket handles GET /api/v1/assets/market/{marketType}
func (s *Service) ListAssetsByMarket(w http.ResponseWriter, r *http.Request) {
	market, err := ticker.MarketType(chi.URLParam(r, "marketType"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	assets, err := s.catalog.ListAssetsByMarket(r.Context(), market)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// ListMarketTypes handles GET /api/v1/market-types
func (s *Service) ListMarketTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.catalog.ListMarketTypes(r.Context())
	if err != nil {
		writeError(w, "failed to list market types", http.StatusInternalServerError)
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, types)
}

// --- helpers ---

func (s *Service) respondTx(w http.ResponseWriter, event string, rc ledger.Receipt) {
	tx := rc.Transaction
	s.broadcast(WSMessage{
		Type:          event,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		TxType:        string(tx.Type),
		Ticker:        tx.Ticker,
		Amount:        tx.Amount.String(),
		Price:         tx.Price.String(),
		Balance:       rc.Balance.String(),
	})
	status := http.StatusOK
	if event == "transaction_applied" {
		status = http.StatusCreated
	}
	writeJSON(w, status, TransactionResponse{Transaction: tx, Balance: rc.Balance})
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

// statusFor maps ledger and quote errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidType),
		errors.Is(err, ledger.ErrInvalidUsername),
		errors.Is(err, ledger.ErrMissingTicker),
		errors.Is(err, ticker.ErrInvalidTicker),
		errors.Is(err, ticker.ErrInvalidMarket):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientPosition):
		return http.StatusConflict
	case errors.Is(err, quote.ErrMissingQuote):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
