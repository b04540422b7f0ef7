package portfolio_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/pnl"
	"github.com/atmx/portfolio-ledger/internal/portfolio"
	"github.com/atmx/portfolio-ledger/internal/quote"
	"github.com/atmx/portfolio-ledger/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, hub *portfolio.WSHub) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := ledger.NewEngine(ms, ms)
	calc := pnl.NewCalculator(quote.NewCatalogProvider(ms), ms, pnl.MissingQuoteFail)
	svc := portfolio.NewService(engine, calc, ms, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
		svc.Routes(r)
	})
	return ms, r
}

// seedAsset puts an asset priced at close into the catalog.
func seedAsset(t *testing.T, ms *store.MemoryStore, ticker, market string, close float64) {
	t.Helper()
	err := ms.UpsertAsset(context.Background(), &model.Asset{
		Ticker:      ticker,
		Name:        ticker,
		MarketType:  market,
		Close:       d(close),
		PriceToBuy:  d(close).Mul(d(1.01)),
		PriceToSell: d(close).Mul(d(0.99)),
		LastUpdated: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed asset: %v", err)
	}
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func createUser(t *testing.T, router chi.Router, name string) string {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/users", portfolio.CreateUserRequest{Username: name})
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[model.User](t, w).ID
}

func userPath(id, suffix string) string {
	return "/api/v1/users/" + id + suffix
}

// --- Account tests ---

func TestCreateUser(t *testing.T) {
	_, router := newTestEnv(t, nil)
	id := createUser(t, router, "alice")

	w := do(t, router, "GET", userPath(id, ""), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	user := decode[model.User](t, w)
	if user.Username != "alice" {
		t.Errorf("expected username alice, got %s", user.Username)
	}
	if !user.Balance.IsZero() {
		t.Errorf("expected zero balance, got %s", user.Balance)
	}
}

func TestCreateUser_BlankName(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := do(t, router, "POST", "/api/v1/users", portfolio.CreateUserRequest{Username: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := do(t, router, "GET", userPath("nobody", ""), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDepositWithdraw(t *testing.T) {
	_, router := newTestEnv(t, nil)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/deposit"), portfolio.CashRequest{Amount: d(500)})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[portfolio.TransactionResponse](t, w)
	if !resp.Balance.Equal(d(500)) {
		t.Errorf("expected balance 500, got %s", resp.Balance)
	}
	if resp.Transaction.Seq != 1 {
		t.Errorf("expected seq 1, got %d", resp.Transaction.Seq)
	}

	w = do(t, router, "POST", userPath(id, "/withdraw"), portfolio.CashRequest{Amount: d(200)})
	if w.Code != http.StatusCreated {
		t.Fatalf("withdraw: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if bal := decode[portfolio.TransactionResponse](t, w).Balance; !bal.Equal(d(300)) {
		t.Errorf("expected balance 300, got %s", bal)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	_, router := newTestEnv(t, nil)
	id := createUser(t, router, "alice")
	do(t, router, "POST", userPath(id, "/deposit"), portfolio.CashRequest{Amount: d(100)})

	w := do(t, router, "POST", userPath(id, "/withdraw"), portfolio.CashRequest{Amount: d(100.01)})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeposit_InvalidAmount(t *testing.T) {
	_, router := newTestEnv(t, nil)
	id := createUser(t, router, "alice")

	for _, amt := range []float64{0, -10} {
		w := do(t, router, "POST", userPath(id, "/deposit"), portfolio.CashRequest{Amount: d(amt)})
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %v: expected 400, got %d", amt, w.Code)
		}
	}
}

func TestDeposit_MalformedBody(t *testing.T) {
	_, router := newTestEnv(t, nil)
	id := createUser(t, router, "alice")

	req := httptest.NewRequest("POST", userPath(id, "/deposit"), strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Trade tests ---

func TestBuySell_EndToEnd(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 120)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "aapl", Amount: d(10), Price: d(100)})
	if w.Code != http.StatusCreated {
		t.Fatalf("buy: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	buy := decode[portfolio.TransactionResponse](t, w)
	if buy.Transaction.Ticker != "AAPL" {
		t.Errorf("expected normalized ticker AAPL, got %s", buy.Transaction.Ticker)
	}
	if !buy.Balance.IsZero() {
		t.Errorf("BUY must not debit cash by default, balance %s", buy.Balance)
	}

	w = do(t, router, "POST", userPath(id, "/sell"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(10), Price: d(120)})
	if w.Code != http.StatusCreated {
		t.Fatalf("sell: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if bal := decode[portfolio.TransactionResponse](t, w).Balance; !bal.Equal(d(1200)) {
		t.Errorf("expected balance 1200, got %s", bal)
	}

	w = do(t, router, "GET", userPath(id, "/holdings"), nil)
	if holdings := decode[[]model.Holding](t, w); len(holdings) != 0 {
		t.Errorf("expected no holdings, got %+v", holdings)
	}

	w = do(t, router, "GET", userPath(id, "/pnl/realized"), nil)
	realized := decode[portfolio.PnLResponse](t, w)
	if realized.Total.StringFixed(2) != "200.00" {
		t.Errorf("expected realized 200.00, got %s", realized.Total)
	}
}

func TestBuy_DefaultsToAssetPrice(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 100)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(1)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	tx := decode[portfolio.TransactionResponse](t, w).Transaction
	if !tx.Price.Equal(d(101)) {
		t.Errorf("expected price_to_buy 101, got %s", tx.Price)
	}
}

func TestBuy_UnknownAsset(t *testing.T) {
	_, router := newTestEnv(t, nil)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "NOPE", Amount: d(1), Price: d(10)})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuy_InvalidTicker(t *testing.T) {
	_, router := newTestEnv(t, nil)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "A B", Amount: d(1), Price: d(10)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSell_InsufficientPosition(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 100)
	id := createUser(t, router, "alice")
	do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(5), Price: d(100)})

	w := do(t, router, "POST", userPath(id, "/sell"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(6), Price: d(100)})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", userPath(id, "/holdings"), nil)
	holdings := decode[[]model.Holding](t, w)
	if len(holdings) != 1 || !holdings[0].Quantity.Equal(d(5)) {
		t.Errorf("expected holding of 5 AAPL unchanged, got %+v", holdings)
	}
}

// --- Amend / delete tests ---

func TestAmendTransaction(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 100)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(10), Price: d(100)})
	buyID := decode[portfolio.TransactionResponse](t, w).Transaction.ID
	do(t, router, "POST", userPath(id, "/sell"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(4), Price: d(120)})

	newPrice := d(90)
	w = do(t, router, "PATCH", userPath(id, "/transactions/"+buyID), ledger.Amendment{Price: &newPrice})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	amended := decode[portfolio.TransactionResponse](t, w)
	if !amended.Transaction.Price.Equal(newPrice) || !amended.Balance.Equal(d(480)) {
		t.Errorf("unexpected amend response %+v", amended)
	}

	w = do(t, router, "GET", userPath(id, "/pnl/realized"), nil)
	if total := decode[portfolio.PnLResponse](t, w).Total; !total.Equal(d(120)) {
		t.Errorf("expected realized 4×(120−90)=120, got %s", total)
	}
}

func TestAmendTransaction_WouldOversell(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 100)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(10), Price: d(100)})
	buyID := decode[portfolio.TransactionResponse](t, w).Transaction.ID
	do(t, router, "POST", userPath(id, "/sell"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(8), Price: d(120)})

	smaller := d(5)
	w = do(t, router, "PATCH", userPath(id, "/transactions/"+buyID), ledger.Amendment{Amount: &smaller})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeleteTransaction(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 100)
	id := createUser(t, router, "alice")

	w := do(t, router, "POST", userPath(id, "/deposit"), portfolio.CashRequest{Amount: d(50)})
	depID := decode[portfolio.TransactionResponse](t, w).Transaction.ID

	w = do(t, router, "DELETE", userPath(id, "/transactions/"+depID), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", userPath(id, "/transactions"), nil)
	if txs := decode[[]model.Transaction](t, w); len(txs) != 0 {
		t.Errorf("expected empty log, got %d entries", len(txs))
	}

	w = do(t, router, "DELETE", userPath(id, "/transactions/"+depID), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestDeleteTransaction_OtherUser(t *testing.T) {
	_, router := newTestEnv(t, nil)
	alice := createUser(t, router, "alice")
	bob := createUser(t, router, "bob")

	w := do(t, router, "POST", userPath(alice, "/deposit"), portfolio.CashRequest{Amount: d(50)})
	depID := decode[portfolio.TransactionResponse](t, w).Transaction.ID

	w = do(t, router, "DELETE", userPath(bob, "/transactions/"+depID), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- P&L tests ---

func TestPortfolio(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 150)
	seedAsset(t, ms, "BINANCE:BTCUSDT", model.MarketCrypto, 50)
	id := createUser(t, router, "alice")

	do(t, router, "POST", userPath(id, "/deposit"), portfolio.CashRequest{Amount: d(1000)})
	do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(2), Price: d(100)})
	do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "BINANCE:BTCUSDT", Amount: d(2), Price: d(50)})

	w := do(t, router, "GET", userPath(id, "/portfolio"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	p := decode[model.Portfolio](t, w)
	if !p.Balance.Equal(d(1000)) {
		t.Errorf("expected balance 1000, got %s", p.Balance)
	}
	if len(p.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(p.Positions))
	}
	if !p.UnrealizedPnL.Equal(d(100)) {
		t.Errorf("expected unrealized 100, got %s", p.UnrealizedPnL)
	}
	if p.Distribution[model.MarketStock].StringFixed(2) != "75.00" {
		t.Errorf("expected STOCK 75.00%%, got %s", p.Distribution[model.MarketStock])
	}
	if p.Distribution[model.MarketCrypto].StringFixed(2) != "25.00" {
		t.Errorf("expected CRYPTO 25.00%%, got %s", p.Distribution[model.MarketCrypto])
	}

	w = do(t, router, "GET", userPath(id, "/distribution"), nil)
	dist := decode[map[string]decimal.Decimal](t, w)
	sum := decimal.Zero
	for _, pct := range dist {
		sum = sum.Add(pct)
	}
	if sum.Sub(d(100)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("distribution sums to %s", sum)
	}
}

func TestUnrealized_MissingQuote(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 150)
	id := createUser(t, router, "alice")
	do(t, router, "POST", userPath(id, "/buy"), portfolio.TradeRequest{Ticker: "AAPL", Amount: d(1), Price: d(100)})

	// A catalog entry without a close price has no quote.
	ms.UpsertAsset(context.Background(), &model.Asset{Ticker: "AAPL", MarketType: model.MarketStock})

	w := do(t, router, "GET", userPath(id, "/pnl/unrealized"), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Catalog tests ---

func TestAssets(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	seedAsset(t, ms, "AAPL", model.MarketStock, 150)
	seedAsset(t, ms, "SPY", model.MarketETF, 500)

	w := do(t, router, "GET", "/api/v1/assets", nil)
	if assets := decode[[]model.Asset](t, w); len(assets) != 2 {
		t.Errorf("expected 2 assets, got %d", len(assets))
	}

	w = do(t, router, "GET", "/api/v1/assets/spy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if a := decode[model.Asset](t, w); a.Ticker != "SPY" {
		t.Errorf("expected SPY, got %s", a.Ticker)
	}

	w = do(t, router, "GET", "/api/v1/assets/market/etf", nil)
	if assets := decode[[]model.Asset](t, w); len(assets) != 1 || assets[0].Ticker != "SPY" {
		t.Errorf("expected [SPY], got %+v", assets)
	}

	w = do(t, router, "GET", "/api/v1/assets/market/BONDS", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown market type, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/market-types", nil)
	types := decode[[]string](t, w)
	if len(types) != 2 {
		t.Errorf("expected 2 market types, got %v", types)
	}
}

// --- WebSocket tests ---

func TestWebSocket_ReceivesOwnEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := portfolio.NewWSHub()
	go hub.Run(ctx)

	_, router := newTestEnv(t, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	alice := createUser(t, router, "alice")
	bob := createUser(t, router, "bob")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?user_id=" + alice
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the hub register the client

	do(t, router, "POST", userPath(bob, "/deposit"), portfolio.CashRequest{Amount: d(1)})
	do(t, router, "POST", userPath(alice, "/deposit"), portfolio.CashRequest{Amount: d(25)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg portfolio.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.UserID != alice {
		t.Errorf("expected event for alice, got user %s", msg.UserID)
	}
	if msg.Type != "transaction_applied" || msg.TxType != "DEPOSIT" || msg.Balance != "25" {
		t.Errorf("unexpected message %+v", msg)
	}

	w := do(t, router, "DELETE", userPath(alice, "/transactions/"+msg.TransactionID), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "transaction_deleted" || msg.TxType != "DEPOSIT" || msg.Balance != "0" {
		t.Errorf("unexpected delete message %+v", msg)
	}
}
