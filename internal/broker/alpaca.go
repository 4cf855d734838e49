package broker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Compile-time interface checks.
var _ Driver = (*AlpacaDriver)(nil)
var _ Session = (*AlpacaSession)(nil)

// AlpacaDriver implements Driver using the Alpaca brokerage API. The
// configured key pair is used when a prepare request omits its own.
type AlpacaDriver struct {
	apiKey    string
	apiSecret string
	baseURL   string
	loc       *time.Location
}

// NewAlpacaDriver creates a new AlpacaDriver with default credentials and
// API endpoint.
func NewAlpacaDriver(apiKey, apiSecret, baseURL string) *AlpacaDriver {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &AlpacaDriver{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		loc:       loc,
	}
}

// Name returns "alpaca".
func (d *AlpacaDriver) Name() string {
	return "alpaca"
}

// Prepare builds a client from the credentials and checks them with a
// GetAccount call. User and Password carry the API key and secret; the
// optional "base_url" field selects the endpoint.
func (d *AlpacaDriver) Prepare(_ context.Context, creds Credentials) (Session, error) {
	opts := alpacaapi.ClientOpts{
		APIKey:    creds.User,
		APISecret: creds.Password,
		BaseURL:   creds.Field("base_url", d.baseURL),
	}
	if opts.APIKey == "" {
		opts.APIKey = d.apiKey
	}
	if opts.APISecret == "" {
		opts.APISecret = d.apiSecret
	}
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, Errorf(KindInvalidCredentials, "alpaca api key and secret are required")
	}

	client := alpacaapi.NewClient(opts)
	if _, err := client.GetAccount(); err != nil {
		return nil, alpacaError(err, "logging in")
	}
	return &AlpacaSession{client: client, loc: d.loc}, nil
}

// AlpacaSession is a logged-in Alpaca account. Alpaca's REST API is
// stateless, so Exit only drops the client.
type AlpacaSession struct {
	loc *time.Location

	mu     sync.RWMutex
	client *alpacaapi.Client
}

func (s *AlpacaSession) api() (*alpacaapi.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errSessionClosed()
	}
	return s.client, nil
}

// Balance maps the Alpaca account to a domain.Balance.
func (s *AlpacaSession) Balance(_ context.Context) (domain.Balance, error) {
	c, err := s.api()
	if err != nil {
		return domain.Balance{}, err
	}
	acct, err := c.GetAccount()
	if err != nil {
		return domain.Balance{}, alpacaError(err, "getting account")
	}
	return domain.Balance{
		Currency:    acct.Currency,
		Cash:        acct.Cash,
		Available:   acct.BuyingPower,
		MarketValue: acct.Equity.Sub(acct.Cash),
		Equity:      acct.Equity,
	}, nil
}

// Position returns all open Alpaca positions.
func (s *AlpacaSession) Position(_ context.Context) ([]domain.Position, error) {
	c, err := s.api()
	if err != nil {
		return nil, err
	}
	positions, err := c.GetPositions()
	if err != nil {
		return nil, alpacaError(err, "getting positions")
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPosition(p))
	}
	return out, nil
}

// AutoIPO is not offered by Alpaca.
func (s *AlpacaSession) AutoIPO(_ context.Context) (domain.IPOResult, error) {
	if _, err := s.api(); err != nil {
		return domain.IPOResult{}, err
	}
	return domain.IPOResult{}, Errorf(KindUnsupported, "alpaca does not offer new-stock subscription")
}

// TodayEntrusts returns every order submitted since midnight New York time.
func (s *AlpacaSession) TodayEntrusts(_ context.Context) ([]domain.Entrust, error) {
	orders, err := s.todayOrders()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Entrust, 0, len(orders))
	for _, o := range orders {
		out = append(out, toEntrust(o))
	}
	return out, nil
}

// TodayTrades returns today's orders that have at least one fill.
func (s *AlpacaSession) TodayTrades(_ context.Context) ([]domain.Trade, error) {
	orders, err := s.todayOrders()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Trade, 0, len(orders))
	for _, o := range orders {
		if o.FilledQty.IsPositive() {
			out = append(out, toTrade(o))
		}
	}
	return out, nil
}

// CancelEntrusts returns the account's open orders.
func (s *AlpacaSession) CancelEntrusts(_ context.Context) ([]domain.Entrust, error) {
	c, err := s.api()
	if err != nil {
		return nil, err
	}
	orders, err := c.GetOrders(alpacaapi.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, alpacaError(err, "listing open orders")
	}
	out := make([]domain.Entrust, 0, len(orders))
	for _, o := range orders {
		out = append(out, toEntrust(o))
	}
	return out, nil
}

// Buy submits a limit buy order. The time_in_force option defaults to day.
func (s *AlpacaSession) Buy(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return s.place(alpacaapi.Buy, req)
}

// Sell submits a limit sell order. The time_in_force option defaults to day.
func (s *AlpacaSession) Sell(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return s.place(alpacaapi.Sell, req)
}

func (s *AlpacaSession) place(side alpacaapi.Side, req domain.OrderRequest) (domain.OrderResult, error) {
	c, err := s.api()
	if err != nil {
		return domain.OrderResult{}, err
	}
	r, err := placeOrderRequest(side, req)
	if err != nil {
		return domain.OrderResult{}, err
	}
	o, err := c.PlaceOrder(r)
	if err != nil {
		return domain.OrderResult{}, alpacaError(err, "placing order")
	}
	return domain.OrderResult{ID: o.ID}, nil
}

func placeOrderRequest(side alpacaapi.Side, req domain.OrderRequest) (alpacaapi.PlaceOrderRequest, error) {
	tif := alpacaapi.TimeInForce(strings.ToLower(req.Field("time_in_force", string(alpacaapi.Day))))
	switch tif {
	case alpacaapi.Day, alpacaapi.GTC, alpacaapi.IOC, alpacaapi.FOK, alpacaapi.OPG, alpacaapi.CLS:
	default:
		return alpacaapi.PlaceOrderRequest{}, Errorf(KindOrderRejected, "unsupported time_in_force %q", tif)
	}
	qty := decimal.NewFromInt(req.Amount)
	price := req.Price
	return alpacaapi.PlaceOrderRequest{
		Symbol:      req.Security,
		Qty:         &qty,
		Side:        side,
		Type:        alpacaapi.Limit,
		TimeInForce: tif,
		LimitPrice:  &price,
	}, nil
}

// CancelEntrust cancels the order with the given ID.
func (s *AlpacaSession) CancelEntrust(_ context.Context, req domain.CancelRequest) (domain.CancelResult, error) {
	c, err := s.api()
	if err != nil {
		return domain.CancelResult{}, err
	}
	if err := c.CancelOrder(req.EntrustNo); err != nil {
		return domain.CancelResult{}, alpacaError(err, "cancelling order")
	}
	return domain.CancelResult{EntrustNo: req.EntrustNo, Message: "cancel requested"}, nil
}

// Exit drops the client.
func (s *AlpacaSession) Exit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return errSessionClosed()
	}
	s.client = nil
	return nil
}

func (s *AlpacaSession) todayOrders() ([]alpacaapi.Order, error) {
	c, err := s.api()
	if err != nil {
		return nil, err
	}
	now := time.Now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	orders, err := c.GetOrders(alpacaapi.GetOrdersRequest{
		Status:    "all",
		After:     midnight,
		Limit:     500,
		Direction: "asc",
	})
	if err != nil {
		return nil, alpacaError(err, "listing today's orders")
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

func toPosition(p alpacaapi.Position) domain.Position {
	return domain.Position{
		Security:    p.Symbol,
		Amount:      p.Qty.IntPart(),
		Available:   p.QtyAvailable.IntPart(),
		CostPrice:   p.AvgEntryPrice,
		MarketValue: p.AvgEntryPrice.Mul(p.Qty),
	}
}

func toEntrust(o alpacaapi.Order) domain.Entrust {
	e := domain.Entrust{
		EntrustNo: o.ID,
		Security:  o.Symbol,
		Side:      domain.Side(o.Side),
		Filled:    o.FilledQty.IntPart(),
		Status:    toEntrustStatus(o.Status),
		CreatedAt: o.CreatedAt,
	}
	if o.Qty != nil {
		e.Amount = o.Qty.IntPart()
	}
	if o.LimitPrice != nil {
		e.Price = *o.LimitPrice
	}
	return e
}

func toTrade(o alpacaapi.Order) domain.Trade {
	t := domain.Trade{
		TradeNo:   o.ID,
		EntrustNo: o.ID,
		Security:  o.Symbol,
		Side:      domain.Side(o.Side),
		Amount:    o.FilledQty.IntPart(),
		Time:      o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		t.Price = *o.FilledAvgPrice
	}
	if o.FilledAt != nil {
		t.Time = *o.FilledAt
	}
	return t
}

func toEntrustStatus(status string) domain.EntrustStatus {
	switch status {
	case "filled":
		return domain.EntrustStatusFilled
	case "partially_filled":
		return domain.EntrustStatusPartial
	case "canceled", "expired", "replaced", "done_for_day":
		return domain.EntrustStatusCancelled
	case "rejected", "suspended":
		return domain.EntrustStatusRejected
	default:
		return domain.EntrustStatusPending
	}
}

// alpacaError classifies an SDK error by HTTP status.
func alpacaError(err error, action string) error {
	kind := KindUpstream
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = KindInvalidCredentials
		case http.StatusNotFound:
			kind = KindNotFound
		case http.StatusUnprocessableEntity:
			kind = KindOrderRejected
		}
	}
	return &Error{Kind: kind, Message: action + ": " + err.Error(), Err: err}
}
