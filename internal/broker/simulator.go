package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Compile-time interface checks.
var _ Driver = (*SimulatorDriver)(nil)
var _ Session = (*SimulatorSession)(nil)

// Simulator fill modes, selected with the "fill_mode" credential field.
const (
	FillImmediate = "immediate"
	FillPending   = "pending"
)

const defaultInitialCash = "1000000"

// SimulatorDriver implements Driver for paper trading. Each Prepare creates
// an independent in-memory account without making external calls.
type SimulatorDriver struct {
	now func() time.Time
}

// NewSimulatorDriver creates a new SimulatorDriver.
func NewSimulatorDriver() *SimulatorDriver {
	return &SimulatorDriver{now: time.Now}
}

// Name returns "simulator".
func (d *SimulatorDriver) Name() string {
	return "simulator"
}

// Prepare validates the credentials and opens a fresh simulated account.
// Recognised fields: "initial_cash" and "fill_mode".
func (d *SimulatorDriver) Prepare(_ context.Context, creds Credentials) (Session, error) {
	if creds.User == "" || creds.Password == "" {
		return nil, Errorf(KindInvalidCredentials, "user and password are required")
	}
	cash, err := decimal.NewFromString(creds.Field("initial_cash", defaultInitialCash))
	if err != nil || cash.IsNegative() {
		return nil, Errorf(KindInvalidCredentials, "invalid initial_cash %q", creds.Fields["initial_cash"])
	}
	mode := creds.Field("fill_mode", FillImmediate)
	if mode != FillImmediate && mode != FillPending {
		return nil, Errorf(KindInvalidCredentials, "invalid fill_mode %q", mode)
	}
	return &SimulatorSession{
		user:      creds.User,
		fillMode:  mode,
		now:       d.now,
		cash:      cash,
		positions: make(map[string]*simPosition),
		entrusts:  make(map[string]*domain.Entrust),
	}, nil
}

type simPosition struct {
	amount    int64
	available int64
	costPrice decimal.Decimal
}

// SimulatorSession tracks cash, positions, entrusts and trades in memory.
type SimulatorSession struct {
	user     string
	fillMode string
	now      func() time.Time

	mu        sync.Mutex
	closed    bool
	cash      decimal.Decimal
	frozen    decimal.Decimal
	positions map[string]*simPosition
	entrusts  map[string]*domain.Entrust
	order     []string // entrust numbers in submission order
	trades    []domain.Trade
}

// User returns the login the session was prepared with.
func (s *SimulatorSession) User() string {
	return s.user
}

// Balance returns simulated funds. Holdings are valued at cost since the
// simulator has no market data.
func (s *SimulatorSession) Balance(_ context.Context) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Balance{}, errSessionClosed()
	}
	mv := decimal.Zero
	for _, p := range s.positions {
		mv = mv.Add(p.costPrice.Mul(decimal.NewFromInt(p.amount)))
	}
	return domain.Balance{
		Currency:    "CNY",
		Cash:        s.cash,
		Available:   s.cash.Sub(s.frozen),
		MarketValue: mv,
		Equity:      s.cash.Add(mv),
	}, nil
}

// Position returns all simulated holdings sorted by security.
func (s *SimulatorSession) Position(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed()
	}
	positions := make([]domain.Position, 0, len(s.positions))
	for sec, p := range s.positions {
		positions = append(positions, domain.Position{
			Security:    sec,
			Amount:      p.amount,
			Available:   p.available,
			CostPrice:   p.costPrice,
			MarketValue: p.costPrice.Mul(decimal.NewFromInt(p.amount)),
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Security < positions[j].Security })
	return positions, nil
}

// AutoIPO reports that nothing is on offer; the simulator lists no new stocks.
func (s *SimulatorSession) AutoIPO(_ context.Context) (domain.IPOResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.IPOResult{}, errSessionClosed()
	}
	return domain.IPOResult{Message: "no new stocks available today", Orders: []domain.OrderResult{}}, nil
}

// TodayEntrusts returns every entrust in submission order.
func (s *SimulatorSession) TodayEntrusts(_ context.Context) ([]domain.Entrust, error) {
	return s.listEntrusts(func(*domain.Entrust) bool { return true })
}

// CancelEntrusts returns the entrusts that are still open.
func (s *SimulatorSession) CancelEntrusts(_ context.Context) ([]domain.Entrust, error) {
	return s.listEntrusts(func(e *domain.Entrust) bool { return e.Status.Cancellable() })
}

func (s *SimulatorSession) listEntrusts(keep func(*domain.Entrust) bool) ([]domain.Entrust, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed()
	}
	out := make([]domain.Entrust, 0, len(s.order))
	for _, no := range s.order {
		if e := s.entrusts[no]; keep(e) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// TodayTrades returns every simulated fill.
func (s *SimulatorSession) TodayTrades(_ context.Context) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed()
	}
	return append([]domain.Trade{}, s.trades...), nil
}

// Buy reserves cash for the order and, in immediate mode, fills it at the
// order price.
func (s *SimulatorSession) Buy(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.OrderResult{}, errSessionClosed()
	}
	if err := checkOrder(req); err != nil {
		return domain.OrderResult{}, err
	}
	cost := req.Price.Mul(decimal.NewFromInt(req.Amount))
	if cost.GreaterThan(s.cash.Sub(s.frozen)) {
		return domain.OrderResult{}, Errorf(KindOrderRejected, "insufficient funds: need %s, available %s", cost, s.cash.Sub(s.frozen))
	}
	s.frozen = s.frozen.Add(cost)
	e := s.submit(domain.SideBuy, req)
	return domain.OrderResult{ID: e.EntrustNo}, nil
}

// Sell reserves shares for the order and, in immediate mode, fills it at
// the order price.
func (s *SimulatorSession) Sell(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.OrderResult{}, errSessionClosed()
	}
	if err := checkOrder(req); err != nil {
		return domain.OrderResult{}, err
	}
	p, ok := s.positions[req.Security]
	if !ok || p.available < req.Amount {
		var have int64
		if ok {
			have = p.available
		}
		return domain.OrderResult{}, Errorf(KindOrderRejected, "insufficient position in %s: need %d, available %d", req.Security, req.Amount, have)
	}
	p.available -= req.Amount
	e := s.submit(domain.SideSell, req)
	return domain.OrderResult{ID: e.EntrustNo}, nil
}

// CancelEntrust withdraws an open entrust and releases its reservation.
func (s *SimulatorSession) CancelEntrust(_ context.Context, req domain.CancelRequest) (domain.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.CancelResult{}, errSessionClosed()
	}
	e, ok := s.entrusts[req.EntrustNo]
	if !ok {
		return domain.CancelResult{}, Errorf(KindNotFound, "entrust %s not found", req.EntrustNo)
	}
	if !e.Status.Cancellable() {
		return domain.CancelResult{}, Errorf(KindOrderRejected, "entrust %s is %s", e.EntrustNo, e.Status)
	}
	remaining := e.Amount - e.Filled
	switch e.Side {
	case domain.SideBuy:
		s.frozen = s.frozen.Sub(e.Price.Mul(decimal.NewFromInt(remaining)))
	case domain.SideSell:
		if p, ok := s.positions[e.Security]; ok {
			p.available += remaining
		}
	}
	e.Status = domain.EntrustStatusCancelled
	return domain.CancelResult{EntrustNo: e.EntrustNo, Message: "cancelled"}, nil
}

// Exit closes the session. Later calls fail with KindSessionClosed.
func (s *SimulatorSession) Exit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed()
	}
	s.closed = true
	return nil
}

// submit records a new entrust. Callers hold s.mu and have already
// reserved cash or shares.
func (s *SimulatorSession) submit(side domain.Side, req domain.OrderRequest) *domain.Entrust {
	e := &domain.Entrust{
		EntrustNo: uuid.NewString(),
		Security:  req.Security,
		Side:      side,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    domain.EntrustStatusPending,
		CreatedAt: s.now(),
	}
	s.entrusts[e.EntrustNo] = e
	s.order = append(s.order, e.EntrustNo)
	if s.fillMode == FillImmediate {
		s.fill(e)
	}
	return e
}

// fill executes the unfilled remainder of e at its limit price.
func (s *SimulatorSession) fill(e *domain.Entrust) {
	qty := e.Amount - e.Filled
	value := e.Price.Mul(decimal.NewFromInt(qty))
	switch e.Side {
	case domain.SideBuy:
		s.frozen = s.frozen.Sub(value)
		s.cash = s.cash.Sub(value)
		p, ok := s.positions[e.Security]
		if !ok {
			p = &simPosition{}
			s.positions[e.Security] = p
		}
		total := p.costPrice.Mul(decimal.NewFromInt(p.amount)).Add(value)
		p.amount += qty
		p.available += qty
		p.costPrice = total.Div(decimal.NewFromInt(p.amount))
	case domain.SideSell:
		s.cash = s.cash.Add(value)
		p := s.positions[e.Security]
		p.amount -= qty
		if p.amount == 0 {
			delete(s.positions, e.Security)
		}
	}
	e.Filled = e.Amount
	e.Status = domain.EntrustStatusFilled
	s.trades = append(s.trades, domain.Trade{
		TradeNo:   uuid.NewString(),
		EntrustNo: e.EntrustNo,
		Security:  e.Security,
		Side:      e.Side,
		Price:     e.Price,
		Amount:    qty,
		Time:      s.now(),
	})
}

func checkOrder(req domain.OrderRequest) error {
	if req.Security == "" {
		return Errorf(KindOrderRejected, "security is required")
	}
	if !req.Price.IsPositive() {
		return Errorf(KindOrderRejected, "price must be positive, got %s", req.Price)
	}
	if req.Amount <= 0 {
		return Errorf(KindOrderRejected, "amount must be positive, got %d", req.Amount)
	}
	return nil
}

func errSessionClosed() error {
	return Errorf(KindSessionClosed, "session has exited")
}
