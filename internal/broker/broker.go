// Package broker defines the Driver and Session interfaces the gateway
// drives, and provides implementations for logging into a brokerage and
// trading through the resulting session.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradegate/internal/domain"
)

// Driver constructs authenticated sessions for one brokerage.
type Driver interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Prepare logs in with the given credentials and returns a live session.
	Prepare(ctx context.Context, creds Credentials) (Session, error)
}

// Session is a live, authenticated handle to a brokerage account.
// Implementations must be safe for concurrent use.
type Session interface {
	// Balance returns the account's current funds.
	Balance(ctx context.Context) (domain.Balance, error)

	// Position returns all current holdings.
	Position(ctx context.Context) ([]domain.Position, error)

	// AutoIPO subscribes to every new stock offered today.
	AutoIPO(ctx context.Context) (domain.IPOResult, error)

	// TodayEntrusts returns every entrust placed today.
	TodayEntrusts(ctx context.Context) ([]domain.Entrust, error)

	// TodayTrades returns every fill executed today.
	TodayTrades(ctx context.Context) ([]domain.Trade, error)

	// CancelEntrusts returns the entrusts that can still be cancelled.
	CancelEntrusts(ctx context.Context) ([]domain.Entrust, error)

	// Buy places a buy order.
	Buy(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)

	// Sell places a sell order.
	Sell(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)

	// CancelEntrust withdraws a single entrust.
	CancelEntrust(ctx context.Context, req domain.CancelRequest) (domain.CancelResult, error)

	// Exit logs out. The session is unusable afterwards.
	Exit(ctx context.Context) error
}

// Credentials are the login fields for a driver. They are consumed once by
// Prepare and never stored by the gateway.
type Credentials struct {
	User     string
	Password string
	// Fields holds broker-specific extras such as "base_url" or "fill_mode".
	Fields map[string]string
}

// Field returns the named broker-specific field, or def when unset.
func (c Credentials) Field(name, def string) string {
	if v, ok := c.Fields[name]; ok && v != "" {
		return v
	}
	return def
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrorKind classifies a driver failure.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "InvalidCredentials"
	KindOrderRejected      ErrorKind = "OrderRejected"
	KindNotFound           ErrorKind = "NotFound"
	KindUnsupported        ErrorKind = "Unsupported"
	KindSessionClosed      ErrorKind = "SessionClosed"
	KindUnknownBroker      ErrorKind = "UnknownBroker"
	KindUpstream           ErrorKind = "Upstream"
)

// Error is the error type drivers return so callers can report a stable
// classification alongside the message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry resolves broker identifiers to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates a registry holding the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds d under d.Name(), replacing any driver of the same name.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
}

// Use returns the driver registered under name.
func (r *Registry) Use(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, Errorf(KindUnknownBroker, "broker %q is not supported", name)
	}
	return d, nil
}

// Names returns the registered broker identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
