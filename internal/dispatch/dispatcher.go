// Package dispatch resolves gateway operations to calls on the active
// broker session and normalizes their outcomes into response envelopes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/session"
)

// Confirmation messages returned in the envelope's msg field.
const (
	MsgLoginSuccess = "login success"
	MsgExitSuccess  = "exit success"
)

// ReplacePolicy decides what prepare does when a session is already active.
type ReplacePolicy string

const (
	// PolicyExit installs the new session and then exits the old one.
	PolicyExit ReplacePolicy = "exit"
	// PolicyReject refuses to log in while a session is active.
	PolicyReject ReplacePolicy = "reject"
	// PolicyReplace drops the old session without exiting it.
	PolicyReplace ReplacePolicy = "replace"
)

// ParseReplacePolicy parses a policy name; the empty string means PolicyExit.
func ParseReplacePolicy(s string) (ReplacePolicy, error) {
	switch p := ReplacePolicy(s); p {
	case "":
		return PolicyExit, nil
	case PolicyExit, PolicyReject, PolicyReplace:
		return p, nil
	}
	return "", fmt.Errorf("unknown replace policy %q", s)
}

// Result is the outcome of one dispatch. Exactly one of Value/Message and
// Failure is meaningful.
type Result struct {
	Op      Operation
	Value   any
	Message string
	Failure *Failure
}

// Record describes a finished dispatch for observers.
type Record struct {
	Op       Operation
	Origin   string
	Started  time.Time
	Duration time.Duration
	Kind     FailureKind // empty on success
	Message  string      // failure message, empty on success
}

// Observer is notified after every dispatch.
type Observer interface {
	ObserveDispatch(ctx context.Context, rec Record)
}

// Dispatcher runs operations against the session held in a session.Store.
type Dispatcher struct {
	store     *session.Store
	drivers   *broker.Registry
	policy    ReplacePolicy
	log       *slog.Logger
	observers []Observer
}

// NewDispatcher creates a Dispatcher wired with the given dependencies.
func NewDispatcher(store *session.Store, drivers *broker.Registry, policy ReplacePolicy, log *slog.Logger, observers ...Observer) *Dispatcher {
	return &Dispatcher{
		store:     store,
		drivers:   drivers,
		policy:    policy,
		log:       log,
		observers: observers,
	}
}

// Dispatch runs op with the given JSON parameters. It never panics and never
// returns a Go error: every failure is reported in Result.Failure.
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation, params json.RawMessage) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("driver panic", "op", op, "origin", Origin(ctx), "panic", r, "stack", string(debug.Stack()))
			res = Result{Op: op, Failure: &Failure{Kind: DriverFailure, Message: "driver panicked"}}
		}
		if res.Failure != nil {
			d.log.Warn("dispatch failed", "op", op, "origin", Origin(ctx), "kind", res.Failure.Kind, "error", res.Failure)
		} else {
			d.log.Debug("dispatched", "op", op, "origin", Origin(ctx), "duration", time.Since(start))
		}
		d.observe(ctx, res, start)
	}()

	value, msg, f := d.run(ctx, op, params)
	return Result{Op: op, Value: value, Message: msg, Failure: f}
}

// Fail builds a failed Result for problems found before dispatch, such as
// an unreadable request body. Observers are notified as for Dispatch.
func (d *Dispatcher) Fail(ctx context.Context, op Operation, f *Failure) Result {
	res := Result{Op: op, Failure: f}
	d.log.Warn("dispatch failed", "op", op, "origin", Origin(ctx), "kind", f.Kind, "error", f)
	d.observe(ctx, res, time.Now())
	return res
}

func (d *Dispatcher) run(ctx context.Context, op Operation, params json.RawMessage) (any, string, *Failure) {
	switch op {
	case OpPrepare:
		body, f := parseObject(params)
		if f != nil {
			return nil, "", f
		}
		p, f := decodePrepare(body)
		if f != nil {
			return nil, "", f
		}
		if f := d.prepare(ctx, p); f != nil {
			return nil, "", f
		}
		return nil, MsgLoginSuccess, nil

	case OpBalance, OpPosition, OpAutoIPO, OpTodayEntrusts, OpTodayTrades, OpCancelEntrusts:
		sess, f := d.session()
		if f != nil {
			return nil, "", f
		}
		v, err := query(ctx, sess, op)
		if err != nil {
			return nil, "", driverFailure(err)
		}
		return v, "", nil

	case OpBuy, OpSell:
		body, f := parseObject(params)
		if f != nil {
			return nil, "", f
		}
		sess, f := d.session()
		if f != nil {
			return nil, "", f
		}
		p, f := decodeOrder(body)
		if f != nil {
			return nil, "", f
		}
		call := sess.Buy
		if op == OpSell {
			call = sess.Sell
		}
		v, err := call(ctx, p.Order)
		if err != nil {
			return nil, "", driverFailure(err)
		}
		return v, "", nil

	case OpCancelEntrust:
		body, f := parseObject(params)
		if f != nil {
			return nil, "", f
		}
		sess, f := d.session()
		if f != nil {
			return nil, "", f
		}
		p, f := decodeCancel(body)
		if f != nil {
			return nil, "", f
		}
		v, err := sess.CancelEntrust(ctx, p.Cancel)
		if err != nil {
			return nil, "", driverFailure(err)
		}
		return v, "", nil

	case OpExit:
		sess, f := d.session()
		if f != nil {
			return nil, "", f
		}
		if err := sess.Exit(ctx); err != nil {
			// A session the driver already considers closed is useless;
			// drop it so the next prepare starts clean.
			var berr *broker.Error
			if errors.As(err, &berr) && berr.Kind == broker.KindSessionClosed {
				d.store.ClearIf(sess)
			}
			return nil, "", driverFailure(err)
		}
		d.store.ClearIf(sess)
		return nil, MsgExitSuccess, nil
	}
	return nil, "", Malformed("unknown operation %q", op)
}

func query(ctx context.Context, sess broker.Session, op Operation) (any, error) {
	switch op {
	case OpBalance:
		return sess.Balance(ctx)
	case OpPosition:
		return sess.Position(ctx)
	case OpAutoIPO:
		return sess.AutoIPO(ctx)
	case OpTodayEntrusts:
		return sess.TodayEntrusts(ctx)
	case OpTodayTrades:
		return sess.TodayTrades(ctx)
	case OpCancelEntrusts:
		return sess.CancelEntrusts(ctx)
	}
	return nil, fmt.Errorf("operation %q is not a query", op)
}

func (d *Dispatcher) session() (broker.Session, *Failure) {
	sess, err := d.store.Get()
	if err != nil {
		return nil, noSession(err)
	}
	return sess, nil
}

// prepare logs in and installs the new session according to the replace
// policy. The store lock is never held across the driver call.
func (d *Dispatcher) prepare(ctx context.Context, p PrepareParams) *Failure {
	drv, err := d.drivers.Use(p.Broker)
	if err != nil {
		return driverFailure(err)
	}
	if d.policy == PolicyReject && d.store.Active() {
		return &Failure{Kind: SessionAlreadyActive, Message: "a session is already active, call exit first"}
	}

	sess, err := drv.Prepare(ctx, p.Credentials)
	if err != nil {
		return driverFailure(err)
	}

	switch d.policy {
	case PolicyReject:
		if !d.store.CreateIfEmpty(sess) {
			d.retire(ctx, sess, "lost race to another prepare")
			return &Failure{Kind: SessionAlreadyActive, Message: "a session is already active, call exit first"}
		}
	case PolicyReplace:
		if prev := d.store.Create(sess); prev != nil {
			d.log.Warn("replaced active session without exit", "broker", p.Broker)
		}
	default:
		if prev := d.store.Create(sess); prev != nil {
			d.retire(ctx, prev, "replaced by new prepare")
		}
	}
	d.log.Info("session prepared", "broker", p.Broker, "origin", Origin(ctx))
	return nil
}

// retire exits a session that is no longer installed. Errors are logged
// only; the caller's outcome does not depend on them.
func (d *Dispatcher) retire(ctx context.Context, sess broker.Session, reason string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("driver panic while retiring session", "reason", reason, "panic", r)
		}
	}()
	if err := sess.Exit(ctx); err != nil {
		d.log.Warn("exiting retired session", "reason", reason, "error", err)
		return
	}
	d.log.Info("retired session exited", "reason", reason)
}

// Close exits and clears the active session, if any. It is called on
// process shutdown.
func (d *Dispatcher) Close(ctx context.Context) error {
	sess, err := d.store.Get()
	if errors.Is(err, session.ErrNoActiveSession) {
		return nil
	}
	d.store.ClearIf(sess)
	if err := sess.Exit(ctx); err != nil {
		return fmt.Errorf("exiting session on shutdown: %w", err)
	}
	return nil
}

func (d *Dispatcher) observe(ctx context.Context, res Result, start time.Time) {
	rec := Record{
		Op:       res.Op,
		Origin:   Origin(ctx),
		Started:  start,
		Duration: time.Since(start),
	}
	if res.Failure != nil {
		rec.Kind = res.Failure.Kind
		rec.Message = res.Failure.Message
	}
	for _, o := range d.observers {
		o.ObserveDispatch(ctx, rec)
	}
}

type originKey struct{}

// WithOrigin returns a context carrying the requesting client's address.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// Origin returns the client address stored by WithOrigin, or "".
func Origin(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}
