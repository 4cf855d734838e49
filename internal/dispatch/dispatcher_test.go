package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeDriver struct {
	mu         sync.Mutex
	prepareErr error
	sessions   []*fakeSession
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Prepare(_ context.Context, creds broker.Credentials) (broker.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prepareErr != nil {
		return nil, d.prepareErr
	}
	s := &fakeSession{creds: creds}
	d.sessions = append(d.sessions, s)
	return s, nil
}

type fakeSession struct {
	creds broker.Credentials

	mu       sync.Mutex
	exited   int
	exitErr  error
	orderErr error
	panicMsg string
	orders   []domain.OrderRequest
	cancels  []domain.CancelRequest
}

func (s *fakeSession) Balance(context.Context) (domain.Balance, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return domain.Balance{Currency: "CNY", Cash: decimal.NewFromInt(100)}, nil
}

func (s *fakeSession) Position(context.Context) ([]domain.Position, error) {
	return []domain.Position{}, nil
}

func (s *fakeSession) AutoIPO(context.Context) (domain.IPOResult, error) {
	return domain.IPOResult{Message: "none"}, nil
}

func (s *fakeSession) TodayEntrusts(context.Context) ([]domain.Entrust, error) {
	return []domain.Entrust{}, nil
}

func (s *fakeSession) TodayTrades(context.Context) ([]domain.Trade, error) {
	return []domain.Trade{}, nil
}

func (s *fakeSession) CancelEntrusts(context.Context) ([]domain.Entrust, error) {
	return []domain.Entrust{}, nil
}

func (s *fakeSession) Buy(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderErr != nil {
		return domain.OrderResult{}, s.orderErr
	}
	s.orders = append(s.orders, req)
	return domain.OrderResult{ID: "B-1"}, nil
}

func (s *fakeSession) Sell(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, req)
	return domain.OrderResult{ID: "S-1"}, nil
}

func (s *fakeSession) CancelEntrust(_ context.Context, req domain.CancelRequest) (domain.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, req)
	return domain.CancelResult{EntrustNo: req.EntrustNo, Message: "ok"}, nil
}

func (s *fakeSession) Exit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitErr != nil {
		return s.exitErr
	}
	s.exited++
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	records []Record
}

func (o *recordingObserver) ObserveDispatch(_ context.Context, rec Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fixture struct {
	d      *Dispatcher
	store  *session.Store
	driver *fakeDriver
	obs    *recordingObserver
}

func newFixture(t *testing.T, policy ReplacePolicy) *fixture {
	t.Helper()
	drv := &fakeDriver{}
	st := session.NewStore()
	obs := &recordingObserver{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		d:      NewDispatcher(st, broker.NewRegistry(drv), policy, log, obs),
		store:  st,
		driver: drv,
		obs:    obs,
	}
}

func (fx *fixture) dispatch(op Operation, body string) Result {
	return fx.d.Dispatch(WithOrigin(context.Background(), "127.0.0.1"), op, json.RawMessage(body))
}

func (fx *fixture) login(t *testing.T) *fakeSession {
	t.Helper()
	res := fx.dispatch(OpPrepare, `{"broker":"fake","user":"u","password":"p"}`)
	if res.Failure != nil {
		t.Fatalf("prepare failed: %v", res.Failure)
	}
	return fx.driver.sessions[len(fx.driver.sessions)-1]
}

func wantFailure(t *testing.T, res Result, kind FailureKind) {
	t.Helper()
	if res.Failure == nil {
		t.Fatalf("%s: expected %s failure, got success %+v", res.Op, kind, res)
	}
	if res.Failure.Kind != kind {
		t.Fatalf("%s: failure kind = %q, want %q (%s)", res.Op, res.Failure.Kind, kind, res.Failure.Message)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPrepareInstallsSession(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	res := fx.dispatch(OpPrepare, `{"broker":"fake","user":"u","password":"p","exe_path":"C:\\ths.exe","port":8888}`)
	if res.Failure != nil {
		t.Fatalf("prepare: %v", res.Failure)
	}
	if res.Message != MsgLoginSuccess {
		t.Errorf("Message = %q, want %q", res.Message, MsgLoginSuccess)
	}
	if !fx.store.Active() {
		t.Fatal("store should be Active after prepare")
	}

	creds := fx.driver.sessions[0].creds
	if creds.User != "u" || creds.Password != "p" {
		t.Errorf("credentials = %q/%q, want u/p", creds.User, creds.Password)
	}
	if creds.Fields["exe_path"] != `C:\ths.exe` {
		t.Errorf("exe_path = %q", creds.Fields["exe_path"])
	}
	if creds.Fields["port"] != "8888" {
		t.Errorf("port = %q, want 8888", creds.Fields["port"])
	}
	if _, ok := creds.Fields["broker"]; ok {
		t.Error("broker must not be forwarded as a credential field")
	}
}

func TestOperationsRequireSession(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	bodies := map[Operation]string{
		OpBuy:           `{"security":"SH600000","price":10.0,"amount":100}`,
		OpSell:          `{"security":"SH600000","price":10.0,"amount":100}`,
		OpCancelEntrust: `{"entrust_no":"123"}`,
	}
	for _, op := range Operations {
		if op == OpPrepare {
			continue
		}
		t.Run(string(op), func(t *testing.T) {
			res := fx.dispatch(op, bodies[op])
			wantFailure(t, res, NoActiveSession)
			env := Normalize(res)
			if env.Status != http.StatusBadRequest {
				t.Errorf("Status = %d, want 400", env.Status)
			}
			if !strings.HasPrefix(env.Error, "NoActiveSession: ") {
				t.Errorf("Error = %q, want NoActiveSession prefix", env.Error)
			}
			if fx.store.Active() {
				t.Error("store must stay Empty")
			}
		})
	}
}

func TestPrepareThenExit(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)

	res := fx.dispatch(OpExit, "")
	if res.Failure != nil {
		t.Fatalf("exit: %v", res.Failure)
	}
	if res.Message != MsgExitSuccess {
		t.Errorf("Message = %q, want %q", res.Message, MsgExitSuccess)
	}
	if sess.exited != 1 {
		t.Errorf("session exited %d times, want 1", sess.exited)
	}
	if fx.store.Active() {
		t.Fatal("store should be Empty after exit")
	}

	wantFailure(t, fx.dispatch(OpBalance, ""), NoActiveSession)
}

func TestExitFailureKeepsSession(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)
	sess.exitErr = broker.Errorf(broker.KindUpstream, "network down")

	res := fx.dispatch(OpExit, "")
	wantFailure(t, res, DriverFailure)
	if res.Failure.Message != "Upstream: network down" {
		t.Errorf("Message = %q", res.Failure.Message)
	}
	if !fx.store.Active() {
		t.Fatal("failed exit must keep the session installed")
	}
}

func TestExitOfClosedSessionClears(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)
	sess.exitErr = broker.Errorf(broker.KindSessionClosed, "session has exited")

	wantFailure(t, fx.dispatch(OpExit, ""), DriverFailure)
	if fx.store.Active() {
		t.Fatal("a closed session should be dropped from the store")
	}
}

func TestPrepareTwiceExitPolicy(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	first := fx.login(t)
	second := fx.login(t)

	got, err := fx.store.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != second {
		t.Fatal("second prepare should replace the first session")
	}
	if first.exited != 1 {
		t.Errorf("first session exited %d times, want 1", first.exited)
	}
	if second.exited != 0 {
		t.Errorf("second session exited %d times, want 0", second.exited)
	}
}

func TestPrepareTwiceReplacePolicy(t *testing.T) {
	fx := newFixture(t, PolicyReplace)
	first := fx.login(t)
	second := fx.login(t)

	got, _ := fx.store.Get()
	if got != second {
		t.Fatal("second prepare should replace the first session")
	}
	if first.exited != 0 {
		t.Errorf("replace policy must not exit the old session, exited %d", first.exited)
	}
}

func TestPrepareTwiceRejectPolicy(t *testing.T) {
	fx := newFixture(t, PolicyReject)
	first := fx.login(t)

	res := fx.dispatch(OpPrepare, `{"broker":"fake","user":"u","password":"p"}`)
	wantFailure(t, res, SessionAlreadyActive)
	got, _ := fx.store.Get()
	if got != first {
		t.Fatal("reject policy must keep the first session")
	}
	if len(fx.driver.sessions) != 1 {
		t.Errorf("driver prepared %d sessions, want 1", len(fx.driver.sessions))
	}
}

func TestPrepareValidation(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not an object", `["fake"]`},
		{"missing broker", `{"user":"u","password":"p"}`},
		{"empty broker", `{"broker":""}`},
		{"nested field", `{"broker":"fake","opts":{"a":1}}`},
		{"null field", `{"broker":"fake","user":null}`},
		{"trailing data", `{"broker":"fake"} {"broker":"fake"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantFailure(t, fx.dispatch(OpPrepare, tt.body), MalformedRequest)
			if fx.store.Active() {
				t.Fatal("store must stay Empty")
			}
		})
	}
}

func TestPrepareDriverErrors(t *testing.T) {
	fx := newFixture(t, PolicyExit)

	res := fx.dispatch(OpPrepare, `{"broker":"ths","user":"u"}`)
	wantFailure(t, res, DriverFailure)
	if !strings.Contains(res.Failure.Message, "UnknownBroker") {
		t.Errorf("Message = %q, want UnknownBroker classification", res.Failure.Message)
	}

	fx.driver.prepareErr = broker.Errorf(broker.KindInvalidCredentials, "wrong password")
	res = fx.dispatch(OpPrepare, `{"broker":"fake","user":"u","password":"x"}`)
	wantFailure(t, res, DriverFailure)
	if env := Normalize(res); env.Error != "DriverFailure: InvalidCredentials: wrong password" {
		t.Errorf("Error = %q", env.Error)
	}
	if fx.store.Active() {
		t.Fatal("failed prepare must leave the store Empty")
	}
}

func TestBuyForwardsOrder(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)

	res := fx.dispatch(OpBuy, `{"security":"SH600000","price":10.0,"amount":100}`)
	if res.Failure != nil {
		t.Fatalf("buy: %v", res.Failure)
	}
	env := Normalize(res)
	if env.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", env.Status)
	}
	b, _ := json.Marshal(env)
	if string(b) != `{"data":{"id":"B-1"}}` {
		t.Errorf("envelope = %s", b)
	}

	if len(sess.orders) != 1 {
		t.Fatalf("driver saw %d orders, want 1", len(sess.orders))
	}
	o := sess.orders[0]
	if o.Security != "SH600000" || o.Amount != 100 || !o.Price.Equal(decimal.NewFromInt(10)) {
		t.Errorf("forwarded order = %+v", o)
	}
}

func TestOrderValidation(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing price", `{"security":"SH600000","amount":100}`, "price"},
		{"missing all", `{}`, "security, price, amount"},
		{"null amount", `{"security":"SH600000","price":1,"amount":null}`, "amount"},
		{"blank security", `{"security":"  ","price":1,"amount":1}`, "security"},
		{"numeric security", `{"security":600000,"price":1,"amount":1}`, "security must be a string"},
		{"fractional amount", `{"security":"SH600000","price":1,"amount":1.5}`, "amount must be a whole number"},
		{"boolean amount", `{"security":"SH600000","price":1,"amount":true}`, "amount must be a whole number"},
		{"bad price", `{"security":"SH600000","price":"ten","amount":1}`, "price must be a number"},
		{"nested option", `{"security":"SH600000","price":1,"amount":1,"opts":{"a":1}}`, "opts"},
		{"not an object", `[1,2]`, "JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := fx.dispatch(OpSell, tt.body)
			wantFailure(t, res, MalformedRequest)
			if !strings.Contains(res.Failure.Message, tt.want) {
				t.Errorf("Message = %q, want it to mention %q", res.Failure.Message, tt.want)
			}
		})
	}
	if len(sess.orders) != 0 {
		t.Errorf("malformed orders reached the driver: %+v", sess.orders)
	}
}

func TestOrderOptionsForwarded(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)

	res := fx.dispatch(OpBuy, `{"security":"SH600000","price":10.0,"amount":100,"entrust_prop":"market","lot":2}`)
	if res.Failure != nil {
		t.Fatalf("buy: %v", res.Failure)
	}
	o := sess.orders[0]
	if got := o.Field("entrust_prop", ""); got != "market" {
		t.Errorf("entrust_prop = %q, want market", got)
	}
	if got := o.Fields["lot"]; got != "2" {
		t.Errorf("lot = %q, want 2", got)
	}
	for _, name := range []string{"security", "price", "amount"} {
		if _, ok := o.Fields[name]; ok {
			t.Errorf("%s must not be duplicated into Fields", name)
		}
	}
}

func TestOrderAmountAcceptsWholeFloats(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)

	for _, amount := range []string{`100.0`, `"100"`, `1e2`} {
		res := fx.dispatch(OpSell, `{"security":"SH600000","price":10,"amount":`+amount+`}`)
		if res.Failure != nil {
			t.Fatalf("amount %s: %v", amount, res.Failure)
		}
	}
	for i, o := range sess.orders {
		if o.Amount != 100 {
			t.Errorf("orders[%d].Amount = %d, want 100", i, o.Amount)
		}
	}
}

func TestEmptyStoreWinsOverFieldValidation(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	tests := []struct {
		op   Operation
		body string
	}{
		{OpBuy, `{}`},
		{OpBuy, `{"security":"SH600000"}`},
		{OpSell, `{"security":"SH600000","price":1,"amount":1.5,"opts":[1]}`},
		{OpCancelEntrust, `{}`},
		{OpCancelEntrust, `{"order":"1"}`},
	}
	for _, tt := range tests {
		wantFailure(t, fx.dispatch(tt.op, tt.body), NoActiveSession)
	}

	// A body that is not a JSON object at all is still malformed.
	wantFailure(t, fx.dispatch(OpBuy, `security=SH600000`), MalformedRequest)
	if fx.store.Active() {
		t.Fatal("store must stay Empty")
	}
}

func TestOrderDriverFailure(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)
	sess.orderErr = errors.New("exchange closed")

	res := fx.dispatch(OpBuy, `{"security":"SH600000","price":"10.5","amount":100}`)
	wantFailure(t, res, DriverFailure)
	if env := Normalize(res); env.Error != "DriverFailure: exchange closed" {
		t.Errorf("Error = %q", env.Error)
	}
}

func TestCancelEntrustAcceptsNumericID(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)

	res := fx.dispatch(OpCancelEntrust, `{"entrust_no":12345}`)
	if res.Failure != nil {
		t.Fatalf("cancel_entrust: %v", res.Failure)
	}
	if got := sess.cancels[0].EntrustNo; got != "12345" {
		t.Errorf("EntrustNo = %q, want 12345", got)
	}
	if env := Normalize(res); env.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", env.Status)
	}

	wantFailure(t, fx.dispatch(OpCancelEntrust, `{}`), MalformedRequest)
	wantFailure(t, fx.dispatch(OpCancelEntrust, `{"entrust_no":""}`), MalformedRequest)
	wantFailure(t, fx.dispatch(OpCancelEntrust, `{"entrust_no":[1]}`), MalformedRequest)
}

func TestBalanceIsIdempotent(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)

	a := Normalize(fx.dispatch(OpBalance, ""))
	b := Normalize(fx.dispatch(OpBalance, ""))
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Errorf("balance snapshots differ: %s vs %s", ja, jb)
	}
	if a.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", a.Status)
	}
	got, _ := fx.store.Get()
	if got != sess {
		t.Fatal("balance must not change the installed session")
	}
}

func TestDriverPanicIsContained(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	sess := fx.login(t)
	sess.panicMsg = "secret internal state"

	res := fx.dispatch(OpBalance, "")
	wantFailure(t, res, DriverFailure)
	env := Normalize(res)
	if strings.Contains(env.Error, "secret") {
		t.Errorf("panic value leaked to client: %q", env.Error)
	}
	if !fx.store.Active() {
		t.Fatal("panic must not clear the session")
	}
}

func TestUnknownOperation(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	wantFailure(t, fx.dispatch(Operation("transfer"), ""), MalformedRequest)
}

func TestObserversSeeEveryDispatch(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	fx.dispatch(OpBalance, "")
	fx.login(t)
	fx.dispatch(OpBalance, "")

	if len(fx.obs.records) != 3 {
		t.Fatalf("observer saw %d records, want 3", len(fx.obs.records))
	}
	first := fx.obs.records[0]
	if first.Op != OpBalance || first.Kind != NoActiveSession || first.Origin != "127.0.0.1" {
		t.Errorf("first record = %+v", first)
	}
	if last := fx.obs.records[2]; last.Kind != "" {
		t.Errorf("successful dispatch recorded kind %q", last.Kind)
	}
}

func TestFailNotifiesObservers(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	res := fx.d.Fail(context.Background(), OpBuy, Malformed("request body too large"))
	wantFailure(t, res, MalformedRequest)
	if len(fx.obs.records) != 1 || fx.obs.records[0].Kind != MalformedRequest {
		t.Errorf("records = %+v", fx.obs.records)
	}
}

func TestCloseExitsActiveSession(t *testing.T) {
	fx := newFixture(t, PolicyExit)
	if err := fx.d.Close(context.Background()); err != nil {
		t.Fatalf("Close on empty store: %v", err)
	}
	sess := fx.login(t)
	if err := fx.d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.exited != 1 {
		t.Errorf("session exited %d times, want 1", sess.exited)
	}
	if fx.store.Active() {
		t.Fatal("store should be Empty after Close")
	}
}

func TestParseReplacePolicy(t *testing.T) {
	tests := map[string]ReplacePolicy{"": PolicyExit, "exit": PolicyExit, "reject": PolicyReject, "replace": PolicyReplace}
	for in, want := range tests {
		got, err := ParseReplacePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseReplacePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseReplacePolicy("auto"); err == nil {
		t.Error("ParseReplacePolicy(auto) should fail")
	}
}
