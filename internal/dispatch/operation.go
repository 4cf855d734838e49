package dispatch

// Operation names a session command. Values match the HTTP paths.
type Operation string

const (
	OpPrepare        Operation = "prepare"
	OpBalance        Operation = "balance"
	OpPosition       Operation = "position"
	OpAutoIPO        Operation = "auto_ipo"
	OpTodayEntrusts  Operation = "today_entrusts"
	OpTodayTrades    Operation = "today_trades"
	OpCancelEntrusts Operation = "cancel_entrusts"
	OpBuy            Operation = "buy"
	OpSell           Operation = "sell"
	OpCancelEntrust  Operation = "cancel_entrust"
	OpExit           Operation = "exit"
)

// Operations lists every operation in route order.
var Operations = []Operation{
	OpPrepare,
	OpBalance,
	OpPosition,
	OpAutoIPO,
	OpTodayEntrusts,
	OpTodayTrades,
	OpCancelEntrusts,
	OpBuy,
	OpSell,
	OpCancelEntrust,
	OpExit,
}

// Mutates reports whether a successful op creates or changes broker state.
// Those operations answer 201 instead of 200.
func (op Operation) Mutates() bool {
	switch op {
	case OpPrepare, OpBuy, OpSell, OpCancelEntrust:
		return true
	}
	return false
}

// TakesBody reports whether op reads parameters from the request body.
func (op Operation) TakesBody() bool {
	switch op {
	case OpPrepare, OpBuy, OpSell, OpCancelEntrust:
		return true
	}
	return false
}
