package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
)

// PrepareParams is the decoded body of a prepare request.
type PrepareParams struct {
	Broker      string
	Credentials broker.Credentials
}

// OrderParams is the decoded body of a buy or sell request.
type OrderParams struct {
	Order domain.OrderRequest
}

// CancelParams is the decoded body of a cancel_entrust request.
type CancelParams struct {
	Cancel domain.CancelRequest
}

// fields is a request body split into its top-level members.
type fields map[string]json.RawMessage

// names returns the member names in sorted order.
func (f fields) names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// extras renders every member not in known as a string option.
func (f fields) extras(known ...string) (map[string]string, *Failure) {
	out := make(map[string]string)
	for _, name := range f.names() {
		if contains(known, name) {
			continue
		}
		v, ok := scalar(f[name])
		if !ok {
			return nil, Malformed("field %q must be a string, number or boolean", name)
		}
		out[name] = v
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// present reports whether name was sent with a non-null value.
func (f fields) present(name string) bool {
	raw, ok := f[name]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseObject decodes exactly one JSON object from raw. Only the shape of
// the body is checked here; field validation happens per operation.
func parseObject(raw json.RawMessage) (fields, *Failure) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, Malformed("request body must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var f fields
	if err := dec.Decode(&f); err != nil {
		return nil, Malformed("invalid request body: %s", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, Malformed("request body must contain a single JSON object")
	}
	return f, nil
}

// decodePrepare reads {"broker": ..., "user": ..., "password": ..., ...}.
// Fields other than broker, user and password are passed to the driver as
// strings; numbers and booleans are kept in their JSON spelling.
func decodePrepare(f fields) (PrepareParams, *Failure) {
	var p PrepareParams
	for _, name := range []string{"broker", "user", "password"} {
		raw, sent := f[name]
		if !sent {
			continue
		}
		v, ok := scalar(raw)
		if !ok {
			return PrepareParams{}, Malformed("field %q must be a string, number or boolean", name)
		}
		switch name {
		case "broker":
			p.Broker = v
		case "user":
			p.Credentials.User = v
		case "password":
			p.Credentials.Password = v
		}
	}
	extra, fail := f.extras("broker", "user", "password")
	if fail != nil {
		return PrepareParams{}, fail
	}
	p.Credentials.Fields = extra
	if p.Broker == "" {
		return PrepareParams{}, Malformed("missing required field: broker")
	}
	return p, nil
}

// decodeOrder reads {"security": ..., "price": ..., "amount": ..., ...}. The
// three named fields are required; anything else is forwarded to the driver
// in OrderRequest.Fields.
func decodeOrder(f fields) (OrderParams, *Failure) {
	var missing []string
	for _, name := range []string{"security", "price", "amount"} {
		if !f.present(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return OrderParams{}, Malformed("missing required field: %s", strings.Join(missing, ", "))
	}

	var security string
	if err := json.Unmarshal(f["security"], &security); err != nil {
		return OrderParams{}, Malformed("security must be a string")
	}
	security = strings.TrimSpace(security)
	if security == "" {
		return OrderParams{}, Malformed("missing required field: security")
	}

	var price decimal.Decimal
	if err := price.UnmarshalJSON(f["price"]); err != nil {
		return OrderParams{}, Malformed("price must be a number")
	}

	amount, fail := wholeNumber("amount", f["amount"])
	if fail != nil {
		return OrderParams{}, fail
	}

	extra, fail := f.extras("security", "price", "amount")
	if fail != nil {
		return OrderParams{}, fail
	}
	return OrderParams{Order: domain.OrderRequest{
		Security: security,
		Price:    price,
		Amount:   amount,
		Fields:   extra,
	}}, nil
}

// wholeNumber accepts 100, 100.0 and "100" but not 100.5.
func wholeNumber(name string, raw json.RawMessage) (int64, *Failure) {
	s, ok := scalar(raw)
	if !ok {
		return 0, Malformed("%s must be a whole number", name)
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0, Malformed("%s must be a whole number", name)
	}
	if !d.Abs().LessThan(decimal.New(1, 18)) {
		return 0, Malformed("%s is out of range", name)
	}
	return d.IntPart(), nil
}

// decodeCancel reads {"entrust_no": ...}; the id may be a string or integer.
func decodeCancel(f fields) (CancelParams, *Failure) {
	for _, name := range f.names() {
		if name != "entrust_no" {
			return CancelParams{}, Malformed("unknown field %q", name)
		}
	}
	if !f.present("entrust_no") {
		return CancelParams{}, Malformed("missing required field: entrust_no")
	}
	id, ok := scalar(f["entrust_no"])
	if !ok || id == "" || id == "true" || id == "false" {
		return CancelParams{}, Malformed("entrust_no must be a non-empty string or integer")
	}
	return CancelParams{Cancel: domain.CancelRequest{EntrustNo: id}}, nil
}

// scalar renders a JSON string, number or boolean as a Go string.
func scalar(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}
	switch c := trimmed[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	case c == 't' || c == 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return "", false
		}
		return string(trimmed), true
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}
