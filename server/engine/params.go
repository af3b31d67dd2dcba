// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/openexch/matchengine/dex/calc"
	"github.com/openexch/matchengine/dex/msgjson"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/market"
	"github.com/shopspring/decimal"
)

const (
	// maxSourceLen is the exclusive bound on an order's source length.
	maxSourceLen = 32
	// maxListLen bounds the limit parameter of the paged queries.
	maxListLen = 101
)

func invalidArgument() *msgjson.Error {
	return msgjson.NewError(msgjson.RPCInvalidArgument, "invalid argument")
}

// args reads positional parameters. The first failure is kept and every
// later read is skipped, so a handler can read all of its parameters and
// check err once.
type args struct {
	params []json.RawMessage
	err    error
}

func newArgs(params []json.RawMessage) *args {
	return &args{params: params}
}

func (a *args) fail(i int, format string, v ...any) {
	if a.err == nil {
		a.err = fmt.Errorf("param %d: %s", i, fmt.Sprintf(format, v...))
	}
}

func (a *args) raw(i int) json.RawMessage {
	if a.err != nil {
		return nil
	}
	if i >= len(a.params) {
		a.fail(i, "missing")
		return nil
	}
	return a.params[i]
}

// uint parses a non-negative JSON integer no larger than upper. Floats,
// exponents and strings are rejected.
func (a *args) uint(i int, upper uint64) uint64 {
	b := a.raw(i)
	if b == nil {
		return 0
	}
	if b = bytes.TrimSpace(b); len(b) == 0 || b[0] == '"' {
		a.fail(i, "not a number")
		return 0
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		a.fail(i, "not a number")
		return 0
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil || v > upper {
		a.fail(i, "not an integer in [0, %d]: %s", upper, n)
		return 0
	}
	return v
}

func (a *args) user(i int) uint32 {
	return uint32(a.uint(i, math.MaxUint32))
}

func (a *args) id(i int) uint64 {
	return a.uint(i, math.MaxUint64)
}

func (a *args) count(i int) int {
	return int(a.uint(i, math.MaxInt32))
}

// limit parses a page size, which may not exceed maxListLen.
func (a *args) limit(i int) int {
	return int(a.uint(i, maxListLen))
}

func (a *args) side(i int) order.Side {
	s := order.Side(a.uint(i, math.MaxUint8))
	if a.err == nil && !s.Valid() {
		a.fail(i, "invalid side %d", s)
	}
	return s
}

func (a *args) string(i int) string {
	b := a.raw(i)
	if b == nil {
		return ""
	}
	var s *string
	if err := json.Unmarshal(b, &s); err != nil || s == nil {
		a.fail(i, "not a string")
		return ""
	}
	return *s
}

func (a *args) source(i int) string {
	s := a.string(i)
	if a.err == nil && len(s) >= maxSourceLen {
		a.fail(i, "source too long")
	}
	return s
}

func (a *args) market(i int, markets *market.Registry) *market.Market {
	name := a.string(i)
	if a.err != nil {
		return nil
	}
	mkt := markets.Get(name)
	if mkt == nil {
		a.fail(i, "unknown market %q", name)
	}
	return mkt
}

// decimal parses a decimal string rescaled to prec.
func (a *args) decimal(i int, prec int32) decimal.Decimal {
	s := a.string(i)
	if a.err != nil {
		return decimal.Zero
	}
	d, err := calc.Parse(s, prec)
	if err != nil {
		a.fail(i, "%v", err)
	}
	return d
}

func (a *args) positive(i int, prec int32) decimal.Decimal {
	d := a.decimal(i, prec)
	if a.err == nil && !d.IsPositive() {
		a.fail(i, "must be positive")
	}
	return d
}

func (a *args) nonNegative(i int, prec int32) decimal.Decimal {
	d := a.decimal(i, prec)
	if a.err == nil && d.IsNegative() {
		a.fail(i, "must not be negative")
	}
	return d
}

func (a *args) rate(i int, prec int32) decimal.Decimal {
	d := a.decimal(i, prec)
	if a.err == nil && !calc.IsRate(d) {
		a.fail(i, "rate out of range [0, 1)")
	}
	return d
}

// object returns the raw parameter if it is a JSON object.
func (a *args) object(i int) json.RawMessage {
	b := a.raw(i)
	if b == nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		a.fail(i, "not an object")
		return nil
	}
	return b
}

// check returns the invalid argument error if any read failed.
func (a *args) check() error {
	if a.err != nil {
		log.Debugf("Invalid argument: %v", a.err)
		return invalidArgument()
	}
	return nil
}

// exactly requires n parameters.
func exactly(params []json.RawMessage, n int) error {
	if len(params) != n {
		log.Debugf("Invalid argument: %d params, expected %d", len(params), n)
		return invalidArgument()
	}
	return nil
}
