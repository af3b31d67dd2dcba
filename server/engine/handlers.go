// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/calc"
	"github.com/openexch/matchengine/dex/msgjson"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/balance"
	"github.com/openexch/matchengine/server/market"
)

// Operation log names of the mutating commands.
const (
	opUpdateBalance = "update_balance"
	opLimitOrder    = "limit_order"
	opMarketOrder   = "market_order"
	opCancelOrder   = "cancel_order"
)

// handler executes a command. An error is either a *msgjson.Error, which is
// returned to the caller as is, an invariant violation accompanied by the
// command's result, or an internal error.
type handler func(real bool, params []json.RawMessage) (any, error)

type route struct {
	method string
	// operlog is the operation log name of a mutating command, empty for
	// queries.
	operlog string
	handler handler
}

func (e *Engine) route(method, operlog string, h handler) {
	r := &route{method: method, operlog: operlog, handler: h}
	e.routes[method] = r
	if operlog != "" {
		e.operlogRoutes[operlog] = r
	}
}

func (e *Engine) registerRoutes() {
	e.routes = make(map[string]*route)
	e.operlogRoutes = make(map[string]*route)

	e.route(msgjson.AssetListRoute, "", e.handleAssetList)
	e.route(msgjson.AssetSummaryRoute, "", e.handleAssetSummary)
	e.route(msgjson.BalanceQueryRoute, "", e.handleBalanceQuery)
	e.route(msgjson.BalanceUpdateRoute, opUpdateBalance, e.handleBalanceUpdate)
	e.route(msgjson.OrderPutLimitRoute, opLimitOrder, e.handlePutLimit)
	e.route(msgjson.OrderPutMarketRoute, opMarketOrder, e.handlePutMarket)
	e.route(msgjson.OrderCancelRoute, opCancelOrder, e.handleCancel)
	e.route(msgjson.OrderPendingRoute, "", e.handlePending)
	e.route(msgjson.OrderBookRoute, "", e.handleBook)
	e.route(msgjson.OrderDepthRoute, "", e.handleDepth)
	e.route(msgjson.OrderPendingDetailRoute, "", e.handlePendingDetail)
	e.route(msgjson.MarketListRoute, "", e.handleMarketList)
	e.route(msgjson.MarketSummaryRoute, "", e.handleMarketSummary)
}

func errorResponse(id uint64, rpcErr *msgjson.Error) *msgjson.Response {
	resp, _ := msgjson.NewResponse(id, nil, rpcErr)
	return resp
}

func internalError() *msgjson.Error {
	return msgjson.NewError(msgjson.RPCInternalError, "internal error")
}

// blocked reports whether any output queue has backed up.
func (e *Engine) blocked() bool {
	opBlocked, histBlocked, msgBlocked := e.store.IsBlocked(), e.emitter.History.IsBlocked(), e.emitter.Messages.IsBlocked()
	if opBlocked || histBlocked || msgBlocked {
		log.Errorf("Service unavailable, operlog blocked: %v, history blocked: %v, messages blocked: %v",
			opBlocked, histBlocked, msgBlocked)
		return true
	}
	return false
}

// handle executes a command on the engine goroutine. Everything the command
// timestamps gets t. When real is false the command is being replayed: it is
// neither checked for backpressure nor logged, and it emits nothing.
func (e *Engine) handle(real bool, msg *msgjson.Message, t time.Time) *msgjson.Response {
	e.clock.pinned = t
	defer func() { e.clock.pinned = time.Time{} }()

	r := e.routes[msg.Method]
	if r == nil {
		log.Errorf("Unknown method %q", msg.Method)
		return errorResponse(msg.ID, msgjson.NewError(msgjson.RPCMethodNotFound, "method not found"))
	}
	params, err := msg.ParamList()
	if err != nil {
		log.Debugf("Bad params for %s: %v", msg.Method, err)
		return errorResponse(msg.ID, invalidArgument())
	}

	if r.operlog != "" && real {
		if e.halted.Load() || e.blocked() {
			return errorResponse(msg.ID, msgjson.NewError(msgjson.RPCServiceUnavailable, "service unavailable"))
		}
	}
	log.Tracef("Command %s %s", msg.Method, msg.Params)

	var halting bool
	result, err := r.handler(real, params)
	if err != nil {
		var rpcErr *msgjson.Error
		switch {
		case errors.As(err, &rpcErr):
			return errorResponse(msg.ID, rpcErr)
		case dex.IsInvariant(err):
			log.Criticalf("Invariant violation in %s %s: %v", msg.Method, msg.Params, err)
			// A replayed command emits nothing, so its violation can't recur.
			halting = real && e.cfg.FatalPolicy == FatalHalt
		default:
			log.Errorf("%s %s failed: %v", msg.Method, msg.Params, err)
			return errorResponse(msg.ID, internalError())
		}
	}

	// The command's changes are applied and its records may already be
	// published, so it is logged even when the engine halts. Replay then
	// hands out the same order and deal ids.
	if r.operlog != "" && real {
		if _, err := e.store.AppendOperlog(t, r.operlog, msg.Params); err != nil {
			log.Criticalf("Failed to log operation %s %s: %v", r.operlog, msg.Params, err)
		}
	}
	if halting {
		e.halt()
		return errorResponse(msg.ID, internalError())
	}

	resp, err := msgjson.NewResponse(msg.ID, result, nil)
	if err != nil {
		log.Errorf("Error encoding %s result: %v", msg.Method, err)
		return errorResponse(msg.ID, internalError())
	}
	return resp
}

func (e *Engine) handleAssetList(_ bool, _ []json.RawMessage) (any, error) {
	list := e.assets.List()
	infos := make([]*msgjson.AssetInfo, 0, len(list))
	for _, a := range list {
		infos = append(infos, &msgjson.AssetInfo{Name: a.Name, Prec: a.PrecShow})
	}
	return infos, nil
}

func (e *Engine) assetSummary(name string) *msgjson.AssetSummary {
	st := e.ledger.Status(name)
	prec := e.assets.Get(name).PrecSave
	return &msgjson.AssetSummary{
		Name:             name,
		TotalBalance:     calc.Show(st.Total, prec),
		AvailableCount:   st.AvailableCount,
		AvailableBalance: calc.Show(st.Available, prec),
		FreezeCount:      st.FreezeCount,
		FreezeBalance:    calc.Show(st.Freeze, prec),
	}
}

func (e *Engine) handleAssetSummary(_ bool, params []json.RawMessage) (any, error) {
	names := make([]string, 0, len(params))
	if len(params) == 0 {
		for _, a := range e.assets.List() {
			names = append(names, a.Name)
		}
	} else {
		a := newArgs(params)
		for i := range params {
			name := a.string(i)
			if a.err == nil && !e.assets.Exists(name) {
				a.fail(i, "unknown asset %q", name)
			}
			names = append(names, name)
		}
		if err := a.check(); err != nil {
			return nil, err
		}
	}
	sums := make([]*msgjson.AssetSummary, 0, len(names))
	for _, name := range names {
		sums = append(sums, e.assetSummary(name))
	}
	return sums, nil
}

func (e *Engine) handleBalanceQuery(_ bool, params []json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, invalidArgument()
	}
	a := newArgs(params)
	user := a.user(0)
	if a.err == nil && user == 0 {
		a.fail(0, "user 0")
	}
	var names []string
	if len(params) == 1 {
		for _, as := range e.assets.List() {
			names = append(names, as.Name)
		}
	} else {
		for i := 1; i < len(params); i++ {
			name := a.string(i)
			if a.err == nil && !e.assets.Exists(name) {
				a.fail(i, "unknown asset %q", name)
			}
			names = append(names, name)
		}
	}
	if err := a.check(); err != nil {
		return nil, err
	}

	show := func(v balance.Type, name string, prec int32) string {
		amt := e.ledger.Get(user, v, name)
		if amt.IsZero() {
			return "0"
		}
		return calc.Format(amt, prec)
	}
	result := make(map[string]*msgjson.BalanceInfo, len(names))
	for _, name := range names {
		prec := e.assets.Get(name).PrecShow
		result[name] = &msgjson.BalanceInfo{
			Available: show(balance.Available, name, prec),
			Freeze:    show(balance.Freeze, name, prec),
		}
	}
	return result, nil
}

func (e *Engine) handleBalanceUpdate(real bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 6); err != nil {
		return nil, err
	}
	a := newArgs(params)
	user := a.user(0)
	assetName := a.string(1)
	as := e.assets.Get(assetName)
	if a.err == nil && as == nil {
		a.fail(1, "unknown asset %q", assetName)
	}
	business := a.string(2)
	businessID := a.id(3)
	var prec int32
	if as != nil {
		prec = as.PrecShow
	}
	change := a.decimal(4, prec)
	detail := a.object(5)
	if err := a.check(); err != nil {
		return nil, err
	}

	err := e.updater.Update(real, user, assetName, business, businessID, change, detail)
	switch {
	case err == nil:
	case errors.Is(err, balance.ErrRepeatUpdate):
		return nil, msgjson.NewError(msgjson.RepeatUpdate, "repeat update")
	case errors.Is(err, balance.ErrNotEnough):
		return nil, msgjson.NewError(msgjson.UpdateBalanceNotEnough, "balance not enough")
	case dex.IsInvariant(err):
		return msgjson.Success, err
	default:
		return nil, err
	}
	return msgjson.Success, nil
}

// placeError converts the order placement errors to their reply codes.
// Invariant violations pass through unchanged.
func placeError(err error) error {
	switch {
	case errors.Is(err, market.ErrBalanceNotEnough):
		return msgjson.NewError(msgjson.BalanceNotEnough, "balance not enough")
	case errors.Is(err, market.ErrAmountTooSmall):
		return msgjson.NewError(msgjson.AmountTooSmall, "amount too small")
	case errors.Is(err, market.ErrNoEnoughTrader):
		return msgjson.NewError(msgjson.NoEnoughTrader, "no enough trader")
	}
	return err
}

// orderInfo is the wire form of an order of mkt.
func orderInfo(mkt *market.Market, o *order.Order) *order.Info {
	cfg := mkt.Config()
	return o.Info().WithPrecision(cfg.Precision())
}

// orderResult pairs the order info with an invariant error. A placement that
// failed outright has no result.
func orderResult(mkt *market.Market, o *order.Order, err error) (any, error) {
	if o == nil {
		return nil, placeError(err)
	}
	return orderInfo(mkt, o), err
}

func (e *Engine) handlePutLimit(real bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 8); err != nil {
		return nil, err
	}
	a := newArgs(params)
	user := a.user(0)
	mkt := a.market(1, e.markets)
	side := a.side(2)
	if err := a.check(); err != nil {
		return nil, err
	}
	cfg := mkt.Config()
	amount := a.positive(3, cfg.StockPrec)
	price := a.positive(4, cfg.MoneyPrec)
	takerFee := a.rate(5, cfg.FeePrec)
	makerFee := a.rate(6, cfg.FeePrec)
	source := a.source(7)
	if err := a.check(); err != nil {
		return nil, err
	}

	o, err := mkt.PutLimit(real, user, side, amount, price, takerFee, makerFee, source)
	return orderResult(mkt, o, err)
}

func (e *Engine) handlePutMarket(real bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 6); err != nil {
		return nil, err
	}
	a := newArgs(params)
	user := a.user(0)
	mkt := a.market(1, e.markets)
	side := a.side(2)
	if err := a.check(); err != nil {
		return nil, err
	}
	cfg := mkt.Config()
	amount := a.positive(3, cfg.StockPrec)
	takerFee := a.rate(4, cfg.FeePrec)
	source := a.source(5)
	if err := a.check(); err != nil {
		return nil, err
	}

	o, err := mkt.PutMarket(real, user, side, amount, takerFee, source)
	return orderResult(mkt, o, err)
}

func (e *Engine) handleCancel(real bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 3); err != nil {
		return nil, err
	}
	a := newArgs(params)
	user := a.user(0)
	mkt := a.market(1, e.markets)
	id := a.id(2)
	if err := a.check(); err != nil {
		return nil, err
	}

	o := mkt.Order(id)
	if o == nil {
		return nil, msgjson.NewError(msgjson.OrderNotFound, "order not found")
	}
	if o.User != user {
		return nil, msgjson.NewError(msgjson.UserNotMatch, "user not match")
	}
	info := orderInfo(mkt, o)
	return info, mkt.Cancel(real, o)
}

func infos(mkt *market.Market, orders []*order.Order) []*order.Info {
	list := make([]*order.Info, 0, len(orders))
	for _, o := range orders {
		list = append(list, orderInfo(mkt, o))
	}
	return list
}

func (e *Engine) handlePending(_ bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 4); err != nil {
		return nil, err
	}
	a := newArgs(params)
	user := a.user(0)
	mkt := a.market(1, e.markets)
	offset := a.count(2)
	limit := a.limit(3)
	if err := a.check(); err != nil {
		return nil, err
	}

	total, orders := mkt.UserOrders(user, offset, limit)
	return &msgjson.PendingResult{
		Limit:   limit,
		Offset:  offset,
		Total:   total,
		Records: infos(mkt, orders),
	}, nil
}

func (e *Engine) handleBook(_ bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 4); err != nil {
		return nil, err
	}
	a := newArgs(params)
	mkt := a.market(0, e.markets)
	side := a.side(1)
	offset := a.count(2)
	limit := a.limit(3)
	if err := a.check(); err != nil {
		return nil, err
	}

	total, orders := mkt.BookOrders(side, offset, limit)
	return &msgjson.BookResult{
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Orders: infos(mkt, orders),
	}, nil
}

func (e *Engine) handleDepth(_ bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 3); err != nil {
		return nil, err
	}
	a := newArgs(params)
	mkt := a.market(0, e.markets)
	limit := a.limit(1)
	if err := a.check(); err != nil {
		return nil, err
	}
	interval := a.nonNegative(2, mkt.Config().MoneyPrec)
	if err := a.check(); err != nil {
		return nil, err
	}

	key, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	cacheKey := msgjson.OrderDepthRoute + string(key)
	now := e.clock.now()
	if cached, found := e.cache.get(cacheKey, now); found {
		return cached, nil
	}

	asks, bids := mkt.Depth(limit, interval)
	cfg := mkt.Config()
	res := &msgjson.DepthResult{
		Asks: make([][2]string, 0, len(asks)),
		Bids: make([][2]string, 0, len(bids)),
	}
	for _, l := range asks {
		res.Asks = append(res.Asks, [2]string{calc.Show(l.Price, cfg.MoneyPrec), calc.Show(l.Amount, cfg.StockPrec)})
	}
	for _, l := range bids {
		res.Bids = append(res.Bids, [2]string{calc.Show(l.Price, cfg.MoneyPrec), calc.Show(l.Amount, cfg.StockPrec)})
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	e.cache.put(cacheKey, b, now)
	return json.RawMessage(b), nil
}

func (e *Engine) handlePendingDetail(_ bool, params []json.RawMessage) (any, error) {
	if err := exactly(params, 2); err != nil {
		return nil, err
	}
	a := newArgs(params)
	mkt := a.market(0, e.markets)
	id := a.id(1)
	if err := a.check(); err != nil {
		return nil, err
	}

	if o := mkt.Order(id); o != nil {
		return orderInfo(mkt, o), nil
	}
	return nil, nil
}

func (e *Engine) handleMarketList(_ bool, _ []json.RawMessage) (any, error) {
	list := e.markets.List()
	infos := make([]*msgjson.MarketInfo, 0, len(list))
	for _, mkt := range list {
		cfg := mkt.Config()
		infos = append(infos, &msgjson.MarketInfo{
			Name:      cfg.Name,
			Stock:     cfg.Stock,
			Money:     cfg.Money,
			FeePrec:   cfg.FeePrec,
			StockPrec: cfg.StockPrec,
			MoneyPrec: cfg.MoneyPrec,
			MinAmount: calc.Show(cfg.MinAmount, cfg.StockPrec),
		})
	}
	return infos, nil
}

func marketSummary(mkt *market.Market) *msgjson.MarketSummary {
	s := mkt.Summary()
	prec := mkt.Config().StockPrec
	return &msgjson.MarketSummary{
		Name:      s.Name,
		AskCount:  s.AskCount,
		AskAmount: calc.Show(s.AskAmount, prec),
		BidCount:  s.BidCount,
		BidAmount: calc.Show(s.BidAmount, prec),
	}
}

func (e *Engine) handleMarketSummary(_ bool, params []json.RawMessage) (any, error) {
	var mkts []*market.Market
	if len(params) == 0 {
		mkts = e.markets.List()
	} else {
		a := newArgs(params)
		for i := range params {
			mkts = append(mkts, a.market(i, e.markets))
		}
		if err := a.check(); err != nil {
			return nil, err
		}
	}
	sums := make([]*msgjson.MarketSummary, 0, len(mkts))
	for _, mkt := range mkts {
		sums = append(sums, marketSummary(mkt))
	}
	return sums, nil
}
