// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package msgjson defines the JSON-RPC framing of engine commands and the
// result types returned by them.
package msgjson

import (
	"encoding/json"
	"fmt"

	"github.com/openexch/matchengine/dex/order"
)

// Generic error codes. Each command may additionally define its own business
// codes starting at 10; those are listed with the routes below.
const (
	RPCInvalidArgument    = 1
	RPCInternalError      = 2
	RPCServiceUnavailable = 3
	RPCMethodNotFound     = 4
	RPCServiceTimeout     = 5
	RPCRequireAuth        = 6
)

// Business error codes shared by several commands. The meaning depends on
// the route.
const (
	// order.put_limit, order.put_market
	BalanceNotEnough = 10
	AmountTooSmall   = 11
	NoEnoughTrader   = 12

	// order.cancel
	OrderNotFound = 10
	UserNotMatch  = 11

	// balance.update
	RepeatUpdate           = 10
	UpdateBalanceNotEnough = 11
)

// Methods are the command names accepted by the engine.
const (
	AssetListRoute          = "asset.list"
	AssetSummaryRoute       = "asset.summary"
	BalanceQueryRoute       = "balance.query"
	BalanceUpdateRoute      = "balance.update"
	OrderPutLimitRoute      = "order.put_limit"
	OrderPutMarketRoute     = "order.put_market"
	OrderCancelRoute        = "order.cancel"
	OrderBookRoute          = "order.book"
	OrderDepthRoute         = "order.depth"
	OrderPendingRoute       = "order.pending"
	OrderPendingDetailRoute = "order.pending_detail"
	MarketListRoute         = "market.list"
	MarketSummaryRoute      = "market.summary"
)

// Error is returned as part of a Response to indicate that an error occurred
// during method execution.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// Message is a command request.
type Message struct {
	// Method selects the handler for the message.
	Method string `json:"method"`
	// Params is the positional parameter array.
	Params json.RawMessage `json:"params"`
	// ID is echoed in the Response.
	ID uint64 `json:"id"`
}

// DecodeMessage decodes a *Message from JSON-formatted bytes.
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	if msg.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return msg, nil
}

// NewRequest encodes params as the positional parameters of a new request.
func NewRequest(id uint64, method string, params ...any) (*Message, error) {
	if params == nil {
		params = []any{}
	}
	encParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		Method: method,
		Params: encParams,
		ID:     id,
	}, nil
}

// ParamList splits the positional parameters. A missing or null params field
// yields an empty list.
func (msg *Message) ParamList() ([]json.RawMessage, error) {
	if len(msg.Params) == 0 || string(msg.Params) == "null" {
		return nil, nil
	}
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, fmt.Errorf("params must be an array: %w", err)
	}
	return params, nil
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message decode error]"
	}
	return string(b)
}

// Response is the reply to a Message. Exactly one of Result and Error is
// non-null.
type Response struct {
	Error  *Error          `json:"error"`
	Result json.RawMessage `json:"result"`
	ID     uint64          `json:"id"`
}

// NewResponse encodes a result or an error as a response to the request with
// the provided id.
func NewResponse(id uint64, result any, rpcErr *Error) (*Response, error) {
	resp := &Response{
		Error: rpcErr,
		ID:    id,
	}
	if rpcErr != nil {
		resp.Result = json.RawMessage("null")
		return resp, nil
	}
	encResult, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp.Result = encResult
	return resp, nil
}

// UnmarshalResult decodes the result into the provided interface, or returns
// the response error.
func (r *Response) UnmarshalResult(result any) error {
	if r.Error != nil {
		return r.Error
	}
	return json.Unmarshal(r.Result, result)
}

// SuccessResult is the result of commands that only report success.
type SuccessResult struct {
	Status string `json:"status"`
}

// Success is the canonical SuccessResult.
var Success = &SuccessResult{Status: "success"}

// AssetInfo is an element of the asset.list result.
type AssetInfo struct {
	Name string `json:"name"`
	Prec int32  `json:"prec"`
}

// AssetSummary is an element of the asset.summary result.
type AssetSummary struct {
	Name             string `json:"name"`
	TotalBalance     string `json:"total_balance"`
	AvailableCount   int    `json:"available_count"`
	AvailableBalance string `json:"available_balance"`
	FreezeCount      int    `json:"freeze_count"`
	FreezeBalance    string `json:"freeze_balance"`
}

// BalanceInfo is a value of the balance.query result map.
type BalanceInfo struct {
	Available string `json:"available"`
	Freeze    string `json:"freeze"`
}

// MarketInfo is an element of the market.list result.
type MarketInfo struct {
	Name      string `json:"name"`
	Stock     string `json:"stock"`
	Money     string `json:"money"`
	FeePrec   int32  `json:"fee_prec"`
	StockPrec int32  `json:"stock_prec"`
	MoneyPrec int32  `json:"money_prec"`
	MinAmount string `json:"min_amount"`
}

// MarketSummary is an element of the market.summary result.
type MarketSummary struct {
	Name      string `json:"name"`
	AskCount  int    `json:"ask_count"`
	AskAmount string `json:"ask_amount"`
	BidCount  int    `json:"bid_count"`
	BidAmount string `json:"bid_amount"`
}

// PendingResult is the order.pending result.
type PendingResult struct {
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	Total   int           `json:"total"`
	Records []*order.Info `json:"records"`
}

// BookResult is the order.book result.
type BookResult struct {
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Total  int           `json:"total"`
	Orders []*order.Info `json:"orders"`
}

// DepthResult is the order.depth result. Each level is a [price, amount]
// pair of decimal strings.
type DepthResult struct {
	Asks [][2]string `json:"asks"`
	Bids [][2]string `json:"bids"`
}
