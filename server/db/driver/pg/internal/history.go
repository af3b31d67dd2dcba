// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package internal

const (
	// CreateOrderHistoryTable creates the table of finished orders.
	CreateOrderHistoryTable = `CREATE TABLE IF NOT EXISTS %s (
		id INT8 PRIMARY KEY,
		create_time TIMESTAMPTZ NOT NULL,
		finish_time TIMESTAMPTZ NOT NULL,
		user_id INT8 NOT NULL,
		market TEXT NOT NULL,
		source TEXT NOT NULL,
		type INT2 NOT NULL,
		side INT2 NOT NULL,
		price NUMERIC NOT NULL,
		amount NUMERIC NOT NULL,
		taker_fee NUMERIC NOT NULL,
		maker_fee NUMERIC NOT NULL,
		deal_stock NUMERIC NOT NULL,
		deal_money NUMERIC NOT NULL,
		deal_fee NUMERIC NOT NULL
	);`

	// CreateUserDealHistoryTable creates the table of deals, with one row
	// for each of the two orders of a deal.
	CreateUserDealHistoryTable = `CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		time TIMESTAMPTZ NOT NULL,
		user_id INT8 NOT NULL,
		market TEXT NOT NULL,
		deal_id INT8 NOT NULL,
		order_id INT8 NOT NULL,
		deal_order_id INT8 NOT NULL,
		side INT2 NOT NULL,
		role INT2 NOT NULL,
		price NUMERIC NOT NULL,
		amount NUMERIC NOT NULL,
		deal NUMERIC NOT NULL,
		fee NUMERIC NOT NULL,
		deal_fee NUMERIC NOT NULL
	);`

	// CreateBalanceHistoryTable creates the table of balance changes.
	CreateBalanceHistoryTable = `CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		time TIMESTAMPTZ NOT NULL,
		user_id INT8 NOT NULL,
		asset TEXT NOT NULL,
		business TEXT NOT NULL,
		change NUMERIC NOT NULL,
		balance NUMERIC NOT NULL,
		detail JSONB NOT NULL
	);`

	// The history tables are queried per user and market or asset, newest
	// first.
	CreateOrderHistoryIndex = `CREATE INDEX IF NOT EXISTS idx_order_history_user
		ON order_history (user_id, market, finish_time DESC);`
	CreateUserDealHistoryIndex = `CREATE INDEX IF NOT EXISTS idx_user_deal_history_user
		ON user_deal_history (user_id, market, time DESC);`
	CreateUserDealHistoryOrderIndex = `CREATE INDEX IF NOT EXISTS idx_user_deal_history_order
		ON user_deal_history (order_id);`
	CreateBalanceHistoryIndex = `CREATE INDEX IF NOT EXISTS idx_balance_history_user
		ON balance_history (user_id, asset, time DESC);`

	// InsertOrderHistory archives a finished order. An order already archived
	// is left alone.
	InsertOrderHistory = `INSERT INTO order_history (id, create_time, finish_time,
		user_id, market, source, type, side, price, amount, taker_fee, maker_fee,
		deal_stock, deal_money, deal_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING;`

	// InsertUserDealHistory archives one order's side of a deal.
	InsertUserDealHistory = `INSERT INTO user_deal_history (time, user_id, market,
		deal_id, order_id, deal_order_id, side, role, price, amount, deal, fee, deal_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`

	// InsertBalanceHistory archives a balance change.
	InsertBalanceHistory = `INSERT INTO balance_history (time, user_id, asset,
		business, change, balance, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`
)
