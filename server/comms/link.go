// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"

	"github.com/openexch/matchengine/dex/msgjson"
	"github.com/openexch/matchengine/dex/ws"
)

// maxStrikes is the number of rate-limited requests a websocket client may
// make before it is disconnected and its IP quarantined.
const maxStrikes = 100

// wsLink is the local, per-connection representation of an engine client.
type wsLink struct {
	*ws.WSLink
	// id is the unique identifier assigned to this client.
	id uint64
	// meter checks the client's request rate.
	meter func() (int, error)
	// strikes counts requests refused by the meter. Only the link's read
	// goroutine touches it.
	strikes int
	// Upon closing, the client's IP address will be quarantined by the server
	// if ban = true.
	ban bool
}

// newWSLink is a constructor for a new wsLink. Requests that pass the meter
// are passed to the engine.
func newWSLink(addr string, conn ws.Connection, engine Submitter, meter func() (int, error)) *wsLink {
	c := &wsLink{meter: meter}
	c.WSLink = ws.NewWSLink(addr, conn, pingPeriod, func(ctx context.Context, msg *msgjson.Message) *msgjson.Response {
		return c.handleMessage(ctx, engine, msg)
	})
	return c
}

func (c *wsLink) handleMessage(ctx context.Context, engine Submitter, msg *msgjson.Message) *msgjson.Response {
	if _, err := c.meter(); err != nil {
		c.strikes++
		if c.strikes >= maxStrikes {
			log.Warnf("Banishing websocket client %s after %d rate-limited requests", c.IP(), c.strikes)
			c.Banish()
			return nil
		}
		return errorResponse(msg.ID, msgjson.NewError(msgjson.RPCServiceUnavailable, "%v", err))
	}
	c.strikes = 0
	return engine.Submit(ctx, msg)
}

// Banish sets the ban flag and closes the client.
func (c *wsLink) Banish() {
	c.ban = true
	c.Disconnect()
}

func errorResponse(id uint64, rpcErr *msgjson.Error) *msgjson.Response {
	resp, _ := msgjson.NewResponse(id, nil, rpcErr)
	return resp
}
