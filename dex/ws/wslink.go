// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ws carries engine requests and responses over a websocket
// connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openexch/matchengine/dex/msgjson"
)

// outBufferSize is the size of the WSLink's buffered channel for outgoing
// responses.
const outBufferSize = 128

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{}

// Error is just a basic error.
type Error string

// Error satisfies the error interface.
func (e Error) Error() string {
	return string(e)
}

// ErrPeerDisconnected will be returned if Send is called on a disconnected
// link.
const ErrPeerDisconnected = Error("peer disconnected")

// Connection represents a websocket connection to a remote peer. In practice,
// it is satisfied by *websocket.Conn. For testing, a stub can be used.
type Connection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Handler serves one request. A nil Response sends nothing.
type Handler func(ctx context.Context, msg *msgjson.Message) *msgjson.Response

// WSLink is the local, per-connection representation of an engine client.
// Requests are served one at a time in the order they are read, so a client
// sees its responses in request order.
type WSLink struct {
	ip         string
	conn       Connection
	on         atomic.Bool
	quit       context.CancelFunc
	stopped    chan struct{}
	outChan    chan []byte
	wg         sync.WaitGroup
	handler    Handler
	pingPeriod time.Duration
}

// NewWSLink is a constructor for a new WSLink.
func NewWSLink(addr string, conn Connection, pingPeriod time.Duration, handler Handler) *WSLink {
	return &WSLink{
		ip:         addr,
		conn:       conn,
		outChan:    make(chan []byte, outBufferSize),
		pingPeriod: pingPeriod,
		handler:    handler,
	}
}

// Send queues the response for writing. A nil error only means the link was
// up and the response was encoded.
func (c *WSLink) Send(resp *msgjson.Response) error {
	if c.Off() {
		return ErrPeerDisconnected
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case c.outChan <- b:
	case <-c.stopped:
		return ErrPeerDisconnected
	}
	return nil
}

// SendError sends the msgjson.Error to the peer.
func (c *WSLink) SendError(id uint64, rpcErr *msgjson.Error) {
	resp, err := msgjson.NewResponse(id, nil, rpcErr)
	if err != nil {
		log.Errorf("SendError: failed to create response: %v", err)
		return
	}
	if err = c.Send(resp); err != nil {
		log.Debugf("SendError: failed to send response to peer %s: %v", c.ip, err)
	}
}

// Connect begins processing input and output. The returned WaitGroup is done
// when the link has shut down and the connection is closed.
func (c *WSLink) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if !c.on.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("attempted to start a running WSLink")
	}
	linkCtx, quit := context.WithCancel(ctx)
	c.quit = quit
	c.stopped = make(chan struct{})
	// The pong handler sets the following read deadlines.
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2)); err != nil {
		quit()
		return nil, fmt.Errorf("failed to set initial read deadline for %v: %w", c.ip, err)
	}

	log.Tracef("Starting websocket messaging with peer %s", c.ip)
	c.wg.Add(3)
	go c.inHandler(linkCtx)
	go c.outHandler(linkCtx)
	go c.pingHandler(linkCtx)
	return &c.wg, nil
}

func (c *WSLink) stop() bool {
	if !c.on.CompareAndSwap(true, false) {
		return false
	}
	close(c.stopped)
	c.quit()
	return true
}

// Disconnect begins shutdown of the WSLink. Queued responses are written
// before the connection is closed.
func (c *WSLink) Disconnect() {
	if !c.stop() {
		log.Debugf("Disconnect attempted on stopped WSLink.")
	}
}

func (c *WSLink) inHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.stop()
	for ctx.Err() == nil {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Errorf("Websocket receive error from peer %s: %v", c.ip, err)
			}
			return
		}
		// A request that does not decode gets an error but does not end the
		// connection.
		msg, err := msgjson.DecodeMessage(b)
		if err != nil {
			c.SendError(0, msgjson.NewError(msgjson.RPCInvalidArgument, "failed to parse request: %v", err))
			continue
		}
		resp := c.handler(ctx, msg)
		if resp == nil {
			continue
		}
		if err = c.Send(resp); err != nil {
			log.Debugf("Failed to send response %d to peer %s: %v", msg.ID, c.ip, err)
			return
		}
	}
}

func (c *WSLink) write(b []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *WSLink) outHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.stop()

	for {
		select {
		case b := <-c.outChan:
			if err := c.write(b); err != nil {
				log.Debugf("Write error for peer %s: %v", c.ip, err)
				return
			}
		case <-ctx.Done():
			// Write whatever was queued before the stop.
			for {
				select {
				case b := <-c.outChan:
					if err := c.write(b); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *WSLink) pingHandler(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			if err != nil {
				c.stop()
				log.Debugf("Ping error for peer %s: %v", c.ip, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Off will return true if the link has disconnected.
func (c *WSLink) Off() bool {
	return !c.on.Load()
}

// IP is the peer address passed to the constructor.
func (c *WSLink) IP() string {
	return c.ip
}

// NewConnection creates a new Connection by upgrading the http request to a
// websocket.
func NewConnection(w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (Connection, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var hsErr websocket.HandshakeError
		if errors.As(err, &hsErr) {
			log.Errorf("Unexpected websocket error: %v", err)
		}
		// Upgrade has already replied to the client.
		return nil, err
	}
	reqAddr := r.RemoteAddr
	ws.SetPongHandler(func(string) error {
		log.Tracef("got pong from %v", reqAddr)
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return ws, nil
}
