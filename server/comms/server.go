// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package comms serves engine commands as JSON-RPC over HTTP and websockets.
package comms

import (
	"context"
	"crypto/elliptic"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/certgen"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/openexch/matchengine/dex/msgjson"
	"github.com/openexch/matchengine/dex/ws"
	"golang.org/x/time/rate"
)

const (
	// rpcTimeoutSeconds bounds the time to read an HTTP request and write its
	// response.
	rpcTimeoutSeconds = 10

	// rpcMaxClients is the maximum number of active websocket connections
	// allowed.
	rpcMaxClients = 10000

	// banishTime is the default duration of a client quarantine.
	banishTime = time.Hour

	// maxRequestSize bounds an HTTP request body.
	maxRequestSize = 1 << 20

	// Default request rate limits. Engine clients are trusted services, so
	// these only stop runaway callers.
	DefaultIPRate   = 1000
	DefaultIPBurst  = 5000
	globalRateRatio = 10
)

var (
	// Time allowed to read the next pong message from the peer. This is the
	// websocket read timeout set by the pong handler.
	pongWait = 20 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Submitter serves a request. *engine.Engine satisfies Submitter.
type Submitter interface {
	Submit(ctx context.Context, msg *msgjson.Message) *msgjson.Response
}

// RPCConfig is the server configuration.
type RPCConfig struct {
	// ListenAddrs are the addresses on which the server will listen.
	ListenAddrs []string
	// TLS enables TLS on the listeners.
	TLS bool
	// The location of the TLS keypair files. If they are not already at the
	// specified location, a keypair with a self-signed certificate will be
	// generated and saved to these locations. Unused without TLS.
	RPCKey  string
	RPCCert string
	// AltDNSNames specifies allowable request addresses for an auto-generated
	// TLS keypair.
	AltDNSNames []string
	// IPRate is the per-IP request rate in requests per second, and IPBurst
	// the burst size. A negative IPRate disables rate limiting. Zero values
	// select the defaults.
	IPRate  float64
	IPBurst int
	// Engine serves the requests.
	Engine Submitter
}

// Server is the RPC front end of the engine. It supports websocket clients
// and single requests over HTTP POST.
type Server struct {
	listeners []net.Listener
	engine    Submitter

	clientMtx sync.RWMutex
	clients   map[uint64]*wsLink
	counter   uint64

	// The quarantine map maps IP addresses to a time in which the quarantine
	// will be lifted.
	banMtx     sync.RWMutex
	quarantine map[netip.Addr]time.Time

	ipRate         rate.Limit
	ipBurst        int
	globalLimiter  *rate.Limiter
	rateLimiterMtx sync.Mutex
	ipRateLimiters map[netip.Addr]*ipRateLimiter
}

// NewServer creates the listeners. With TLS, a key pair with a self-signed
// certificate is generated if one is not found.
func NewServer(cfg *RPCConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("no engine")
	}
	var tlsConfig *tls.Config
	if cfg.TLS {
		keyExists := fileExists(cfg.RPCKey)
		certExists := fileExists(cfg.RPCCert)
		if certExists == !keyExists {
			return nil, fmt.Errorf("missing cert pair file")
		}
		if !keyExists && !certExists {
			err := genCertPair(cfg.RPCCert, cfg.RPCKey, cfg.AltDNSNames)
			if err != nil {
				return nil, err
			}
		}
		keypair, err := tls.LoadX509KeyPair(cfg.RPCCert, cfg.RPCKey)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	listen := func(network, addr string) (net.Listener, error) {
		if tlsConfig != nil {
			return tls.Listen(network, addr, tlsConfig)
		}
		return net.Listen(network, addr)
	}
	ipv4ListenAddrs, ipv6ListenAddrs, _, err := parseListeners(cfg.ListenAddrs)
	if err != nil {
		return nil, err
	}
	listeners := make([]net.Listener, 0, len(ipv6ListenAddrs)+len(ipv4ListenAddrs))
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}
	for _, addr := range ipv4ListenAddrs {
		listener, err := listen("tcp4", addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		listeners = append(listeners, listener)
	}
	for _, addr := range ipv6ListenAddrs {
		listener, err := listen("tcp6", addr)
		if err != nil {
			// A host without IPv6 still serves a wildcard address on IPv4.
			if len(listeners) > 0 && isWildcard(addr) {
				log.Warnf("Can't listen on %s: %v", addr, err)
				continue
			}
			closeAll()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		listeners = append(listeners, listener)
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("no valid listen address")
	}

	ipRate, ipBurst := rate.Limit(cfg.IPRate), cfg.IPBurst
	switch {
	case cfg.IPRate < 0:
		ipRate = rate.Inf
	case cfg.IPRate == 0:
		ipRate = DefaultIPRate
	}
	if ipBurst <= 0 {
		ipBurst = DefaultIPBurst
	}

	return &Server{
		listeners:      listeners,
		engine:         cfg.Engine,
		clients:        make(map[uint64]*wsLink),
		quarantine:     make(map[netip.Addr]time.Time),
		ipRate:         ipRate,
		ipBurst:        ipBurst,
		globalLimiter:  rate.NewLimiter(ipRate*globalRateRatio, ipBurst*globalRateRatio),
		ipRateLimiters: make(map[netip.Addr]*ipRateLimiter),
	}, nil
}

// Addrs lists the addresses the server listens on.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Run serves requests until ctx is canceled, then closes the listeners and
// disconnects the websocket clients.
func (s *Server) Run(ctx context.Context) {
	log.Trace("Starting RPC server")

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second,
		WriteTimeout: rpcTimeoutSeconds * time.Second,
	}

	var wg sync.WaitGroup

	mux.With(s.LimitRate).Post("/", s.handleHTTP)

	mux.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := clientKey(r.RemoteAddr)
		if s.isQuarantined(ip) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if s.clientCount() >= rpcMaxClients {
			http.Error(w, "server at maximum capacity", http.StatusServiceUnavailable)
			return
		}
		wsConn, err := ws.NewConnection(w, r, pongWait)
		if err != nil {
			log.Errorf("ws connection error: %v", err)
			return
		}
		// http.Server.Shutdown does not wait for upgraded connections.
		log.Debugf("Starting websocket handler for %s", r.RemoteAddr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.websocketHandler(ctx, wsConn, ip)
		}()
	})

	for _, listener := range s.listeners {
		wg.Add(1)
		go func(listener net.Listener) {
			defer wg.Done()
			log.Infof("RPC server listening on %s", listener.Addr())
			err := httpServer.Serve(listener)
			if !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("unexpected (http.Server).Serve error: %v", err)
			}
			log.Debugf("RPC listener done for %s", listener.Addr())
		}(listener)
	}

	// Keep the rate limiter map clean.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute * 5)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pruneIPLimiters(time.Minute)
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()

	log.Infof("RPC server shutting down...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		log.Warnf("http.Server.Shutdown: %v", err)
	}

	s.disconnectClients()

	wg.Wait()
	log.Infof("RPC server shutdown complete")
}

// handleHTTP serves one JSON-RPC request from the body of a POST. Engine
// errors are in the response body, so the status is OK for any request that
// decodes.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		writeJSONWithStatus(w, errorResponse(0, msgjson.NewError(msgjson.RPCInvalidArgument,
			"error reading request: %v", err)), http.StatusBadRequest)
		return
	}
	msg, err := msgjson.DecodeMessage(b)
	if err != nil {
		writeJSONWithStatus(w, errorResponse(0, msgjson.NewError(msgjson.RPCInvalidArgument,
			"failed to parse request: %v", err)), http.StatusBadRequest)
		return
	}
	writeJSONWithStatus(w, s.engine.Submit(r.Context(), msg), http.StatusOK)
}

// Check if the IP address is quarantined.
func (s *Server) isQuarantined(ip netip.Addr) bool {
	s.banMtx.RLock()
	banTime, banned := s.quarantine[ip]
	s.banMtx.RUnlock()
	if banned && time.Now().After(banTime) {
		s.banMtx.Lock()
		delete(s.quarantine, ip)
		s.banMtx.Unlock()
		banned = false
	}
	return banned
}

// Quarantine the specified IP address.
func (s *Server) banish(ip netip.Addr) {
	s.banMtx.Lock()
	defer s.banMtx.Unlock()
	s.quarantine[ip] = time.Now().Add(banishTime)
}

// websocketHandler serves a websocket client until the connection closes.
func (s *Server) websocketHandler(ctx context.Context, conn ws.Connection, ip netip.Addr) {
	addr := ip.String()
	log.Tracef("New websocket client %s", addr)

	meter := func() (int, error) { return s.meterIP(ip) }
	client := newWSLink(addr, conn, s.engine, meter)
	linkWG, err := s.addClient(ctx, client)
	if err != nil {
		log.Errorf("Failed to add client %s: %v", addr, err)
		conn.Close()
		return
	}
	defer s.removeClient(client.id)

	linkWG.Wait()

	if client.ban {
		s.banish(ip)
	}
	log.Tracef("Disconnected websocket client %s", addr)
}

// disconnectClients calls disconnect on each wsLink, but does not remove it
// from the Server's client map.
func (s *Server) disconnectClients() {
	s.clientMtx.Lock()
	for _, link := range s.clients {
		link.Disconnect()
	}
	s.clientMtx.Unlock()
}

// addClient assigns the client an ID, adds it to the map, and connects it.
func (s *Server) addClient(ctx context.Context, client *wsLink) (*sync.WaitGroup, error) {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	client.id = s.counter
	s.counter++
	wg, err := client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	s.clients[client.id] = client
	return wg, nil
}

// Remove the client from the map.
func (s *Server) removeClient(id uint64) {
	s.clientMtx.Lock()
	delete(s.clients, id)
	s.clientMtx.Unlock()
}

// Get the number of active clients.
func (s *Server) clientCount() uint64 {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	return uint64(len(s.clients))
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, altDNSNames []string) error {
	log.Infof("Generating TLS certificates...")

	org := "matchengine autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, altDNSNames)
	if err != nil {
		return err
	}

	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}

func isWildcard(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	return err == nil && host == ""
}

// parseListeners splits the list of listen addresses passed in addrs into
// IPv4 and IPv6 slices and returns them. Addresses with an empty host apply
// to all interfaces and are added to both slices.
func parseListeners(addrs []string) ([]string, []string, bool, error) {
	ipv4ListenAddrs := make([]string, 0, len(addrs))
	ipv6ListenAddrs := make([]string, 0, len(addrs))
	haveWildcard := false

	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, nil, false, err
		}

		if host == "" {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
			haveWildcard = true
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		if zoneIndex := strings.LastIndex(host, "%"); zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return nil, nil, false, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		if ip.To4() == nil {
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
		} else {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
		}
	}
	return ipv4ListenAddrs, ipv6ListenAddrs, haveWildcard, nil
}

// writeJSONWithStatus writes the JSON response with the specified HTTP
// response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.Marshal(thing)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Errorf("JSON encode error: %v", err)
		return
	}
	w.WriteHeader(code)
	if _, err = w.Write(append(b, byte('\n'))); err != nil {
		log.Errorf("Write error: %v", err)
	}
}
