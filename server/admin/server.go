// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected http server for inspecting a
// running engine and forcing snapshots.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/server/engine"
)

const (
	// rpcTimeoutSeconds bounds reading a request and writing its response.
	// Snapshots of large books can take a while to write.
	rpcTimeoutSeconds = 60
)

var log = dex.Disabled

// UseLogger sets the logger for the admin package.
func UseLogger(logger dex.Logger) {
	log = logger
}

// SvrCore is the part of the engine manager used by the admin server.
type SvrCore interface {
	Status(ctx context.Context) (*engine.Status, error)
	SaveSnapshot(ctx context.Context) error
	QueueSizes() map[string]int
}

// Server is a password protected http server.
type Server struct {
	core      SvrCore
	addr      string
	tlsConfig *tls.Config
	srv       *http.Server
	authSHA   [32]byte
	started   time.Time
}

// SrvConfig holds variables needed to create a new Server. Without Cert and
// Key the server does not use TLS and should only listen on a loopback
// address.
type SrvConfig struct {
	Core            SvrCore
	Addr, Cert, Key string
	AuthSHA         [32]byte
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// NewServer is the constructor for a new Server.
func NewServer(cfg *SrvConfig) (*Server, error) {
	var tlsConfig *tls.Config
	if cfg.Cert != "" || cfg.Key != "" {
		if !fileExists(cfg.Key) || !fileExists(cfg.Cert) {
			return nil, fmt.Errorf("missing certificates")
		}
		keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second,
		WriteTimeout: rpcTimeoutSeconds * time.Second,
	}

	s := &Server{
		core:      cfg.Core,
		srv:       httpServer,
		addr:      cfg.Addr,
		tlsConfig: tlsConfig,
		authSHA:   cfg.AuthSHA,
		started:   time.Now(),
	}

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(oneTimeConnection)
	mux.Use(s.authMiddleware)

	mux.Route("/api", func(r chi.Router) {
		r.Get("/ping", apiPing)
		r.Get("/status", s.apiStatus)
		r.Post("/snapshot", s.apiSnapshot)
	})

	return s, nil
}

// Run starts the server.
func (s *Server) Run(ctx context.Context) {
	var listener net.Listener
	var err error
	if s.tlsConfig != nil {
		listener, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		listener, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		log.Errorf("can't listen on %s. admin server quitting: %v", s.addr, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	log.Infof("admin server listening on %s", listener.Addr())
	if err := s.srv.Serve(listener); err != http.ErrServerClosed {
		log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}

	wg.Wait()
	log.Infof("admin server off")
}

// oneTimeConnection sets fields in the header and request that indicate this
// connection should not be reused.
func oneTimeConnection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		r.Close = true
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks incoming requests for authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// User is ignored.
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			log.Warnf("server authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="matchengine admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		log.Debugf("server authenticated ip: %s", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
