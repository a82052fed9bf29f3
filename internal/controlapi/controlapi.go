// Package controlapi implements the loopback-only HTTP+WebSocket control
// plane a host process (desktop companion, integration test harness,
// gapmesh-cli) uses to drive and observe a running Session Controller
// without linking against it directly.
package controlapi

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gapmesh/core/internal/keychain"
	"github.com/gapmesh/core/internal/session"
)

// Config configures the Control API surface. It is disabled by default;
// a caller must opt in explicitly.
type Config struct {
	Enabled bool
	Listen  string // e.g. "127.0.0.1:9944"
}

// DefaultListen is the address used when Config.Listen is empty.
const DefaultListen = "127.0.0.1:9944"

const jwtSecretSize = 32

// Server is the Control API's HTTP server, bound to one Session Controller.
type Server struct {
	ctrl      *session.Controller
	kc        keychain.Keychain
	cfg       Config
	jwtSecret []byte
	log       *slog.Logger

	engine *gin.Engine
	http   *http.Server

	ws *wsHub
}

// New constructs a Server. It mints a pairing secret on first start
// (logging its plaintext once) and a fresh, process-lifetime JWT signing
// key; neither step touches the network.
func New(ctx context.Context, cfg Config, ctrl *session.Controller, kc keychain.Keychain, log *slog.Logger) (*Server, error) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if err := requireLoopback(cfg.Listen); err != nil {
		return nil, err
	}

	secret, freshlyMinted, err := ensurePairingSecret(ctx, kc)
	if err != nil {
		return nil, err
	}

	jwtSecret := make([]byte, jwtSecretSize)
	if _, err := rand.Read(jwtSecret); err != nil {
		return nil, fmt.Errorf("controlapi: generate jwt signing key: %w", err)
	}

	s := &Server{
		ctrl:      ctrl,
		kc:        kc,
		cfg:       cfg,
		jwtSecret: jwtSecret,
		log:       log.With("component", "controlapi"),
		ws:        newWSHub(log),
	}

	if freshlyMinted {
		s.log.Warn("control API pairing secret generated, shown once — save it", "secret", secret)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loopbackOnly())
	s.engine = engine
	s.setupRoutes(engine)

	return s, nil
}

// requireLoopback refuses any listen address that does not resolve to the
// loopback interface: this surface must never be reachable from the network.
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("controlapi: invalid listen address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("controlapi: listen address %q must bind to loopback explicitly", addr)
	}
	ip := net.ParseIP(host)
	if ip != nil && !ip.IsLoopback() {
		return fmt.Errorf("controlapi: refusing non-loopback listen address %q", addr)
	}
	if ip == nil && host != "localhost" {
		return fmt.Errorf("controlapi: refusing non-loopback listen address %q", addr)
	}
	return nil
}

// loopbackOnly is a defense-in-depth second check against the already
// loopback-bound listener: reject any request whose remote address isn't
// loopback, in case the process sits behind a port-forwarding proxy.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "loopback only"})
			return
		}
		c.Next()
	}
}

// Run starts serving until ctx is canceled, then shuts the HTTP server
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.ws.run(ctx, s.ctrl)

	s.http = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control API listening", "addr", s.cfg.Listen)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

