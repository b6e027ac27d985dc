// Package agent runs build sessions for a scheduler, either by listening for the scheduler
// to dial in or by keeping connections open to it.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// ReconnectDelay is the pause after a failed connection or session in dial-in mode
const ReconnectDelay = time.Second

// Agent serves build sessions
type Agent struct {
	cfg    utils.AgentConfig
	runner *protocol.Runner
	logger *utils.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// listen mode
	slots  chan struct{}
	server *http.Server

	// dial-in mode
	certificates []tls.Certificate
	reconnect    time.Duration
}

// NewAgent creates an agent running builds with exec
func NewAgent(cfg utils.AgentConfig, exec protocol.Executor) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var sdks protocol.SdkCache
	if cfg.SdkDir != "" {
		sdks = DirSdkCache{Root: cfg.SdkDir}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg: cfg,
		runner: protocol.NewRunner(protocol.RunnerConfig{
			WorkDir:  cfg.WorkDir,
			Executor: exec,
			Sdks:     sdks,
		}),
		logger:    utils.NewLogger("agent", utils.INFO),
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(chan struct{}, cfg.MaxJobs),
		reconnect: ReconnectDelay,
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		a.certificates = []tls.Certificate{cert}
	}
	return a, nil
}

// Handler returns the listen mode HTTP handler
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(transport.SessionPath, a.limit(transport.NewAcceptor(
		transport.StaticKey("scheduler", a.cfg.Key),
		func(_ string, conn transport.Conn) { a.serve(conn) },
	)))
	return mux
}

// limit rejects sessions beyond MaxJobs with 503
func (a *Agent) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case a.slots <- struct{}{}:
			defer func() { <-a.slots }()
		default:
			a.logger.Warn("Rejected session from %s: all %d slots busy", r.RemoteAddr, a.cfg.MaxJobs)
			http.Error(w, "agent busy", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start starts the agent in the configured mode
func (a *Agent) Start() error {
	if a.cfg.ListenAddr != "" {
		return a.startListening()
	}
	a.startDialing()
	return nil
}

func (a *Agent) startListening() error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}

	a.server = &http.Server{
		Handler:     a.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if len(a.certificates) > 0 {
		a.server.TLSConfig = &tls.Config{Certificates: a.certificates, MinVersion: tls.VersionTLS12}
		ln = tls.NewListener(ln, a.server.TLSConfig)
	} else {
		a.logger.Warn("No certificate configured, serving sessions without TLS")
	}

	a.logger.Info("Agent %s listening on %s (max jobs: %d)", a.cfg.Name, ln.Addr(), a.cfg.MaxJobs)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Server failed: %v", err)
		}
	}()
	return nil
}

func (a *Agent) startDialing() {
	dialer := &transport.Dialer{
		URL:              strings.TrimSuffix(a.cfg.ServerURL, "/") + transport.ConnectPath,
		Key:              a.cfg.Key,
		Fingerprint:      a.cfg.ServerFingerprint,
		Certificates:     a.certificates,
		HandshakeTimeout: 10 * time.Second,
	}

	a.logger.Info("Agent %s connecting to %s (max jobs: %d)", a.cfg.Name, dialer.URL, a.cfg.MaxJobs)

	g, ctx := errgroup.WithContext(a.ctx)
	for i := 0; i < a.cfg.MaxJobs; i++ {
		g.Go(func() error {
			a.dialLoop(ctx, dialer)
			return nil
		})
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		g.Wait()
	}()
}

// dialLoop keeps one connection open to the server and serves a session on it
func (a *Agent) dialLoop(ctx context.Context, dialer *transport.Dialer) {
	for ctx.Err() == nil {
		conn, err := dialer.Open(ctx)
		if err == nil {
			err = a.serve(conn)
		}
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("Session failed, reconnecting in %v: %v", a.reconnect, err)
			select {
			case <-time.After(a.reconnect):
			case <-ctx.Done():
			}
		}
	}
}

func (a *Agent) serve(conn transport.Conn) error {
	err := a.runner.Serve(a.ctx, conn)
	if err != nil {
		a.logger.Error("Session ended with error: %v", err)
	}
	return err
}

// Stop stops accepting sessions and cancels the running ones
func (a *Agent) Stop() {
	a.logger.Info("Stopping agent %s", a.cfg.Name)
	a.cancel()
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(ctx)
	}
	a.wg.Wait()
	a.logger.Info("Agent %s stopped", a.cfg.Name)
}
