// Package master accepts AgentX subagent connections and turns their sessions
// into router backends.
//
// Connection I/O runs on per-connection goroutines. Everything else, session
// state included, is handled on the router loop through router.Post.
//
// # Basic Usage
//
//	m := master.New(r, forwarder, time.Now(), master.Config{
//		Listen: []string{"unix:/var/agentx/master"},
//	})
//	if err := m.Run(ctx); err != nil {
//		return err
//	}
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/oid"
	"github.com/geekxflood/agentxd/router"
)

// Default settings.
const (
	DefaultListen         = "unix:/var/agentx/master"
	DefaultTimeout        = 5 * time.Second
	DefaultMaxParseErrors = 3
	shutdownTimeout       = 5 * time.Second
)

// Config holds master agent settings.
type Config struct {
	// Listen holds "unix:/path", "tcp:host:port" or "host:port" addresses.
	Listen []string
	// Timeout is the default response timeout of sessions that do not ask
	// for one in their Open PDU.
	Timeout time.Duration
	// Retries is the number of resends after a session timed out.
	Retries int
	// MaxParseErrors is the number of consecutive unparsable PDUs after
	// which a connection is closed.
	MaxParseErrors int
	// MaxPDUSize caps the payload length of received PDUs.
	MaxPDUSize uint32
	Logger     logging.Logger
	Observer   Observer
}

// Notification is an accepted Notify PDU.
type Notification struct {
	Session  string
	Context  string
	Varbinds []agentx.Varbind
}

// Notifier receives notifications from subagents. Notify is called on the
// router loop and must not block.
type Notifier interface {
	Notify(n Notification)
}

// Observer receives session events. Implementations must be safe for
// concurrent use.
type Observer interface {
	SessionOpened()
	SessionClosed(reason agentx.CloseReason)
	PDUReceived(t agentx.Type)
	ParseError()
}

type nopObserver struct{}

func (nopObserver) SessionOpened()                  {}
func (nopObserver) SessionClosed(agentx.CloseReason) {}
func (nopObserver) PDUReceived(agentx.Type)          {}
func (nopObserver) ParseError()                      {}

// Master is the AgentX master agent.
type Master struct {
	cfg      Config
	router   *router.Router
	notifier Notifier
	log      *logging.ComponentLogger
	obs      Observer
	started  time.Time

	wg sync.WaitGroup

	mu        sync.Mutex
	live      map[*Conn]struct{}
	listeners []net.Listener

	// Owned by the router loop.
	lastSession uint32
	sessions    map[uint32]*Session
	conns       map[*Conn]struct{}
}

// New returns a master agent routing through r. sysUpTime in responses
// counts from started. notifier may be nil.
func New(r *router.Router, notifier Notifier, started time.Time, cfg Config) *Master {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxParseErrors <= 0 {
		cfg.MaxParseErrors = DefaultMaxParseErrors
	}
	if cfg.MaxPDUSize == 0 {
		cfg.MaxPDUSize = agentx.DefaultMaxPayload
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Master{
		cfg:      cfg,
		router:   r,
		notifier: notifier,
		log:      logging.ForComponent(cfg.Logger, "master", "agentx"),
		obs:      cfg.Observer,
		started:  started,
		live:     make(map[*Conn]struct{}),
		sessions: make(map[uint32]*Session),
		conns:    make(map[*Conn]struct{}),
	}
}

// uptime returns the hundredths of seconds since the master started.
func (m *Master) uptime() uint32 {
	return uint32(time.Since(m.started) / (10 * time.Millisecond))
}

// ParseAddress splits a listen address into network and address.
func ParseAddress(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		network, address = "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "tcp:"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp:")
	case strings.HasPrefix(addr, "/"):
		network, address = "unix", addr
	default:
		network, address = "tcp", addr
	}
	if address == "" {
		return "", "", fmt.Errorf("empty listen address %q", addr)
	}
	return network, address, nil
}

// Listen opens a listener on addr. A stale unix socket is removed first.
func (m *Master) Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()
	m.log.Info("agentx listener started", "listen", addr)
	return ln, nil
}

// Serve accepts connections on ln until it is closed.
func (m *Master) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("failed to accept agentx connection: %w", err)
		}
		m.ServeConn(nc)
	}
}

// ServeConn handles an established connection.
func (m *Master) ServeConn(nc net.Conn) {
	c := newConn(m, nc)
	if !m.router.Post(func() { m.conns[c] = struct{}{} }) {
		_ = nc.Close()
		return
	}

	m.mu.Lock()
	m.live[c] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	m.log.Debug("accepted agentx connection", "peer", c.peer)
}

// Run listens on every configured address and serves until ctx is
// cancelled, then closes all sessions with reason shutdown.
func (m *Master) Run(ctx context.Context) error {
	addrs := m.cfg.Listen
	if len(addrs) == 0 {
		addrs = []string{DefaultListen}
	}

	errCh := make(chan error, len(addrs))
	for _, addr := range addrs {
		ln, err := m.Listen(addr)
		if err != nil {
			m.closeListeners()
			return err
		}
		go func() { errCh <- m.Serve(ln) }()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	m.closeListeners()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := m.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (m *Master) closeListeners() {
	m.mu.Lock()
	lns := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, ln := range lns {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			m.log.Warn("failed to close listener", "addr", ln.Addr().String(), "error", err)
		}
		if ua, ok := ln.Addr().(*net.UnixAddr); ok {
			_ = os.Remove(ua.Name)
		}
	}
}

// Shutdown closes every connection, sending Close PDUs with reason
// shutdown, and waits for their goroutines to exit.
func (m *Master) Shutdown(ctx context.Context) error {
	posted := m.router.Post(func() {
		for c := range m.conns {
			m.closeConn(c, agentx.ReasonShutdown, true)
		}
	})
	if !posted {
		m.hardClose()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.hardClose()
		<-done
		return ctx.Err()
	}
}

// hardClose closes every connection without a goodbye.
func (m *Master) hardClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.live {
		c.abort()
	}
}

// Sessions returns the number of open sessions. It must be called on the
// router loop.
func (m *Master) Sessions() int { return len(m.sessions) }

var (
	sysUpTimeOID   = oid.OID{1, 3, 6, 1, 2, 1, 1, 3, 0}
	snmpTrapOIDOID = oid.OID{1, 3, 6, 1, 6, 3, 1, 1, 4, 1, 0}
)
