// Package router splits SNMP requests into per-OID work, routes the work to
// the backends owning each OID region and reassembles their answers.
//
// All router state, the region registry included, is owned by the goroutine
// running Run. Other goroutines interact with it through Post, Resolve,
// Response and BackendClosed, which only enqueue events.
//
// # Basic Usage
//
//	reg := region.New()
//	r := router.New(reg, router.Config{Timeout: 5 * time.Second})
//	go r.Run(ctx)
//
//	reply, err := r.Do(ctx, router.Request{
//		Version:  gosnmp.Version2c,
//		Type:     gosnmp.GetRequest,
//		Varbinds: []agentx.Varbind{agentx.NewNull(oid.MustParse("1.3.6.1.2.1.1.1.0"))},
//	})
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/region"
	"github.com/gosnmp/gosnmp"
)

var (
	// ErrClosed is returned once the router loop has stopped.
	ErrClosed = errors.New("router closed")

	// ErrUnsupportedPDU is returned for request types the router cannot
	// answer.
	ErrUnsupportedPDU = errors.New("unsupported pdu type")
)

// Default settings.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxViolations = 3
	DefaultMaxVarbinds   = 1024
)

// Capabilities describes what a backend supports.
type Capabilities struct {
	// GetBulk means the backend answers GetBulk itself. Otherwise bulk
	// requests are split into GetNext round trips.
	GetBulk bool
	// SearchRange means the backend honours search range ends, so one call
	// may span several contiguous regions it owns.
	SearchRange bool
	// Timeout is the backend's response timeout, zero for the router default.
	Timeout time.Duration
	// Retries is the number of resends after a timeout.
	Retries int
}

// Backend is a provider of OID values. Calls are made on the router loop and
// must not block; answers are delivered with Router.Response.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Get(transactionID, requestID uint32, context string, ranges []agentx.SearchRange) error
	GetNext(transactionID, requestID uint32, context string, ranges []agentx.SearchRange) error
	GetBulk(transactionID, requestID uint32, context string, nonRepeaters, maxRepetitions uint16, ranges []agentx.SearchRange) error
	Close(reason agentx.CloseReason)
}

// Request is an upstream SNMP request.
type Request struct {
	Context        string
	Version        gosnmp.SnmpVersion
	Type           gosnmp.PDUType
	RequestID      uint32
	NonRepeaters   int
	MaxRepetitions int
	Varbinds       []agentx.Varbind
}

// Reply is the answer to a Request.
type Reply struct {
	RequestID   uint32
	ErrorStatus gosnmp.SNMPError
	ErrorIndex  int
	Varbinds    []agentx.Varbind
}

// Observer receives router events. Implementations must be safe for
// concurrent use.
type Observer interface {
	UpstreamRequest(pduType gosnmp.PDUType)
	UpstreamReply(pduType gosnmp.PDUType, status gosnmp.SNMPError, elapsed time.Duration)
	DownstreamRequest(backend string, pduType gosnmp.PDUType)
	DownstreamTimeout(backend string)
	Violation(backend string)
}

type nopObserver struct{}

func (nopObserver) UpstreamRequest(gosnmp.PDUType)                                {}
func (nopObserver) UpstreamReply(gosnmp.PDUType, gosnmp.SNMPError, time.Duration) {}
func (nopObserver) DownstreamRequest(string, gosnmp.PDUType)                      {}
func (nopObserver) DownstreamTimeout(string)                                      {}
func (nopObserver) Violation(string)                                              {}

// Config holds router settings. Zero values select the defaults.
type Config struct {
	// Timeout applies to backends and regions without their own.
	Timeout time.Duration
	// MaxViolations is the number of malformed answers after which a
	// backend is closed with reason protocolError.
	MaxViolations int
	// MaxVarbinds caps the number of slots a GetBulk may expand to.
	MaxVarbinds int
	Logger      logging.Logger
	Observer    Observer
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = DefaultMaxViolations
	}
	if c.MaxVarbinds <= 0 {
		c.MaxVarbinds = DefaultMaxVarbinds
	}
	if c.Logger == nil {
		c.Logger = logging.GetLogger()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

// Router dispatches upstream requests to backends.
type Router struct {
	cfg      Config
	log      *logging.ComponentLogger
	registry *region.Registry

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}

	// Owned by the loop.
	stopping   bool
	lastID     uint32
	downstream map[uint32]*downstream
	upstreams  map[*upstream]struct{}
	violations map[Backend]int
}

// New returns a router resolving regions in registry.
func New(registry *region.Registry, cfg Config) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:        cfg,
		log:        logging.ForComponent(cfg.Logger, "router", "core"),
		registry:   registry,
		wake:       make(chan struct{}, 1),
		downstream: make(map[uint32]*downstream),
		upstreams:  make(map[*upstream]struct{}),
		violations: make(map[Backend]int),
	}
}

// Registry returns the region registry. It may only be used on the loop,
// from a function passed to Post.
func (r *Router) Registry() *region.Registry { return r.registry }

// Post schedules fn to run on the loop. It returns false once the router has
// stopped.
func (r *Router) Post(fn func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted events until ctx is cancelled. On return every
// outstanding request has been answered with genErr.
func (r *Router) Run(ctx context.Context) error {
	r.log.Debug("router loop started")
	for {
		if r.drain() {
			continue
		}
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-r.wake:
		}
	}
}

func (r *Router) drain() bool {
	r.mu.Lock()
	q := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, fn := range q {
		fn()
	}
	return len(q) > 0
}

func (r *Router) shutdown() {
	r.stopping = true
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for r.drain() {
	}

	for u := range r.upstreams {
		r.fail(u, gosnmp.GenErr, 0)
	}
	r.log.Debug("router loop stopped")
}

// Resolve submits req and calls reply exactly once with the answer, from the
// loop goroutine or, for requests answered without a lookup, from the
// caller's.
func (r *Router) Resolve(req Request, reply func(Reply)) error {
	switch req.Type {
	case gosnmp.GetRequest, gosnmp.GetNextRequest:
	case gosnmp.GetBulkRequest:
		if req.Version == gosnmp.Version1 {
			return fmt.Errorf("%w: GetBulk in SNMPv1", ErrUnsupportedPDU)
		}
	case gosnmp.SetRequest:
		// Writes are never supported.
		r.cfg.Observer.UpstreamRequest(req.Type)
		rep := errorReply(req, gosnmp.NotWritable, 1)
		r.cfg.Observer.UpstreamReply(req.Type, rep.ErrorStatus, 0)
		reply(rep)
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedPDU, req.Type)
	}

	if !r.Post(func() { r.start(req, reply) }) {
		return ErrClosed
	}
	return nil
}

// Do resolves req and waits for the reply.
func (r *Router) Do(ctx context.Context, req Request) (Reply, error) {
	ch := make(chan Reply, 1)
	if err := r.Resolve(req, func(rep Reply) { ch <- rep }); err != nil {
		return Reply{}, err
	}
	select {
	case rep := <-ch:
		return rep, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Response delivers a backend's answer to the downstream request requestID.
// SNMP error statuses pass through; AgentX specific errors become genErr.
// index is 1-based into the varbinds of the downstream request.
func (r *Router) Response(b Backend, requestID uint32, status agentx.Error, index int, varbinds []agentx.Varbind) {
	st := gosnmp.GenErr
	if status <= agentx.Error(gosnmp.InconsistentName) {
		st = gosnmp.SNMPError(status)
	}
	r.Post(func() { r.handleResponse(b, requestID, st, index, varbinds) })
}

// BackendClosed fails every downstream request routed to b. Its pending
// work is retried against whatever regions remain, so regions owned by b
// should be unregistered first.
func (r *Router) BackendClosed(b Backend) {
	r.Post(func() { r.handleBackendClosed(b) })
}

func (r *Router) nextRequestID() uint32 {
	r.lastID++
	if r.lastID == 0 {
		r.lastID++
	}
	return r.lastID
}

func (r *Router) schedule(u *upstream) {
	if u.scheduled || u.done {
		return
	}
	u.scheduled = true
	if !r.Post(func() { r.resolve(u) }) {
		u.scheduled = false
	}
}

// PDUName returns a short label for the upstream PDU types.
func PDUName(t gosnmp.PDUType) string {
	switch t {
	case gosnmp.GetRequest:
		return "get"
	case gosnmp.GetNextRequest:
		return "getnext"
	case gosnmp.GetBulkRequest:
		return "getbulk"
	case gosnmp.SetRequest:
		return "set"
	default:
		return fmt.Sprintf("pdu_0x%02x", byte(t))
	}
}
