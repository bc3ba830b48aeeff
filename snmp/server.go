// Package snmp serves SNMPv1 and SNMPv2c requests over UDP by resolving them
// through the router.
//
// A single goroutine reads datagrams into pooled buffers and hands them to a
// fixed set of workers. Each worker decodes the message with gosnmp, waits
// for the router's reply and writes the response back to the sender.
//
// # Communities and contexts
//
// A request is accepted when its community equals the configured one. The
// form "community@name" selects the non-default context "name".
package snmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/oid"
	"github.com/geekxflood/agentxd/router"
	"github.com/gosnmp/gosnmp"
)

// Default settings.
const (
	DefaultListen         = "0.0.0.0:161"
	DefaultCommunity      = "public"
	DefaultWorkers        = 4
	DefaultMaxPacketSize  = 1472
	DefaultRequestTimeout = 10 * time.Second
	readTimeout           = time.Second
	maxDatagram           = 65535
)

// Packet outcomes reported to the Observer.
const (
	OutcomeAnswered    = "answered"
	OutcomeMalformed   = "malformed"
	OutcomeVersion     = "bad_version"
	OutcomeCommunity   = "bad_community"
	OutcomeUnsupported = "unsupported"
	OutcomeTimeout     = "timeout"
	OutcomeTooBig      = "too_big"
)

// Resolver answers upstream requests. *router.Router implements it.
type Resolver interface {
	Do(ctx context.Context, req router.Request) (router.Reply, error)
}

// Observer receives one outcome per received datagram. Implementations
// must be safe for concurrent use.
type Observer interface {
	Packet(outcome string)
}

type nopObserver struct{}

func (nopObserver) Packet(string) {}

// Config holds front end settings.
type Config struct {
	Listen         string
	Community      string
	Workers        int
	MaxPacketSize  int
	RequestTimeout time.Duration
	Logger         logging.Logger
	Observer       Observer
}

// Server is the UDP front end.
type Server struct {
	cfg      Config
	resolver Resolver
	log      *logging.ComponentLogger
	obs      Observer
	decoder  *gosnmp.GoSNMP
	buffers  sync.Pool

	mu     sync.Mutex
	conn   *net.UDPConn
	jobs   chan job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type job struct {
	packet []byte
	addr   *net.UDPAddr
}

// New returns a stopped server.
func New(resolver Resolver, cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Community == "" {
		cfg.Community = DefaultCommunity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		log:      logging.ForComponent(cfg.Logger, "snmp", "server"),
		obs:      cfg.Observer,
		decoder:  &gosnmp.GoSNMP{},
	}
	s.buffers.New = func() any { return make([]byte, 0, 2048) }
	return s
}

// Start binds the UDP socket and launches the reader and workers.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return errors.New("snmp server already started")
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", s.cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address %s: %w", s.cfg.Listen, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.cancel = cancel
	s.jobs = make(chan job, s.cfg.Workers*2)

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.worker(ctx, conn)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(ctx, conn)
		close(s.jobs)
		workers.Wait()
	}()

	s.log.Info("snmp listener started", "listen", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	cancel()
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("failed to close snmp socket", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) listen(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Debug("failed to read snmp datagram", "error", err)
			continue
		}

		packet := append(s.buffers.Get().([]byte)[:0], buf[:n]...)
		select {
		case s.jobs <- job{packet: packet, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) worker(ctx context.Context, conn *net.UDPConn) {
	for j := range s.jobs {
		out := s.Handle(ctx, j.packet)
		if cap(j.packet) <= 16*1024 {
			s.buffers.Put(j.packet[:0])
		}
		if out == nil {
			continue
		}
		if _, err := conn.WriteToUDP(out, j.addr); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("failed to write snmp response", "peer", j.addr.String(), "error", err)
		}
	}
}

// Handle processes one request message and returns the encoded response,
// or nil when the message must be dropped.
func (s *Server) Handle(ctx context.Context, msg []byte) []byte {
	pkt, err := s.decoder.SnmpDecodePacket(msg)
	if err != nil {
		s.obs.Packet(OutcomeMalformed)
		s.log.Debug("dropping undecodable snmp message", "error", err)
		return nil
	}
	if pkt.Version != gosnmp.Version1 && pkt.Version != gosnmp.Version2c {
		s.obs.Packet(OutcomeVersion)
		return nil
	}
	contextName, ok := s.context(pkt.Community)
	if !ok {
		s.obs.Packet(OutcomeCommunity)
		s.log.Debug("dropping snmp message with unknown community")
		return nil
	}

	req, err := s.request(pkt, contextName)
	if err != nil {
		s.obs.Packet(OutcomeUnsupported)
		s.log.Debug("dropping snmp message", "pdu_type", router.PDUName(pkt.PDUType), "error", err)
		return nil
	}

	rctx, cancel := context.WithTimeout(logging.WithRequest(ctx, req.RequestID), s.cfg.RequestTimeout)
	defer cancel()
	rep, err := s.resolver.Do(rctx, req)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		s.obs.Packet(OutcomeTimeout)
		s.log.WarnContext(rctx, "snmp request timed out", "pdu_type", router.PDUName(pkt.PDUType))
		rep = router.Reply{RequestID: req.RequestID, ErrorStatus: gosnmp.GenErr, ErrorIndex: 1, Varbinds: req.Varbinds}
	default:
		s.obs.Packet(OutcomeUnsupported)
		s.log.DebugContext(rctx, "snmp request not resolved", "error", err)
		return nil
	}

	if pkt.Version == gosnmp.Version1 {
		rep = v1Exceptions(req, rep)
	}
	out, outcome := s.encode(pkt, req, rep)
	if outcome != OutcomeTimeout {
		s.obs.Packet(outcome)
	}
	return out
}

// context maps a community to a context name.
func (s *Server) context(community string) (string, bool) {
	if community == s.cfg.Community {
		return "", true
	}
	if name, ok := strings.CutPrefix(community, s.cfg.Community+"@"); ok && name != "" {
		return name, true
	}
	return "", false
}

func (s *Server) request(pkt *gosnmp.SnmpPacket, contextName string) (router.Request, error) {
	req := router.Request{
		Context:   contextName,
		Version:   pkt.Version,
		Type:      pkt.PDUType,
		RequestID: pkt.RequestID,
	}
	switch pkt.PDUType {
	case gosnmp.GetRequest, gosnmp.GetNextRequest, gosnmp.SetRequest:
	case gosnmp.GetBulkRequest:
		if pkt.Version == gosnmp.Version1 {
			return req, errors.New("GetBulk in SNMPv1")
		}
		req.NonRepeaters = int(pkt.NonRepeaters)
		req.MaxRepetitions = int(pkt.MaxRepetitions)
	default:
		return req, fmt.Errorf("unsupported pdu type %s", pkt.PDUType)
	}

	req.Varbinds = make([]agentx.Varbind, len(pkt.Variables))
	for i, v := range pkt.Variables {
		name, err := oid.Parse(v.Name)
		if err != nil {
			return req, fmt.Errorf("varbind %d: %w", i+1, err)
		}
		req.Varbinds[i] = agentx.NewNull(name)
	}
	return req, nil
}

// v1Exceptions turns the first exception value of a v1 reply into
// noSuchName.
func v1Exceptions(req router.Request, rep router.Reply) router.Reply {
	if rep.ErrorStatus != gosnmp.NoError {
		return rep
	}
	for i, vb := range rep.Varbinds {
		if agentx.IsException(vb.Type) {
			return router.Reply{
				RequestID:   rep.RequestID,
				ErrorStatus: gosnmp.NoSuchName,
				ErrorIndex:  min(i+1, len(req.Varbinds)),
				Varbinds:    req.Varbinds,
			}
		}
	}
	return rep
}

// encode marshals the response, shrinking or replacing it when it exceeds
// the maximum message size.
func (s *Server) encode(pkt *gosnmp.SnmpPacket, req router.Request, rep router.Reply) ([]byte, string) {
	resp := &gosnmp.SnmpPacket{
		Version:    pkt.Version,
		Community:  pkt.Community,
		PDUType:    gosnmp.GetResponse,
		RequestID:  pkt.RequestID,
		Error:      rep.ErrorStatus,
		ErrorIndex: uint8(min(rep.ErrorIndex, 255)),
		Variables:  snmpPDUs(rep.Varbinds),
	}
	out, err := resp.MarshalMsg()
	if err != nil {
		s.log.Error("failed to encode snmp response", "error", err)
		return nil, OutcomeMalformed
	}
	if len(out) <= s.cfg.MaxPacketSize {
		return out, OutcomeAnswered
	}

	if req.Type == gosnmp.GetBulkRequest && rep.ErrorStatus == gosnmp.NoError {
		if out := s.truncate(resp); out != nil {
			return out, OutcomeAnswered
		}
	}

	resp.Error = gosnmp.TooBig
	resp.ErrorIndex = 0
	resp.Variables = nil
	if pkt.Version == gosnmp.Version1 {
		resp.Variables = snmpPDUs(req.Varbinds)
	}
	out, err = resp.MarshalMsg()
	if err != nil || len(out) > s.cfg.MaxPacketSize {
		return nil, OutcomeTooBig
	}
	return out, OutcomeTooBig
}

// truncate returns the encoding of resp with the most leading varbinds that
// fit, or nil when not even one does.
func (s *Server) truncate(resp *gosnmp.SnmpPacket) []byte {
	all := resp.Variables
	var best []byte
	lo, hi := 1, len(all)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		resp.Variables = all[:mid]
		out, err := resp.MarshalMsg()
		if err == nil && len(out) <= s.cfg.MaxPacketSize {
			best = out
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	resp.Variables = all
	return best
}

func snmpPDUs(vbs []agentx.Varbind) []gosnmp.SnmpPDU {
	out := make([]gosnmp.SnmpPDU, len(vbs))
	for i, vb := range vbs {
		out[i] = agentx.ToSnmpPDU(vb)
	}
	return out
}
