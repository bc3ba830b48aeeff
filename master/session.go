package master

import (
	"errors"
	"fmt"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/oid"
	"github.com/geekxflood/agentxd/router"
)

// ErrSessionClosed is returned when a lookup is sent to a closed session.
var ErrSessionClosed = errors.New("agentx session closed")

type packetKey struct {
	transactionID uint32
	packetID      uint32
}

// Session is an open AgentX session. It serves lookups as a router.Backend.
// All methods run on the router loop.
type Session struct {
	m       *Master
	c       *Conn
	id      uint32
	ident   oid.OID
	descr   string
	name    string
	timeout time.Duration
	// longest is the largest region timeout registered by the session.
	longest time.Duration

	inflight map[packetKey]time.Time
	closed   bool
}

func newSession(m *Master, c *Conn, id uint32, pl *agentx.Open, timeout time.Duration) *Session {
	name := fmt.Sprintf("session-%d", id)
	if pl.Description != "" {
		name = fmt.Sprintf("%s#%d", pl.Description, id)
	}
	return &Session{
		m:        m,
		c:        c,
		id:       id,
		ident:    pl.ID.Clone(),
		descr:    pl.Description,
		name:     name,
		timeout:  timeout,
		inflight: make(map[packetKey]time.Time),
	}
}

// ID returns the session id.
func (s *Session) ID() uint32 { return s.id }

// Name implements router.Backend.
func (s *Session) Name() string { return s.name }

// Capabilities implements router.Backend.
func (s *Session) Capabilities() router.Capabilities {
	return router.Capabilities{
		GetBulk:     true,
		SearchRange: true,
		Timeout:     s.timeout,
		Retries:     s.m.cfg.Retries,
	}
}

// Get implements router.Backend.
func (s *Session) Get(transactionID, requestID uint32, context string, ranges []agentx.SearchRange) error {
	return s.send(transactionID, requestID, context, &agentx.Get{Ranges: ranges})
}

// GetNext implements router.Backend.
func (s *Session) GetNext(transactionID, requestID uint32, context string, ranges []agentx.SearchRange) error {
	return s.send(transactionID, requestID, context, &agentx.GetNext{Ranges: ranges})
}

// GetBulk implements router.Backend.
func (s *Session) GetBulk(transactionID, requestID uint32, context string, nonRepeaters, maxRepetitions uint16, ranges []agentx.SearchRange) error {
	return s.send(transactionID, requestID, context, &agentx.GetBulk{
		NonRepeaters:   nonRepeaters,
		MaxRepetitions: maxRepetitions,
		Ranges:         ranges,
	})
}

// Close implements router.Backend.
func (s *Session) Close(reason agentx.CloseReason) {
	s.m.closeSession(s, reason)
}

func (s *Session) send(transactionID, packetID uint32, context string, pl agentx.Payload) error {
	if s.closed {
		return ErrSessionClosed
	}

	now := time.Now()
	for k, deadline := range s.inflight {
		if now.After(deadline) {
			delete(s.inflight, k)
		}
	}
	// Retries reuse the packet id, so the entry must outlive every attempt.
	s.inflight[packetKey{transactionID, packetID}] = now.Add(max(s.timeout, s.longest) * time.Duration(s.m.cfg.Retries+2))

	s.c.send(&agentx.PDU{
		Header: agentx.Header{
			SessionID:     s.id,
			TransactionID: transactionID,
			PacketID:      packetID,
		},
		Context: context,
		Payload: pl,
	})
	return nil
}

func (s *Session) sendClose(reason agentx.CloseReason) {
	s.c.send(&agentx.PDU{
		Header:  agentx.Header{SessionID: s.id},
		Payload: &agentx.Close{Reason: reason},
	})
}

// response delivers an answer to a lookup sent by this session.
func (s *Session) response(h agentx.Header, pl *agentx.Response) {
	key := packetKey{h.TransactionID, h.PacketID}
	if _, ok := s.inflight[key]; !ok {
		s.m.log.DebugContext(logging.WithSession(s.c.ctx, s.id), "dropping unsolicited response",
			"transaction_id", h.TransactionID, "packet_id", h.PacketID)
		return
	}
	delete(s.inflight, key)
	s.m.router.Response(s, h.PacketID, pl.Error, int(pl.Index), pl.Varbinds)
}
