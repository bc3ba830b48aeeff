package master

import (
	"errors"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/region"
	"github.com/gosnmp/gosnmp"
)

// handle processes one PDU received on c. It runs on the router loop.
func (m *Master) handle(c *Conn, p *agentx.PDU) {
	if c.closed {
		return
	}
	c.parseErrors = 0
	h := p.Header
	m.obs.PDUReceived(h.Type)

	if open, ok := p.Payload.(*agentx.Open); ok {
		m.open(c, h, open)
		return
	}

	s := c.sessions[h.SessionID]
	if s == nil {
		if h.Type != agentx.TypeResponse {
			c.respond(h, agentx.NotOpen, 0, nil)
		}
		return
	}
	ctx := logging.WithSession(c.ctx, s.id)

	switch pl := p.Payload.(type) {
	case *agentx.Close:
		m.log.InfoContext(ctx, "agentx session closed by subagent", "session", s.name, "reason", pl.Reason.String())
		c.respond(h, agentx.NoAgentXError, 0, nil)
		m.dropSession(s, pl.Reason)
	case *agentx.Register:
		reg := region.Registration{
			OID:        pl.Subtree,
			Priority:   pl.Priority,
			Instance:   h.Flags.Has(agentx.FlagInstanceRegistration),
			RangeSubID: pl.RangeSubID,
			UpperBound: pl.UpperBound,
			Timeout:    time.Duration(pl.Timeout) * time.Second,
		}
		regions, err := m.router.Registry().Register(p.Context, reg, s)
		if err != nil {
			m.log.DebugContext(ctx, "registration refused", "oid", pl.Subtree.String(), "priority", pl.Priority, "error", err)
			c.respond(h, errorCode(err), 0, nil)
			return
		}
		s.longest = max(s.longest, reg.Timeout)
		m.log.DebugContext(ctx, "registered", "oid", pl.Subtree.String(), "priority", pl.Priority, "regions", len(regions))
		c.respond(h, agentx.NoAgentXError, 0, nil)
	case *agentx.Unregister:
		reg := region.Registration{
			OID:        pl.Subtree,
			Priority:   pl.Priority,
			RangeSubID: pl.RangeSubID,
			UpperBound: pl.UpperBound,
		}
		if err := m.router.Registry().Unregister(p.Context, reg, s); err != nil {
			c.respond(h, errorCode(err), 0, nil)
			return
		}
		c.respond(h, agentx.NoAgentXError, 0, nil)
	case *agentx.Notify:
		if !validNotification(pl.Varbinds) {
			c.respond(h, agentx.ProcessingError, 0, nil)
			return
		}
		c.respond(h, agentx.NoAgentXError, 0, nil)
		if m.notifier != nil {
			m.notifier.Notify(Notification{Session: s.name, Context: p.Context, Varbinds: pl.Varbinds})
		}
	case *agentx.Ping, *agentx.AddAgentCaps, *agentx.RemoveAgentCaps:
		c.respond(h, agentx.NoAgentXError, 0, nil)
	case *agentx.Response:
		s.response(h, pl)
	default:
		// Set transactions and index allocation are not served.
		c.respond(h, agentx.RequestDenied, 0, nil)
	}
}

func (m *Master) open(c *Conn, h agentx.Header, pl *agentx.Open) {
	m.lastSession++
	for m.lastSession == 0 || m.sessions[m.lastSession] != nil {
		m.lastSession++
	}

	timeout := m.cfg.Timeout
	if pl.Timeout > 0 {
		timeout = time.Duration(pl.Timeout) * time.Second
	}
	s := newSession(m, c, m.lastSession, pl, timeout)
	c.sessions[s.id] = s
	m.sessions[s.id] = s
	m.obs.SessionOpened()

	h.SessionID = s.id
	c.respond(h, agentx.NoAgentXError, 0, nil)
	m.log.InfoContext(logging.WithSession(c.ctx, s.id), "agentx session opened",
		"session", s.name, "subagent_id", pl.ID.String(), "timeout", timeout)
}

// parseFailed handles a PDU whose content could not be decoded.
func (m *Master) parseFailed(c *Conn, perr *agentx.ParseError) {
	if c.closed {
		return
	}
	c.parseErrors++
	m.obs.ParseError()
	m.log.WarnContext(c.ctx, "unparsable agentx pdu", "error", perr, "count", c.parseErrors)

	if perr.Header.Type != agentx.TypeResponse {
		c.respond(perr.Header, agentx.ParseFailed, 0, nil)
	}
	if c.parseErrors >= m.cfg.MaxParseErrors {
		m.closeConn(c, agentx.ReasonParseError, true)
	}
}

// closeConn ends every session on c and stops its writer. With notify set a
// Close PDU is sent for each session first.
func (m *Master) closeConn(c *Conn, reason agentx.CloseReason, notify bool) {
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.orderedSessions() {
		if notify {
			s.sendClose(reason)
		}
		m.dropSession(s, reason)
	}
	delete(m.conns, c)
	c.shutdown()
	m.log.DebugContext(c.ctx, "agentx connection closed", "reason", reason.String())
}

// closeSession ends one session at the master's initiative.
func (m *Master) closeSession(s *Session, reason agentx.CloseReason) {
	if s.closed {
		return
	}
	m.log.WarnContext(logging.WithSession(s.c.ctx, s.id), "closing agentx session", "session", s.name, "reason", reason.String())
	s.sendClose(reason)
	m.dropSession(s, reason)
}

// dropSession forgets s, removes its regions and fails its outstanding
// lookups over to other backends.
func (m *Master) dropSession(s *Session, reason agentx.CloseReason) {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.c.sessions, s.id)
	delete(m.sessions, s.id)

	n := m.router.Registry().UnregisterOwner(s)
	m.router.BackendClosed(s)
	m.obs.SessionClosed(reason)
	m.log.DebugContext(logging.WithSession(s.c.ctx, s.id), "agentx session removed", "session", s.name, "regions", n)
}

// errorCode maps a registry error to the AgentX error returned to the
// subagent.
func errorCode(err error) agentx.Error {
	switch {
	case errors.Is(err, region.ErrDuplicateRegistration):
		return agentx.DuplicateRegistration
	case errors.Is(err, region.ErrRequestDenied):
		return agentx.RequestDenied
	case errors.Is(err, region.ErrUnsupportedContext):
		return agentx.UnsupportedContext
	case errors.Is(err, region.ErrUnknownRegistration):
		return agentx.UnknownRegistration
	default:
		return agentx.ProcessingError
	}
}

// validNotification reports whether vbs starts with an optional sysUpTime.0
// followed by snmpTrapOID.0.
func validNotification(vbs []agentx.Varbind) bool {
	if len(vbs) > 0 && vbs[0].Name.Equal(sysUpTimeOID) {
		if vbs[0].Type != gosnmp.TimeTicks {
			return false
		}
		vbs = vbs[1:]
	}
	return len(vbs) > 0 && vbs[0].Name.Equal(snmpTrapOIDOID) && vbs[0].Type == gosnmp.ObjectIdentifier
}
