package master

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
)

const (
	readBufferSize = 16 * 1024
	writeTimeout   = 10 * time.Second
)

// Conn is one transport connection. It may carry several sessions.
type Conn struct {
	m    *Master
	nc   net.Conn
	peer string
	ctx  context.Context

	mu      sync.Mutex
	out     [][]byte
	closing bool
	wake    chan struct{}

	// Owned by the router loop.
	enc         agentx.Encoder
	sessions    map[uint32]*Session
	parseErrors int
	closed      bool
}

func newConn(m *Master, nc net.Conn) *Conn {
	peer := "unknown"
	if addr := nc.RemoteAddr(); addr != nil && addr.String() != "" {
		peer = addr.Network() + ":" + addr.String()
	}
	return &Conn{
		m:        m,
		nc:       nc,
		peer:     peer,
		ctx:      logging.WithPeer(context.Background(), peer),
		wake:     make(chan struct{}, 1),
		sessions: make(map[uint32]*Session),
	}
}

// readLoop feeds received bytes into the frame reader and posts every PDU
// to the router loop.
func (c *Conn) readLoop() {
	defer c.m.wg.Done()

	rd := agentx.NewReader(c.m.cfg.MaxPDUSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			rd.Feed(buf[:n])
			if !c.dispatch(rd) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.m.log.DebugContext(c.ctx, "agentx connection read failed", "error", err)
			}
			c.post(func() { c.m.closeConn(c, agentx.ReasonOther, false) })
			return
		}
	}
}

// dispatch posts every complete PDU buffered in rd. It returns false once
// the stream cannot continue.
func (c *Conn) dispatch(rd *agentx.Reader) bool {
	for {
		p, err := rd.Next()
		var perr *agentx.ParseError
		switch {
		case err == nil:
			if !c.post(func() { c.m.handle(c, p) }) {
				return false
			}
		case errors.Is(err, agentx.ErrShortRead):
			return true
		case errors.As(err, &perr):
			if !c.post(func() { c.m.parseFailed(c, perr) }) {
				return false
			}
		default:
			c.m.log.WarnContext(c.ctx, "closing agentx connection", "error", err)
			c.post(func() { c.m.closeConn(c, agentx.ReasonParseError, true) })
			return false
		}
	}
}

// post runs fn on the router loop. Once the router is gone the connection
// is dropped.
func (c *Conn) post(fn func()) bool {
	if c.m.router.Post(fn) {
		return true
	}
	c.abort()
	return false
}

// writeLoop drains the outbound queue until the connection is shut down.
func (c *Conn) writeLoop() {
	defer c.m.wg.Done()
	defer func() {
		_ = c.nc.Close()
		c.m.mu.Lock()
		delete(c.m.live, c)
		c.m.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		q := c.out
		c.out = nil
		closing := c.closing
		c.mu.Unlock()

		for _, b := range q {
			if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, net.ErrClosed) {
				c.m.log.DebugContext(c.ctx, "failed to set write deadline", "error", err)
			}
			if _, err := c.nc.Write(b); err != nil {
				c.m.log.DebugContext(c.ctx, "agentx connection write failed", "error", err)
				return
			}
		}
		if len(q) == 0 {
			if closing {
				return
			}
			<-c.wake
		}
	}
}

func (c *Conn) enqueue(b []byte) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.out = append(c.out, b)
	c.mu.Unlock()
	c.signal()
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// shutdown stops the writer once the queued PDUs are written.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.signal()
}

// abort closes the transport immediately.
func (c *Conn) abort() {
	c.shutdown()
	_ = c.nc.Close()
}

// send encodes p and queues it. It must be called on the router loop.
func (c *Conn) send(p *agentx.PDU) {
	b, err := c.enc.Encode(p)
	if err != nil {
		c.m.log.ErrorContext(c.ctx, "failed to encode agentx pdu", "type", p.Payload.Type().String(), "error", err)
		return
	}
	c.enqueue(bytes.Clone(b))
}

// respond answers the PDU with header h.
func (c *Conn) respond(h agentx.Header, e agentx.Error, index uint16, vbs []agentx.Varbind) {
	c.send(&agentx.PDU{
		Header: agentx.Header{
			SessionID:     h.SessionID,
			TransactionID: h.TransactionID,
			PacketID:      h.PacketID,
		},
		Payload: &agentx.Response{
			SysUpTime: c.m.uptime(),
			Error:     e,
			Index:     index,
			Varbinds:  vbs,
		},
	})
}

// orderedSessions returns the sessions of c sorted by id.
func (c *Conn) orderedSessions() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.id, b.id) })
	return out
}
