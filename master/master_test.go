package master_test

import (
	"context"
	"net"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/master"
	"github.com/geekxflood/agentxd/oid"
	"github.com/geekxflood/agentxd/region"
	"github.com/geekxflood/agentxd/router"
	"github.com/gosnmp/gosnmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// peer is the subagent end of a piped connection.
type peer struct {
	nc     net.Conn
	pdus   chan *agentx.PDU
	eof    chan struct{}
	packet uint32
}

func newPeer(nc net.Conn) *peer {
	p := &peer{nc: nc, pdus: make(chan *agentx.PDU, 64), eof: make(chan struct{})}
	go func() {
		defer close(p.eof)
		rd := agentx.NewReader(0)
		buf := make([]byte, 4096)
		for {
			n, err := nc.Read(buf)
			rd.Feed(buf[:n])
			for {
				pdu, perr := rd.Next()
				if perr != nil {
					break
				}
				p.pdus <- pdu
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *peer) write(b []byte) {
	GinkgoHelper()
	Expect(p.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
	_, err := p.nc.Write(b)
	Expect(err).NotTo(HaveOccurred())
}

// send writes a PDU and returns its packet id.
func (p *peer) send(session uint32, context string, flags agentx.Flags, pl agentx.Payload) uint32 {
	GinkgoHelper()
	p.packet++
	b, err := agentx.Marshal(&agentx.PDU{
		Header:  agentx.Header{Flags: flags, SessionID: session, TransactionID: 7, PacketID: p.packet},
		Context: context,
		Payload: pl,
	})
	Expect(err).NotTo(HaveOccurred())
	p.write(b)
	return p.packet
}

func (p *peer) expect(t agentx.Type) *agentx.PDU {
	GinkgoHelper()
	var pdu *agentx.PDU
	Eventually(p.pdus, 2*time.Second).Should(Receive(&pdu))
	Expect(pdu.Header.Type).To(Equal(t))
	return pdu
}

// call sends pl and returns the response.
func (p *peer) call(session uint32, context string, flags agentx.Flags, pl agentx.Payload) *agentx.Response {
	GinkgoHelper()
	id := p.send(session, context, flags, pl)
	pdu := p.expect(agentx.TypeResponse)
	Expect(pdu.Header.PacketID).To(Equal(id))
	return pdu.Payload.(*agentx.Response)
}

type notifications chan master.Notification

func (n notifications) Notify(x master.Notification) { n <- x }

var _ = Describe("Master", func() {
	var (
		reg     *region.Registry
		r       *router.Router
		m       *master.Master
		p       *peer
		notes   notifications
		rcfg    router.Config
		mcfg    master.Config
		session uint32
	)

	BeforeEach(func() {
		reg = region.New("ctx1")
		notes = make(notifications, 4)
		rcfg = router.Config{Timeout: time.Second, Logger: logging.Nop()}
		mcfg = master.Config{Logger: logging.Nop(), MaxParseErrors: 2}
	})

	start := func() {
		r = router.New(reg, rcfg)
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = r.Run(ctx) }()
		DeferCleanup(cancel)

		m = master.New(r, notes, time.Now(), mcfg)
		client, server := net.Pipe()
		m.ServeConn(server)
		p = newPeer(client)
		DeferCleanup(func() {
			_ = client.Close()
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			_ = m.Shutdown(sctx)
		})
	}

	onLoop := func(fn func()) {
		GinkgoHelper()
		done := make(chan struct{})
		Expect(r.Post(func() { fn(); close(done) })).To(BeTrue())
		Eventually(done).Should(BeClosed())
	}

	open := func() uint32 {
		GinkgoHelper()
		id := p.send(0, "", 0, &agentx.Open{Timeout: 1, ID: oid.MustParse("1.3.6.1.4.1.8072"), Description: "test"})
		pdu := p.expect(agentx.TypeResponse)
		Expect(pdu.Header.PacketID).To(Equal(id))
		Expect(pdu.Payload.(*agentx.Response).Error).To(Equal(agentx.NoAgentXError))
		Expect(pdu.Header.SessionID).NotTo(BeZero())
		return pdu.Header.SessionID
	}

	registerOID := func(o string) {
		GinkgoHelper()
		res := p.call(session, "", 0, &agentx.Register{Priority: 127, Subtree: oid.MustParse(o)})
		Expect(res.Error).To(Equal(agentx.NoAgentXError))
	}

	regions := func() int {
		GinkgoHelper()
		var n int
		onLoop(func() { n = reg.Len() })
		return n
	}

	Context("sessions", func() {
		BeforeEach(func() {
			start()
			session = open()
		})

		It("assigns distinct session ids", func() {
			Expect(open()).NotTo(Equal(session))
			var n int
			onLoop(func() { n = m.Sessions() })
			Expect(n).To(Equal(2))
		})

		It("rejects PDUs for unknown sessions", func() {
			res := p.call(session+100, "", 0, &agentx.Ping{})
			Expect(res.Error).To(Equal(agentx.NotOpen))
		})

		It("answers pings", func() {
			Expect(p.call(session, "", 0, &agentx.Ping{}).Error).To(Equal(agentx.NoAgentXError))
		})

		It("denies lookups sent by a subagent", func() {
			res := p.call(session, "", 0, &agentx.Get{Ranges: []agentx.SearchRange{{Start: oid.MustParse("1.3.6.1.2.1.1.1.0")}}})
			Expect(res.Error).To(Equal(agentx.RequestDenied))
		})

		It("accepts agent capabilities", func() {
			res := p.call(session, "", 0, &agentx.AddAgentCaps{ID: oid.MustParse("1.3.6.1.4.1.8072.1"), Description: "caps"})
			Expect(res.Error).To(Equal(agentx.NoAgentXError))
		})

		It("removes regions when the subagent closes", func() {
			registerOID("1.3.6.1.4.1.100")
			Expect(regions()).To(Equal(1))

			Expect(p.call(session, "", 0, &agentx.Close{Reason: agentx.ReasonShutdown}).Error).To(Equal(agentx.NoAgentXError))
			Expect(regions()).To(BeZero())
			Expect(p.call(session, "", 0, &agentx.Ping{}).Error).To(Equal(agentx.NotOpen))
		})

		It("removes regions when the connection drops", func() {
			registerOID("1.3.6.1.4.1.100")
			Expect(p.nc.Close()).To(Succeed())
			Eventually(regions).Should(BeZero())
		})

		It("sends close on shutdown", func() {
			done := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				done <- m.Shutdown(ctx)
			}()

			pdu := p.expect(agentx.TypeClose)
			Expect(pdu.Header.SessionID).To(Equal(session))
			Expect(pdu.Payload.(*agentx.Close).Reason).To(Equal(agentx.ReasonShutdown))
			Eventually(p.eof).Should(BeClosed())
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})
	})

	Context("registration", func() {
		BeforeEach(func() {
			start()
			session = open()
		})

		It("registers regions owned by the session", func() {
			registerOID("1.3.6.1.4.1.100")
			var owner string
			onLoop(func() { owner = reg.Find("", oid.MustParse("1.3.6.1.4.1.100.1")).Owner.Name() })
			Expect(owner).To(Equal("test#1"))
		})

		It("registers instances", func() {
			res := p.call(session, "", agentx.FlagInstanceRegistration, &agentx.Register{Priority: 127, Subtree: oid.MustParse("1.3.6.1.4.1.100.1.0")})
			Expect(res.Error).To(Equal(agentx.NoAgentXError))
			var instance bool
			onLoop(func() { instance = reg.Find("", oid.MustParse("1.3.6.1.4.1.100.1.0")).Instance })
			Expect(instance).To(BeTrue())
		})

		It("registers ranges", func() {
			res := p.call(session, "", 0, &agentx.Register{Priority: 127, RangeSubID: 10, Subtree: oid.MustParse("1.3.6.1.2.1.2.2.1.1.1"), UpperBound: 4})
			Expect(res.Error).To(Equal(agentx.NoAgentXError))
			Expect(regions()).To(Equal(4))
		})

		DescribeTable("maps registry errors",
			func(context string, pl *agentx.Register, want agentx.Error) {
				registerOID("1.3.6.1.4.1.100")
				Expect(p.call(session, context, 0, pl).Error).To(Equal(want))
			},
			Entry("duplicate", "", &agentx.Register{Priority: 127, Subtree: oid.MustParse("1.3.6.1.4.1.100")}, agentx.DuplicateRegistration),
			Entry("unknown context", "nope", &agentx.Register{Priority: 127, Subtree: oid.MustParse("1.3.6.1.4.1.200")}, agentx.UnsupportedContext),
			Entry("priority zero", "", &agentx.Register{Subtree: oid.MustParse("1.3.6.1.4.1.200")}, agentx.ProcessingError),
		)

		It("accepts registrations in a configured context", func() {
			res := p.call(session, "ctx1", 0, &agentx.Register{Priority: 127, Subtree: oid.MustParse("1.3.6.1.4.1.100")})
			Expect(res.Error).To(Equal(agentx.NoAgentXError))
			var found bool
			onLoop(func() { found = reg.Find("ctx1", oid.MustParse("1.3.6.1.4.1.100.1")) != nil })
			Expect(found).To(BeTrue())
		})

		It("unregisters", func() {
			registerOID("1.3.6.1.4.1.100")
			res := p.call(session, "", 0, &agentx.Unregister{Priority: 127, Subtree: oid.MustParse("1.3.6.1.4.1.100")})
			Expect(res.Error).To(Equal(agentx.NoAgentXError))
			Expect(regions()).To(BeZero())

			res = p.call(session, "", 0, &agentx.Unregister{Priority: 127, Subtree: oid.MustParse("1.3.6.1.4.1.100")})
			Expect(res.Error).To(Equal(agentx.UnknownRegistration))
		})
	})

	Context("notifications", func() {
		BeforeEach(func() {
			start()
			session = open()
		})

		trapOID := agentx.Varbind{
			Name:  oid.MustParse("1.3.6.1.6.3.1.1.4.1.0"),
			Type:  gosnmp.ObjectIdentifier,
			Value: oid.MustParse("1.3.6.1.6.3.1.1.5.1"),
		}

		It("forwards valid notifications", func() {
			vbs := []agentx.Varbind{
				{Name: oid.MustParse("1.3.6.1.2.1.1.3.0"), Type: gosnmp.TimeTicks, Value: uint32(10)},
				trapOID,
			}
			Expect(p.call(session, "", 0, &agentx.Notify{Varbinds: vbs}).Error).To(Equal(agentx.NoAgentXError))

			var n master.Notification
			Eventually(notes).Should(Receive(&n))
			Expect(n.Session).To(Equal("test#1"))
			Expect(n.Varbinds).To(HaveLen(2))
		})

		It("accepts notifications without sysUpTime", func() {
			Expect(p.call(session, "", 0, &agentx.Notify{Varbinds: []agentx.Varbind{trapOID}}).Error).To(Equal(agentx.NoAgentXError))
			Eventually(notes).Should(Receive())
		})

		It("rejects notifications without snmpTrapOID", func() {
			vbs := []agentx.Varbind{{Name: oid.MustParse("1.3.6.1.2.1.1.5.0"), Type: gosnmp.OctetString, Value: []byte("x")}}
			Expect(p.call(session, "", 0, &agentx.Notify{Varbinds: vbs}).Error).To(Equal(agentx.ProcessingError))
			Consistently(notes, 100*time.Millisecond).ShouldNot(Receive())
		})
	})

	Context("parse errors", func() {
		BeforeEach(func() {
			start()
			session = open()
		})

		It("answers parseError and closes after repeated failures", func() {
			b, err := agentx.Marshal(&agentx.PDU{
				Header:  agentx.Header{SessionID: session, PacketID: 50},
				Payload: &agentx.Ping{},
			})
			Expect(err).NotTo(HaveOccurred())
			b[0] = 9 // unsupported version

			p.write(b)
			pdu := p.expect(agentx.TypeResponse)
			Expect(pdu.Header.PacketID).To(Equal(uint32(50)))
			Expect(pdu.Payload.(*agentx.Response).Error).To(Equal(agentx.ParseFailed))

			p.write(b)
			p.expect(agentx.TypeResponse)
			pdu = p.expect(agentx.TypeClose)
			Expect(pdu.Payload.(*agentx.Close).Reason).To(Equal(agentx.ReasonParseError))
			Eventually(p.eof).Should(BeClosed())
			Eventually(regions).Should(BeZero())
		})

		It("resets the count after a good PDU", func() {
			b, err := agentx.Marshal(&agentx.PDU{Header: agentx.Header{SessionID: session}, Payload: &agentx.Ping{}})
			Expect(err).NotTo(HaveOccurred())
			b[0] = 9

			p.write(b)
			p.expect(agentx.TypeResponse)
			Expect(p.call(session, "", 0, &agentx.Ping{}).Error).To(Equal(agentx.NoAgentXError))
			p.write(b)
			p.expect(agentx.TypeResponse)
			Consistently(p.eof, 100*time.Millisecond).ShouldNot(BeClosed())
		})
	})

	Context("routing", func() {
		do := func(req router.Request) <-chan router.Reply {
			ch := make(chan router.Reply, 1)
			go func() {
				defer GinkgoRecover()
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				rep, err := r.Do(ctx, req)
				Expect(err).NotTo(HaveOccurred())
				ch <- rep
			}()
			return ch
		}

		get := func(name string) router.Request {
			return router.Request{
				Version:   gosnmp.Version2c,
				Type:      gosnmp.GetRequest,
				RequestID: 99,
				Varbinds:  []agentx.Varbind{agentx.NewNull(oid.MustParse(name))},
			}
		}

		answer := func(lookup *agentx.PDU, vbs ...agentx.Varbind) {
			b, err := agentx.Marshal(&agentx.PDU{
				Header:  lookup.Header,
				Payload: &agentx.Response{Varbinds: vbs},
			})
			Expect(err).NotTo(HaveOccurred())
			p.write(b)
		}

		It("forwards lookups to the registered session", func() {
			start()
			session = open()
			registerOID("1.3.6.1.4.1.100")

			ch := do(get("1.3.6.1.4.1.100.1.0"))
			lookup := p.expect(agentx.TypeGet)
			Expect(lookup.Header.SessionID).To(Equal(session))
			Expect(lookup.Header.TransactionID).To(Equal(uint32(99)))
			ranges := lookup.Payload.(*agentx.Get).Ranges
			Expect(ranges).To(HaveLen(1))
			Expect(ranges[0].Start.String()).To(Equal("1.3.6.1.4.1.100.1.0"))

			answer(lookup, agentx.Varbind{Name: oid.MustParse("1.3.6.1.4.1.100.1.0"), Type: gosnmp.OctetString, Value: []byte("hello")})

			var rep router.Reply
			Eventually(ch, 2*time.Second).Should(Receive(&rep))
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.Varbinds[0].Value).To(Equal([]byte("hello")))
		})

		It("passes the context through", func() {
			start()
			session = open()
			res := p.call(session, "ctx1", 0, &agentx.Register{Priority: 127, Subtree: oid.MustParse("1.3.6.1.4.1.100")})
			Expect(res.Error).To(Equal(agentx.NoAgentXError))

			req := get("1.3.6.1.4.1.100.1.0")
			req.Context = "ctx1"
			ch := do(req)
			lookup := p.expect(agentx.TypeGet)
			Expect(lookup.Context).To(Equal("ctx1"))
			answer(lookup, agentx.Varbind{Name: oid.MustParse("1.3.6.1.4.1.100.1.0"), Type: gosnmp.Integer, Value: int32(3)})
			Eventually(ch, 2*time.Second).Should(Receive())
		})

		It("closes a session that answers with the wrong instance", func() {
			rcfg.MaxViolations = 1
			start()
			session = open()
			registerOID("1.3.6.1.4.1.100")

			ch := do(get("1.3.6.1.4.1.100.1.0"))
			lookup := p.expect(agentx.TypeGet)
			answer(lookup, agentx.Varbind{Name: oid.MustParse("1.3.6.1.4.1.100.2.0"), Type: gosnmp.Integer, Value: int32(1)})

			pdu := p.expect(agentx.TypeClose)
			Expect(pdu.Payload.(*agentx.Close).Reason).To(Equal(agentx.ReasonProtocolError))

			var rep router.Reply
			Eventually(ch, 2*time.Second).Should(Receive(&rep))
			Expect(rep.ErrorStatus).To(Equal(gosnmp.GenErr))
			Eventually(regions).Should(BeZero())
		})

		It("ignores responses nobody asked for", func() {
			start()
			session = open()
			b, err := agentx.Marshal(&agentx.PDU{
				Header:  agentx.Header{SessionID: session, TransactionID: 1, PacketID: 12345},
				Payload: &agentx.Response{},
			})
			Expect(err).NotTo(HaveOccurred())
			p.write(b)
			Consistently(p.pdus, 100*time.Millisecond).ShouldNot(Receive())
			Expect(p.call(session, "", 0, &agentx.Ping{}).Error).To(Equal(agentx.NoAgentXError))
		})
	})

	DescribeTable("ParseAddress",
		func(in, network, address string) {
			n, a, err := master.ParseAddress(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(network))
			Expect(a).To(Equal(address))
		},
		Entry("unix prefix", "unix:/var/agentx/master", "unix", "/var/agentx/master"),
		Entry("absolute path", "/tmp/agentx.sock", "unix", "/tmp/agentx.sock"),
		Entry("tcp prefix", "tcp:localhost:705", "tcp", "localhost:705"),
		Entry("bare host port", "127.0.0.1:705", "tcp", "127.0.0.1:705"),
	)

	It("rejects empty addresses", func() {
		_, _, err := master.ParseAddress("unix:")
		Expect(err).To(HaveOccurred())
	})
})
