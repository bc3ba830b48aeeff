package router

import (
	"context"
	"errors"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/oid"
	"github.com/geekxflood/agentxd/region"
	"github.com/gosnmp/gosnmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type call struct {
	kind           gosnmp.PDUType
	transactionID  uint32
	requestID      uint32
	context        string
	nonRepeaters   uint16
	maxRepetitions uint16
	ranges         []agentx.SearchRange
}

type fakeBackend struct {
	name   string
	caps   Capabilities
	err    error
	calls  chan call
	closed chan agentx.CloseReason
}

func newFakeBackend(name string, caps Capabilities) *fakeBackend {
	return &fakeBackend{
		name:   name,
		caps:   caps,
		calls:  make(chan call, 64),
		closed: make(chan agentx.CloseReason, 4),
	}
}

func (f *fakeBackend) Name() string               { return f.name }
func (f *fakeBackend) Capabilities() Capabilities { return f.caps }

func (f *fakeBackend) Get(tid, rid uint32, ctx string, ranges []agentx.SearchRange) error {
	f.calls <- call{kind: gosnmp.GetRequest, transactionID: tid, requestID: rid, context: ctx, ranges: ranges}
	return f.err
}

func (f *fakeBackend) GetNext(tid, rid uint32, ctx string, ranges []agentx.SearchRange) error {
	f.calls <- call{kind: gosnmp.GetNextRequest, transactionID: tid, requestID: rid, context: ctx, ranges: ranges}
	return f.err
}

func (f *fakeBackend) GetBulk(tid, rid uint32, ctx string, nonRep, maxRep uint16, ranges []agentx.SearchRange) error {
	f.calls <- call{kind: gosnmp.GetBulkRequest, transactionID: tid, requestID: rid, context: ctx,
		nonRepeaters: nonRep, maxRepetitions: maxRep, ranges: ranges}
	return f.err
}

func (f *fakeBackend) Close(reason agentx.CloseReason) { f.closed <- reason }

func (f *fakeBackend) expectCall() call {
	GinkgoHelper()
	var c call
	Eventually(f.calls).Should(Receive(&c))
	return c
}

func (f *fakeBackend) expectNoCall() {
	GinkgoHelper()
	Consistently(f.calls, 100*time.Millisecond).ShouldNot(Receive())
}

func null(s string) agentx.Varbind {
	return agentx.NewNull(oid.MustParse(s))
}

func octets(s, v string) agentx.Varbind {
	return agentx.Varbind{Name: oid.MustParse(s), Type: gosnmp.OctetString, Value: []byte(v)}
}

func integer(s string, v int32) agentx.Varbind {
	return agentx.Varbind{Name: oid.MustParse(s), Type: gosnmp.Integer, Value: v}
}

func eomv(s string) agentx.Varbind {
	return agentx.Varbind{Name: oid.MustParse(s), Type: gosnmp.EndOfMibView}
}

var _ = Describe("Router", func() {
	var (
		reg    *region.Registry
		r      *Router
		cfg    Config
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		reg = region.New()
		cfg = Config{Timeout: time.Second, Logger: logging.Nop()}
	})

	start := func() {
		r = New(reg, cfg)
		ctx, cancel = context.WithCancel(context.Background())
		go func() { _ = r.Run(ctx) }()
		DeferCleanup(func() { cancel() })
	}

	register := func(o string, prio uint8, subtree bool, b Backend) {
		GinkgoHelper()
		_, err := reg.Register("", region.Registration{OID: oid.MustParse(o), Priority: prio, Subtree: subtree}, b)
		Expect(err).NotTo(HaveOccurred())
	}

	onLoop := func(fn func()) {
		GinkgoHelper()
		done := make(chan struct{})
		Expect(r.Post(func() { fn(); close(done) })).To(BeTrue())
		Eventually(done).Should(BeClosed())
	}

	resolve := func(req Request) <-chan Reply {
		GinkgoHelper()
		ch := make(chan Reply, 1)
		Expect(r.Resolve(req, func(rep Reply) { ch <- rep })).To(Succeed())
		return ch
	}

	await := func(ch <-chan Reply) Reply {
		GinkgoHelper()
		var rep Reply
		Eventually(ch, 2*time.Second).Should(Receive(&rep))
		return rep
	}

	Describe("SetRequest", func() {
		It("is answered with notWritable at index 1", func() {
			start()
			rep := await(resolve(Request{
				Version:   gosnmp.Version2c,
				Type:      gosnmp.SetRequest,
				RequestID: 7,
				Varbinds:  []agentx.Varbind{integer("1.3.6.1.2.1.1.5.0", 1), octets("1.3.6.1.2.1.1.6.0", "lab")},
			}))

			Expect(rep.RequestID).To(Equal(uint32(7)))
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NotWritable))
			Expect(rep.ErrorIndex).To(Equal(1))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{null("1.3.6.1.2.1.1.5.0"), null("1.3.6.1.2.1.1.6.0")}))
		})

		It("maps to noSuchName for SNMPv1", func() {
			start()
			rep := await(resolve(Request{
				Version:  gosnmp.Version1,
				Type:     gosnmp.SetRequest,
				Varbinds: []agentx.Varbind{integer("1.3.6.1.2.1.1.5.0", 1)},
			}))
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoSuchName))
			Expect(rep.ErrorIndex).To(Equal(1))
		})
	})

	Describe("Get", func() {
		It("returns the backend's value", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, true, a)
			start()

			ch := resolve(Request{
				Version:   gosnmp.Version2c,
				Type:      gosnmp.GetRequest,
				RequestID: 42,
				Varbinds:  []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")},
			})

			c := a.expectCall()
			Expect(c.kind).To(Equal(gosnmp.GetRequest))
			Expect(c.transactionID).To(Equal(uint32(42)))
			Expect(c.ranges).To(Equal([]agentx.SearchRange{{Start: oid.MustParse("1.3.6.1.2.1.1.1.0")}}))

			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.1.0", "hi")})

			rep := await(ch)
			Expect(rep.RequestID).To(Equal(uint32(42)))
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.ErrorIndex).To(BeZero())
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{octets("1.3.6.1.2.1.1.1.0", "hi")}))
		})

		It("reports noSuchObject without an owner", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, true, a)
			start()

			rep := await(resolve(Request{
				Version:  gosnmp.Version2c,
				Type:     gosnmp.GetRequest,
				Varbinds: []agentx.Varbind{null("1.3.6.1.4.1.8072.1.0")},
			}))
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.Varbinds).To(HaveLen(1))
			Expect(rep.Varbinds[0].Type).To(Equal(gosnmp.NoSuchObject))
			a.expectNoCall()
		})

		It("batches consecutive varbinds of the same backend", func() {
			a := newFakeBackend("a", Capabilities{})
			b := newFakeBackend("b", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			register("1.3.6.1.2.1.2", 10, false, b)
			start()

			ch := resolve(Request{
				Version: gosnmp.Version2c,
				Type:    gosnmp.GetRequest,
				Varbinds: []agentx.Varbind{
					null("1.3.6.1.2.1.1.1.0"), null("1.3.6.1.2.1.1.5.0"), null("1.3.6.1.2.1.2.1.0"),
				},
			})

			ca := a.expectCall()
			Expect(ca.ranges).To(HaveLen(2))
			cb := b.expectCall()
			Expect(cb.ranges).To(HaveLen(1))

			// Answers may arrive in any order.
			r.Response(b, cb.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{integer("1.3.6.1.2.1.2.1.0", 2)})
			r.Response(a, ca.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				octets("1.3.6.1.2.1.1.1.0", "router"), octets("1.3.6.1.2.1.1.5.0", "gw1"),
			})

			rep := await(ch)
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{
				octets("1.3.6.1.2.1.1.1.0", "router"), octets("1.3.6.1.2.1.1.5.0", "gw1"), integer("1.3.6.1.2.1.2.1.0", 2),
			}))
		})

		It("ignores answers from the wrong backend and unknown ids", func() {
			a := newFakeBackend("a", Capabilities{})
			b := newFakeBackend("b", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})
			c := a.expectCall()

			r.Response(b, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.1.0", "spoofed")})
			r.Response(a, c.requestID+100, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.1.0", "stale")})
			Consistently(ch, 100*time.Millisecond).ShouldNot(Receive())

			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.1.0", "real")})
			Expect(await(ch).Varbinds[0].Value).To(Equal([]byte("real")))
		})

		It("turns a backend error into an error carrier reply", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{
				Version:  gosnmp.Version2c,
				Type:     gosnmp.GetRequest,
				Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0"), null("1.3.6.1.2.1.1.4.0")},
			})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.Error(gosnmp.ResourceUnavailable), 2, []agentx.Varbind{
				octets("1.3.6.1.2.1.1.1.0", "x"), octets("1.3.6.1.2.1.1.4.0", "y"),
			})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.ResourceUnavailable))
			Expect(rep.ErrorIndex).To(Equal(2))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{null("1.3.6.1.2.1.1.1.0"), null("1.3.6.1.2.1.1.4.0")}))
		})

		It("maps AgentX errors to genErr", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.ProcessingError, 0, nil)

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.GenErr))
			Expect(rep.ErrorIndex).To(Equal(1))
		})

		It("fails with genErr when the backend cannot be reached", func() {
			a := newFakeBackend("a", Capabilities{})
			a.err = errors.New("connection reset")
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			rep := await(resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}}))
			Expect(rep.ErrorStatus).To(Equal(gosnmp.GenErr))
			Expect(rep.ErrorIndex).To(Equal(1))
		})
	})

	Describe("GetNext", func() {
		It("bounds the search range at the next region", func() {
			a := newFakeBackend("a", Capabilities{SearchRange: true})
			b := newFakeBackend("b", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			register("1.3.6.1.2.1.2", 10, false, b)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1")}})

			c := a.expectCall()
			Expect(c.kind).To(Equal(gosnmp.GetNextRequest))
			Expect(c.ranges).To(Equal([]agentx.SearchRange{{
				Start:   oid.MustParse("1.3.6.1.2.1.1"),
				End:     oid.MustParse("1.3.6.1.2.1.2"),
				Include: true,
			}}))
			b.expectNoCall()

			// a's range is exhausted, so the walk continues in b.
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{eomv("1.3.6.1.2.1.1")})

			cb := b.expectCall()
			Expect(cb.ranges).To(Equal([]agentx.SearchRange{{
				Start:   oid.MustParse("1.3.6.1.2.1.2"),
				End:     oid.MustParse("1.3.6.1.2.1.3"),
				Include: true,
			}}))
			r.Response(b, cb.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{integer("1.3.6.1.2.1.2.1.0", 4)})

			rep := await(ch)
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{integer("1.3.6.1.2.1.2.1.0", 4)}))
		})

		It("extends the search range across contiguous regions of one backend", func() {
			a := newFakeBackend("a", Capabilities{SearchRange: true})
			register("1.3.6.1.2.1.1", 10, false, a)
			register("1.3.6.1.2.1.2", 10, false, a)
			start()

			resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.9")}})
			c := a.expectCall()
			Expect(c.ranges[0].End).To(Equal(oid.MustParse("1.3.6.1.2.1.3")))
		})

		It("does not extend the range for backends without search range support", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			register("1.3.6.1.2.1.2", 10, false, a)
			start()

			resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.9")}})
			c := a.expectCall()
			Expect(c.ranges[0].End).To(Equal(oid.MustParse("1.3.6.1.2.1.2")))
		})

		It("continues in the enclosing region after a nested instance", func() {
			a := newFakeBackend("a", Capabilities{})
			b := newFakeBackend("b", Capabilities{})
			register("1.3.6.1.4.1.1", 10, false, a)
			_, err := reg.Register("", region.Registration{OID: oid.MustParse("1.3.6.1.4.1.1.5.0"), Priority: 10, Instance: true}, b)
			Expect(err).NotTo(HaveOccurred())
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.4.1.1.5.0")}})

			c := a.expectCall()
			Expect(c.ranges).To(Equal([]agentx.SearchRange{{
				Start:   oid.MustParse("1.3.6.1.4.1.1.5.0.0"),
				End:     oid.MustParse("1.3.6.1.4.1.2"),
				Include: true,
			}}))
			b.expectNoCall()

			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{integer("1.3.6.1.4.1.1.6.0", 6)})
			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{integer("1.3.6.1.4.1.1.6.0", 6)}))
		})

		It("answers endOfMibView past the last region", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			rep := await(resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.4")}}))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{eomv("1.3.6.1.4")}))
			a.expectNoCall()
		})

		It("treats an answer before the start as a violation", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.5.0")}})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.5.0", "same")})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.GenErr))
			Expect(rep.ErrorIndex).To(Equal(1))
		})
	})

	Describe("GetBulk", func() {
		It("stops querying a column after endOfMibView", func() {
			a := newFakeBackend("a", Capabilities{GetBulk: true})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{
				Version:        gosnmp.Version2c,
				Type:           gosnmp.GetBulkRequest,
				MaxRepetitions: 3,
				Varbinds:       []agentx.Varbind{null("1.3.6.1.2.1.1")},
			})

			c := a.expectCall()
			Expect(c.kind).To(Equal(gosnmp.GetBulkRequest))
			Expect(c.nonRepeaters).To(BeZero())
			Expect(c.maxRepetitions).To(Equal(uint16(3)))

			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				octets("1.3.6.1.2.1.1.1.0", "router"), eomv("1.3.6.1.2.1.1.1.0"),
			})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{
				octets("1.3.6.1.2.1.1.1.0", "router"), eomv("1.3.6.1.2.1.1.1.0"),
			}))
			a.expectNoCall()
		})

		It("degrades to GetNext for backends without bulk support", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{
				Version:        gosnmp.Version2c,
				Type:           gosnmp.GetBulkRequest,
				MaxRepetitions: 3,
				Varbinds:       []agentx.Varbind{null("1.3.6.1.2.1.1")},
			})

			c := a.expectCall()
			Expect(c.kind).To(Equal(gosnmp.GetNextRequest))
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.1.0", "router")})

			c = a.expectCall()
			Expect(c.kind).To(Equal(gosnmp.GetNextRequest))
			Expect(c.ranges).To(Equal([]agentx.SearchRange{{
				Start: oid.MustParse("1.3.6.1.2.1.1.1.0"),
				End:   oid.MustParse("1.3.6.1.2.1.2"),
			}}))
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{eomv("1.3.6.1.2.1.1.1.0")})

			rep := await(ch)
			Expect(rep.Varbinds).To(HaveLen(2))
			Expect(rep.Varbinds[1].Type).To(Equal(gosnmp.EndOfMibView))
			a.expectNoCall()
		})

		It("serves non-repeaters once and repeaters row by row", func() {
			a := newFakeBackend("a", Capabilities{GetBulk: true})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{
				Version:        gosnmp.Version2c,
				Type:           gosnmp.GetBulkRequest,
				NonRepeaters:   1,
				MaxRepetitions: 2,
				Varbinds:       []agentx.Varbind{null("1.3.6.1.2.1.1.3"), null("1.3.6.1.2.1.1.4"), null("1.3.6.1.2.1.1.5")},
			})

			next := a.expectCall()
			bulk := a.expectCall()
			if next.kind == gosnmp.GetBulkRequest {
				next, bulk = bulk, next
			}
			Expect(next.kind).To(Equal(gosnmp.GetNextRequest))
			Expect(bulk.kind).To(Equal(gosnmp.GetBulkRequest))
			Expect(bulk.ranges).To(HaveLen(2))

			r.Response(a, next.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				{Name: oid.MustParse("1.3.6.1.2.1.1.3.0"), Type: gosnmp.TimeTicks, Value: uint32(100)},
			})
			r.Response(a, bulk.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				octets("1.3.6.1.2.1.1.4.0", "ops"), octets("1.3.6.1.2.1.1.5.0", "gw1"),
				octets("1.3.6.1.2.1.1.5.0", "gw1"), octets("1.3.6.1.2.1.1.6.0", "lab"),
			})

			rep := await(ch)
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{
				{Name: oid.MustParse("1.3.6.1.2.1.1.3.0"), Type: gosnmp.TimeTicks, Value: uint32(100)},
				octets("1.3.6.1.2.1.1.4.0", "ops"), octets("1.3.6.1.2.1.1.5.0", "gw1"),
				octets("1.3.6.1.2.1.1.5.0", "gw1"), octets("1.3.6.1.2.1.1.6.0", "lab"),
			}))
		})

		It("keeps the full reply when columns end at different repetitions", func() {
			a := newFakeBackend("a", Capabilities{GetBulk: true})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{
				Version:        gosnmp.Version2c,
				Type:           gosnmp.GetBulkRequest,
				MaxRepetitions: 3,
				Varbinds:       []agentx.Varbind{null("1.3.6.1.2.1.1.1"), null("1.3.6.1.2.1.1.2")},
			})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				octets("1.3.6.1.2.1.1.1.0", "d"), integer("1.3.6.1.2.1.1.2.0", 1),
				eomv("1.3.6.1.2.1.1.1.0"), integer("1.3.6.1.2.1.1.3.0", 2),
				eomv("1.3.6.1.2.1.1.1.0"), eomv("1.3.6.1.2.1.1.3.0"),
			})

			rep := await(ch)
			Expect(rep.Varbinds).To(HaveLen(6))
			Expect(rep.Varbinds[2].Type).To(Equal(gosnmp.EndOfMibView))
			Expect(rep.Varbinds[3]).To(Equal(integer("1.3.6.1.2.1.1.3.0", 2)))
			Expect(rep.Varbinds[4].Type).To(Equal(gosnmp.EndOfMibView))
			Expect(rep.Varbinds[5].Type).To(Equal(gosnmp.EndOfMibView))
		})

		It("strips trailing endOfMibView rows shared by every column", func() {
			a := newFakeBackend("a", Capabilities{GetBulk: true})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{
				Version:        gosnmp.Version2c,
				Type:           gosnmp.GetBulkRequest,
				MaxRepetitions: 3,
				Varbinds:       []agentx.Varbind{null("1.3.6.1.2.1.1.1"), null("1.3.6.1.2.1.1.2")},
			})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				octets("1.3.6.1.2.1.1.1.0", "d"), integer("1.3.6.1.2.1.1.2.0", 1),
				eomv("1.3.6.1.2.1.1.1.0"), eomv("1.3.6.1.2.1.1.2.0"),
			})

			rep := await(ch)
			Expect(rep.Varbinds).To(HaveLen(4))
			Expect(rep.Varbinds[2].Type).To(Equal(gosnmp.EndOfMibView))
			Expect(rep.Varbinds[3].Type).To(Equal(gosnmp.EndOfMibView))
		})

		It("rejects GetBulk in SNMPv1", func() {
			start()
			err := r.Resolve(Request{Version: gosnmp.Version1, Type: gosnmp.GetBulkRequest}, func(Reply) {})
			Expect(err).To(MatchError(ErrUnsupportedPDU))
		})
	})

	Describe("SNMPv1 compatibility", func() {
		It("skips Counter64 values on GetNext", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.31", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version1, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.31.1.1.1.6")}})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				{Name: oid.MustParse("1.3.6.1.2.1.31.1.1.1.6.1"), Type: gosnmp.Counter64, Value: uint64(1 << 40)},
			})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{eomv("1.3.6.1.2.1.31.1.1.1.6")}))
		})

		It("fails Get of a Counter64 with noSuchName", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.31", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version1, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.31.1.1.1.6.1")}})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				{Name: oid.MustParse("1.3.6.1.2.1.31.1.1.1.6.1"), Type: gosnmp.Counter64, Value: uint64(1 << 40)},
			})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoSuchName))
			Expect(rep.ErrorIndex).To(Equal(1))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{null("1.3.6.1.2.1.31.1.1.1.6.1")}))
		})
	})

	Describe("timeouts", func() {
		It("sends retries+1 attempts before failing", func() {
			a := newFakeBackend("a", Capabilities{Timeout: 20 * time.Millisecond, Retries: 2})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.GenErr))
			Expect(rep.ErrorIndex).To(Equal(1))

			Expect(a.calls).To(HaveLen(3))
			first := <-a.calls
			for range 2 {
				Expect((<-a.calls).requestID).To(Equal(first.requestID))
			}
			a.expectNoCall()
		})
	})

	Describe("backend disconnect", func() {
		It("retries pending work on the next owner", func() {
			a := newFakeBackend("a", Capabilities{})
			b := newFakeBackend("b", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			register("1.3.6.1.2.1.1", 20, false, b)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})
			a.expectCall()

			onLoop(func() {
				r.Registry().UnregisterOwner(a)
				r.BackendClosed(a)
			})

			c := b.expectCall()
			r.Response(b, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.1.0", "from b")})
			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.Varbinds[0].Value).To(Equal([]byte("from b")))
		})

		It("keeps walking after the new owner exhausts its range", func() {
			a := newFakeBackend("a", Capabilities{})
			b := newFakeBackend("b", Capabilities{})
			c := newFakeBackend("c", Capabilities{})
			register("1.3.6.1.4.1.9", 1, false, a)
			register("1.3.6.1.4.1.9", 2, false, b)
			register("1.3.6.1.4.1.20", 1, false, c)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetNextRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.4.1.9")}})
			a.expectCall()

			onLoop(func() {
				r.Registry().UnregisterOwner(a)
				r.BackendClosed(a)
			})

			cb := b.expectCall()
			Expect(cb.ranges[0].End).To(Equal(oid.MustParse("1.3.6.1.4.1.10")))
			r.Response(b, cb.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{eomv("1.3.6.1.4.1.9")})

			cc := c.expectCall()
			Expect(cc.ranges[0].Start).To(Equal(oid.MustParse("1.3.6.1.4.1.20")))
			Expect(cc.ranges[0].Include).To(BeTrue())
			r.Response(c, cc.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{integer("1.3.6.1.4.1.20.1.0", 20)})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.NoError))
			Expect(rep.Varbinds).To(Equal([]agentx.Varbind{integer("1.3.6.1.4.1.20.1.0", 20)}))
		})

		It("fails with genErr when nobody else owns the oid", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})
			a.expectCall()

			onLoop(func() {
				r.Registry().UnregisterOwner(a)
				r.BackendClosed(a)
			})

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.GenErr))
			Expect(rep.ErrorIndex).To(Equal(1))
		})
	})

	Describe("violations", func() {
		It("closes a backend after repeated violations", func() {
			cfg.MaxViolations = 2
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			for i := range 2 {
				ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})
				c := a.expectCall()
				// Wrong name for a Get.
				r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{octets("1.3.6.1.2.1.1.2.0", "x")})
				Expect(await(ch).ErrorStatus).To(Equal(gosnmp.GenErr))

				if i == 0 {
					Consistently(a.closed, 50*time.Millisecond).ShouldNot(Receive())
				}
			}
			Eventually(a.closed).Should(Receive(Equal(agentx.ReasonProtocolError)))
		})

		It("rejects values that do not match their type", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.7.0")}})
			c := a.expectCall()
			r.Response(a, c.requestID, agentx.NoAgentXError, 0, []agentx.Varbind{
				{Name: oid.MustParse("1.3.6.1.2.1.1.7.0"), Type: gosnmp.Integer, Value: "seventy-two"},
			})
			Expect(await(ch).ErrorStatus).To(Equal(gosnmp.GenErr))
		})
	})

	Describe("shutdown", func() {
		It("answers outstanding requests with genErr", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			ch := resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})
			a.expectCall()
			cancel()

			rep := await(ch)
			Expect(rep.ErrorStatus).To(Equal(gosnmp.GenErr))
			Eventually(func() error {
				return r.Resolve(Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest}, func(Reply) {})
			}).Should(MatchError(ErrClosed))
		})
	})

	Describe("Do", func() {
		It("answers an empty request immediately", func() {
			start()
			rep, err := r.Do(context.Background(), Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, RequestID: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(rep.RequestID).To(Equal(uint32(3)))
			Expect(rep.Varbinds).To(BeEmpty())
		})

		It("honours the caller's context", func() {
			a := newFakeBackend("a", Capabilities{})
			register("1.3.6.1.2.1.1", 10, false, a)
			start()

			callCtx, callCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer callCancel()
			_, err := r.Do(callCtx, Request{Version: gosnmp.Version2c, Type: gosnmp.GetRequest, Varbinds: []agentx.Varbind{null("1.3.6.1.2.1.1.1.0")}})
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("rejects unsupported pdu types", func() {
			start()
			_, err := r.Do(context.Background(), Request{Version: gosnmp.Version2c, Type: gosnmp.InformRequest})
			Expect(err).To(MatchError(ErrUnsupportedPDU))
		})
	})
})
