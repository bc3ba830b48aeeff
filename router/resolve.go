package router

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/oid"
	"github.com/geekxflood/agentxd/region"
	"github.com/gosnmp/gosnmp"
)

type state uint8

const (
	// stateMustFill is a GetBulk repetition waiting for its predecessor.
	stateMustFill state = iota
	stateNew
	statePending
	stateDone
)

// slot is one varbind of the reply under construction.
type slot struct {
	state state
	// name is the OID the reply reports for exceptions.
	name oid.OID
	// oid and include are the current search start.
	oid     oid.OID
	include bool
	// end bounds GetNext and GetBulk lookups, nil when unbounded.
	end    oid.OID
	vb     agentx.Varbind
	region *region.Region
	// sub is the next repetition of the same GetBulk column.
	sub *slot
	// failed is set once a backend holding the slot went away, until
	// another owner is found.
	failed bool
	// index is the 1-based position of the request varbind.
	index int
	ds    *downstream
}

func (s *slot) finish(vb agentx.Varbind) {
	s.vb = vb
	s.state = stateDone
	s.ds = nil
}

// chainLen counts s and the repetitions after it that are still unfilled.
func (s *slot) chainLen() int {
	n := 1
	for t := s.sub; t != nil && t.state == stateMustFill; t = t.sub {
		n++
	}
	return n
}

type upstream struct {
	req       Request
	reply     func(Reply)
	slots     []*slot
	nonRep    int
	rows      int
	cols      int
	status    gosnmp.SNMPError
	index     int
	scheduled bool
	done      bool
	pending   map[*downstream]struct{}
	started   time.Time
}

type downstream struct {
	id      uint32
	up      *upstream
	backend Backend
	kind    gosnmp.PDUType
	// slots holds every reserved slot in reply order: heads first, then
	// each further repetition of the heads for a bulk call.
	slots    []*slot
	heads    int
	attempts int
	retries  int
	timeout  time.Duration
	timer    *time.Timer
	gen      int
}

func (d *downstream) reps() int { return len(d.slots) / d.heads }

func newUpstream(req Request, maxVarbinds int) *upstream {
	u := &upstream{
		req:     req,
		pending: make(map[*downstream]struct{}),
		started: time.Now(),
	}
	n := len(req.Varbinds)

	if req.Type != gosnmp.GetBulkRequest {
		u.nonRep = n
		for i, vb := range req.Varbinds {
			u.slots = append(u.slots, newSlot(vb.Name, i+1))
		}
		return u
	}

	u.nonRep = min(max(req.NonRepeaters, 0), n)
	u.cols = n - u.nonRep
	u.rows = max(req.MaxRepetitions, 0)
	if u.cols > 0 {
		room := max(maxVarbinds-u.nonRep, 0)
		u.rows = min(u.rows, room/u.cols)
	}
	if u.cols == 0 {
		u.rows = 0
	}

	for i := 0; i < u.nonRep; i++ {
		u.slots = append(u.slots, newSlot(req.Varbinds[i].Name, i+1))
	}
	grid := make([]*slot, u.rows*u.cols)
	for r := 0; r < u.rows; r++ {
		for c := 0; c < u.cols; c++ {
			idx := u.nonRep + c + 1
			s := &slot{state: stateMustFill, index: idx}
			if r == 0 {
				s = newSlot(req.Varbinds[u.nonRep+c].Name, idx)
			} else {
				grid[(r-1)*u.cols+c].sub = s
			}
			grid[r*u.cols+c] = s
		}
	}
	u.slots = append(u.slots, grid...)
	return u
}

func newSlot(name oid.OID, index int) *slot {
	return &slot{state: stateNew, name: name.Clone(), oid: name.Clone(), index: index}
}

func (u *upstream) finished() bool {
	for _, s := range u.slots {
		if s.state != stateDone {
			return false
		}
	}
	return true
}

func (r *Router) start(req Request, reply func(Reply)) {
	r.cfg.Observer.UpstreamRequest(req.Type)
	u := newUpstream(req, r.cfg.MaxVarbinds)
	u.reply = reply
	r.upstreams[u] = struct{}{}

	if r.stopping {
		r.fail(u, gosnmp.GenErr, 0)
		return
	}
	r.resolve(u)
}

// resolve runs one pass over u: it locates the owner of every new slot,
// dispatches batches to backends and finalizes u once nothing is left.
func (r *Router) resolve(u *upstream) {
	u.scheduled = false
	if u.done {
		return
	}

	for _, s := range u.slots {
		if s.state == stateNew {
			r.locate(u, s)
			if u.done {
				return
			}
		}
	}

	r.dispatch(u)
	if !u.done && u.finished() {
		r.finalize(u)
	}
}

func (r *Router) locate(u *upstream, s *slot) {
	ctx := u.req.Context
	reg := r.registry.Find(ctx, s.oid)

	if u.req.Type == gosnmp.GetRequest {
		if reg == nil {
			if s.failed {
				r.fail(u, gosnmp.GenErr, s.index)
				return
			}
			s.finish(agentx.Varbind{Name: s.name, Type: gosnmp.NoSuchObject})
			return
		}
		s.region = reg
		s.failed = false
		return
	}

	// An instance region holds nothing after its own OID, so the search
	// resumes just past it in whatever region encloses it.
	if reg != nil && reg.Instance && !s.include {
		s.oid = reg.End()
		s.include = true
		reg = r.registry.Find(ctx, s.oid)
	}
	if reg == nil {
		if s.failed {
			r.fail(u, gosnmp.GenErr, s.index)
			return
		}
		next := r.registry.Next(ctx, s.oid)
		if next == nil {
			r.endOfView(s)
			return
		}
		s.oid = next.OID.Clone()
		s.include = true
		reg = next
	}
	s.region = reg
	s.failed = false
	s.end = r.rangeEnd(ctx, s.oid, reg).Clone()
}

// rangeEnd bounds a lookup starting at o inside reg. The bound stops at the
// next registered OID so a backend never answers for another region, unless
// that region is contiguous and owned by the same backend able to honour
// search ranges.
func (r *Router) rangeEnd(ctx string, o oid.OID, reg *region.Region) oid.OID {
	end := minOID(reg.End(), r.nextOID(ctx, o))

	b, ok := reg.Owner.(Backend)
	if !ok || !b.Capabilities().SearchRange {
		return end
	}
	for end != nil {
		nx := r.registry.Find(ctx, end)
		if nx == nil || nx.Owner != reg.Owner || (nx.Instance && !nx.OID.Equal(end)) {
			break
		}
		ne := minOID(nx.End(), r.nextOID(ctx, end))
		if ne != nil && oid.Cmp(ne, end) <= 0 {
			break
		}
		end = ne
	}
	return end
}

func (r *Router) nextOID(ctx string, o oid.OID) oid.OID {
	if next := r.registry.Next(ctx, o); next != nil {
		return next.OID
	}
	return nil
}

// minOID orders nil after every OID.
func minOID(a, b oid.OID) oid.OID {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case oid.Cmp(b, a) < 0:
		return b
	default:
		return a
	}
}

// endOfView finishes s and every repetition after it with endOfMibView.
func (r *Router) endOfView(s *slot) {
	name := s.name
	s.finish(agentx.Varbind{Name: name, Type: gosnmp.EndOfMibView})
	for t := s.sub; t != nil; t = t.sub {
		if t.state == stateDone {
			continue
		}
		t.name = name
		t.oid = name
		t.finish(agentx.Varbind{Name: name, Type: gosnmp.EndOfMibView})
	}
}

// advance releases the repetition following a filled slot.
func (r *Router) advance(s *slot) {
	if s.state != stateDone || s.sub == nil || s.sub.state != stateMustFill {
		return
	}
	if s.vb.Type == gosnmp.EndOfMibView {
		r.endOfView(s)
		return
	}
	t := s.sub
	t.state = stateNew
	t.name = s.vb.Name.Clone()
	t.oid = s.vb.Name.Clone()
	t.include = false
	t.end = nil
	t.region = nil
	t.failed = false
}

// dispatch groups consecutive new slots owned by the same backend into
// downstream requests.
func (r *Router) dispatch(u *upstream) {
	var batch []*slot
	var owner Backend

	flush := func() {
		if len(batch) > 0 {
			r.send(u, owner, batch)
		}
		batch = nil
	}

	for _, s := range u.slots {
		if u.done {
			return
		}
		if s.state != stateNew {
			continue
		}
		b, ok := s.region.Owner.(Backend)
		if !ok {
			r.log.Error("region owner is not a backend", "region", s.region.String())
			r.fail(u, gosnmp.GenErr, s.index)
			return
		}
		if owner != nil && b != owner {
			flush()
		}
		owner = b
		batch = append(batch, s)
	}
	if !u.done {
		flush()
	}
}

// send splits a batch by call type. For bulk capable backends serving a
// GetBulk, heads with the same number of unfilled repetitions share one
// GetBulk call.
func (r *Router) send(u *upstream, b Backend, batch []*slot) {
	caps := b.Capabilities()

	switch u.req.Type {
	case gosnmp.GetRequest:
		r.newDownstream(u, b, caps, gosnmp.GetRequest, batch, 1)
		return
	case gosnmp.GetNextRequest:
		r.newDownstream(u, b, caps, gosnmp.GetNextRequest, batch, 1)
		return
	}

	if !caps.GetBulk {
		r.newDownstream(u, b, caps, gosnmp.GetNextRequest, batch, 1)
		return
	}

	groups := make(map[int][]*slot)
	var lengths []int
	for _, s := range batch {
		n := min(s.chainLen(), 0xffff)
		if _, ok := groups[n]; !ok {
			lengths = append(lengths, n)
		}
		groups[n] = append(groups[n], s)
	}
	for _, n := range lengths {
		if u.done {
			return
		}
		if n == 1 {
			r.newDownstream(u, b, caps, gosnmp.GetNextRequest, groups[n], 1)
			continue
		}
		r.newDownstream(u, b, caps, gosnmp.GetBulkRequest, groups[n], n)
	}
}

func (r *Router) newDownstream(u *upstream, b Backend, caps Capabilities, kind gosnmp.PDUType, heads []*slot, reps int) {
	d := &downstream{
		id:      r.nextRequestID(),
		up:      u,
		backend: b,
		kind:    kind,
		heads:   len(heads),
		retries: max(caps.Retries, 0),
		timeout: r.cfg.Timeout,
	}
	if caps.Timeout > 0 {
		d.timeout = caps.Timeout
	}
	if t := heads[0].region.Timeout; t > 0 {
		d.timeout = t
	}

	d.slots = slices.Clone(heads)
	row := heads
	for rep := 1; rep < reps; rep++ {
		next := make([]*slot, len(row))
		for i, s := range row {
			next[i] = s.sub
			s.sub.end = heads[i].end
			s.sub.region = heads[i].region
		}
		d.slots = append(d.slots, next...)
		row = next
	}
	for _, s := range d.slots {
		s.state = statePending
		s.ds = d
	}

	r.downstream[d.id] = d
	u.pending[d] = struct{}{}
	r.transmit(d)
}

func (d *downstream) ranges() []agentx.SearchRange {
	ranges := make([]agentx.SearchRange, d.heads)
	for i, s := range d.slots[:d.heads] {
		ranges[i] = agentx.SearchRange{Start: s.oid, Include: s.include}
		if d.kind != gosnmp.GetRequest {
			ranges[i].End = s.end
		}
	}
	return ranges
}

func (r *Router) transmit(d *downstream) {
	d.attempts++
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.timeout, func() {
		r.Post(func() { r.expire(d, gen) })
	})

	u := d.up
	b := d.backend
	ranges := d.ranges()
	r.cfg.Observer.DownstreamRequest(b.Name(), d.kind)
	r.log.Debug("dispatching downstream request",
		"backend", b.Name(), "request_id", d.id, "type", d.kind, "ranges", len(ranges), "attempt", d.attempts)

	var err error
	switch d.kind {
	case gosnmp.GetRequest:
		err = b.Get(u.req.RequestID, d.id, u.req.Context, ranges)
	case gosnmp.GetNextRequest:
		err = b.GetNext(u.req.RequestID, d.id, u.req.Context, ranges)
	case gosnmp.GetBulkRequest:
		err = b.GetBulk(u.req.RequestID, d.id, u.req.Context, 0, uint16(d.reps()), ranges)
	}
	if err != nil {
		r.log.Warn("downstream request failed", "backend", b.Name(), "request_id", d.id, "error", err)
		r.drop(d)
		r.fail(u, gosnmp.GenErr, d.slots[0].index)
	}
}

func (r *Router) expire(d *downstream, gen int) {
	if d.gen != gen || r.downstream[d.id] != d {
		return
	}
	r.cfg.Observer.DownstreamTimeout(d.backend.Name())
	if d.attempts <= d.retries {
		r.log.Debug("downstream request timed out, resending",
			"backend", d.backend.Name(), "request_id", d.id, "attempt", d.attempts)
		r.transmit(d)
		return
	}
	r.log.Warn("downstream request timed out",
		"backend", d.backend.Name(), "request_id", d.id, "attempts", d.attempts)
	r.drop(d)
	r.fail(d.up, gosnmp.GenErr, d.slots[0].index)
}

// drop forgets d without touching its slots.
func (r *Router) drop(d *downstream) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	delete(r.downstream, d.id)
	delete(d.up.pending, d)
}

func (r *Router) handleResponse(b Backend, id uint32, status gosnmp.SNMPError, index int, vbs []agentx.Varbind) {
	d, ok := r.downstream[id]
	if !ok || d.backend != b {
		r.log.Debug("dropping unexpected response", "backend", b.Name(), "request_id", id)
		return
	}
	r.drop(d)
	u := d.up

	if status != gosnmp.NoError {
		idx := d.slots[0].index
		if index >= 1 && index <= len(d.slots) {
			idx = d.slots[index-1].index
		}
		r.fail(u, status, idx)
		return
	}

	if idx, err := r.apply(d, vbs); err != nil {
		r.violation(b, err)
		r.fail(u, gosnmp.GenErr, idx)
		return
	}
	r.schedule(u)
}

// apply stores the answer to d. It returns the request varbind index and a
// description of the first protocol violation found.
func (r *Router) apply(d *downstream, vbs []agentx.Varbind) (int, error) {
	k := d.heads
	if d.kind == gosnmp.GetBulkRequest {
		if len(vbs) < k || len(vbs) > len(d.slots) {
			return d.slots[0].index, fmt.Errorf("bulk answer with %d varbinds for %d ranges of %d repetitions", len(vbs), k, d.reps())
		}
	} else if len(vbs) != len(d.slots) {
		return d.slots[0].index, fmt.Errorf("answer with %d varbinds for %d ranges", len(vbs), len(d.slots))
	}

	broken := make([]bool, k)
	for j, vb := range vbs {
		c := j % k
		s := d.slots[j]
		if broken[c] || s.state != statePending || s.ds != d {
			continue
		}
		if j >= k {
			prev := d.slots[j-k].vb.Name
			s.name = prev.Clone()
			s.oid = prev.Clone()
			s.include = false
		}
		if err := check(d.kind, s, vb); err != nil {
			return s.index, err
		}

		if d.kind != gosnmp.GetRequest &&
			(vb.Type == gosnmp.EndOfMibView || (s.end != nil && oid.Cmp(vb.Name, s.end) >= 0)) {
			broken[c] = true
			if s.end == nil {
				r.endOfView(s)
				continue
			}
			s.state = stateNew
			s.ds = nil
			s.oid = s.end
			s.include = true
			s.end = nil
			s.region = nil
			continue
		}
		vb.Name = vb.Name.Clone()
		s.finish(vb)
	}

	for _, s := range d.slots {
		if s.state == statePending && s.ds == d {
			s.state = stateMustFill
			s.ds = nil
		}
	}
	for _, s := range d.slots {
		r.advance(s)
	}
	return 0, nil
}

func check(kind gosnmp.PDUType, s *slot, vb agentx.Varbind) error {
	if err := agentx.CheckValue(vb.Type, vb.Value); err != nil {
		return fmt.Errorf("varbind %s: %w", vb.Name, err)
	}

	if kind == gosnmp.GetRequest {
		if !vb.Name.Equal(s.oid) {
			return fmt.Errorf("get of %s answered with %s", s.oid, vb.Name)
		}
		if vb.Type == gosnmp.EndOfMibView {
			return fmt.Errorf("get of %s answered with endOfMibView", s.oid)
		}
		return nil
	}

	switch vb.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return fmt.Errorf("getnext of %s answered with %v", s.oid, vb.Type)
	case gosnmp.EndOfMibView:
		return nil
	}
	c := oid.Cmp(vb.Name, s.oid)
	if c < 0 || (c == 0 && !s.include) {
		return fmt.Errorf("getnext of %s answered with %s", s.oid, vb.Name)
	}
	return nil
}

func (r *Router) violation(b Backend, err error) {
	r.cfg.Observer.Violation(b.Name())
	r.violations[b]++
	n := r.violations[b]
	r.log.Warn("backend protocol violation", "backend", b.Name(), "violations", n, "error", err)
	if n >= r.cfg.MaxViolations {
		delete(r.violations, b)
		r.log.Error("closing backend after repeated violations", "backend", b.Name(), "violations", n)
		b.Close(agentx.ReasonProtocolError)
	}
}

func (r *Router) handleBackendClosed(b Backend) {
	delete(r.violations, b)

	var lost []*downstream
	for _, d := range r.downstream {
		if d.backend == b {
			lost = append(lost, d)
		}
	}
	slices.SortFunc(lost, func(x, y *downstream) int { return cmp.Compare(x.id, y.id) })

	for _, d := range lost {
		r.drop(d)
		for i, s := range d.slots {
			if s.state != statePending || s.ds != d {
				continue
			}
			s.ds = nil
			if i < d.heads {
				s.state = stateNew
				s.failed = true
				s.region = nil
			} else {
				s.state = stateMustFill
			}
		}
		r.log.Debug("rescheduling after backend close", "backend", b.Name(), "request_id", d.id)
		r.schedule(d.up)
	}
}

// fail records the first error of u and answers it.
func (r *Router) fail(u *upstream, status gosnmp.SNMPError, index int) {
	if u.done {
		return
	}
	if u.status == gosnmp.NoError {
		u.status = status
		u.index = index
	}
	r.finalize(u)
}

func (r *Router) finalize(u *upstream) {
	if u.done {
		return
	}
	u.done = true
	for d := range u.pending {
		r.drop(d)
	}
	delete(r.upstreams, u)

	rep := u.assemble()
	r.cfg.Observer.UpstreamReply(u.req.Type, rep.ErrorStatus, time.Since(u.started))
	u.reply(rep)
}
