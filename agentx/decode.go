package agentx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/geekxflood/agentxd/oid"
	"github.com/gosnmp/gosnmp"
)

var (
	// ErrShortRead means fewer bytes are buffered than the next PDU needs.
	// Feed more data and call Next again.
	ErrShortRead = errors.New("short read")

	// ErrPDUTooLarge is returned when a header declares a payload above the
	// reader's limit. The stream cannot be resynchronised past it.
	ErrPDUTooLarge = errors.New("pdu exceeds maximum payload length")

	// ErrMalformed is wrapped by every ParseError.
	ErrMalformed = errors.New("malformed pdu")

	// ErrMissingPayload is returned when encoding a PDU without a body.
	ErrMissingPayload = errors.New("pdu has no payload")

	// ErrUnknownPayload is returned when encoding an unsupported body type.
	ErrUnknownPayload = errors.New("unknown payload type")
)

// ParseError reports a PDU whose header was read but whose content is
// invalid. The PDU's bytes have been consumed, so the stream remains usable.
type ParseError struct {
	Header Header
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s pdu (session %d, packet %d): %v",
		e.Header.Type, e.Header.SessionID, e.Header.PacketID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses exactly one PDU from b, which must contain the whole PDU.
// It returns the number of bytes consumed. When the header is readable but
// the PDU is not, the error is a *ParseError and n still covers the PDU.
func Decode(b []byte) (p *PDU, n int, err error) {
	if len(b) < HeaderSize {
		return nil, 0, ErrShortRead
	}
	h := decodeHeader(b)
	n = HeaderSize + int(h.PayloadLength)
	if len(b) < n {
		return nil, 0, ErrShortRead
	}
	p, err = decodeBody(h, b[HeaderSize:n])
	return p, n, err
}

func decodeHeader(b []byte) Header {
	h := Header{
		Version: b[0],
		Type:    Type(b[1]),
		Flags:   Flags(b[2]),
	}
	order := byteOrder(h.Flags)
	h.SessionID = order.Uint32(b[4:8])
	h.TransactionID = order.Uint32(b[8:12])
	h.PacketID = order.Uint32(b[12:16])
	h.PayloadLength = order.Uint32(b[16:20])
	return h
}

func byteOrder(f Flags) binary.ByteOrder {
	if f.Has(FlagNetworkByteOrder) {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func decodeBody(h Header, body []byte) (*PDU, error) {
	fail := func(err error) (*PDU, error) {
		return nil, &ParseError{Header: h, Err: err}
	}

	if h.Version != Version {
		return fail(malformed("unsupported version %d", h.Version))
	}
	payload := newPayload(h.Type)
	if payload == nil {
		return fail(malformed("unknown type %d", uint8(h.Type)))
	}
	if h.PayloadLength%4 != 0 {
		return fail(malformed("payload length %d not a multiple of 4", h.PayloadLength))
	}

	d := &decoder{b: body, order: byteOrder(h.Flags)}
	p := &PDU{Header: h, Payload: payload}
	if h.Flags.Has(FlagNonDefaultContext) {
		if !h.Type.HasContext() {
			return fail(malformed("context flag on %s", h.Type))
		}
		p.Context = string(d.octets())
	}
	d.payload(payload)

	if d.err != nil {
		return fail(d.err)
	}
	if d.off != len(d.b) {
		return fail(malformed("%d trailing bytes", len(d.b)-d.off))
	}
	return p, nil
}

// decoder reads fields from a payload, keeping the first error.
type decoder struct {
	b     []byte
	off   int
	order binary.ByteOrder
	err   error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b)-d.off < n {
		d.err = malformed("payload truncated at offset %d", d.off)
		return nil
	}
	s := d.b[d.off : d.off+n]
	d.off += n
	return s
}

func (d *decoder) u8() uint8 {
	if s := d.take(1); s != nil {
		return s[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if s := d.take(2); s != nil {
		return d.order.Uint16(s)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if s := d.take(4); s != nil {
		return d.order.Uint32(s)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if s := d.take(8); s != nil {
		return d.order.Uint64(s)
	}
	return 0
}

func (d *decoder) skip(n int) { d.take(n) }

func (d *decoder) octets() []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(d.b)-d.off) {
		d.err = malformed("octet string length %d exceeds payload", n)
		return nil
	}
	data := d.take(int(n))
	d.skip((4 - int(n)%4) % 4)
	if d.err != nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func (d *decoder) oid() (o oid.OID, include bool) {
	hdr := d.take(4)
	if hdr == nil {
		return nil, false
	}
	n, prefix, inc := int(hdr[0]), hdr[1], hdr[2]
	if inc > 1 {
		d.err = malformed("include byte %d", inc)
		return nil, false
	}
	total := n
	if prefix != 0 {
		total += 5
	}
	if total > oid.MaxLen {
		d.err = malformed("oid with %d sub-identifiers", total)
		return nil, false
	}
	if total == 0 {
		return nil, inc == 1
	}
	o = make(oid.OID, 0, total)
	if prefix != 0 {
		o = append(o, internetPrefix...)
		o = append(o, uint32(prefix))
	}
	for i := 0; i < n; i++ {
		o = append(o, d.u32())
	}
	if d.err != nil {
		return nil, false
	}
	return o, inc == 1
}

func (d *decoder) plainOID() oid.OID {
	o, inc := d.oid()
	if inc && d.err == nil {
		d.err = malformed("include set on %s", o)
	}
	return o
}

func (d *decoder) ranges() []SearchRange {
	var rs []SearchRange
	for d.err == nil && d.off < len(d.b) {
		start, inc := d.oid()
		end := d.plainOID()
		rs = append(rs, SearchRange{Start: start, End: end, Include: inc})
	}
	return rs
}

func (d *decoder) varbinds() []Varbind {
	var vbs []Varbind
	for d.err == nil && d.off < len(d.b) {
		vbs = append(vbs, d.varbind())
	}
	return vbs
}

func (d *decoder) varbind() Varbind {
	vb := Varbind{Type: gosnmp.Asn1BER(d.u16())}
	d.skip(2)
	vb.Name = d.plainOID()
	if d.err != nil {
		return vb
	}

	switch vb.Type {
	case gosnmp.Integer:
		vb.Value = int32(d.u32())
	case gosnmp.OctetString, gosnmp.Opaque:
		vb.Value = d.octets()
	case gosnmp.IPAddress:
		ip := d.octets()
		if d.err == nil && len(ip) != net.IPv4len {
			d.err = malformed("ipaddress of %d bytes", len(ip))
		}
		vb.Value = net.IP(ip)
	case gosnmp.ObjectIdentifier:
		vb.Value = d.plainOID()
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks:
		vb.Value = d.u32()
	case gosnmp.Counter64:
		vb.Value = d.u64()
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
	default:
		if d.err == nil {
			d.err = malformed("unknown value type %d", uint16(vb.Type))
		}
	}
	return vb
}

func (d *decoder) payload(payload Payload) {
	switch pl := payload.(type) {
	case *Open:
		pl.Timeout = d.u8()
		d.skip(3)
		pl.ID = d.plainOID()
		pl.Description = string(d.octets())
	case *Close:
		pl.Reason = CloseReason(d.u8())
		d.skip(3)
	case *Register:
		pl.Timeout = d.u8()
		pl.Priority = d.u8()
		pl.RangeSubID = d.u8()
		d.skip(1)
		pl.Subtree = d.plainOID()
		if pl.RangeSubID != 0 {
			pl.UpperBound = d.u32()
		}
	case *Unregister:
		d.skip(1)
		pl.Priority = d.u8()
		pl.RangeSubID = d.u8()
		d.skip(1)
		pl.Subtree = d.plainOID()
		if pl.RangeSubID != 0 {
			pl.UpperBound = d.u32()
		}
	case *Get:
		pl.Ranges = d.ranges()
	case *GetNext:
		pl.Ranges = d.ranges()
	case *GetBulk:
		pl.NonRepeaters = d.u16()
		pl.MaxRepetitions = d.u16()
		pl.Ranges = d.ranges()
	case *TestSet:
		pl.Varbinds = d.varbinds()
	case *Notify:
		pl.Varbinds = d.varbinds()
	case *IndexAllocate:
		pl.Varbinds = d.varbinds()
	case *IndexDeallocate:
		pl.Varbinds = d.varbinds()
	case *AddAgentCaps:
		pl.ID = d.plainOID()
		pl.Description = string(d.octets())
	case *RemoveAgentCaps:
		pl.ID = d.plainOID()
	case *Response:
		pl.SysUpTime = d.u32()
		pl.Error = Error(d.u16())
		pl.Index = d.u16()
		pl.Varbinds = d.varbinds()
	case *CommitSet, *UndoSet, *CleanupSet, *Ping:
	}
}

// Reader reassembles PDUs from a byte stream delivered in arbitrary pieces.
type Reader struct {
	buf        []byte
	maxPayload uint32
}

// NewReader returns a Reader rejecting payloads above maxPayload bytes.
// A zero maxPayload selects DefaultMaxPayload.
func NewReader(maxPayload uint32) *Reader {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{maxPayload: maxPayload}
}

// Feed appends stream bytes. p may be reused by the caller afterwards.
func (r *Reader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (r *Reader) Buffered() int { return len(r.buf) }

// Next returns the next complete PDU.
//
// ErrShortRead means more bytes are needed; nothing is discarded. A
// *ParseError means one PDU was skipped and Next may be called again.
// ErrPDUTooLarge is fatal for the stream.
func (r *Reader) Next() (*PDU, error) {
	if len(r.buf) < HeaderSize {
		return nil, ErrShortRead
	}
	h := decodeHeader(r.buf)
	if h.PayloadLength > r.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPDUTooLarge, h.PayloadLength, r.maxPayload)
	}

	p, n, err := Decode(r.buf)
	if errors.Is(err, ErrShortRead) {
		return nil, err
	}
	r.consume(n)
	return p, err
}

func (r *Reader) consume(n int) {
	rest := copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
}
