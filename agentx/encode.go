package agentx

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/geekxflood/agentxd/oid"
	"github.com/gosnmp/gosnmp"
)

// internetPrefix is the 1.3.6.1 prefix removed by OID compression.
var internetPrefix = oid.OID{1, 3, 6, 1}

// Encoder serializes PDUs into a buffer that is reused across calls.
// The zero value is ready to use. An Encoder is not safe for concurrent use.
type Encoder struct {
	buf []byte
}

// Encode serializes p in network byte order. The returned slice aliases the
// encoder's buffer and is only valid until the next call.
func (e *Encoder) Encode(p *PDU) ([]byte, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("failed to encode pdu: %w", ErrMissingPayload)
	}
	t := p.Payload.Type()

	h := p.Header
	h.Version = Version
	h.Type = t
	h.Flags |= FlagNetworkByteOrder
	h.Flags &^= FlagNonDefaultContext
	if p.Context != "" && t.HasContext() {
		h.Flags |= FlagNonDefaultContext
	}

	b := e.buf[:0]
	b = append(b, h.Version, byte(h.Type), byte(h.Flags), 0)
	b = binary.BigEndian.AppendUint32(b, h.SessionID)
	b = binary.BigEndian.AppendUint32(b, h.TransactionID)
	b = binary.BigEndian.AppendUint32(b, h.PacketID)
	b = binary.BigEndian.AppendUint32(b, 0)

	if h.Flags.Has(FlagNonDefaultContext) {
		b = appendOctets(b, []byte(p.Context))
	}

	var err error
	b, err = appendPayload(b, p.Payload)
	e.buf = b
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s pdu: %w", t, err)
	}

	binary.BigEndian.PutUint32(b[16:HeaderSize], uint32(len(b)-HeaderSize))
	return b, nil
}

// Marshal encodes p into a newly allocated slice.
func Marshal(p *PDU) ([]byte, error) {
	var e Encoder
	b, err := e.Encode(p)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func appendPayload(b []byte, payload Payload) ([]byte, error) {
	var err error
	switch pl := payload.(type) {
	case *Open:
		b = append(b, pl.Timeout, 0, 0, 0)
		if b, err = appendOID(b, pl.ID, false); err != nil {
			return b, err
		}
		b = appendOctets(b, []byte(pl.Description))
	case *Close:
		b = append(b, byte(pl.Reason), 0, 0, 0)
	case *Register:
		b = append(b, pl.Timeout, pl.Priority, pl.RangeSubID, 0)
		if b, err = appendOID(b, pl.Subtree, false); err != nil {
			return b, err
		}
		if pl.RangeSubID != 0 {
			b = binary.BigEndian.AppendUint32(b, pl.UpperBound)
		}
	case *Unregister:
		b = append(b, 0, pl.Priority, pl.RangeSubID, 0)
		if b, err = appendOID(b, pl.Subtree, false); err != nil {
			return b, err
		}
		if pl.RangeSubID != 0 {
			b = binary.BigEndian.AppendUint32(b, pl.UpperBound)
		}
	case *Get:
		return appendRanges(b, pl.Ranges)
	case *GetNext:
		return appendRanges(b, pl.Ranges)
	case *GetBulk:
		b = binary.BigEndian.AppendUint16(b, pl.NonRepeaters)
		b = binary.BigEndian.AppendUint16(b, pl.MaxRepetitions)
		return appendRanges(b, pl.Ranges)
	case *TestSet:
		return appendVarbinds(b, pl.Varbinds)
	case *CommitSet, *UndoSet, *CleanupSet, *Ping:
	case *Notify:
		return appendVarbinds(b, pl.Varbinds)
	case *IndexAllocate:
		return appendVarbinds(b, pl.Varbinds)
	case *IndexDeallocate:
		return appendVarbinds(b, pl.Varbinds)
	case *AddAgentCaps:
		if b, err = appendOID(b, pl.ID, false); err != nil {
			return b, err
		}
		b = appendOctets(b, []byte(pl.Description))
	case *RemoveAgentCaps:
		return appendOID(b, pl.ID, false)
	case *Response:
		b = binary.BigEndian.AppendUint32(b, pl.SysUpTime)
		b = binary.BigEndian.AppendUint16(b, uint16(pl.Error))
		b = binary.BigEndian.AppendUint16(b, pl.Index)
		return appendVarbinds(b, pl.Varbinds)
	default:
		return b, fmt.Errorf("%w: %T", ErrUnknownPayload, payload)
	}
	return b, nil
}

// appendOID writes o, compressing a 1.3.6.1.n prefix with 0 < n < 256.
func appendOID(b []byte, o oid.OID, include bool) ([]byte, error) {
	if len(o) > oid.MaxLen {
		return b, fmt.Errorf("%w: oid with %d sub-identifiers", ErrMalformed, len(o))
	}
	var prefix byte
	subs := o
	if len(o) >= 5 && o.HasPrefix(internetPrefix) && o[4] > 0 && o[4] < 256 {
		prefix = byte(o[4])
		subs = o[5:]
	}
	var inc byte
	if include {
		inc = 1
	}
	b = append(b, byte(len(subs)), prefix, inc, 0)
	for _, s := range subs {
		b = binary.BigEndian.AppendUint32(b, s)
	}
	return b, nil
}

func appendOctets(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	b = append(b, data...)
	for pad := (4 - len(data)%4) % 4; pad > 0; pad-- {
		b = append(b, 0)
	}
	return b
}

func appendRanges(b []byte, ranges []SearchRange) ([]byte, error) {
	var err error
	for _, r := range ranges {
		if b, err = appendOID(b, r.Start, r.Include); err != nil {
			return b, err
		}
		if b, err = appendOID(b, r.End, false); err != nil {
			return b, err
		}
	}
	return b, nil
}

func appendVarbinds(b []byte, vbs []Varbind) ([]byte, error) {
	var err error
	for _, vb := range vbs {
		if b, err = appendVarbind(b, vb); err != nil {
			return b, err
		}
	}
	return b, nil
}

func appendVarbind(b []byte, vb Varbind) ([]byte, error) {
	if err := CheckValue(vb.Type, vb.Value); err != nil {
		return b, fmt.Errorf("varbind %s: %w", vb.Name, err)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(vb.Type))
	b = append(b, 0, 0)

	var err error
	if b, err = appendOID(b, vb.Name, false); err != nil {
		return b, err
	}

	switch vb.Type {
	case gosnmp.Integer:
		b = binary.BigEndian.AppendUint32(b, uint32(vb.Value.(int32)))
	case gosnmp.OctetString, gosnmp.Opaque:
		b = appendOctets(b, vb.Value.([]byte))
	case gosnmp.IPAddress:
		b = appendOctets(b, vb.Value.(net.IP).To4())
	case gosnmp.ObjectIdentifier:
		b, err = appendOID(b, vb.Value.(oid.OID), false)
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks:
		b = binary.BigEndian.AppendUint32(b, vb.Value.(uint32))
	case gosnmp.Counter64:
		b = binary.BigEndian.AppendUint64(b, vb.Value.(uint64))
	}
	return b, err
}
