package agentx

import (
	"errors"
	"fmt"
	"net"

	"github.com/geekxflood/agentxd/oid"
	"github.com/gosnmp/gosnmp"
)

// ErrValueMismatch is returned by CheckValue when a varbind value does not
// have the representation its type requires.
var ErrValueMismatch = errors.New("varbind value does not match its type")

// Varbind is a typed (name, value) pair.
type Varbind struct {
	Name  oid.OID
	Type  gosnmp.Asn1BER
	Value any
}

func (v Varbind) String() string {
	if v.Value == nil {
		return fmt.Sprintf("%s = %s", v.Name, v.Type)
	}
	switch val := v.Value.(type) {
	case []byte:
		return fmt.Sprintf("%s = %s: %q", v.Name, v.Type, val)
	default:
		return fmt.Sprintf("%s = %s: %v", v.Name, v.Type, val)
	}
}

// NewNull returns a Null varbind named n.
func NewNull(n oid.OID) Varbind {
	return Varbind{Name: n, Type: gosnmp.Null}
}

// IsException reports whether t is noSuchObject, noSuchInstance or
// endOfMibView.
func IsException(t gosnmp.Asn1BER) bool {
	switch t {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return true
	default:
		return false
	}
}

// KnownType reports whether t can be carried in an AgentX varbind.
func KnownType(t gosnmp.Asn1BER) bool {
	switch t {
	case gosnmp.Integer, gosnmp.OctetString, gosnmp.Null, gosnmp.ObjectIdentifier,
		gosnmp.IPAddress, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Opaque, gosnmp.Counter64,
		gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return true
	default:
		return false
	}
}

// CheckValue verifies that v has the Go representation required for t.
func CheckValue(t gosnmp.Asn1BER, v any) error {
	ok := false
	switch t {
	case gosnmp.Integer:
		_, ok = v.(int32)
	case gosnmp.OctetString, gosnmp.Opaque:
		_, ok = v.([]byte)
	case gosnmp.IPAddress:
		ip, isIP := v.(net.IP)
		ok = isIP && ip.To4() != nil
	case gosnmp.ObjectIdentifier:
		o, isOID := v.(oid.OID)
		ok = isOID && len(o) <= oid.MaxLen
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks:
		_, ok = v.(uint32)
	case gosnmp.Counter64:
		_, ok = v.(uint64)
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		ok = v == nil
	default:
		return fmt.Errorf("%w: unknown type 0x%02x", ErrValueMismatch, byte(t))
	}
	if !ok {
		return fmt.Errorf("%w: %s carrying %T", ErrValueMismatch, t, v)
	}
	return nil
}
