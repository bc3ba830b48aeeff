package agentx

import (
	"fmt"
	"net"

	"github.com/geekxflood/agentxd/oid"
	"github.com/gosnmp/gosnmp"
)

// ToSnmpPDU converts vb into the representation gosnmp marshals.
func ToSnmpPDU(vb Varbind) gosnmp.SnmpPDU {
	pdu := gosnmp.SnmpPDU{Name: "." + vb.Name.String(), Type: vb.Type}
	switch v := vb.Value.(type) {
	case int32:
		pdu.Value = int(v)
	case oid.OID:
		pdu.Value = "." + v.String()
	case net.IP:
		pdu.Value = v.String()
	default:
		pdu.Value = v
	}
	return pdu
}

// FromSnmpPDU converts a varbind decoded by gosnmp. Values are normalized
// to the forms accepted by CheckValue.
func FromSnmpPDU(pdu gosnmp.SnmpPDU) (Varbind, error) {
	name, err := oid.Parse(pdu.Name)
	if err != nil {
		return Varbind{}, fmt.Errorf("invalid varbind name: %w", err)
	}
	vb := Varbind{Name: name, Type: pdu.Type}

	switch pdu.Type {
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
	case gosnmp.Integer:
		vb.Value = int32(gosnmp.ToBigInt(pdu.Value).Int64())
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks:
		vb.Value = uint32(gosnmp.ToBigInt(pdu.Value).Uint64())
	case gosnmp.Counter64:
		vb.Value = gosnmp.ToBigInt(pdu.Value).Uint64()
	case gosnmp.OctetString, gosnmp.Opaque:
		switch v := pdu.Value.(type) {
		case []byte:
			vb.Value = v
		case string:
			vb.Value = []byte(v)
		default:
			return Varbind{}, fmt.Errorf("%w: %s carrying %T", ErrValueMismatch, pdu.Type, pdu.Value)
		}
	case gosnmp.ObjectIdentifier:
		s, ok := pdu.Value.(string)
		if !ok {
			return Varbind{}, fmt.Errorf("%w: %s carrying %T", ErrValueMismatch, pdu.Type, pdu.Value)
		}
		o, err := oid.Parse(s)
		if err != nil {
			return Varbind{}, err
		}
		vb.Value = o
	case gosnmp.IPAddress:
		s, _ := pdu.Value.(string)
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return Varbind{}, fmt.Errorf("%w: ip address %q", ErrValueMismatch, s)
		}
		vb.Value = ip
	default:
		return Varbind{}, fmt.Errorf("%w: unknown type 0x%02x", ErrValueMismatch, byte(pdu.Type))
	}
	return vb, nil
}
