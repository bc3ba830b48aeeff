// Package agentx implements the AgentX (RFC 2741) version 1 wire format.
//
// The package encodes and decodes the fixed 20-byte header, compressed object
// identifiers, octet strings, search ranges, typed varbinds and the payloads
// of all eighteen PDU types. It knows nothing about sessions or routing; the
// master package drives it over a stream connection.
//
// # Basic Usage
//
// Encoding a PDU into a reusable buffer:
//
//	var enc agentx.Encoder
//	b, err := enc.Encode(&agentx.PDU{
//		Header:  agentx.Header{SessionID: 7, TransactionID: 1, PacketID: 1},
//		Payload: &agentx.Ping{},
//	})
//
// Decoding a byte stream that may arrive in arbitrary pieces:
//
//	r := agentx.NewReader(agentx.DefaultMaxPayload)
//	r.Feed(chunk)
//	for {
//		pdu, err := r.Next()
//		if errors.Is(err, agentx.ErrShortRead) {
//			break // wait for more bytes
//		}
//		...
//	}
//
// # Byte Order
//
// Decoding honours the network-byte-order header flag of each PDU. Encoding
// always writes network byte order and sets the flag.
//
// # Values
//
// Varbind types reuse gosnmp.Asn1BER, whose values are the AgentX type codes.
// Values are carried as int32 (Integer), []byte (OctetString, Opaque),
// net.IP (IPAddress), oid.OID (ObjectIdentifier), uint32 (Counter32,
// Gauge32, TimeTicks), uint64 (Counter64) and nil (Null and the three
// exceptions).
package agentx

import (
	"fmt"
	"strconv"
)

// Version is the only protocol version understood.
const Version = 1

// HeaderSize is the length of the fixed PDU header.
const HeaderSize = 20

// DefaultMaxPayload bounds the payload length accepted by a Reader when the
// caller does not choose one.
const DefaultMaxPayload = 64 * 1024

// Type identifies a PDU.
type Type uint8

// PDU types.
const (
	TypeOpen            Type = 1
	TypeClose           Type = 2
	TypeRegister        Type = 3
	TypeUnregister      Type = 4
	TypeGet             Type = 5
	TypeGetNext         Type = 6
	TypeGetBulk         Type = 7
	TypeTestSet         Type = 8
	TypeCommitSet       Type = 9
	TypeUndoSet         Type = 10
	TypeCleanupSet      Type = 11
	TypeNotify          Type = 12
	TypePing            Type = 13
	TypeIndexAllocate   Type = 14
	TypeIndexDeallocate Type = 15
	TypeAddAgentCaps    Type = 16
	TypeRemoveAgentCaps Type = 17
	TypeResponse        Type = 18
)

var typeNames = [...]string{
	TypeOpen:            "open",
	TypeClose:           "close",
	TypeRegister:        "register",
	TypeUnregister:      "unregister",
	TypeGet:             "get",
	TypeGetNext:         "get-next",
	TypeGetBulk:         "get-bulk",
	TypeTestSet:         "test-set",
	TypeCommitSet:       "commit-set",
	TypeUndoSet:         "undo-set",
	TypeCleanupSet:      "cleanup-set",
	TypeNotify:          "notify",
	TypePing:            "ping",
	TypeIndexAllocate:   "index-allocate",
	TypeIndexDeallocate: "index-deallocate",
	TypeAddAgentCaps:    "add-agent-caps",
	TypeRemoveAgentCaps: "remove-agent-caps",
	TypeResponse:        "response",
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a defined PDU type.
func (t Type) Valid() bool {
	return t >= TypeOpen && t <= TypeResponse
}

// HasContext reports whether PDUs of this type may carry a context octet
// string ahead of the payload.
func (t Type) HasContext() bool {
	switch t {
	case TypeRegister, TypeUnregister, TypeGet, TypeGetNext, TypeGetBulk,
		TypeTestSet, TypeNotify, TypePing, TypeIndexAllocate,
		TypeIndexDeallocate, TypeAddAgentCaps, TypeRemoveAgentCaps:
		return true
	default:
		return false
	}
}

// Flags is the header flags byte.
type Flags uint8

// Header flags.
const (
	FlagInstanceRegistration Flags = 1 << iota
	FlagNewIndex
	FlagAnyIndex
	FlagNonDefaultContext
	FlagNetworkByteOrder
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Header is the fixed part of every PDU.
type Header struct {
	Version       uint8
	Type          Type
	Flags         Flags
	SessionID     uint32
	TransactionID uint32
	PacketID      uint32
	PayloadLength uint32
}

// Error is the res.error field of a Response PDU. Values 0 through 18 carry
// the SNMP error-status codes unchanged.
type Error uint16

// AgentX specific error codes.
const (
	NoAgentXError         Error = 0
	OpenFailed            Error = 256
	NotOpen               Error = 257
	IndexWrongType        Error = 258
	IndexAlreadyAllocated Error = 259
	IndexNoneAvailable    Error = 260
	IndexNotAllocated     Error = 261
	UnsupportedContext    Error = 262
	DuplicateRegistration Error = 263
	UnknownRegistration   Error = 264
	UnknownAgentCaps      Error = 265
	ParseFailed           Error = 266
	RequestDenied         Error = 267
	ProcessingError       Error = 268
)

var errorNames = map[Error]string{
	NoAgentXError:         "noAgentXError",
	OpenFailed:            "openFailed",
	NotOpen:               "notOpen",
	IndexWrongType:        "indexWrongType",
	IndexAlreadyAllocated: "indexAlreadyAllocated",
	IndexNoneAvailable:    "indexNoneAvailable",
	IndexNotAllocated:     "indexNotAllocated",
	UnsupportedContext:    "unsupportedContext",
	DuplicateRegistration: "duplicateRegistration",
	UnknownRegistration:   "unknownRegistration",
	UnknownAgentCaps:      "unknownAgentCaps",
	ParseFailed:           "parseError",
	RequestDenied:         "requestDenied",
	ProcessingError:       "processingError",
}

func (e Error) String() string {
	if s, ok := errorNames[e]; ok {
		return s
	}
	if e <= 18 {
		return "snmpError(" + strconv.Itoa(int(e)) + ")"
	}
	return "Error(" + strconv.Itoa(int(e)) + ")"
}

// CloseReason is carried by a Close PDU.
type CloseReason uint8

// Close reasons.
const (
	ReasonOther         CloseReason = 1
	ReasonParseError    CloseReason = 2
	ReasonProtocolError CloseReason = 3
	ReasonTimeouts      CloseReason = 4
	ReasonShutdown      CloseReason = 5
	ReasonByManager     CloseReason = 6
)

func (r CloseReason) String() string {
	switch r {
	case ReasonOther:
		return "other"
	case ReasonParseError:
		return "parseError"
	case ReasonProtocolError:
		return "protocolError"
	case ReasonTimeouts:
		return "timeouts"
	case ReasonShutdown:
		return "shutdown"
	case ReasonByManager:
		return "byManager"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint8(r))
	}
}
