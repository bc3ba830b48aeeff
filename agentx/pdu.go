package agentx

import (
	"github.com/geekxflood/agentxd/oid"
)

// PDU is a decoded AgentX message.
type PDU struct {
	Header Header
	// Context is the non-default context name. It is only encoded for types
	// where Type.HasContext is true and only when non-empty.
	Context string
	Payload Payload
}

// Payload is implemented by every PDU body type.
type Payload interface {
	Type() Type
}

// SearchRange bounds a Get, GetNext or GetBulk lookup. End is exclusive and
// empty when unbounded.
type SearchRange struct {
	Start   oid.OID
	End     oid.OID
	Include bool
}

// Open starts a session.
type Open struct {
	Timeout     uint8
	ID          oid.OID
	Description string
}

// Close ends a session.
type Close struct {
	Reason CloseReason
}

// Register claims a subtree. When RangeSubID is non-zero the sub-identifier
// at that 1-based position ranges from its value in Subtree up to
// UpperBound. Instance registration is a header flag.
type Register struct {
	Timeout    uint8
	Priority   uint8
	RangeSubID uint8
	Subtree    oid.OID
	UpperBound uint32
}

// Unregister releases a claim made with Register.
type Unregister struct {
	Priority   uint8
	RangeSubID uint8
	Subtree    oid.OID
	UpperBound uint32
}

// Get requests exact instances.
type Get struct {
	Ranges []SearchRange
}

// GetNext requests the successor of each start OID within its range.
type GetNext struct {
	Ranges []SearchRange
}

// GetBulk is the bulk form of GetNext.
type GetBulk struct {
	NonRepeaters   uint16
	MaxRepetitions uint16
	Ranges         []SearchRange
}

// TestSet is the first phase of a set transaction.
type TestSet struct {
	Varbinds []Varbind
}

// CommitSet, UndoSet and CleanupSet carry no payload.
type (
	CommitSet  struct{}
	UndoSet    struct{}
	CleanupSet struct{}
)

// Notify carries a notification as varbinds.
type Notify struct {
	Varbinds []Varbind
}

// Ping checks session liveness.
type Ping struct{}

// IndexAllocate requests table index values.
type IndexAllocate struct {
	Varbinds []Varbind
}

// IndexDeallocate releases table index values.
type IndexDeallocate struct {
	Varbinds []Varbind
}

// AddAgentCaps advertises a capability.
type AddAgentCaps struct {
	ID          oid.OID
	Description string
}

// RemoveAgentCaps withdraws a capability.
type RemoveAgentCaps struct {
	ID oid.OID
}

// Response answers any other PDU.
type Response struct {
	SysUpTime uint32
	Error     Error
	Index     uint16
	Varbinds  []Varbind
}

func (*Open) Type() Type            { return TypeOpen }
func (*Close) Type() Type           { return TypeClose }
func (*Register) Type() Type        { return TypeRegister }
func (*Unregister) Type() Type      { return TypeUnregister }
func (*Get) Type() Type             { return TypeGet }
func (*GetNext) Type() Type         { return TypeGetNext }
func (*GetBulk) Type() Type         { return TypeGetBulk }
func (*TestSet) Type() Type         { return TypeTestSet }
func (*CommitSet) Type() Type       { return TypeCommitSet }
func (*UndoSet) Type() Type         { return TypeUndoSet }
func (*CleanupSet) Type() Type      { return TypeCleanupSet }
func (*Notify) Type() Type          { return TypeNotify }
func (*Ping) Type() Type            { return TypePing }
func (*IndexAllocate) Type() Type   { return TypeIndexAllocate }
func (*IndexDeallocate) Type() Type { return TypeIndexDeallocate }
func (*AddAgentCaps) Type() Type    { return TypeAddAgentCaps }
func (*RemoveAgentCaps) Type() Type { return TypeRemoveAgentCaps }
func (*Response) Type() Type        { return TypeResponse }

// newPayload returns an empty body for t, or nil when t is undefined.
func newPayload(t Type) Payload {
	switch t {
	case TypeOpen:
		return &Open{}
	case TypeClose:
		return &Close{}
	case TypeRegister:
		return &Register{}
	case TypeUnregister:
		return &Unregister{}
	case TypeGet:
		return &Get{}
	case TypeGetNext:
		return &GetNext{}
	case TypeGetBulk:
		return &GetBulk{}
	case TypeTestSet:
		return &TestSet{}
	case TypeCommitSet:
		return &CommitSet{}
	case TypeUndoSet:
		return &UndoSet{}
	case TypeCleanupSet:
		return &CleanupSet{}
	case TypeNotify:
		return &Notify{}
	case TypePing:
		return &Ping{}
	case TypeIndexAllocate:
		return &IndexAllocate{}
	case TypeIndexDeallocate:
		return &IndexDeallocate{}
	case TypeAddAgentCaps:
		return &AddAgentCaps{}
	case TypeRemoveAgentCaps:
		return &RemoveAgentCaps{}
	case TypeResponse:
		return &Response{}
	default:
		return nil
	}
}
