// Package oid provides the object identifier type shared by the AgentX codec,
// the region registry and the request router.
//
// # Basic Usage
//
//	sysDescr := oid.MustParse("1.3.6.1.2.1.1.1.0")
//	system := oid.MustParse("1.3.6.1.2.1.1")
//
//	sysDescr.HasPrefix(system)            // true
//	oid.Compare(sysDescr, system)         // oid.Descendant
//	oid.Compare(system, sysDescr)         // oid.Less
//
// OIDs order lexicographically on their sub-identifiers, a prefix sorting
// before every OID that extends it.
package oid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxLen is the maximum number of sub-identifiers an OID may carry.
const MaxLen = 128

// ErrInvalid is returned when a textual OID cannot be parsed.
var ErrInvalid = errors.New("invalid object identifier")

// OID is an object identifier as a sequence of sub-identifiers.
type OID []uint32

// Order is the result of Compare.
type Order int

const (
	// Less means a sorts before b and is not a descendant of it.
	Less Order = iota - 1
	// Equal means both OIDs carry the same sub-identifiers.
	Equal
	// Greater means a sorts after b and is not a descendant of it.
	Greater
	// Descendant means b is a strict prefix of a. A descendant also sorts
	// after its ancestor.
	Descendant
)

func (o Order) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	case Descendant:
		return "descendant"
	default:
		return "Order(" + strconv.Itoa(int(o)) + ")"
	}
}

// Parse converts dotted notation ("1.3.6.1" or ".1.3.6.1") into an OID.
// The empty string parses to the null OID.
func Parse(s string) (OID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), ".")
	if s == "" {
		return OID{}, nil
	}

	parts := strings.Split(s, ".")
	if len(parts) > MaxLen {
		return nil, fmt.Errorf("%w: %d sub-identifiers exceeds %d", ErrInvalid, len(parts), MaxLen)
	}

	o := make(OID, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalid, s, err)
		}
		o[i] = uint32(v)
	}
	return o, nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) OID {
	o, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return o
}

// String returns the dotted notation without a leading dot.
func (o OID) String() string {
	if len(o) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(o) * 4)
	for i, v := range o {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	return b.String()
}

// Clone returns a copy that does not share storage with o.
func (o OID) Clone() OID {
	if o == nil {
		return nil
	}
	c := make(OID, len(o))
	copy(c, o)
	return c
}

// Append returns a new OID with the sub-identifiers added to a copy of o.
func (o OID) Append(subs ...uint32) OID {
	c := make(OID, len(o), len(o)+len(subs))
	copy(c, o)
	return append(c, subs...)
}

// Equal reports whether o and other carry the same sub-identifiers.
func (o OID) Equal(other OID) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is o itself or an ancestor of o.
func (o OID) HasPrefix(prefix OID) bool {
	if len(prefix) > len(o) {
		return false
	}
	for i := range prefix {
		if o[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Successor returns the smallest OID that sorts after o and every one of its
// descendants, i.e. the exclusive upper bound of the subtree rooted at o.
// The last sub-identifier is incremented, carrying into the parent on
// overflow. ok is false when no such OID exists.
func (o OID) Successor() (next OID, ok bool) {
	for i := len(o) - 1; i >= 0; i-- {
		if o[i] < math.MaxUint32 {
			next = o[:i+1].Clone()
			next[i]++
			return next, true
		}
	}
	return nil, false
}

// Compare orders a relative to b.
func Compare(a, b OID) Order {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return Less
		case a[i] > b[i]:
			return Greater
		}
	}
	switch {
	case len(a) < len(b):
		return Less
	case len(a) > len(b):
		return Descendant
	default:
		return Equal
	}
}

// Cmp returns -1, 0 or +1 following the total order of Compare, for use with
// slices.SortFunc and ordered containers.
func Cmp(a, b OID) int {
	switch Compare(a, b) {
	case Less:
		return -1
	case Equal:
		return 0
	default:
		return 1
	}
}

// Less reports whether a sorts strictly before b.
func (o OID) Less(b OID) bool {
	return Compare(o, b) == Less
}
