// Package region tracks which backend owns which part of the OID tree.
//
// Each context owns an independent ordered map keyed by OID. A key holds the
// regions registered at exactly that OID, sorted by ascending priority; the
// first one is the active owner used for lookups and the rest shadow it until
// it goes away.
//
// # Basic Usage
//
//	reg := region.New("")
//	_, err := reg.Register("", region.Registration{
//		OID:      oid.MustParse("1.3.6.1.2.1.1"),
//		Priority: 1,
//		Subtree:  true,
//	}, backend)
//
//	r := reg.Find("", oid.MustParse("1.3.6.1.2.1.1.1.0")) // r.Owner == backend
//
// A Registry is not safe for concurrent use. The router mutates and reads it
// from a single goroutine.
package region

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/geekxflood/agentxd/oid"
	"github.com/google/btree"
)

var (
	// ErrDuplicateRegistration means a region with the same OID and priority
	// already exists.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrRequestDenied means the registration overlaps a subtree claimed by
	// another owner.
	ErrRequestDenied = errors.New("registration overlaps a subtree claimed by another owner")

	// ErrUnsupportedContext means the context is not configured.
	ErrUnsupportedContext = errors.New("unsupported context")

	// ErrProcessing means the registration parameters are invalid.
	ErrProcessing = errors.New("invalid registration")

	// ErrUnknownRegistration means no matching region is owned by the caller.
	ErrUnknownRegistration = errors.New("unknown registration")
)

// maxRangeRegistrations bounds the number of regions a single range
// registration may create.
const maxRangeRegistrations = 1 << 16

const btreeDegree = 16

// Owner is the backend a region belongs to. Owners are compared by
// interface equality.
type Owner interface {
	Name() string
}

// Region is one registered claim.
type Region struct {
	OID      oid.OID
	Priority uint8
	// Instance restricts the claim to OID itself.
	Instance bool
	// Subtree forbids other owners from registering anywhere that overlaps
	// this region.
	Subtree bool
	// Timeout overrides the owner's default response timeout when non-zero.
	Timeout time.Duration
	Owner   Owner
	Context string
}

// End returns the exclusive upper bound of the OIDs the region covers, or
// nil when it extends to the end of the tree.
func (r *Region) End() oid.OID {
	if r.Instance {
		return r.OID.Append(0)
	}
	end, ok := r.OID.Successor()
	if !ok {
		return nil
	}
	return end
}

// Covers reports whether o falls inside the region.
func (r *Region) Covers(o oid.OID) bool {
	if r.Instance {
		return o.Equal(r.OID)
	}
	return o.HasPrefix(r.OID)
}

func (r *Region) String() string {
	name := "<nil>"
	if r.Owner != nil {
		name = r.Owner.Name()
	}
	return fmt.Sprintf("%s(prio %d, owner %s)", r.OID, r.Priority, name)
}

// Registration describes a Register or Unregister request. When RangeSubID
// is non-zero, the sub-identifier at that 1-based position of OID iterates
// from its current value through UpperBound inclusive.
type Registration struct {
	OID        oid.OID
	Priority   uint8
	Instance   bool
	Subtree    bool
	RangeSubID uint8
	UpperBound uint32
	Timeout    time.Duration
}

// OIDs expands the registration into the individual OIDs it names.
func (reg Registration) OIDs() ([]oid.OID, error) {
	if len(reg.OID) == 0 {
		return nil, fmt.Errorf("%w: empty oid", ErrProcessing)
	}
	if reg.RangeSubID == 0 {
		return []oid.OID{reg.OID}, nil
	}

	idx := int(reg.RangeSubID) - 1
	if idx >= len(reg.OID) {
		return nil, fmt.Errorf("%w: range sub-identifier %d beyond oid %s", ErrProcessing, reg.RangeSubID, reg.OID)
	}
	lower := reg.OID[idx]
	if reg.UpperBound < lower {
		return nil, fmt.Errorf("%w: upper bound %d below %d", ErrProcessing, reg.UpperBound, lower)
	}
	if uint64(reg.UpperBound)-uint64(lower) >= maxRangeRegistrations {
		return nil, fmt.Errorf("%w: range of %d values too large", ErrProcessing, uint64(reg.UpperBound)-uint64(lower)+1)
	}

	oids := make([]oid.OID, 0, reg.UpperBound-lower+1)
	for v := uint64(lower); v <= uint64(reg.UpperBound); v++ {
		o := reg.OID.Clone()
		o[idx] = uint32(v)
		oids = append(oids, o)
	}
	return oids, nil
}

type entry struct {
	oid     oid.OID
	regions []*Region
}

func (e *entry) active() *Region { return e.regions[0] }

func lessEntry(a, b *entry) bool { return oid.Cmp(a.oid, b.oid) < 0 }

// Registry is the set of regions of every context.
type Registry struct {
	contexts map[string]*btree.BTreeG[*entry]
}

// New returns a registry serving the default context plus the named ones.
func New(contexts ...string) *Registry {
	r := &Registry{contexts: make(map[string]*btree.BTreeG[*entry])}
	r.AddContext("")
	for _, c := range contexts {
		r.AddContext(c)
	}
	return r
}

// AddContext makes name a supported context. Adding an existing context is a
// no-op.
func (r *Registry) AddContext(name string) {
	if _, ok := r.contexts[name]; !ok {
		r.contexts[name] = btree.NewG(btreeDegree, lessEntry)
	}
}

// HasContext reports whether name is a supported context.
func (r *Registry) HasContext(name string) bool {
	_, ok := r.contexts[name]
	return ok
}

// Register adds the regions described by reg for owner in context ctx. A
// range registration either registers every OID of the range or none.
func (r *Registry) Register(ctx string, reg Registration, owner Owner) ([]*Region, error) {
	t, ok := r.contexts[ctx]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContext, ctx)
	}
	if reg.Priority == 0 {
		return nil, fmt.Errorf("%w: priority 0", ErrProcessing)
	}
	oids, err := reg.OIDs()
	if err != nil {
		return nil, err
	}

	added := make([]*Region, 0, len(oids))
	for _, o := range oids {
		region := &Region{
			OID:      o,
			Priority: reg.Priority,
			Instance: reg.Instance,
			Subtree:  reg.Subtree,
			Timeout:  reg.Timeout,
			Owner:    owner,
			Context:  ctx,
		}
		if err := r.insert(t, region); err != nil {
			for _, a := range added {
				r.remove(t, a)
			}
			return nil, err
		}
		added = append(added, region)
	}
	return added, nil
}

func (r *Registry) insert(t *btree.BTreeG[*entry], region *Region) error {
	if err := checkOverlap(t, region); err != nil {
		return err
	}

	e, found := t.Get(&entry{oid: region.OID})
	if !found {
		t.ReplaceOrInsert(&entry{oid: region.OID, regions: []*Region{region}})
		return nil
	}
	i, dup := slices.BinarySearchFunc(e.regions, region.Priority, func(x *Region, p uint8) int {
		return int(x.Priority) - int(p)
	})
	if dup {
		return fmt.Errorf("%w: %s priority %d", ErrDuplicateRegistration, region.OID, region.Priority)
	}
	e.regions = slices.Insert(e.regions, i, region)
	return nil
}

// checkOverlap rejects a region that intersects a subtree claim of another
// owner, or that claims a subtree intersecting another owner's regions.
func checkOverlap(t *btree.BTreeG[*entry], region *Region) error {
	conflict := func(other *Region) bool {
		return other.Owner != region.Owner && (other.Subtree || region.Subtree)
	}
	deny := func(other *Region) error {
		return fmt.Errorf("%w: %s conflicts with %s", ErrRequestDenied, region.OID, other)
	}

	// Regions at or above the new OID.
	for l := len(region.OID); l >= 0; l-- {
		e, ok := t.Get(&entry{oid: region.OID[:l]})
		if !ok {
			continue
		}
		for _, other := range e.regions {
			if (l == len(region.OID) || !other.Instance) && conflict(other) {
				return deny(other)
			}
		}
	}

	// Regions strictly below the new OID.
	if region.Instance {
		return nil
	}
	var err error
	t.AscendGreaterOrEqual(&entry{oid: region.OID}, func(e *entry) bool {
		if !e.oid.HasPrefix(region.OID) {
			return false
		}
		if len(e.oid) == len(region.OID) {
			return true
		}
		for _, other := range e.regions {
			if conflict(other) {
				err = deny(other)
				return false
			}
		}
		return true
	})
	return err
}

func (r *Registry) remove(t *btree.BTreeG[*entry], region *Region) bool {
	e, ok := t.Get(&entry{oid: region.OID})
	if !ok {
		return false
	}
	i := slices.Index(e.regions, region)
	if i < 0 {
		return false
	}
	e.regions = slices.Delete(e.regions, i, i+1)
	if len(e.regions) == 0 {
		t.Delete(e)
	}
	return true
}

// Unregister removes the regions described by reg that owner registered in
// ctx. Every matching region is removed even when some are missing, in which
// case ErrUnknownRegistration is returned.
func (r *Registry) Unregister(ctx string, reg Registration, owner Owner) error {
	t, ok := r.contexts[ctx]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedContext, ctx)
	}
	oids, err := reg.OIDs()
	if err != nil {
		return err
	}

	var missing int
	for _, o := range oids {
		e, found := t.Get(&entry{oid: o})
		if !found {
			missing++
			continue
		}
		i := slices.IndexFunc(e.regions, func(x *Region) bool {
			return x.Priority == reg.Priority && x.Owner == owner
		})
		if i < 0 {
			missing++
			continue
		}
		r.remove(t, e.regions[i])
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d of %d regions at %s priority %d", ErrUnknownRegistration, missing, len(oids), reg.OID, reg.Priority)
	}
	return nil
}

// UnregisterOwner removes every region of owner in every context and returns
// how many were removed.
func (r *Registry) UnregisterOwner(owner Owner) int {
	removed := 0
	for _, t := range r.contexts {
		var owned []*Region
		t.Ascend(func(e *entry) bool {
			for _, x := range e.regions {
				if x.Owner == owner {
					owned = append(owned, x)
				}
			}
			return true
		})
		for _, x := range owned {
			if r.remove(t, x) {
				removed++
			}
		}
	}
	return removed
}

// Find returns the active region with the longest OID covering o, or nil.
func (r *Registry) Find(ctx string, o oid.OID) *Region {
	t, ok := r.contexts[ctx]
	if !ok {
		return nil
	}
	for l := len(o); l >= 0; l-- {
		e, found := t.Get(&entry{oid: o[:l]})
		if !found {
			continue
		}
		if active := e.active(); active.Covers(o) {
			return active
		}
	}
	return nil
}

// Next returns the active region registered at the first OID sorting
// strictly after o, or nil when there is none.
func (r *Registry) Next(ctx string, o oid.OID) *Region {
	t, ok := r.contexts[ctx]
	if !ok {
		return nil
	}
	var next *Region
	t.AscendGreaterOrEqual(&entry{oid: o}, func(e *entry) bool {
		if e.oid.Equal(o) {
			return true
		}
		next = e.active()
		return false
	})
	return next
}

// Regions returns the regions of ctx in OID order, shadowed ones included.
func (r *Registry) Regions(ctx string) []*Region {
	t, ok := r.contexts[ctx]
	if !ok {
		return nil
	}
	var out []*Region
	t.Ascend(func(e *entry) bool {
		out = append(out, e.regions...)
		return true
	})
	return out
}

// Len returns the number of regions registered across all contexts.
func (r *Registry) Len() int {
	n := 0
	for _, t := range r.contexts {
		t.Ascend(func(e *entry) bool {
			n += len(e.regions)
			return true
		})
	}
	return n
}
