// Package mib implements in-process backends served by the master agent
// itself.
package mib

import (
	"slices"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/oid"
	"github.com/geekxflood/agentxd/region"
	"github.com/geekxflood/agentxd/router"
	"github.com/gosnmp/gosnmp"
)

// SystemOID is the root of the system group.
var SystemOID = oid.OID{1, 3, 6, 1, 2, 1, 1}

// Responder receives backend answers. *router.Router implements it.
type Responder interface {
	Response(b router.Backend, requestID uint32, status agentx.Error, index int, varbinds []agentx.Varbind)
}

// Info holds the configurable system group values.
type Info struct {
	Description string
	ObjectID    oid.OID
	Contact     string
	Name        string
	Location    string
	Services    int32
}

// System serves the system group. Its lookups are answered immediately
// through the Responder.
type System struct {
	responder Responder
	started   time.Time
	log       *logging.ComponentLogger

	mu      sync.RWMutex
	objects []agentx.Varbind
	info    Info
}

// NewSystem returns the system group backend. sysUpTime counts from
// started.
func NewSystem(responder Responder, info Info, started time.Time, logger logging.Logger) *System {
	s := &System{
		responder: responder,
		started:   started,
		log:       logging.ForComponent(logger, "mib", "system"),
	}
	s.Update(info)
	return s
}

// Registration claims the whole system group so subagents cannot shadow
// it.
func (s *System) Registration() region.Registration {
	return region.Registration{OID: SystemOID, Priority: 1, Subtree: true}
}

// Update replaces the configurable values.
func (s *System) Update(info Info) {
	objectID := info.ObjectID
	if len(objectID) == 0 {
		objectID = oid.OID{1, 3, 6, 1, 4, 1, 8072, 3, 2, 10}
	}
	objects := []agentx.Varbind{
		{Name: column(1), Type: gosnmp.OctetString, Value: []byte(info.Description)},
		{Name: column(2), Type: gosnmp.ObjectIdentifier, Value: objectID.Clone()},
		{Name: column(3), Type: gosnmp.TimeTicks},
		{Name: column(4), Type: gosnmp.OctetString, Value: []byte(info.Contact)},
		{Name: column(5), Type: gosnmp.OctetString, Value: []byte(info.Name)},
		{Name: column(6), Type: gosnmp.OctetString, Value: []byte(info.Location)},
		{Name: column(7), Type: gosnmp.Integer, Value: info.Services},
	}

	s.mu.Lock()
	s.objects = objects
	s.info = info
	s.mu.Unlock()
}

// Info returns the current values.
func (s *System) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func column(n uint32) oid.OID {
	return SystemOID.Append(n, 0)
}

// Name implements router.Backend.
func (s *System) Name() string { return "system" }

// Capabilities implements router.Backend.
func (s *System) Capabilities() router.Capabilities {
	return router.Capabilities{GetBulk: true, SearchRange: true}
}

// Close implements router.Backend. The system group cannot be closed.
func (s *System) Close(reason agentx.CloseReason) {
	s.log.Warn("ignoring close of in-process backend", "reason", reason.String())
}

// Get implements router.Backend.
func (s *System) Get(_, requestID uint32, _ string, ranges []agentx.SearchRange) error {
	objects := s.snapshot()
	vbs := make([]agentx.Varbind, len(ranges))
	for i, r := range ranges {
		vbs[i] = get(objects, r.Start)
	}
	s.responder.Response(s, requestID, agentx.NoAgentXError, 0, vbs)
	return nil
}

// GetNext implements router.Backend.
func (s *System) GetNext(_, requestID uint32, _ string, ranges []agentx.SearchRange) error {
	objects := s.snapshot()
	vbs := make([]agentx.Varbind, len(ranges))
	for i, r := range ranges {
		vbs[i] = next(objects, r.Start, r.End, r.Include)
	}
	s.responder.Response(s, requestID, agentx.NoAgentXError, 0, vbs)
	return nil
}

// GetBulk implements router.Backend.
func (s *System) GetBulk(_, requestID uint32, _ string, nonRepeaters, maxRepetitions uint16, ranges []agentx.SearchRange) error {
	objects := s.snapshot()
	nonRep := min(int(nonRepeaters), len(ranges))

	var vbs []agentx.Varbind
	for _, r := range ranges[:nonRep] {
		vbs = append(vbs, next(objects, r.Start, r.End, r.Include))
	}

	repeaters := ranges[nonRep:]
	cursor := make([]agentx.SearchRange, len(repeaters))
	copy(cursor, repeaters)
	for rep := 0; rep < int(maxRepetitions); rep++ {
		for i, r := range cursor {
			vb := next(objects, r.Start, r.End, r.Include)
			vbs = append(vbs, vb)
			if vb.Type != gosnmp.EndOfMibView {
				cursor[i].Start = vb.Name
				cursor[i].Include = false
			}
		}
	}
	s.responder.Response(s, requestID, agentx.NoAgentXError, 0, vbs)
	return nil
}

// snapshot returns the objects with sysUpTime filled in.
func (s *System) snapshot() []agentx.Varbind {
	s.mu.RLock()
	objects := slices.Clone(s.objects)
	s.mu.RUnlock()
	objects[2].Value = uint32(time.Since(s.started) / (10 * time.Millisecond))
	return objects
}

func get(objects []agentx.Varbind, name oid.OID) agentx.Varbind {
	for _, o := range objects {
		if o.Name.Equal(name) {
			return o
		}
		if name.HasPrefix(o.Name[:len(o.Name)-1]) {
			return agentx.Varbind{Name: name, Type: gosnmp.NoSuchInstance}
		}
	}
	return agentx.Varbind{Name: name, Type: gosnmp.NoSuchObject}
}

func next(objects []agentx.Varbind, start, end oid.OID, include bool) agentx.Varbind {
	for _, o := range objects {
		c := oid.Cmp(o.Name, start)
		if c < 0 || (c == 0 && !include) {
			continue
		}
		if end != nil && oid.Cmp(o.Name, end) >= 0 {
			break
		}
		return o
	}
	return agentx.Varbind{Name: start, Type: gosnmp.EndOfMibView}
}
