package router

import (
	"github.com/geekxflood/agentxd/agentx"
	"github.com/gosnmp/gosnmp"
)

// assemble builds the reply of a finished upstream request in request
// order: non-repeaters first, then each repetition of every column.
func (u *upstream) assemble() Reply {
	if u.req.Version == gosnmp.Version1 && u.status == gosnmp.NoError {
		u.applyV1Counter64()
	}
	if u.status != gosnmp.NoError {
		return errorReply(u.req, u.status, u.index)
	}

	vbs := make([]agentx.Varbind, len(u.slots))
	for i, s := range u.slots {
		vbs[i] = s.vb
	}
	if u.req.Type == gosnmp.GetBulkRequest {
		vbs = vbs[:u.compactLen()]
	}
	return Reply{RequestID: u.req.RequestID, Varbinds: vbs}
}

// applyV1Counter64 handles values SNMPv1 cannot carry. A GetNext skips past
// them, which is reported as endOfMibView; a Get fails with noSuchName.
func (u *upstream) applyV1Counter64() {
	for _, s := range u.slots {
		if s.vb.Type != gosnmp.Counter64 {
			continue
		}
		if u.req.Type == gosnmp.GetRequest {
			u.status = gosnmp.NoSuchName
			u.index = s.index
			return
		}
		s.vb = agentx.Varbind{Name: s.name, Type: gosnmp.EndOfMibView}
	}
}

// compactLen returns the number of GetBulk varbinds to send. When every
// repeating column runs into endOfMibView for good at the same repetition,
// the reply stops after that repetition. Columns ending at different
// repetitions leave the reply untouched.
func (u *upstream) compactLen() int {
	full := len(u.slots)
	if u.cols == 0 || u.rows <= 1 {
		return full
	}

	cut := -1
	for c := 0; c < u.cols; c++ {
		t := u.rows
		for r := u.rows - 1; r >= 0; r-- {
			if u.slots[u.nonRep+r*u.cols+c].vb.Type != gosnmp.EndOfMibView {
				break
			}
			t = r
		}
		if t == u.rows {
			return full
		}
		if cut >= 0 && t != cut {
			return full
		}
		cut = t
	}
	return u.nonRep + (cut+1)*u.cols
}

// errorReply echoes the requested names with null values.
func errorReply(req Request, status gosnmp.SNMPError, index int) Reply {
	if req.Version == gosnmp.Version1 {
		status = v1Status(status)
	}
	vbs := make([]agentx.Varbind, len(req.Varbinds))
	for i, vb := range req.Varbinds {
		vbs[i] = agentx.NewNull(vb.Name.Clone())
	}
	return Reply{
		RequestID:   req.RequestID,
		ErrorStatus: status,
		ErrorIndex:  index,
		Varbinds:    vbs,
	}
}

// v1Status maps SNMPv2 error statuses to their nearest SNMPv1 equivalent.
func v1Status(status gosnmp.SNMPError) gosnmp.SNMPError {
	switch status {
	case gosnmp.WrongValue, gosnmp.WrongEncoding, gosnmp.WrongType,
		gosnmp.WrongLength, gosnmp.InconsistentValue:
		return gosnmp.BadValue
	case gosnmp.NoAccess, gosnmp.NotWritable, gosnmp.NoCreation,
		gosnmp.InconsistentName, gosnmp.AuthorizationError:
		return gosnmp.NoSuchName
	case gosnmp.ResourceUnavailable, gosnmp.CommitFailed, gosnmp.UndoFailed:
		return gosnmp.GenErr
	default:
		return status
	}
}
