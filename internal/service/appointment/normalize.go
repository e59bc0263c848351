package appointment

import (
	"strconv"
	"strings"

	"github.com/jwalitptl/palliative-api/internal/model"
	appErrors "github.com/jwalitptl/palliative-api/pkg/errors"
)

// Normalize settles the visit type and location of an appointment payload.
// An omitted type is hospital when an address is given and home otherwise.
// Home visits drop the address, hospital visits drop the place and need a
// non-empty address. Both times, when present, must form a non-empty window.
// Normalize is pure and idempotent.
func Normalize(in model.AppointmentInput) (model.AppointmentInput, error) {
	out := in
	address := trimmed(in.Address)
	place := trimmed(in.Place)

	visitType := model.VisitTypeHome
	switch {
	case in.Type != nil:
		visitType = *in.Type
	case address != nil:
		visitType = model.VisitTypeHospital
	}
	if !visitType.Valid() {
		return in, appErrors.Validation("type must be home or hospital")
	}

	var visit model.Visit
	if visitType == model.VisitTypeHospital {
		if address == nil {
			return in, appErrors.Validation("address required")
		}
		visit = model.HospitalVisit{Address: *address}
	} else {
		var p string
		if place != nil {
			p = *place
		}
		visit = model.HomeVisit{Place: p}
	}

	var apt model.Appointment
	apt.SetVisit(visit)
	out.Type = &apt.Type
	out.Place = apt.Place
	out.Address = apt.Address

	if in.Start != nil && in.End != nil && *in.Start >= *in.End {
		return in, appErrors.Validation("start must precede end")
	}
	if in.SubjectID != nil {
		subject := strings.TrimSpace(*in.SubjectID)
		out.SubjectID = &subject
	}
	if in.Note != nil {
		note := strings.TrimSpace(*in.Note)
		out.Note = &note
	}
	return out, nil
}

// trimmed returns nil for a missing or blank string.
func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

// ParseRef accepts a numeric id or its human code, e.g. "42", "APT000042" or "apt42".
func ParseRef(ref string) (int64, error) {
	s := strings.TrimSpace(ref)
	if len(s) >= len(model.AppointmentCodePrefix) && strings.EqualFold(s[:len(model.AppointmentCodePrefix)], model.AppointmentCodePrefix) {
		s = s[len(model.AppointmentCodePrefix):]
	}
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, appErrors.Validation("invalid appointment reference " + strconv.Quote(ref))
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.Validation("invalid appointment reference " + strconv.Quote(ref))
	}
	return id, nil
}
