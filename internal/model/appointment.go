package model

import (
	"fmt"
	"time"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusDone      AppointmentStatus = "done"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentStatusPending, AppointmentStatusDone, AppointmentStatusCancelled:
		return true
	}
	return false
}

func (s AppointmentStatus) IsTerminal() bool {
	return s == AppointmentStatusDone || s == AppointmentStatusCancelled
}

// Bucket ranks statuses so that the ones needing attention list first.
func (s AppointmentStatus) Bucket() int {
	switch s {
	case AppointmentStatusPending:
		return 1
	case AppointmentStatusDone:
		return 2
	case AppointmentStatusCancelled:
		return 3
	default:
		return 4
	}
}

type VisitType string

const (
	VisitTypeHome     VisitType = "home"
	VisitTypeHospital VisitType = "hospital"
)

func (t VisitType) Valid() bool {
	return t == VisitTypeHome || t == VisitTypeHospital
}

// Visit is where an appointment takes place. Exactly one of HomeVisit or HospitalVisit.
type Visit interface {
	Type() VisitType
	isVisit()
}

// HomeVisit happens at the patient's home; Place is free text.
type HomeVisit struct {
	Place string
}

// HospitalVisit requires a street address.
type HospitalVisit struct {
	Address string
}

func (HomeVisit) Type() VisitType     { return VisitTypeHome }
func (HospitalVisit) Type() VisitType { return VisitTypeHospital }
func (HomeVisit) isVisit()            {}
func (HospitalVisit) isVisit()        {}

// AppointmentCodePrefix prefixes the zero-padded human code.
const AppointmentCodePrefix = "APT"

// Appointment is a booked visit time-slot for a patient.
type Appointment struct {
	ID        int64             `json:"id" db:"id"`
	Code      string            `json:"code" db:"-"`
	SubjectID string            `json:"subject_id" db:"subject_id"`
	Date      Date              `json:"date" db:"visit_date"`
	Start     ClockTime         `json:"start" db:"start_time"`
	End       ClockTime         `json:"end" db:"end_time"`
	Type      VisitType         `json:"type" db:"visit_type"`
	Place     *string           `json:"place,omitempty" db:"place"`
	Address   *string           `json:"address,omitempty" db:"address"`
	Status    AppointmentStatus `json:"status" db:"status"`
	Note      string            `json:"note" db:"note"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// FormatAppointmentCode renders an id as its human code, e.g. APT000042.
func FormatAppointmentCode(id int64) string {
	return fmt.Sprintf("%s%06d", AppointmentCodePrefix, id)
}

// WithCode fills the derived Code field.
func (a *Appointment) WithCode() *Appointment {
	a.Code = FormatAppointmentCode(a.ID)
	return a
}

// Visit rebuilds the location union from the stored columns.
func (a *Appointment) Visit() Visit {
	if a.Type == VisitTypeHospital {
		var addr string
		if a.Address != nil {
			addr = *a.Address
		}
		return HospitalVisit{Address: addr}
	}
	var place string
	if a.Place != nil {
		place = *a.Place
	}
	return HomeVisit{Place: place}
}

// SetVisit writes the location union into the stored columns.
func (a *Appointment) SetVisit(v Visit) {
	switch visit := v.(type) {
	case HospitalVisit:
		a.Type = VisitTypeHospital
		addr := visit.Address
		a.Address = &addr
		a.Place = nil
	case HomeVisit:
		a.Type = VisitTypeHome
		a.Address = nil
		if visit.Place == "" {
			a.Place = nil
		} else {
			place := visit.Place
			a.Place = &place
		}
	}
}

// AppointmentInput carries a create payload or a partial update; nil means absent.
type AppointmentInput struct {
	SubjectID *string            `json:"subject_id" binding:"omitempty,max=64"`
	Date      *Date              `json:"date"`
	Start     *ClockTime         `json:"start"`
	End       *ClockTime         `json:"end"`
	Type      *VisitType         `json:"type" binding:"omitempty,visittype"`
	Place     *string            `json:"place" binding:"omitempty,max=255"`
	Address   *string            `json:"address" binding:"omitempty,max=500"`
	Status    *AppointmentStatus `json:"status"`
	Note      *string            `json:"note" binding:"omitempty,max=2000"`
}

type TransitionStatusRequest struct {
	Status AppointmentStatus `json:"status" binding:"required"`
}

type AppointmentFilters struct {
	SubjectID string
	Status    AppointmentStatus
	From      *Date
	To        *Date
	Pagination
}

// AttentionLess orders pending first, then done, cancelled and unknown statuses,
// each bucket by date, start time and id.
func AttentionLess(a, b *Appointment) bool {
	if ab, bb := a.Status.Bucket(), b.Status.Bucket(); ab != bb {
		return ab < bb
	}
	if a.Date != b.Date {
		return a.Date.Before(b.Date)
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.ID < b.ID
}
