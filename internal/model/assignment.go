package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type AssignmentStatus string

const (
	AssignmentStatusReserved  AssignmentStatus = "reserved"
	AssignmentStatusOccupied  AssignmentStatus = "occupied"
	AssignmentStatusCompleted AssignmentStatus = "completed"
	AssignmentStatusCancelled AssignmentStatus = "cancelled"
)

// IsOpen reports whether the status takes part in overlap checks.
func (s AssignmentStatus) IsOpen() bool {
	return s == AssignmentStatusReserved || s == AssignmentStatusOccupied
}

// OpenAssignmentStatuses lists the statuses guarded by the bed exclusion constraint.
var OpenAssignmentStatuses = []AssignmentStatus{AssignmentStatusReserved, AssignmentStatusOccupied}

// Assignment is one patient's stay on one bed.
type Assignment struct {
	Base
	ResourceID          uuid.UUID        `json:"resource_id" db:"resource_id"`
	SubjectID           string           `json:"subject_id" db:"subject_id"`
	StartAt             time.Time        `json:"start_at" db:"start_at"`
	EndAt               *time.Time       `json:"end_at,omitempty" db:"end_at"`
	Status              AssignmentStatus `json:"status" db:"status"`
	Note                string           `json:"note" db:"note"`
	SourceAppointmentID *int64           `json:"source_appointment_id,omitempty" db:"source_appointment_id"`
}

// AppendNote adds a line to the running note.
func (a *Assignment) AppendNote(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if a.Note == "" {
		a.Note = line
		return
	}
	a.Note = a.Note + "\n" + line
}

// OccupancyRow joins an open assignment with its bed and patient.
type OccupancyRow struct {
	Assignment
	ResourceCode     string  `json:"resource_code" db:"resource_code"`
	ResourceCategory string  `json:"resource_category" db:"resource_category"`
	SubjectName      *string `json:"subject_name,omitempty" db:"subject_name"`
}

type OccupyRequest struct {
	Resource            string     `json:"resource" binding:"required"`
	SubjectID           string     `json:"subject_id" binding:"required,max=64"`
	StartAt             *time.Time `json:"start_at"`
	EndAt               *time.Time `json:"end_at"`
	Note                *string    `json:"note" binding:"omitempty,max=2000"`
	SourceAppointmentID *string    `json:"source_appointment_id" binding:"omitempty,aptref"`
}

type EndAssignmentRequest struct {
	At     *time.Time `json:"at"`
	Reason *string    `json:"reason" binding:"omitempty,max=2000"`
}

type TransferRequest struct {
	ToResource string     `json:"to_resource" binding:"required"`
	At         *time.Time `json:"at"`
	Note       *string    `json:"note" binding:"omitempty,max=2000"`
}

type AssignmentFilters struct {
	ResourceID *uuid.UUID
	SubjectID  string
	Pagination
}

// HistoryLess orders stays most recent first: open stays, then by end and start descending.
func HistoryLess(a, b *Assignment) bool {
	switch {
	case a.EndAt == nil && b.EndAt != nil:
		return true
	case a.EndAt != nil && b.EndAt == nil:
		return false
	case a.EndAt != nil && b.EndAt != nil && !a.EndAt.Equal(*b.EndAt):
		return a.EndAt.After(*b.EndAt)
	}
	if !a.StartAt.Equal(b.StartAt) {
		return a.StartAt.After(b.StartAt)
	}
	return a.ID.String() < b.ID.String()
}
