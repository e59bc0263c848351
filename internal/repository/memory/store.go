// Package memory is a process-local implementation of the repository
// interfaces. It enforces the same exclusion and check rules as the postgres
// schema, and WithinTx serializes writers and rolls state back on error.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
)

type txKey struct{}

type patient struct {
	firstName string
	lastName  string
}

type state struct {
	resources         map[uuid.UUID]model.Resource
	assignments       map[uuid.UUID]model.Assignment
	appointments      map[int64]model.Appointment
	nextAppointmentID int64
	outbox            map[uuid.UUID]model.OutboxEvent
	audit             []model.AuditLog
	patients          map[string]patient
}

func newState() *state {
	return &state{
		resources:    make(map[uuid.UUID]model.Resource),
		assignments:  make(map[uuid.UUID]model.Assignment),
		appointments: make(map[int64]model.Appointment),
		outbox:       make(map[uuid.UUID]model.OutboxEvent),
		patients:     make(map[string]patient),
	}
}

// clone copies maps and the pointer fields that mutations replace wholesale.
func (s *state) clone() *state {
	c := &state{
		resources:         make(map[uuid.UUID]model.Resource, len(s.resources)),
		assignments:       make(map[uuid.UUID]model.Assignment, len(s.assignments)),
		appointments:      make(map[int64]model.Appointment, len(s.appointments)),
		nextAppointmentID: s.nextAppointmentID,
		outbox:            make(map[uuid.UUID]model.OutboxEvent, len(s.outbox)),
		audit:             append([]model.AuditLog(nil), s.audit...),
		patients:          make(map[string]patient, len(s.patients)),
	}
	for k, v := range s.resources {
		c.resources[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	return c
}

// Store holds every table. The zero value is not usable; call NewStore.
type Store struct {
	mu    sync.Mutex
	state *state
}

func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx implements repository.TxManager.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	defer func() {
		if p := recover(); p != nil {
			s.state = snapshot
			panic(p)
		}
		if err != nil {
			s.state = snapshot
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, s))
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// lock takes the store mutex unless ctx already owns it through WithinTx.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// AddPatient registers a display name for the occupancy projection.
func (s *Store) AddPatient(id, firstName, lastName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.patients[id] = patient{firstName: firstName, lastName: lastName}
}

func (s *Store) TxManager() repository.TxManager              { return s }
func (s *Store) Resources() repository.ResourceRepository     { return &resourceRepository{s} }
func (s *Store) Assignments() repository.AssignmentRepository { return &assignmentRepository{s} }
func (s *Store) Appointments() repository.AppointmentRepository {
	return &appointmentRepository{s}
}
func (s *Store) Outbox() repository.OutboxRepository { return &outboxRepository{s} }
func (s *Store) Audit() repository.AuditRepository   { return &auditRepository{s} }
