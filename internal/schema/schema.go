// Package schema provides the data structures shared between the local
// cache, the mutation queue, and the sync engine.
//
// Payloads are stored as opaque JSON and validated at the boundary: a
// payload is decoded and checked when it enters the system (CLI, roster
// import, drop folder) and when it comes back from the server, never
// trusted from the durable substrate.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind identifies the type of a cached entity.
type EntityKind string

const (
	// KindPerson is an enrolled person.
	KindPerson EntityKind = "person"
	// KindSession is a recorded attendance session.
	KindSession EntityKind = "attendance_session"
)

// Valid reports whether the kind is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	return k == KindPerson || k == KindSession
}

// SyncState describes how a cached entity relates to server state.
type SyncState string

const (
	// StateClean means the entity matches the last known server state.
	StateClean SyncState = "clean"
	// StatePending means a local mutation for the entity has not been
	// acknowledged by the server yet.
	StatePending SyncState = "pending"
	// StateConflict means a divergence was detected and resolved; kept
	// for inspection, treated like clean by the engine.
	StateConflict SyncState = "conflict"
)

// OpKind identifies the type of a queued mutation.
type OpKind string

const (
	// OpCreate submits a new entity.
	OpCreate OpKind = "create"
	// OpUpdate replaces the payload of an existing entity.
	OpUpdate OpKind = "update"
	// OpDelete removes an entity.
	OpDelete OpKind = "delete"
)

// Entity is a locally cached entity. It is owned by the cache package and
// mutated only through the sync engine or the optimistic-write path.
type Entity struct {
	// ID is the entity identifier. Client-generated for locally created
	// entities, replaced by the server-assigned id after the create is
	// acknowledged.
	ID string `json:"id"`

	// Kind is the entity type.
	Kind EntityKind `json:"kind"`

	// Payload is the opaque entity body (Person or AttendanceSession JSON).
	Payload json.RawMessage `json:"payload"`

	// Version is the server-assigned version counter used for conflict
	// resolution. Zero for entities the server has never seen.
	Version int64 `json:"version"`

	// SyncState tracks whether the entity has unacknowledged local changes.
	SyncState SyncState `json:"sync_state"`

	// UpdatedAt is when the cached copy was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the entity has the fields the cache requires.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", e.Kind)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	switch e.SyncState {
	case StateClean, StatePending, StateConflict:
	default:
		return fmt.Errorf("unknown sync state %q", e.SyncState)
	}
	return nil
}

// Person is the payload of a KindPerson entity.
type Person struct {
	// ===== Identification =====
	ID       string `json:"id"`
	FullName string `json:"full_name"`

	// ===== Enrollment =====
	Group      string    `json:"group,omitempty"` // class or cohort label
	Guardian   string    `json:"guardian,omitempty"`
	EnrolledAt time.Time `json:"enrolled_at"`

	// ===== Timestamps =====
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Person has valid field values.
func (p *Person) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if len(p.FullName) > 200 {
		return fmt.Errorf("full_name must be 200 characters or less (got %d)", len(p.FullName))
	}
	if p.EnrolledAt.IsZero() {
		return fmt.Errorf("enrolled_at is required")
	}
	return nil
}

// AttendanceStatus is the recorded outcome of an attendance session.
type AttendanceStatus string

const (
	// StatusPresent means the person was observed present.
	StatusPresent AttendanceStatus = "present"
	// StatusAbsent means the person was marked absent.
	StatusAbsent AttendanceStatus = "absent"
	// StatusLate means the person arrived after the session start.
	StatusLate AttendanceStatus = "late"
)

// AttendanceSession is the payload of a KindSession entity.
//
// A session is an append-only observation: once the server has committed
// it, the client never issues an update against it.
type AttendanceSession struct {
	// ===== Identification =====
	ID       string `json:"id"`
	PersonID string `json:"person_id"`

	// ===== Observation =====
	Status AttendanceStatus `json:"status"`
	// Confidence is the recognition score attached by the external
	// classifier, in [0, 1]. Zero when the entry was recorded by hand.
	Confidence float64 `json:"confidence,omitempty"`

	// ===== Timestamps =====
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks if the AttendanceSession has valid field values.
func (s *AttendanceSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.PersonID == "" {
		return fmt.Errorf("person_id is required")
	}
	switch s.Status {
	case StatusPresent, StatusAbsent, StatusLate:
	default:
		return fmt.Errorf("unknown attendance status %q", s.Status)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1 (got %v)", s.Confidence)
	}
	if s.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required")
	}
	return nil
}

// EncodePerson marshals a validated Person payload.
func EncodePerson(p *Person) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid person: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal person %s: %w", p.ID, err)
	}
	return data, nil
}

// DecodePerson unmarshals and validates a Person payload.
func DecodePerson(data json.RawMessage) (*Person, error) {
	var p Person
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse person payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid person payload: %w", err)
	}
	return &p, nil
}

// EncodeSession marshals a validated AttendanceSession payload.
func EncodeSession(s *AttendanceSession) (json.RawMessage, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session %s: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSession unmarshals and validates an AttendanceSession payload.
func DecodeSession(data json.RawMessage) (*AttendanceSession, error) {
	var s AttendanceSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session payload: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session payload: %w", err)
	}
	return &s, nil
}
