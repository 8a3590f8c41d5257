package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/classdesk/rollcall/internal/schema"
)

// observationFile is the wire shape of a file dropped by the recognition
// collaborator. Recognition itself (and its confidence scores) happens
// outside this system; we only carry the result.
type observationFile struct {
	ID         string    `json:"id,omitempty"`
	PersonID   string    `json:"person_id"`
	Status     string    `json:"status"`
	Confidence float64   `json:"confidence,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ReadObservationFile reads and validates a dropped observation file,
// returning it as an attendance session ready for the optimistic-write
// path. Files without an id get a client-generated one; files without a
// recorded-at timestamp get the current time.
func ReadObservationFile(path string) (*schema.AttendanceSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read observation file %s: %w", path, err)
	}

	var obs observationFile
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("failed to parse observation file %s: %w", path, err)
	}

	session := &schema.AttendanceSession{
		ID:         obs.ID,
		PersonID:   obs.PersonID,
		Status:     schema.AttendanceStatus(obs.Status),
		Confidence: obs.Confidence,
		RecordedAt: obs.RecordedAt,
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.RecordedAt.IsZero() {
		session.RecordedAt = time.Now().UTC()
	}

	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observation file %s: %w", path, err)
	}

	return session, nil
}
