// Package roster parses class roster files for bulk enrollment.
//
// A roster is a YAML document listing the people in a class. Importing
// one runs each entry through the optimistic-write path, so a roster can
// be loaded on a device that has never been online.
package roster

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/classdesk/rollcall/internal/schema"
)

// Roster is a parsed roster file.
type Roster struct {
	// Group is the class or cohort label applied to every entry.
	Group string `yaml:"group"`

	// People are the roster entries.
	People []Entry `yaml:"people"`
}

// Entry is one person in a roster file.
type Entry struct {
	// ID is optional; entries without one get a client-generated id.
	ID       string `yaml:"id,omitempty"`
	FullName string `yaml:"full_name"`
	Guardian string `yaml:"guardian,omitempty"`
}

// Load reads and validates a roster file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file %s: %w", path, err)
	}

	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse roster file %s: %w", path, err)
	}

	if len(r.People) == 0 {
		return nil, fmt.Errorf("roster file %s lists no people", path)
	}
	for i, entry := range r.People {
		if entry.FullName == "" {
			return nil, fmt.Errorf("roster entry %d is missing full_name", i+1)
		}
	}

	return &r, nil
}

// Persons converts the roster entries into Person payloads ready for
// enrollment. Entries without an id get a fresh one.
func (r *Roster) Persons() []*schema.Person {
	now := time.Now().UTC()

	persons := make([]*schema.Person, 0, len(r.People))
	for _, entry := range r.People {
		id := entry.ID
		if id == "" {
			id = uuid.NewString()
		}
		persons = append(persons, &schema.Person{
			ID:         id,
			FullName:   entry.FullName,
			Group:      r.Group,
			Guardian:   entry.Guardian,
			EnrolledAt: now,
			UpdatedAt:  now,
		})
	}
	return persons
}
