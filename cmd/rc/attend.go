package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/classdesk/rollcall/internal/cache"
	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/ui"
)

var attendCmd = &cobra.Command{
	Use:     "attend <person>",
	GroupID: "record",
	Short:   "Record an attendance session",
	Long: `Record an attendance session for an enrolled person.

The person may be given by id or by full name. The --at flag accepts
natural language ("10 minutes ago", "today 9am") as well as RFC 3339
timestamps.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAttend,
}

func init() {
	attendCmd.Flags().String("status", string(schema.StatusPresent), "attendance status (present, absent, late)")
	attendCmd.Flags().String("at", "", "when the attendance was observed (default: now)")
	rootCmd.AddCommand(attendCmd)
}

func runAttend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	statusFlag, _ := cmd.Flags().GetString("status")
	status := schema.AttendanceStatus(statusFlag)
	switch status {
	case schema.StatusPresent, schema.StatusAbsent, schema.StatusLate:
	default:
		return fmt.Errorf("unknown status %q (want present, absent, or late)", status)
	}

	at, _ := cmd.Flags().GetString("at")
	recordedAt, err := parseWhen(at)
	if err != nil {
		return err
	}

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	person, err := findPerson(ctx, app.Cache, strings.Join(args, " "))
	if err != nil {
		return err
	}

	session := &schema.AttendanceSession{
		ID:         uuid.NewString(),
		PersonID:   person.ID,
		Status:     status,
		RecordedAt: recordedAt,
	}

	payload, err := schema.EncodeSession(session)
	if err != nil {
		return err
	}

	if err := app.Engine.RecordCreate(ctx, schema.KindSession, session.ID, payload); err != nil {
		return fmt.Errorf("failed to record attendance: %w", err)
	}

	fmt.Printf("%s %s marked %s at %s\n",
		ui.RenderPass("✓"),
		person.FullName,
		ui.RenderAccent(string(status)),
		recordedAt.Local().Format("15:04"),
	)
	return nil
}

// parseWhen turns the --at flag into a timestamp. Empty means now;
// otherwise RFC 3339 is tried first, then natural language.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return result.Time.UTC(), nil
}

// findPerson resolves a person by exact id or by full name
// (case-insensitive). An ambiguous name is an error rather than a guess.
func findPerson(ctx context.Context, c *cache.Cache, ref string) (*schema.Person, error) {
	if entity, err := c.Get(ctx, schema.KindPerson, ref); err == nil {
		return schema.DecodePerson(entity.Payload)
	}

	entities, err := c.List(ctx, schema.KindPerson)
	if err != nil {
		return nil, err
	}

	var matches []*schema.Person
	for _, entity := range entities {
		person, err := schema.DecodePerson(entity.Payload)
		if err != nil {
			continue
		}
		if strings.EqualFold(person.FullName, ref) {
			matches = append(matches, person)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no enrolled person matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("%q is ambiguous, use an id: %s", ref, strings.Join(ids, ", "))
	}
}
