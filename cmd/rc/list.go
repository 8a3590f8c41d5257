package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "record",
	Short:   "List locally cached records",
}

var listPeopleCmd = &cobra.Command{
	Use:   "people",
	Short: "List enrolled people",
	Args:  cobra.NoArgs,
	RunE:  runListPeople,
}

var listSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded attendance sessions",
	Args:  cobra.NoArgs,
	RunE:  runListSessions,
}

func init() {
	listCmd.AddCommand(listPeopleCmd, listSessionsCmd)
	rootCmd.AddCommand(listCmd)
}

func runListPeople(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	entities, err := app.Cache.List(ctx, schema.KindPerson)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Println("No people enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tSTATE")
	for _, entity := range entities {
		person, err := schema.DecodePerson(entity.Payload)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t\t%s\n", entity.ID, ui.RenderErr("(corrupt payload)"), entity.SyncState)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", person.ID, person.FullName, person.Group, renderState(entity.SyncState))
	}
	return w.Flush()
}

func runListSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	entities, err := app.Cache.List(ctx, schema.KindSession)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Println("No attendance sessions recorded.")
		return nil
	}

	// Resolve person names for readable output.
	names := make(map[string]string)
	people, err := app.Cache.List(ctx, schema.KindPerson)
	if err == nil {
		for _, entity := range people {
			if person, err := schema.DecodePerson(entity.Payload); err == nil {
				names[person.ID] = person.FullName
			}
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPERSON\tSTATUS\tRECORDED\tSTATE")
	for _, entity := range entities {
		session, err := schema.DecodeSession(entity.Payload)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t\t\t%s\n", entity.ID, ui.RenderErr("(corrupt payload)"), entity.SyncState)
			continue
		}
		name := names[session.PersonID]
		if name == "" {
			name = session.PersonID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			session.ID, name, session.Status,
			session.RecordedAt.Local().Format("2006-01-02 15:04"),
			renderState(entity.SyncState))
	}
	return w.Flush()
}

func renderState(state schema.SyncState) string {
	switch state {
	case schema.StateClean:
		return ui.RenderDim(string(state))
	case schema.StatePending:
		return ui.RenderWarn(string(state))
	case schema.StateConflict:
		return ui.RenderAccent(string(state))
	default:
		return string(state)
	}
}
