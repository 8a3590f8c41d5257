package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/classdesk/rollcall/internal/roster"
	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <roster.yaml>",
	GroupID: "record",
	Short:   "Bulk-enroll people from a roster file",
	Long: `Import a YAML roster file and enroll every listed person.

Each entry goes through the normal optimistic-write path, so a roster
can be imported on a device that has never been online.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	r, err := roster.Load(args[0])
	if err != nil {
		return err
	}

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	enrolled := 0
	for _, person := range r.Persons() {
		payload, err := schema.EncodePerson(person)
		if err != nil {
			return fmt.Errorf("roster entry %q: %w", person.FullName, err)
		}
		if err := app.Engine.RecordCreate(ctx, schema.KindPerson, person.ID, payload); err != nil {
			return fmt.Errorf("failed to enroll %q: %w", person.FullName, err)
		}
		enrolled++
	}

	fmt.Printf("%s Enrolled %d people from %s\n", ui.RenderPass("✓"), enrolled, args[0])
	return nil
}
