package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/ui"
)

var removeCmd = &cobra.Command{
	Use:     "remove <person>",
	GroupID: "record",
	Short:   "Remove an enrolled person",
	Long: `Remove a person from the roster.

The removal is recorded locally right away and propagated to the
server on the next sync. Any queued changes for the person collapse
into the removal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	person, err := findPerson(ctx, app.Cache, strings.Join(args, " "))
	if err != nil {
		return err
	}

	if err := app.Engine.RecordDelete(ctx, schema.KindPerson, person.ID); err != nil {
		return fmt.Errorf("failed to record removal: %w", err)
	}

	fmt.Printf("%s Removed %s (%s)\n", ui.RenderPass("✓"), person.FullName, ui.RenderDim(person.ID))
	return nil
}
