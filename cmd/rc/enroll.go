package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/ui"
)

var enrollCmd = &cobra.Command{
	Use:     "enroll [full name]",
	GroupID: "record",
	Short:   "Enroll a person",
	Long: `Enroll a person into the local roster.

With no arguments an interactive form collects the details. The
enrollment is recorded locally right away and submitted to the server
on the next sync.`,
	Args: cobra.ArbitraryArgs,
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().String("group", "", "class or cohort label")
	enrollCmd.Flags().String("guardian", "", "guardian contact")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, args []string) error {
	fullName := strings.TrimSpace(strings.Join(args, " "))
	group, _ := cmd.Flags().GetString("group")
	guardian, _ := cmd.Flags().GetString("guardian")

	if fullName == "" {
		if err := enrollForm(&fullName, &group, &guardian); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	person := &schema.Person{
		ID:         uuid.NewString(),
		FullName:   fullName,
		Group:      group,
		Guardian:   guardian,
		EnrolledAt: now,
		UpdatedAt:  now,
	}

	payload, err := schema.EncodePerson(person)
	if err != nil {
		return err
	}

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Engine.RecordCreate(context.Background(), schema.KindPerson, person.ID, payload); err != nil {
		return fmt.Errorf("failed to record enrollment: %w", err)
	}

	fmt.Printf("%s Enrolled %s (%s)\n", ui.RenderPass("✓"), person.FullName, ui.RenderDim(person.ID))
	return nil
}

// enrollForm collects enrollment details interactively.
func enrollForm(fullName, group, guardian *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Full name").
				Value(fullName).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("full name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Group").
				Description("Class or cohort label (optional)").
				Value(group),
			huh.NewInput().
				Title("Guardian").
				Description("Guardian contact (optional)").
				Value(guardian),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("enrollment cancelled: %w", err)
	}
	*fullName = strings.TrimSpace(*fullName)
	return nil
}
