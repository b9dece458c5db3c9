package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local state and integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()

			doc := core.Snapshot()
			fmt.Printf("device:        %s\n", core.DeviceID())
			fmt.Printf("organizations: %d\n", len(doc.Organizations))
			fmt.Printf("accounts:      %d\n", len(doc.Accounts))
			fmt.Printf("audits:        %d\n", len(doc.Audits))
			fmt.Printf("contacts:      %d\n", len(doc.Contacts))
			fmt.Printf("notes:         %d\n", len(doc.Notes))
			fmt.Printf("events:        %d\n", len(doc.CalendarEvents))
			fmt.Printf("interactions:  %d\n", len(doc.Interactions))
			fmt.Printf("links:         %d\n", len(doc.Links))
			fmt.Printf("paired peers:  %d\n", len(core.PairedPeers()))

			warnings := core.Validate()
			if len(warnings) == 0 {
				fmt.Println("integrity:     ok")
				return nil
			}
			fmt.Printf("integrity:     %d warnings\n", len(warnings))
			for _, w := range warnings {
				fmt.Printf("  %s %s: %s\n", w.Kind, w.EntityID, w.Detail)
			}
			return nil
		},
	}
}
