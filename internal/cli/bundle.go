package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewBundleCommand creates the bundle command group.
func NewBundleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Exchange changes via bundle files",
		Long: `Bundles carry changes between paired devices when no network path
exists: export on one device, move the file however you like, import on
the other. Importing the same bundle twice is harmless.`,
	}
	cmd.AddCommand(newBundleExportCommand(rootOpts))
	cmd.AddCommand(newBundleImportCommand(rootOpts))
	return cmd
}

func newBundleExportCommand(rootOpts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <peer-device-id>",
		Short: "Export unacknowledged changes for a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()

			data, err := core.ExportBundle(args[0])
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("bundle written to %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "changes.tandem", "path to write the bundle")
	return cmd
}

func newBundleImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle-file>",
		Short: "Import a bundle from a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()

			applied, err := core.ImportBundle(context.Background(), data)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d changes\n", applied)
			return nil
		},
	}
}
