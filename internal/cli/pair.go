package cli

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tandem-sync/tandem"
)

// NewPairCommand creates the pair command group.
func NewPairCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage device pairings",
	}
	cmd.AddCommand(newPairInviteCommand(rootOpts))
	cmd.AddCommand(newPairAcceptCommand(rootOpts))
	cmd.AddCommand(newPairCompleteCommand(rootOpts))
	cmd.AddCommand(newPairListCommand(rootOpts))
	cmd.AddCommand(newPairRemoveCommand(rootOpts))
	return cmd
}

func newPairInviteCommand(rootOpts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create a pairing invite and code",
		Long: `Create a pairing invite file and print the pairing code. Hand the
invite file to the other device over any channel; convey the code
separately (read it aloud, type it). The code is shown once and never
stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()

			code, invite, err := core.CreateInvite()
			if err != nil {
				return err
			}
			data, err := invite.Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("invite written to %s\n", out)
			fmt.Printf("pairing code: %s\n", code)
			fmt.Printf("after the other device accepts, run:\n")
			fmt.Printf("  tandem pair complete <their-device-id> --code %s --salt %s\n",
				code, base64.StdEncoding.EncodeToString(invite.Salt))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "invite.json", "path to write the invite file")
	return cmd
}

func newPairAcceptCommand(rootOpts *RootOptions) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "accept <invite-file>",
		Short: "Accept a pairing invite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			invite, err := tandem.ParsePairingInvite(data)
			if err != nil {
				return err
			}
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()

			if err := core.Pair(invite, code); err != nil {
				return err
			}
			fmt.Printf("paired with %s (%s)\n", invite.DeviceID, invite.Label)
			fmt.Printf("tell the inviter your device id: %s\n", core.DeviceID())
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "pairing code conveyed out of band (required)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newPairCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	var code, label, saltB64 string
	cmd := &cobra.Command{
		Use:   "complete <peer-device-id>",
		Short: "Complete a pairing you invited",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			salt, err := base64.StdEncoding.DecodeString(saltB64)
			if err != nil {
				return fmt.Errorf("decode salt: %w", err)
			}
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()

			if err := core.AcceptPairing(args[0], label, code, salt); err != nil {
				return err
			}
			fmt.Printf("paired with %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "pairing code from the invite (required)")
	cmd.Flags().StringVar(&saltB64, "salt", "", "base64 salt from the invite (required)")
	cmd.Flags().StringVar(&label, "label", "", "label for the peer device")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("salt")
	return cmd
}

func newPairListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()

			peers := core.PairedPeers()
			if len(peers) == 0 {
				fmt.Println("no paired devices")
				return nil
			}
			for _, p := range peers {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func newPairRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <peer-device-id>",
		Short: "Forget a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer core.Close()
			if err := core.Unpair(args[0]); err != nil {
				return err
			}
			fmt.Printf("unpaired %s\n", args[0])
			return nil
		},
	}
}
