package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-sync/tandem"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <peer-device-id>",
		Short: "Sync with a peer now",
		Long: `Run one sync session with a paired peer, bypassing any failure
backoff. The peer must be reachable on the local network.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0])
		},
	}
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall session timeout")
	return cmd
}

func runSync(opts *SyncOptions, peerID string) error {
	core, err := opts.open()
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := core.Start(ctx); err != nil {
		return err
	}
	core.SetSyncObserver(func(p tandem.SyncProgress) {
		if p.Err != nil {
			fmt.Printf("%s: %s (%v)\n", p.PeerID, p.State, p.Err)
			return
		}
		fmt.Printf("%s: %s\n", p.PeerID, p.State)
	})

	if err := core.SyncNow(ctx, peerID); err != nil {
		return err
	}
	fmt.Println("sync complete")
	return nil
}
