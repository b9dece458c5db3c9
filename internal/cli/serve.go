package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	FeedAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service",
		Long: `Run discovery, the peer sync listener, and the automatic sync loop
until interrupted. With --feed-addr, a local WebSocket feed of document
changes is served for the host UI.

Example:
  tandem serve --db ./field.db
  tandem serve --db ./field.db --feed-addr 127.0.0.1:7647`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.FeedAddr, "feed-addr", "", "address to serve the WebSocket change feed on")
	return cmd
}

func runServe(opts *ServeOptions) error {
	core, err := opts.open()
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("device %s serving\n", core.DeviceID())

	if opts.FeedAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/feed", core.Feed().WebSocketHandler())
		srv := &http.Server{Addr: opts.FeedAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, "feed server:", err)
			}
		}()
	}

	<-ctx.Done()
	return nil
}
