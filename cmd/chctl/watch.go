package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/ipc"
	"github.com/tretyn/commhist/internal/reconcile"
	"github.com/tretyn/commhist/internal/session"
	"go.uber.org/zap"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream change-bus frames from the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			localBus := bus.New()
			received, unsub := localBus.Subscribe(namespace, 256)
			defer unsub()

			listener := ipc.NewListener(session.SocketPath(opts.Profile), localBus, zap.NewNop())
			go func() { _ = listener.Run(ctx) }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case evt := <-received:
					if opts.JSON {
						if err := enc.Encode(evt); err != nil {
							return err
						}
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s seq=%d %s\n",
							evt.Timestamp.Format("15:04:05.000"), evt.Seq, evt.Kind)
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "event namespace prefix filter (empty = all)")
	return cmd
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one repair pass against the profile database",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			rec, err := reconcile.New(db, bus.New(), zap.NewNop(), "")
			if err != nil {
				return err
			}
			return rec.Run()
		},
	}
}
