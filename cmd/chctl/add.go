package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/identity"
	"github.com/tretyn/commhist/internal/store"
	"github.com/tretyn/commhist/internal/writer"
	"go.uber.org/zap"
)

func newAddCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append records to the history",
	}
	cmd.AddCommand(newAddMessageCmd(opts))
	cmd.AddCommand(newAddCallCmd(opts))
	return cmd
}

func newAddMessageCmd(opts *rootOptions) *cobra.Command {
	var (
		localUID  string
		remoteUID string
		text      string
		outbound  bool
	)
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Append a message event, creating the conversation group if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			w := writer.New(db, bus.New(), identity.NewRegistry(), zap.NewNop())
			g, err := w.EnsureGroup(localUID, []string{remoteUID})
			if err != nil {
				return err
			}

			e := store.NewEvent()
			e.Type = store.EventText
			e.Direction = store.DirectionInbound
			if outbound {
				e.Direction = store.DirectionOutbound
			}
			e.GroupID = g.ID
			e.LocalUID = localUID
			e.RemoteUID = remoteUID
			e.FreeText = text
			now := time.Now().Unix()
			e.StartTime = now
			e.EndTime = now
			if err := w.AddEvent(&e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %d in group %d\n", e.ID, g.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&localUID, "account", "ring/tel/ring", "local account UID")
	cmd.Flags().StringVar(&remoteUID, "remote", "", "remote address")
	cmd.Flags().StringVar(&text, "text", "", "message body")
	cmd.Flags().BoolVar(&outbound, "outbound", false, "record as outbound")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}

func newAddCallCmd(opts *rootOptions) *cobra.Command {
	var (
		localUID  string
		remoteUID string
		outbound  bool
		missed    bool
		video     bool
		duration  int64
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Append a call event",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			w := writer.New(db, bus.New(), identity.NewRegistry(), zap.NewNop())
			e := store.NewEvent()
			e.Type = store.EventCall
			e.Direction = store.DirectionInbound
			if outbound {
				e.Direction = store.DirectionOutbound
			}
			e.LocalUID = localUID
			e.RemoteUID = remoteUID
			e.IsVideoCall = video
			now := time.Now().Unix()
			e.StartTime = now - duration
			e.EndTime = now
			if missed {
				e.IsMissedCall = true
				e.IncomingStatus = store.IncomingNotAnswered
				e.IsRead = false
			} else {
				e.IncomingStatus = store.IncomingAnswered
				e.IsRead = true
			}
			if err := w.AddEvent(&e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call event %d\n", e.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&localUID, "account", "ring/tel/ring", "local account UID")
	cmd.Flags().StringVar(&remoteUID, "remote", "", "remote address")
	cmd.Flags().BoolVar(&outbound, "outbound", false, "record as dialed")
	cmd.Flags().BoolVar(&missed, "missed", false, "record as missed")
	cmd.Flags().BoolVar(&video, "video", false, "record as video call")
	cmd.Flags().Int64Var(&duration, "duration", 0, "call duration in seconds")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}
