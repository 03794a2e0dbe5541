package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tretyn/commhist/internal/store"
)

func newGroupsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List conversation groups, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			groups, err := db.GetGroups(store.GroupFilter{Limit: limit})
			if err != nil {
				return err
			}
			if opts.JSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(groups)
			}
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  %-30s  %4d events  %2d unread  %s\n",
					g.ID,
					strings.Join(g.RemoteUIDs, ","),
					g.TotalEvents,
					g.UnreadCount,
					formatTime(g.EndTime))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum groups to list")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		groupID int64
		limit   int
		offset  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			events, err := db.GetEvents(store.EventFilter{GroupID: groupID}, limit, offset)
			if err != nil {
				return err
			}
			if opts.JSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(events)
			}
			for _, e := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s  %-8s  %-20s  %s\n",
					e.ID,
					formatTime(e.EndTime),
					describeType(e),
					e.RemoteUID,
					preview(e))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&groupID, "group", 0, "restrict to one group (0 = all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "events to skip")
	return cmd
}

func describeType(e store.Event) string {
	if e.Type == store.EventCall {
		switch {
		case e.IsMissedCall:
			return "missed"
		case e.Direction == store.DirectionOutbound:
			return "dialed"
		default:
			return "call"
		}
	}
	if e.Direction == store.DirectionOutbound {
		return "sent"
	}
	return "received"
}

func preview(e store.Event) string {
	text := e.FreeText
	if len(text) > 60 {
		text = text[:57] + "..."
	}
	return text
}

func formatTime(unix int64) string {
	if unix == 0 {
		return "                "
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04")
}
