package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"grug/internal/calendar"
	"grug/internal/occurrence"
	"grug/internal/storage"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Event occurrence helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "next <event-id>",
			Short: "Get or create the next occurrence of an event",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("event id: %w", err)
				}
				a, err := openAdmin(cmd.Context(), opts.configPath)
				if err != nil {
					return err
				}
				defer a.Close()
				var occ *occurrence.EventOccurrence
				if err := a.stores.Domain.WithTx(cmd.Context(), func(tx *storage.Tx) error {
					occ, err = a.repo.GetOrCreateNextOccurrence(cmd.Context(), tx, id)
					return err
				}); err != nil {
					return err
				}
				a.sync.Flush(cmd.Context())
				return printJSON(stdout, occ)
			},
		},
		&cobra.Command{
			Use:   "ics <event-id>",
			Short: "Write the event's upcoming occurrences as iCalendar",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("event id: %w", err)
				}
				a, err := openAdmin(cmd.Context(), opts.configPath)
				if err != nil {
					return err
				}
				defer a.Close()
				var (
					e    *occurrence.Event
					occs []*occurrence.EventOccurrence
				)
				if err := a.stores.Domain.WithTx(cmd.Context(), func(tx *storage.Tx) error {
					if e, err = a.repo.GetEvent(cmd.Context(), tx, id); err != nil {
						return err
					}
					occs, err = a.repo.FutureOccurrences(cmd.Context(), tx, e)
					return err
				}); err != nil {
					return err
				}
				return calendar.WriteICS(stdout, e, occs, calendar.Options{})
			},
		},
	)
	return cmd
}

