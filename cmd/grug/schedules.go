package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"grug/internal/task/jobstore"
)

func newSchedulesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"jobs"},
		Short:   "Inspect and control durable schedules",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all schedules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := openAdmin(cmd.Context(), opts.configPath)
				if err != nil {
					return err
				}
				defer a.Close()
				list, err := a.jobs.ListSchedules(cmd.Context())
				if err != nil {
					return err
				}
				return printSchedules(stdout, list)
			},
		},
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show one schedule and its recent results",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openAdmin(cmd.Context(), opts.configPath)
				if err != nil {
					return err
				}
				defer a.Close()
				s, err := a.jobs.GetSchedule(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				results, err := a.jobs.JobResults(cmd.Context(), s.ID, 10)
				if err != nil {
					return err
				}
				return printJSON(stdout, struct {
					Schedule *jobstore.Schedule  `json:"schedule"`
					Results  []jobstore.JobResult `json:"results"`
				}{s, results})
			},
		},
		&cobra.Command{
			Use:   "pause <id>",
			Short: "Pause a schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openAdmin(cmd.Context(), opts.configPath)
				if err != nil {
					return err
				}
				defer a.Close()
				if err := a.jobs.PauseSchedule(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "paused %s\n", args[0])
				return nil
			},
		},
		newResumeCmd(opts),
	)
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Unpause a schedule, computing the next fire after --from (default now)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resumeFrom := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				resumeFrom = t
			}
			a, err := openAdmin(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.jobs.UnpauseSchedule(cmd.Context(), args[0], resumeFrom)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "resumed %s, next fire %s\n", s.ID, fmtTime(s.NextFireTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 instant to resume from")
	return cmd
}
