package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"vigil/internal/jobs"
	"vigil/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			var filters []store.SessionStatus
			if statusFilter != "" {
				parsed, ok := store.ParseSessionStatus(statusFilter)
				if !ok {
					return fmt.Errorf("unknown session status %q", statusFilter)
				}
				filters = append(filters, parsed)
			}

			sessions, err := st.ListSessions(cmd.Context(), filters...)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			fmt.Fprintln(out, renderSectionHeader("Sessions", colorize))
			if len(sessions) == 0 {
				fmt.Fprintln(out, "  no sessions")
			} else {
				rows := make([][]string, 0, len(sessions))
				for _, session := range sessions {
					counts, err := st.ChunkCounts(cmd.Context(), session.ID)
					if err != nil {
						return fmt.Errorf("count chunks for %s: %w", session.ID, err)
					}
					events, err := st.EventCount(cmd.Context(), session.ID)
					if err != nil {
						return fmt.Errorf("count events for %s: %w", session.ID, err)
					}
					rows = append(rows, []string{
						session.ID,
						string(session.Status),
						fmt.Sprintf("%d/%d", counts.Processed, counts.Total()),
						strconv.Itoa(events),
						session.FinalVideoURL,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"SESSION", "STATUS", "CHUNKS", "EVENTS", "RECORDING"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
			}

			queue := jobs.NewQueue(st.DB())
			stats, err := queue.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}

			fmt.Fprintln(out, renderSectionHeader("Queue", colorize))
			if len(stats) == 0 {
				fmt.Fprintln(out, "  queue is empty")
			} else {
				rows := make([][]string, 0, len(stats))
				for _, entry := range stats {
					rows = append(rows, []string{
						string(entry.Kind),
						string(entry.Status),
						strconv.Itoa(entry.Count),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"KIND", "STATUS", "COUNT"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight},
				))
			}

			dead, err := queue.DeadJobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list dead jobs: %w", err)
			}
			if len(dead) > 0 {
				fmt.Fprintln(out, renderSectionHeader("Dead jobs", colorize))
				rows := make([][]string, 0, len(dead))
				for _, job := range dead {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						string(job.Kind),
						job.DedupKey,
						strconv.Itoa(job.Attempts),
						job.LastError,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "KIND", "KEY", "ATTEMPTS", "LAST ERROR"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
				))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter sessions by status (ACTIVE, COMPLETED, PROCESSING, DONE)")
	return cmd
}
