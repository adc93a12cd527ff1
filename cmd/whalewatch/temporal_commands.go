package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/whalewatch/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func ensureSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "ensure-schedules",
		Usage:   "Create or update the alert cycle and retention sweep schedules",
		Aliases: []string{"create"},
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "alert-interval",
				Usage:   "Interval between alert cycles",
				EnvVars: []string{"ALERT_CYCLE_INTERVAL"},
				Value:   30 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "Interval between retention sweeps",
				EnvVars: []string{"SWEEP_INTERVAL"},
				Value:   30 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := temporal.EnsureSchedules(c.Context, tc, c.Duration("alert-interval"), c.Duration("sweep-interval")); err != nil {
				return err
			}
			fmt.Printf("✓ Schedules ready: %s (every %s), %s (every %s)\n",
				temporal.AlertCycleScheduleID, c.Duration("alert-interval"),
				temporal.RetentionSweepScheduleID, c.Duration("sweep-interval"))
			return nil
		},
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List whalewatch schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			schedules, err := tc.ListSchedules(c.Context)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(schedules)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tWORKFLOW\tINTERVAL\tPAUSED\tNEXT RUN")
			for _, s := range schedules {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.Workflow, s.Interval, s.Paused, next)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(schedules))
			return nil
		},
	}
}

func triggerScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Run a schedule's workflow immediately",
		ArgsUsage: "<schedule-id>",
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(h client.ScheduleHandle) error {
				if err := h.Trigger(c.Context, client.ScheduleTriggerOptions{}); err != nil {
					return fmt.Errorf("failed to trigger schedule: %w", err)
				}
				fmt.Printf("✓ Schedule triggered: %s\n", h.GetID())
				return nil
			})
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause a Temporal schedule",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via whalewatch CLI",
			},
		},
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(h client.ScheduleHandle) error {
				if err := h.Pause(c.Context, client.SchedulePauseOptions{Note: c.String("note")}); err != nil {
					return fmt.Errorf("failed to pause schedule: %w", err)
				}
				fmt.Printf("✓ Schedule paused: %s\n", h.GetID())
				return nil
			})
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a paused Temporal schedule",
		ArgsUsage: "<schedule-id>",
		Action: func(c *cli.Context) error {
			return withScheduleHandle(c, func(h client.ScheduleHandle) error {
				if err := h.Unpause(c.Context, client.ScheduleUnpauseOptions{Note: "Resumed via whalewatch CLI"}); err != nil {
					return fmt.Errorf("failed to resume schedule: %w", err)
				}
				fmt.Printf("✓ Schedule resumed: %s\n", h.GetID())
				return nil
			})
		},
	}
}

func deleteSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-schedules",
		Usage: "Delete both whalewatch schedules",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := temporal.RemoveSchedules(c.Context, tc); err != nil {
				return err
			}
			fmt.Println("✓ Schedules deleted")
			return nil
		},
	}
}

func withScheduleHandle(c *cli.Context, fn func(client.ScheduleHandle) error) error {
	if c.NArg() != 1 {
		return fmt.Errorf("requires exactly one argument: schedule ID")
	}

	tc, err := getTemporalClient(c)
	if err != nil {
		return err
	}
	defer tc.Close()

	return fn(tc.ScheduleHandle(c.Context, c.Args().First()))
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
