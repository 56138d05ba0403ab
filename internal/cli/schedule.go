package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/RezaEskandarii/gofleet/app"
	"github.com/RezaEskandarii/gofleet/client"
	"github.com/RezaEskandarii/gofleet/internal/registry"
)

type scheduleFlags struct {
	task   string
	queue  string
	reps   int
	makeUp bool
}

func buildScheduleCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create a fixed, calendar or cron schedule",
	}
	cmd.AddCommand(buildScheduleFixedCommand(flags, reg))
	cmd.AddCommand(buildScheduleCalendarCommand(flags, reg))
	cmd.AddCommand(buildScheduleCronCommand(flags, reg))
	return cmd
}

func addScheduleFlags(cmd *cobra.Command, sf *scheduleFlags) {
	addRefFlags(cmd, &sf.task, &sf.queue)
	cmd.Flags().IntVar(&sf.reps, "repetitions", 0, "number of runs, 0 repeats forever")
	cmd.Flags().BoolVar(&sf.makeUp, "make-up", false, "run missed occurrences instead of skipping them")
}

func addRefFlags(cmd *cobra.Command, task, queue *string) {
	cmd.Flags().StringVar(task, "task", "", "task as type:id")
	cmd.Flags().StringVar(queue, "queue", "", "queue as type:id")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("queue")
}

// scheduleCommand wraps the shared set-up of every schedule subcommand.
func scheduleCommand(flags *rootFlags, reg *registry.Registry, sf *scheduleFlags,
	create func(cmd *cobra.Command, jm *client.JobManager, task, queue registry.Ref) (int64, error),
) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		task, queue, err := parseRefs(sf.task, sf.queue)
		if err != nil {
			return err
		}
		c, err := newContainer(cmd.Context(), flags, reg, app.WithoutMigrations())
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := create(cmd, c.JobManager, task, queue)
		if err != nil {
			return err
		}
		rec, err := c.JobManager.Schedule(cmd.Context(), id)
		if err != nil {
			return err
		}
		if next := rec.NextDue(); next != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %d created, next run %s\n", id, next.Format(time.RFC3339))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %d created, no upcoming run\n", id)
		}
		return nil
	}
}

func buildScheduleFixedCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	sf := &scheduleFlags{}
	var start string
	var period time.Duration
	cmd := &cobra.Command{
		Use:   "fixed",
		Short: "Run every period, starting at --start",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = scheduleCommand(flags, reg, sf, func(cmd *cobra.Command, jm *client.JobManager, task, queue registry.Ref) (int64, error) {
		at := time.Now().UTC()
		if start != "" {
			var err error
			if at, err = time.Parse(time.RFC3339, start); err != nil {
				return 0, fmt.Errorf("invalid --start: %w", err)
			}
		}
		return jm.ScheduleFixed(cmd.Context(), task, queue, at, sf.reps, period, sf.makeUp)
	})
	addScheduleFlags(cmd, sf)
	cmd.Flags().StringVar(&start, "start", "", "first run, RFC 3339 (default now)")
	cmd.Flags().DurationVar(&period, "period", time.Hour, "time between runs")
	return cmd
}

func buildScheduleCalendarCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	sf := &scheduleFlags{}
	cmd := &cobra.Command{
		Use:   "calendar <encoding|HALFHOURLY|HOURLY|DAILY|WEEKLY|MONTHLY>",
		Short: "Run on calendar fields such as o*d*w0h9m0s0 (Monday 09:00)",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = scheduleCommand(flags, reg, sf, func(cmd *cobra.Command, jm *client.JobManager, task, queue registry.Ref) (int64, error) {
		return jm.ScheduleCalendar(cmd.Context(), task, queue, cmd.Flags().Arg(0), sf.reps, sf.makeUp)
	})
	addScheduleFlags(cmd, sf)
	return cmd
}

func buildScheduleCronCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	sf := &scheduleFlags{}
	cmd := &cobra.Command{
		Use:   "cron <expression>",
		Short: "Run on a standard cron expression",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = scheduleCommand(flags, reg, sf, func(cmd *cobra.Command, jm *client.JobManager, task, queue registry.Ref) (int64, error) {
		return jm.ScheduleCron(cmd.Context(), task, queue, cmd.Flags().Arg(0), sf.reps, sf.makeUp)
	})
	addScheduleFlags(cmd, sf)
	return cmd
}

func buildPreviewCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "preview <encoding>",
		Short: "Print the next occurrences of a calendar encoding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jm := client.NewJobManager(nil, nil, zerolog.Nop())
			for _, t := range jm.Preview(args[0], time.Now().UTC(), count) {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	return cmd
}

func parseRefs(task, queue string) (registry.Ref, registry.Ref, error) {
	taskRef, err := registry.ParseRef(task)
	if err != nil {
		return registry.Ref{}, registry.Ref{}, fmt.Errorf("--task: %w", err)
	}
	queueRef, err := registry.ParseRef(queue)
	if err != nil {
		return registry.Ref{}, registry.Ref{}, fmt.Errorf("--queue: %w", err)
	}
	return taskRef, queueRef, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}
