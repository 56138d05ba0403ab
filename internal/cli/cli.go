// Package cli builds the gofleet command tree. Applications register their
// task and queue variants and hand the registry to NewRootCommand.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/RezaEskandarii/gofleet/app"
	"github.com/RezaEskandarii/gofleet/internal/db"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/types/config"
	"github.com/RezaEskandarii/gofleet/web"
)

type rootFlags struct {
	configFile string
	envFiles   []string
	instance   string
}

func NewRootCommand(reg *registry.Registry) *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "gofleet",
		Short:         "Distributed task scheduler and executor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, ".env files to load")
	rootCmd.PersistentFlags().StringVar(&flags.instance, "instance", "", "process name (default GOFLEET_INSTANCE or hostname-<random>)")

	rootCmd.AddCommand(buildRunCommand(flags, reg, "scheduler", app.RunScheduler, "Claim schedules and create instances when they are due"))
	rootCmd.AddCommand(buildRunCommand(flags, reg, "executor", app.RunExecutor, "Run created instances on the configured queues"))
	rootCmd.AddCommand(buildRunCommand(flags, reg, "all", app.RunAll, "Run a scheduler and an executor in one process"))
	rootCmd.AddCommand(buildMigrateCommand(flags, reg))
	rootCmd.AddCommand(buildScheduleCommand(flags, reg))
	rootCmd.AddCommand(buildEnqueueCommand(flags, reg))
	rootCmd.AddCommand(buildRequestCommand(flags, reg))
	rootCmd.AddCommand(buildInstancesCommand(flags, reg))
	rootCmd.AddCommand(buildPreviewCommand())
	rootCmd.AddCommand(buildTokenCommand(flags))

	return rootCmd
}

// loadConfig merges defaults, the config file and the environment, in that order.
func loadConfig(flags *rootFlags) (*config.GofleetConfig, error) {
	var opts []config.ContainerOption
	instance := flags.instance

	if flags.configFile != "" {
		file, err := config.LoadFile(flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		fileOpts, err := file.Options()
		if err != nil {
			return nil, err
		}
		opts = append(opts, fileOpts...)
		if instance == "" {
			instance = file.Instance
		}
	}

	envOpts, err := config.FromEnv(flags.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	opts = append(opts, envOpts...)
	if instance == "" {
		instance = config.InstanceFromEnv()
	}
	return config.NewGofleetConfig(instance, opts...)
}

func newContainer(ctx context.Context, flags *rootFlags, reg *registry.Registry, opts ...app.ContainerOption) (*app.Container, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return app.NewContainer(ctx, cfg, reg, opts...)
}

func buildRunCommand(flags *rootFlags, reg *registry.Registry, use string, roles app.Role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := newContainer(ctx, flags, reg)
			if err != nil {
				return err
			}
			defer c.Close()

			// No-op unless started by systemd with Type=notify.
			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				c.Logger.Warn().Err(err).Msg("systemd notify failed")
			}
			err = c.Run(ctx, roles)
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return err
		},
	}
}

func buildMigrateCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the " + db.Schema + " schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newContainer(cmd.Context(), flags, reg)
			if err != nil {
				return err
			}
			defer c.Close()
			if c.DB == nil {
				return errors.New("migrate needs the postgres storage driver")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func buildEnqueueCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	var task, queue string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a single instance right away",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			taskRef, queueRef, err := parseRefs(task, queue)
			if err != nil {
				return err
			}
			c, err := newContainer(cmd.Context(), flags, reg, app.WithoutMigrations())
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.JobManager.Enqueue(cmd.Context(), taskRef, queueRef)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "instance %d created\n", id)
			return nil
		},
	}
	addRefFlags(cmd, &task, &queue)
	return cmd
}

func buildRequestCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "request <instance-id> <stop|kill|pause|resume|reload>",
		Short: "Post a request to a running instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req, ok := state.ParseRequest(args[1])
			if !ok {
				return fmt.Errorf("unknown request %q", args[1])
			}

			c, err := newContainer(cmd.Context(), flags, reg, app.WithoutMigrations())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.JobManager.PostRequest(cmd.Context(), id, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s posted to instance %d\n", req, id)
			return nil
		},
	}
}

func buildInstancesCommand(flags *rootFlags, reg *registry.Registry) *cobra.Command {
	var page, size int
	var group string
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List instances, optionally by status group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newContainer(cmd.Context(), flags, reg, app.WithoutMigrations())
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.JobManager.Instances(cmd.Context(), page, size, group)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-8s %-12s %-20s %-20s %s\n", "ID", "STATUS", "TASK", "QUEUE", "CREATED")
			for _, inst := range result.Items {
				fmt.Fprintf(out, "%-8d %-12s %-20s %-20s %s\n", inst.ID, inst.Status, inst.Task, inst.Queue, inst.CreatedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "page %d of %d, %d total\n", result.Page, result.TotalPages, result.TotalItems)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "page-size", 20, "page size")
	cmd.Flags().StringVar(&group, "status", "", "active, running, succeeded, failed, final or a status name")
	return cmd
}

func buildTokenCommand(flags *rootFlags) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the ops API with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.OpsSecret == "" {
				return errors.New("no ops secret configured")
			}
			token, err := web.NewTokenSigner(cfg.OpsSecret).Sign(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "name recorded with posted requests")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
