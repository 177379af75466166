package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reportbot/internal/app"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/systemd"
)

const stopTimeout = 10 * time.Second

var cfgPath string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "reportbot",
		Short:         "Scheduled report delivery to Telegram and Slack",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "config file (json or yaml)")

	root.AddCommand(
		runCommand(),
		statusCommand(),
		missingCommand(),
		backfillCommand(),
		purgeCommand(),
	)
	return root
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the delivery daemon until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			log := a.Logger()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			systemd.Ready(log)
			wdCtx, wdCancel := context.WithCancel(ctx)
			go systemd.Watchdog(wdCtx, log, a.Healthy)

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			wdCancel()
			systemd.Stopping(log)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return fmt.Errorf("fatal: %w", err)
				}
			}
			return stopErr
		},
	}
}

// oneShot builds the app without starting the daemon loops and stops it
// when fn returns.
func oneShot(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return errors.Join(runErr, a.Stop(stopCtx, app.StopCommand))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCommand() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status snapshot of a running instance",
		Long: "Queries the observability endpoint of a running instance. With --local, or\n" +
			"when no instance answers, prints the snapshot of a freshly loaded config.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app.App) error {
				if !local {
					qctx, cancel := context.WithTimeout(ctx, 3*time.Second)
					body, err := a.FetchLiveStatus(qctx)
					cancel()
					if err == nil {
						_, err = os.Stdout.Write(body)
						return err
					}
					a.Logger().Warn("live status unavailable; showing local snapshot", logx.Err(err))
				}
				return printJSON(a.Status())
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "skip the running instance and print a local snapshot")
	return cmd
}

func missingCommand() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "missing",
		Short: "List scheduled instants with no delivery record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app.App) error {
				day, err := parseDate(a, date)
				if err != nil {
					return err
				}
				missing, err := a.Orchestrator().Backfill().FindMissing(ctx, day)
				if err != nil {
					return err
				}
				out := make([]string, 0, len(missing))
				for _, t := range missing {
					out = append(out, a.Clock().Key(t))
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to check as YYYY-MM-DD (default today)")
	return cmd
}

func backfillCommand() *cobra.Command {
	var (
		limit int
		at    string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay missed instants of today through the normal send path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app.App) error {
				if at != "" {
					instant, err := parseClock(a, at)
					if err != nil {
						return err
					}
					if err := a.Orchestrator().Replay(ctx, instant); err != nil {
						return err
					}
					return printJSON(map[string]string{"replayed": a.Clock().Key(instant)})
				}
				rep, err := a.Orchestrator().Backfill().RecoverMissing(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 2, "replay at most this many of the most recent missed instants")
	cmd.Flags().StringVar(&at, "instant", "", "replay one instant of today, as HH:MM")
	return cmd
}

func purgeCommand() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete ledger records older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Ledger().PurgeOlderThan(ctx, days)
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"removed": n})
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "retention in days")
	return cmd
}

func parseDate(a *app.App, raw string) (time.Time, error) {
	loc := a.Clock().Location()
	if raw == "" {
		return time.Now().In(loc), nil
	}
	d, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date: %w", err)
	}
	return d, nil
}

func parseClock(a *app.App, raw string) (time.Time, error) {
	hm, err := time.Parse("15:04", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--instant: want HH:MM: %w", err)
	}
	loc := a.Clock().Location()
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), nil
}
