package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/arenabuilder"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/profile"
	"github.com/syntaxsurge/escrowzy-okx-sub005/pkg/battleclient"
	"github.com/syntaxsurge/escrowzy-okx-sub005/pkg/battledto"
)

// opener builds the arena components; tests swap it for a miniredis-backed one.
type opener func(ctx context.Context) (*arenabuilder.Deps, error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "battlectl",
		Short:         "Operator tooling for the battle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newJobsCmd(open), newQueueCmd(open), newBattleCmd(open), newProfileCmd(open), newWatchCmd())
	return root
}

func withDeps(open opener, fn func(cmd *cobra.Command, d *arenabuilder.Deps, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		cmd.SetContext(ctx)
		d, err := open(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		return fn(cmd, d, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newJobsCmd(open opener) *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect and repair durable jobs"}

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: withDeps(open, func(cmd *cobra.Command, d *arenabuilder.Deps, args []string) error {
			j, err := d.Jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		}),
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List failed jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: withDeps(open, func(cmd *cobra.Command, d *arenabuilder.Deps, _ []string) error {
			list, err := d.Jobs.ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, j := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tattempts=%d\t%s\n", j.ID, j.Type, j.Attempts, j.Error)
			}
			return nil
		}),
	}
	failed.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")

	requeue := &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move failed jobs back to pending with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: withDeps(open, func(cmd *cobra.Command, d *arenabuilder.Deps, args []string) error {
			var errs []error
			for _, id := range args {
				if err := d.Jobs.Requeue(cmd.Context(), id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return errors.Join(errs...)
		}),
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: withDeps(open, func(cmd *cobra.Command, d *arenabuilder.Deps, _ []string) error {
			n, err := d.Jobs.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
			return nil
		}),
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention window")

	jobs.AddCommand(get, failed, requeue, purge)
	return jobs
}

func newQueueCmd(open opener) *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Matchmaking queue"}
	q.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List waiting players",
		Args:  cobra.NoArgs,
		RunE: withDeps(open, func(cmd *cobra.Command, d *arenabuilder.Deps, _ []string) error {
			list, err := d.Service.Queue().List(cmd.Context())
			if err != nil {
				return err
			}
			for _, w := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tstrength=%d\tsince=%s\n", w.UserID, w.Strength, w.EnqueuedAt.Format(time.RFC3339))
			}
			return nil
		}),
	})
	return q
}

func newBattleCmd(open opener) *cobra.Command {
	b := &cobra.Command{Use: "battle", Short: "Battle records"}
	b.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print a battle and its live state",
		Args:  cobra.ExactArgs(1),
		RunE: withDeps(open, func(cmd *cobra.Command, d *arenabuilder.Deps, args []string) error {
			eng := d.Service.Engine()
			battle, err := eng.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			st, err := eng.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"battle": battle, "state": st})
		}),
	})
	return b
}

func newProfileCmd(open opener) *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "Upstream profile cache"}
	p.AddCommand(&cobra.Command{
		Use:   "invalidate [user...]",
		Short: "Drop cached profiles so the next lookup hits the profile API",
		Args:  cobra.MinimumNArgs(1),
		RunE: withDeps(open, func(cmd *cobra.Command, d *arenabuilder.Deps, args []string) error {
			cached, ok := d.Directory.(*profile.CachedDirectory)
			if !ok {
				return errors.New("profile cache is not enabled (PROFILE_BASE_URL unset)")
			}
			if err := cached.Invalidate(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d\n", len(args))
			return nil
		}),
	})
	return p
}

func newWatchCmd() *cobra.Command {
	var server, user string
	var battles []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live events for a user (and battles) until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" {
				return errors.New("--user is required")
			}
			stream := battleclient.NewClient(server, user).Stream(battles...)
			out := cmd.OutOrStdout()
			stream.OnStateChange(func(st battleclient.StreamState) {
				fmt.Fprintf(out, "# %s\n", st)
			})
			stream.OnEvent(func(ev *battledto.Event) {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.Channel, ev.Event, ev.Payload)
			})
			if err := stream.Connect(cmd.Context()); err != nil {
				return err
			}
			<-cmd.Context().Done()
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return stream.Close(cctx)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "battle server base URL")
	cmd.Flags().StringVar(&user, "user", "", "user id to watch as")
	cmd.Flags().StringSliceVar(&battles, "battle", nil, "battle ids to follow")
	return cmd
}
