package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"rewards-automation/internal/bot"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/query"
	"rewards-automation/internal/stealth"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var (
		day  string
		runs int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a day's ledger and the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			d := a.tracker.Today()
			if day != "" {
				if d, err = progress.ParseDay(day); err != nil {
					return err
				}
			}
			accts, err := a.accounts(flags.account)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ledger %s\n", d)
			profiles := map[string]int{
				"desktop": a.cfg.Profiles.Desktop.Target(),
				"mobile":  a.cfg.Profiles.Mobile.Target(),
			}
			for _, acct := range accts {
				snap, err := a.tracker.ForAccount(acct.Name).Snapshot(ctx, d)
				if err != nil {
					return err
				}
				indent := "  "
				if acct.Name != "" {
					fmt.Fprintf(out, "  %s\n", acct.Name)
					indent = "    "
				}
				for _, p := range []string{"desktop", "mobile"} {
					fmt.Fprintf(out, "%s%-8s %d/%d searches\n", indent, p, snap.Searches[p], profiles[p])
				}
				fmt.Fprintf(out, "%sactivities %d completed, %d skipped\n", indent, snap.ActivitiesCompleted, snap.ActivitiesSkipped)
			}

			records, err := a.tracker.Runs(ctx, runs)
			if err != nil {
				return err
			}
			if len(records) > 0 {
				fmt.Fprintln(out, "recent runs")
			}
			for _, r := range records {
				writeRun(out, r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "ledger day as YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to show")
	return cmd
}

func writeRun(w io.Writer, r progress.RunRecord) {
	status := "ok"
	switch {
	case r.DryRun:
		status = "dry run"
	case r.AbortReason != "":
		status = "aborted: " + r.AbortReason
	}
	account := r.Account
	if account == "" {
		account = "-"
	}
	fmt.Fprintf(w, "  %s  %-8s  %-6s  desktop %d  mobile %d  activities %d/%d/%d  %s  %s\n",
		r.StartedAt.Local().Format("2006-01-02 15:04"), account, r.Mode,
		r.DesktopSearches, r.MobileSearches,
		r.ActivitiesCompleted, r.ActivitiesSkipped, r.ActivitiesMissed,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Second), status)
}

func newKeywordsCmd(flags *rootFlags) *cobra.Command {
	var (
		profile string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "keywords",
		Short: "Preview today's search terms without recording anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			sources, err := a.sources()
			if err != nil {
				return err
			}
			acct, err := a.account(flags.account)
			if err != nil {
				return err
			}
			if count <= 0 {
				count = a.cfg.Profiles.Desktop.Target()
			}
			gen := query.NewGenerator(sources, a.tracker.ForAccount(acct.Name), query.Options{
				HistoryDays: a.cfg.Query.HistoryDays,
				Recycle:     a.cfg.Query.RecycleRecent,
				Seed:        acct.Name,
			}, a.logger)
			terms := gen.Generate(ctx, profile, count)
			for _, t := range terms {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			if len(terms) < count {
				a.logger.Warn("fewer terms than requested", "requested", count, "available", len(terms))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "desktop", "device profile the terms are for")
	cmd.Flags().IntVar(&count, "count", 0, "number of terms (default desktop quota)")
	return cmd
}

func newDaemonCmd(flags *rootFlags) *cobra.Command {
	var modeName string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run on the configured cron schedule inside the operating hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mode, err := bot.ParseMode(modeName)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			b, err := a.newBot(flags)
			if err != nil {
				return err
			}

			trigger := func() {
				log := a.logger.With("mode", string(mode))
				if err := stealth.Sleep(ctx, sched.Jitter()); err != nil {
					return
				}
				if err := sched.WaitUntilOperating(ctx); err != nil {
					if !errors.Is(err, ctx.Err()) {
						log.Error("no operating window", "error", err)
					}
					return
				}
				sums, err := b.Run(ctx, mode)
				writeSummaries(cmd.OutOrStdout(), sums)
				if err != nil {
					log.Error("scheduled run failed", "error", err)
				}
			}

			c := cron.New(
				cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
				cron.WithLocation(sched.Location()),
				cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
			)
			if _, err := c.AddFunc(a.cfg.Schedule.Cron, trigger); err != nil {
				return fmt.Errorf("schedule.cron %q: %w", a.cfg.Schedule.Cron, err)
			}
			c.Start()
			a.logger.Info("daemon started", "cron", a.cfg.Schedule.Cron, "mode", string(mode))
			for _, e := range c.Entries() {
				a.logger.Info("next run", "at", e.Next.Format(time.RFC3339))
			}

			<-ctx.Done()
			a.logger.Info("daemon stopping")
			<-c.Stop().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&modeName, "mode", string(bot.ModeRun), "mode to run on each trigger")
	return cmd
}

func newStateCmd(flags *rootFlags) *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Manage the encrypted storage-state file",
	}
	stateCmd.AddCommand(&cobra.Command{
		Use:   "import <cookies.json>",
		Short: "Encrypt a JSON cookie export of a signed-in browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := a.account(flags.account)
			if err != nil {
				return err
			}
			state, err := a.stateFile(acct)
			if err != nil {
				return err
			}
			if state == nil {
				return errors.New("no state_file is set for the account")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := state.Import(f)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d cookies into %s\n", n, state.Path())
			return nil
		},
	})
	stateCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List the domains held in the storage-state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := a.account(flags.account)
			if err != nil {
				return err
			}
			state, err := a.stateFile(acct)
			if err != nil {
				return err
			}
			if state == nil {
				return errors.New("no state_file is set for the account")
			}
			cookies, err := state.Load()
			if err != nil {
				return err
			}
			domains := map[string]int{}
			for _, c := range cookies {
				domains[c.Domain]++
			}
			names := make([]string, 0, len(domains))
			for d := range domains {
				names = append(names, d)
			}
			sort.Strings(names)
			for _, d := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %d\n", d, domains[d])
			}
			return nil
		},
	})
	return stateCmd
}
