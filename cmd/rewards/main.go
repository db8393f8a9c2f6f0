package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rewards-automation/internal/bot"
)

type rootFlags struct {
	configFile string
	dryRun     bool
	logLevel   string
	account    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	if env := os.Getenv("REWARDS_CONFIG"); env != "" {
		flags.configFile = env
	} else {
		flags.configFile = "configs/config.yaml"
	}

	rootCmd := &cobra.Command{
		Use:           "rewards",
		Short:         "Search rewards automation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", flags.configFile, "config file")
	rootCmd.PersistentFlags().BoolVar(&flags.dryRun, "dry-run", false, "list what would be done without searching, clicking or recording")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level")
	rootCmd.PersistentFlags().StringVar(&flags.account, "account", "", "only use the named account (default all)")

	modes := []struct {
		mode  bot.Mode
		short string
	}{
		{bot.ModeSearch, "Run the desktop searches"},
		{bot.ModeMobile, "Run the mobile searches"},
		{bot.ModeDaily, "Complete the dashboard's daily activities"},
		{bot.ModeRun, "Daily activities, then desktop and mobile searches"},
	}
	for _, m := range modes {
		mode := m.mode
		rootCmd.AddCommand(&cobra.Command{
			Use:   string(mode),
			Short: m.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMode(cmd, flags, mode)
			},
		})
	}

	rootCmd.AddCommand(
		newStatusCmd(flags),
		newKeywordsCmd(flags),
		newDaemonCmd(flags),
		newStateCmd(flags),
	)
	return rootCmd
}

func runMode(cmd *cobra.Command, flags *rootFlags, mode bot.Mode) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.newBot(flags)
	if err != nil {
		return err
	}
	sums, runErr := b.Run(ctx, mode)
	writeSummaries(cmd.OutOrStdout(), sums)
	return runErr
}

func writeSummaries(w io.Writer, sums []*bot.Summary) {
	for i, sum := range sums {
		if i > 0 {
			fmt.Fprintln(w)
		}
		sum.Write(w)
	}
}
