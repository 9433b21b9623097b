// Command watch follows one guild's player from the terminal through the
// dashboard's realtime endpoints.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/deepgram/stagehand/pkg/logger"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	server    string
	guild     string
	cookie    string
	noPalette bool
	quiet     bool
}

func newRootCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a guild's player in the terminal",
		Long: `watch subscribes to a guild's player on a stagehand dashboard and
prints every track change. It streams events when it can and polls the
status endpoint otherwise.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "dashboard base URL")
	cmd.Flags().StringVar(&opts.guild, "guild", "", "guild id to watch")
	cmd.Flags().StringVar(&opts.cookie, "cookie", "", "value of the dashboard access token cookie")
	cmd.Flags().BoolVar(&opts.noPalette, "no-palette", false, "skip artwork colour extraction")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "disable the progress spinner")
	_ = cmd.MarkFlagRequired("guild")

	return cmd
}

func main() {
	logger.Configure()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
