package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/air"
	"github.com/spf13/cobra"
)

// NewAirCommand returns "air" with its serve and watch subcommands.
func NewAirCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "air",
		Short: "Run or watch the simulated radio medium",
		Long: `The air hub lets ewonic processes on one network discover and connect to
each other as if they shared a low-energy radio.`,
	}
	cmd.AddCommand(newAirServeCommand())
	cmd.AddCommand(newAirWatchCommand())
	return cmd
}

func newAirServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an air hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Air.Listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hub := air.NewServer(air.Config{Addr: listen, Logger: log})
			return hub.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on")
	return cmd
}

func newAirWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print activity from an air hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			url := air.EventsURL(cfg.Air.URL)
			log.Infof("Watching %s", url)

			out := cmd.OutOrStdout()
			return air.Watch(ctx, url,
				func(a air.Activity) {
					fmt.Fprintf(out, "%s %-12s %s\n", time.Now().Format(time.TimeOnly), a.Event(), a.Data())
				},
				func(err error) { log.Warnf("Feed error: %v", err) },
			)
		},
	}
}
