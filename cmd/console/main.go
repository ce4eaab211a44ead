package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telemyapp/beacon-relay/internal/console"
	"github.com/telemyapp/beacon-relay/internal/model"
	"github.com/telemyapp/beacon-relay/internal/relay"
)

const defaultEndpoint = "ws://localhost:8080/ws"

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beacon-console",
		Short: "Watch and talk to a device through the beacon relay",
		Long: `beacon-console connects to a beacon relay and infers the device's
presence from its heartbeats, tracks reported coordinates and keeps a
history of online/offline session positions.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("endpoint", "e", defaultEndpoint, "relay WebSocket endpoint")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		watchCmd(),
		sendCmd(),
		versionCmd(),
	)
	return rootCmd
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return l.Level(zerolog.DebugLevel)
	}
	return l.Level(zerolog.InfoLevel)
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Observe the relay and report device presence and location",
		Long: `Connect to the relay and print connection, presence, location and
message events until interrupted. With --stdin every input line is sent
to the relay as a text frame.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			forward, _ := cmd.Flags().GetBool("stdin")
			l := newLogger(cmd)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			obs := console.NewObserver(clockwork.NewRealClock(), console.LogSink{Logger: l})
			defer obs.Close()
			obs.SetConnState(model.ConnConnecting)

			client, err := relay.Dial(ctx, endpoint)
			if err != nil {
				obs.SetConnState(model.ConnDisconnected)
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return client.Run(gctx, obs)
			})
			if forward {
				// A blocked stdin read must not hold up shutdown, so this
				// goroutine stays outside the group.
				go func() {
					if err := forwardLines(gctx, cmd.InOrStdin(), client.Send); err != nil {
						l.Error().Err(err).Msg("forward stdin")
					}
				}()
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if url := console.HistoryMarkersURL(obs.History()); url != "" {
				fmt.Fprintln(cmd.OutOrStdout(), url)
			}
			return nil
		},
	}
	cmd.Flags().Bool("stdin", false, "send each line read from stdin as a text frame")
	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send one text frame to every other relay peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			client, err := relay.Dial(cmd.Context(), endpoint)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.Send(model.TextFrame(strings.Join(args, " ")))
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "beacon-console %s\n", version)
		},
	}
}

// forwardLines sends every non-empty line of r as a text frame until r is
// exhausted, the connection closes or ctx is cancelled.
func forwardLines(ctx context.Context, r io.Reader, send func(model.Frame) error) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := send(model.TextFrame(line)); err != nil {
			if errors.Is(err, relay.ErrSendClosed) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}
