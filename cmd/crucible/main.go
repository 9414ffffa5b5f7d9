// Command crucible runs either side of the replication engine: a
// Downstairs extent server, or an in-process demo that drives an
// Upstairs against three Downstairs instances for a quick end-to-end
// smoke test.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oxidecomputer/crucible/internal/config"
	"github.com/oxidecomputer/crucible/internal/downstairs"
	"github.com/oxidecomputer/crucible/internal/upstairs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crucible",
		Short: "Replicated network block device engine",
	}
	root.AddCommand(newDownstairsCmd())
	root.AddCommand(newDemoCmd())
	return root
}

func newDownstairsCmd() *cobra.Command {
	var (
		dataDir     string
		listenAddr  string
		controlAddr string
		extentCount uint64
		extentSize  uint64
		blockSize   uint64
	)

	cmd := &cobra.Command{
		Use:   "downstairs",
		Short: "Run a single Downstairs extent server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			store, err := downstairs.Open(dataDir, extentCount, extentSize, blockSize)
			if err != nil {
				return err
			}
			defer store.Close()

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listenAddr, err)
			}
			log.Info().Str("addr", listenAddr).Msg("downstairs listening")

			srv := downstairs.NewServer(store, log)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			router := downstairs.NewControlRouter(store)
			go func() {
				if err := router.Run(controlAddr); err != nil {
					log.Warn().Err(err).Msg("control router stopped")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			select {
			case <-ctx.Done():
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory holding this replica's extent files")
	cmd.Flags().StringVar(&listenAddr, "listen", ":3810", "address to accept Upstairs connections on")
	cmd.Flags().StringVar(&controlAddr, "control-listen", ":3811", "address for the HTTP health/version endpoints")
	cmd.Flags().Uint64Var(&extentCount, "extent-count", 10, "number of extents in the region")
	cmd.Flags().Uint64Var(&extentSize, "extent-size", 100, "blocks per extent")
	cmd.Flags().Uint64Var(&blockSize, "block-size", 512, "bytes per block")
	return cmd
}

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Drive an in-process Upstairs against three local Downstairs targets",
	}
	flags := config.BindFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		if flags.ConfigPath == "" {
			flags.ConfigPath = "crucible.yaml"
		}
		f, err := config.Load(flags.ConfigPath)
		if err != nil {
			return err
		}
		ucfg, err := f.ToUpstairsConfig()
		if err != nil {
			return err
		}
		ucfg = flags.Apply(ucfg)

		u, err := upstairs.New(ucfg, prometheus.DefaultRegisterer, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		u.Start(ctx)
		defer u.Stop()

		if err := u.Activate(ctx, 1); err != nil {
			return fmt.Errorf("activate: %w", err)
		}

		data := make([]byte, ucfg.Region.BlockSize)
		copy(data, "crucible demo write")
		if err := u.Write(ctx, 0, data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := u.Flush(ctx, ""); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		buf := make([]byte, ucfg.Region.BlockSize)
		if err := u.Read(ctx, 0, buf); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		log.Info().Str("data", string(buf[:len("crucible demo write")])).Msg("read back")
		return nil
	}

	return cmd
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
