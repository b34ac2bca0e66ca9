package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blockberries/finberry/config"
	"github.com/blockberries/finberry/metrics"
	"github.com/blockberries/finberry/node"
	"github.com/blockberries/finberry/privval"
	"github.com/blockberries/finberry/wal"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node from the home directory's config",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}
			observer, err := cmd.Flags().GetBool("observer")
			if err != nil {
				return err
			}

			cfg, err := config.Load(filepath.Join(home, "config.yaml"))
			if err != nil {
				return err
			}
			opts, err := cfg.Options()
			if err != nil {
				return err
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()

			doc, err := loadGenesis(filepath.Join(home, "genesis.json"))
			if err != nil {
				return err
			}
			if doc.ChainID != cfg.ChainID {
				return fmt.Errorf("genesis chain ID %q does not match config %q", doc.ChainID, cfg.ChainID)
			}
			source, err := newStakeSource(doc)
			if err != nil {
				return err
			}

			var signer privval.Signer
			if !observer {
				pv, err := privval.LoadOrGenerateFilePV(cfg.KeyFile(), cfg.StateFile())
				if err != nil {
					return err
				}
				signer = pv
				logger.Info().Stringer("address", pv.Address()).Msg("validator identity loaded")
			}

			fileWAL, err := wal.NewFileWAL(cfg.WALDir())
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			n, err := node.New(opts, node.Deps{
				StakeSource: source,
				Signer:      signer,
				WAL:         fileWAL,
				Metrics:     metrics.New(reg),
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			if cfg.MetricsListenAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
						logger.Error().Err(err).Msg("metrics server stopped")
					}
				}()
			}

			if err := n.Start(); err != nil {
				return err
			}
			logger.Info().
				Str("chain_id", cfg.ChainID).
				Int64("finalized_height", n.FinalizedHeight()).
				Msg("node started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logger.Info().Msg("shutting down")
			return n.Stop()
		},
	}
	cmd.Flags().Bool("observer", false, "run without a signing identity")
	return cmd
}
