package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/blockberries/finberry/config"
	"github.com/blockberries/finberry/privval"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config, a fresh signer key, and a genesis template",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(home, 0700); err != nil {
				return fmt.Errorf("creating home directory: %w", err)
			}

			cfg := config.Default()
			cfg.DataDir = filepath.Join(home, "data")

			configPath := filepath.Join(home, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists: %s", configPath)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, data, 0600); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			pv, err := privval.GenerateFilePV(cfg.KeyFile(), cfg.StateFile())
			if err != nil {
				return fmt.Errorf("generating signer key: %w", err)
			}

			doc := &genesisDoc{
				ChainID: cfg.ChainID,
				Validators: []genesisValidator{
					{PubKey: hex.EncodeToString(pv.PubKey()), Stake: 100},
				},
			}
			genesisPath := filepath.Join(home, "genesis.json")
			if err := doc.save(genesisPath); err != nil {
				return fmt.Errorf("writing genesis template: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized node in %s\n", home)
			fmt.Fprintf(cmd.OutOrStdout(), "validator address: %s\n", pv.Address())
			return nil
		},
	}
}
