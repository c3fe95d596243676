package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/guess5/escrow-settler/settlementClient/api"
	"github.com/guess5/escrow-settler/settlementClient/audit"
	"github.com/guess5/escrow-settler/settlementClient/config"
	"github.com/guess5/escrow-settler/settlementClient/core"
	"github.com/guess5/escrow-settler/settlementClient/db"
	"github.com/guess5/escrow-settler/settlementClient/ledger/squads"
	"github.com/guess5/escrow-settler/settlementClient/logger"
	"github.com/guess5/escrow-settler/settlementClient/metrics"
	"github.com/guess5/escrow-settler/settlementClient/signer"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

const (
	dataSubdir        = "data"
	systemKeypairFile = "system_keypair.json"
	flagForce         = "force"
	eventBufferSize   = 256
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config and a system member keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _ := cmd.Flags().GetString(flagHome)
			force, _ := cmd.Flags().GetBool(flagForce)

			if _, err := config.Load(home); err == nil && !force {
				return fmt.Errorf("%s is already initialized; use --%s to overwrite", home, flagForce)
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home

			keyPath := filepath.Join(home, "config", systemKeypairFile)
			kp, err := signer.LoadFromFile(keyPath)
			if err != nil {
				if kp, err = signer.NewRandom(); err != nil {
					return fmt.Errorf("failed to generate system keypair: %w", err)
				}
				if err := os.MkdirAll(filepath.Dir(keyPath), 0o750); err != nil {
					return fmt.Errorf("failed to create config directory: %w", err)
				}
				if err := kp.SaveToFile(keyPath); err != nil {
					return err
				}
			}
			cfg.SystemKeypairPath = keyPath

			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", home)
			fmt.Fprintf(cmd.OutOrStdout(), "System member: %s\n", kp.Address())
			return nil
		},
	}
	cmd.Flags().Bool(flagForce, false, "overwrite an existing config")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the settlement engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _ := cmd.Flags().GetString(flagHome)

			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			log := logger.Init(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, home, &cfg, log)
		},
	}
}

func run(ctx context.Context, home string, cfg *config.Config, log zerolog.Logger) error {
	keyPath := cfg.SystemKeypairPath
	if keyPath != "" && !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(home, keyPath)
	}
	kp, err := signer.LoadFromFile(keyPath)
	if err != nil {
		return fmt.Errorf("failed to load system keypair: %w", err)
	}

	client, err := squads.New(squads.Config{
		RPCURLs:         cfg.RPCURLs,
		ProgramID:       cfg.MultisigProgramID,
		Commitment:      cfg.Commitment,
		RPCTimeout:      cfg.RPCTimeout(),
		SystemKey:       kp.PrivateKey(),
		ConfirmInterval: cfg.ConfirmPollInterval(),
		ConfirmAttempts: cfg.ConfirmPollAttempts,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}
	if !client.IsHealthy(ctx) {
		log.Warn().Strs("rpc_urls", cfg.RPCURLs).Msg("no healthy RPC endpoint at startup; continuing")
	}

	database, err := db.OpenFileDB(filepath.Join(home, dataSubdir), cfg.DBFileName, true)
	if err != nil {
		return err
	}
	defer database.Close()

	m := metrics.New()
	settler, err := core.New(core.Config{
		Settings: cfg,
		DB:       database,
		Ledger:   client,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	events, unsubscribe := settler.Subscribe(eventBufferSize)
	defer unsubscribe()
	go logEvents(events, log)

	if err := settler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start settler: %w", err)
	}
	defer settler.Stop()

	server := api.NewServer(settler, m.Registry(), log, cfg.APIPort)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop API server")
		}
	}()

	log.Info().
		Str("system_member", kp.Address()).
		Int("api_port", cfg.APIPort).
		Str("version", Version).
		Msg("settlerd started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	return nil
}

func logEvents(events <-chan audit.Event, log zerolog.Logger) {
	for e := range events {
		log.Info().
			Str("event", e.Type).
			Str("match_id", e.MatchID).
			Str("proposal", e.ProposalAddress).
			Fields(e.Data).
			Msg("settlement event")
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print settlerd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:       %s\n", "settlerd")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}
