package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"live-kitchen/internal/auth"
	"live-kitchen/internal/common/config"
	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/microservices/livekitchen"
)

var (
	// set via ldflags
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "live-kitchen",
	Short: "Live order relay between restaurants and customers",
	Long: `live-kitchen keeps a WebSocket open to every restaurant terminal and
customer client, stores incoming orders and pushes order and status events
to everyone who should see them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("live-kitchen version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config.yaml (default: ./config.yaml or deploy/config.example.yaml)")

	tokenCmd.Flags().String("user", "", "user id placed in the token (required)")
	tokenCmd.Flags().String("role", "", "role claim")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig(cmd *cobra.Command) (config.App, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		found, err := config.FindConfig()
		if errors.Is(err, fs.ErrNotExist) {
			// defaults and environment only
			return config.Parse(nil)
		}
		path = found
	}
	return config.Load(path)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger.Init(cfg.Log.Level, cfg.Log.JSON, os.Stdout)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return livekitchen.Run(ctx, cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the postgres tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger.Init(cfg.Log.Level, cfg.Log.JSON, os.Stdout)
		if cfg.Database.Host == "" {
			return errors.New("database.host is not configured")
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := livekitchen.Migrate(ctx, cfg.Database); err != nil {
			return err
		}
		logger.New("migrate").Info("schema_applied", map[string]any{"database": cfg.Database.Name})
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}

		token, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer).Issue(user, role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
