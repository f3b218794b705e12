package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"scout-sync/internal/entitysync"
	"scout-sync/internal/entitysync/adapter/security"
	"scout-sync/internal/entitysync/config"
	"scout-sync/internal/entitysync/usecase"
	"scout-sync/internal/shared/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "scout-sync",
		Short:         "Entity sync server for scouting clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(serveCmd(), collectionsCmd(), reencodeCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			appLogger := logger.NewLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			module, err := entitysync.NewSyncModule(ctx, cfg, appLogger)
			if err != nil {
				return err
			}
			defer func() {
				if err := module.Close(context.Background()); err != nil {
					appLogger.Error("Failed to close backends", zap.Error(err))
				}
			}()

			app := entitysync.NewApp()
			module.RegisterRoutes(app)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				appLogger.Info("Server listening", zap.String("addr", cfg.Server.Addr()))
				return app.Listen(cfg.Server.Addr())
			})
			g.Go(func() error {
				<-gctx.Done()
				appLogger.Info("Shutting down server...")
				return app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
			})

			if err := g.Wait(); err != nil {
				return err
			}
			appLogger.Info("Server stopped")
			return nil
		},
	}
}

func collectionsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Validate the collections file and print the normalized declarations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := config.LoadConfig()
				if err != nil {
					return err
				}
				file = cfg.CollectionsFile
			}
			defs, err := config.LoadCollections(file)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{"collections": defs})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "collections file (defaults to COLLECTIONS_FILE)")
	return cmd
}

func reencodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reencode <collection>",
		Short: "Rewrite stored records with the current schema encoding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			appLogger := logger.NewLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			module, err := entitysync.NewSyncModule(ctx, cfg, appLogger)
			if err != nil {
				return err
			}
			defer module.Close(context.Background())

			stats, err := module.Store.Reencode(ctx, args[0], func(s usecase.ReencodeStats) {
				appLogger.Info("Reencode progress", zap.Int("scanned", s.Scanned), zap.Int("rewritten", s.Rewritten))
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d rewritten=%d unchanged=%d invalid=%d\n",
				stats.Scanned, stats.Rewritten, stats.Unchanged, stats.Invalid)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var user, collections string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with JWT_SECRET_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			tokens, err := security.NewTokenService(cfg.Auth)
			if err != nil {
				return err
			}
			var grants []string
			for _, c := range strings.Split(collections, ",") {
				if c = strings.TrimSpace(c); c != "" {
					grants = append(grants, c)
				}
			}
			token, err := tokens.Issue(user, grants)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id placed in the token subject")
	cmd.Flags().StringVar(&collections, "collections", "*", "comma separated collections the token grants")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
