package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/krshsl/praxis/proctor/models"
	svc "github.com/krshsl/praxis/proctor/services"
)

var rootCmd = &cobra.Command{
	Use:           "proctor",
	Short:         "Proctored voice interview runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, relay hub and evaluation sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, config *svc.Config, server *svc.Server) error {
			if config.Database.Seed {
				if err := server.Seed(ctx); err != nil {
					slog.Error("Failed to seed database", "error", err)
				}
			}
			if err := server.InitializeServices(ctx); err != nil {
				return err
			}
			return server.Run(ctx)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *svc.Config, _ *svc.Server) error {
			slog.Info("Database schema is up to date", "tables", len(models.All()))
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the demo reviewer, candidate, pack and token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *svc.Config, server *svc.Server) error {
			if err := server.Seed(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "demo token: %s\n", svc.DemoToken)
			return nil
		})
	},
}

var (
	issueEmail string
	issueName  string
	issuePack  string
)

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Issue an interview token for a candidate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *svc.Config, server *svc.Server) error {
			var packID *string
			if issuePack != "" {
				packID = &issuePack
			}
			token, expiresAt, err := server.IssueToken(ctx, issueEmail, issueName, packID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token: %s\nexpires: %s\n", token, expiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		})
	},
}

func init() {
	issueTokenCmd.Flags().StringVar(&issueEmail, "email", "", "candidate email")
	issueTokenCmd.Flags().StringVar(&issueName, "name", "", "candidate full name")
	issueTokenCmd.Flags().StringVar(&issuePack, "pack", "", "question pack id (defaults to the legacy set)")
	issueTokenCmd.MarkFlagRequired("email")
	issueTokenCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, issueTokenCmd)
}

// withServer loads config, connects and migrates the database, then runs fn.
func withServer(ctx context.Context, fn func(context.Context, *svc.Config, *svc.Server) error) error {
	config := svc.LoadConfig()
	slog.SetDefault(svc.NewLogger(config.Log))

	db, pool, err := svc.OpenDatabase(ctx, config.Database)
	if err != nil {
		return err
	}
	server := svc.NewServer(config)
	server.SetDatabase(db, pool)
	defer server.Close()

	if err := server.Repository().AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return fn(ctx, config, server)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
