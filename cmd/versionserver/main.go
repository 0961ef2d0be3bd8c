// Versionserver publishes worker archives to bootstrap clients.
//
// Usage:
//
//	versionserver serve
//	versionserver publish --server URL --username ADMIN --password PASS --ref REF FILE.zip
//	versionserver hash-password PASSWORD
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"borg/bootstrap/internal/api"
	"borg/bootstrap/internal/auth"
	"borg/bootstrap/internal/storage"
	"borg/bootstrap/internal/telemetry"
	"borg/bootstrap/internal/uploader"
)

const tokenTTL = 12 * time.Hour

// version is set through ldflags at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "versionserver",
		Short:         "Serve and publish benchmark worker archives",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd(), newPublishCmd(), newHashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// serverConfig is read from the environment, optionally seeded from .env.
type serverConfig struct {
	Port              string
	StoragePath       string
	PublicURL         string
	RepoName          string
	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string
	ClientAccounts    string
	LogLevel          string
	LogFormat         string
}

func loadServerConfig() serverConfig {
	return serverConfig{
		Port:              getenv("HTTP_PORT", "8080"),
		StoragePath:       getenv("STORAGE_PATH", "./storage"),
		PublicURL:         os.Getenv("PUBLIC_URL"),
		RepoName:          getenv("REPO_NAME", api.DefaultRepoName),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AdminUsername:     getenv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		ClientAccounts:    os.Getenv("CLIENT_ACCOUNTS"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "text"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the version server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load environment variables
			if err := godotenv.Load(); err != nil {
				fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
			}
			cfg := loadServerConfig()
			logger := telemetry.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			accounts, err := auth.ParseAccounts(cfg.ClientAccounts)
			if err != nil {
				return fmt.Errorf("invalid CLIENT_ACCOUNTS: %w", err)
			}
			if len(accounts) == 0 {
				logger.Warn("CLIENT_ACCOUNTS is empty, every version request will be rejected")
			}
			if cfg.AdminPasswordHash == "" {
				logger.Warn("ADMIN_PASSWORD_HASH is not set, publishing is disabled")
			}

			secret := cfg.JWTSecret
			if secret == "" {
				secret, err = auth.GenerateToken()
				if err != nil {
					return err
				}
				logger.Warn("JWT_SECRET is not set, tokens will not survive a restart")
			}

			store, err := storage.NewStorage(cfg.StoragePath)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}

			srv := api.NewServer(store, api.Options{
				PublicURL: cfg.PublicURL,
				RepoName:  cfg.RepoName,
				Accounts:  accounts,
				Admin:     api.Admin{Username: cfg.AdminUsername, PasswordHash: cfg.AdminPasswordHash},
				Issuer:    auth.NewTokenIssuer(secret, tokenTTL),
				Logger:    logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return listen(ctx, "0.0.0.0:"+cfg.Port, srv, logger)
		},
	}
}

func listen(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newPublishCmd() *cobra.Command {
	var serverURL, username, password, ref string
	var inactive bool

	cmd := &cobra.Command{
		Use:   "publish FILE.zip",
		Short: "Upload a worker archive and make it the current version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !storage.ValidRef(ref) {
				return fmt.Errorf("invalid ref %q", ref)
			}

			up := uploader.NewUploader(serverURL, 0)
			if err := up.Login(cmd.Context(), username, password); err != nil {
				return err
			}

			result, err := up.UploadArchive(cmd.Context(), ref, args[0], !inactive)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s (%d bytes, sha256 %s, active: %t)\n",
				result.Ref, result.Size, result.SHA256, result.Active)
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "S", "http://localhost:8080", "Version server URL")
	cmd.Flags().StringVarP(&username, "username", "U", os.Getenv("ADMIN_USERNAME"), "Admin username")
	cmd.Flags().StringVarP(&password, "password", "P", os.Getenv("ADMIN_PASSWORD"), "Admin password")
	cmd.Flags().StringVar(&ref, "ref", "", "Ref the archive is published as")
	cmd.Flags().BoolVar(&inactive, "no-activate", false, "Upload without making it the current version")
	cmd.MarkFlagRequired("ref")

	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password PASSWORD",
		Short: "Print the bcrypt hash for ADMIN_PASSWORD_HASH or CLIENT_ACCOUNTS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
