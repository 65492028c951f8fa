package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/auth"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/config"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/logging"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "vaultsync",
		Short:        "Encrypted vault blob server and sync client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd.PersistentFlags().Lookup("log-level"), "log.level")
	bindFlag(cmd.PersistentFlags().Lookup("log-format"), "log.format")
	bindFlag(cmd.PersistentFlags().Lookup("signing-secret"), "auth.signing_secret")
}

func newServeCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vault blob server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	bindFlag(cmd.Flags().Lookup("http-address"), "http.address")
	bindFlag(cmd.Flags().Lookup("database-path"), "database.path")
	bindFlag(cmd.Flags().Lookup("token-ttl-minutes"), "auth.token_ttl_minutes")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a bearer token scoped to one vault owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			tokenIssuer, err := newTokenIssuer(serverConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokenIssuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Vault owner the token grants access to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenIssuer(serverConfig config.ServerConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(serverConfig.SigningSecret),
		Issuer:        serverConfig.TokenIssuer,
		Audience:      serverConfig.TokenAudience,
		TokenTTL:      serverConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	serverConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(serverConfig.Log.Level, serverConfig.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(serverConfig.DatabasePath, logger, blobstore.Schema())
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(serverConfig)
	if err != nil {
		return err
	}

	vaultStore, err := blobstore.NewService(blobstore.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		VaultStore:     vaultStore,
		Realtime:       server.NewRealtimeDispatcher(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event streams end with the signal context so Shutdown does not wait on them.
	httpServer := &http.Server{
		Addr:        serverConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", serverConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
