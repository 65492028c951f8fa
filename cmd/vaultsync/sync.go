package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/config"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/logging"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/prune"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/syncer"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/syncstate"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/transport"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vaultcodec"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const watchReconnectDelay = 5 * time.Second

func newSyncCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronise the local vault with the server",
		Long:  "Runs one sync by default. With --interval it keeps syncing on a timer and whenever the server announces a new revision.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
		},
	}
	cmd.Flags().String("vault-path", defaults.GetString("vault.path"), "Local vault SQLite path")
	cmd.Flags().String("server-url", "", "Vault server base URL")
	cmd.Flags().Duration("interval", 0, "Keep syncing at this interval (0 syncs once)")
	cmd.Flags().Int("max-restarts", defaults.GetInt("sync.max_restarts"), "Restarts after refused writes before a run gives up")
	cmd.Flags().Int("retention-days", defaults.GetInt("prune.retention_days"), "Days trashed items are kept (0 keeps them forever)")
	bindFlag(cmd.Flags().Lookup("vault-path"), "vault.path")
	bindFlag(cmd.Flags().Lookup("server-url"), "server.url")
	bindFlag(cmd.Flags().Lookup("interval"), "sync.interval")
	bindFlag(cmd.Flags().Lookup("max-restarts"), "sync.max_restarts")
	bindFlag(cmd.Flags().Lookup("retention-days"), "prune.retention_days")
	return cmd
}

func runSync(ctx context.Context) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(clientConfig.Log.Level, clientConfig.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	key, err := vaultcodec.ParseKey(clientConfig.VaultKey)
	if err != nil {
		return err
	}
	codec, err := vaultcodec.New(key)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(clientConfig.VaultPath, logger, localstore.Schema())
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	state, err := syncstate.NewStore(syncstate.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	pruneOptions := prune.DefaultOptions()
	pruneOptions.RetentionDays = clientConfig.RetentionDays

	store, err := localstore.New(localstore.Config{
		Database:   db,
		State:      state,
		Codec:      codec,
		Prune:      pruneOptions,
		Clock:      time.Now,
		IDProvider: localstore.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	client, err := transport.NewClient(transport.Config{
		BaseURL: clientConfig.ServerURL,
		Token:   clientConfig.ServerToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	service, err := syncer.NewService(syncer.Config{
		Storage:     store,
		State:       state,
		Transport:   client,
		Codec:       codec,
		MaxRestarts: clientConfig.MaxRestarts,
		Prune:       pruneOptions,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if clientConfig.SyncInterval <= 0 {
		result, err := service.Sync(signalCtx)
		if err != nil {
			return err
		}
		logger.Info("sync finished",
			zap.String("outcome", string(result.Outcome)),
			zap.Int("attempts", result.Attempts),
			zap.Int64("server_revision", result.ServerRevision),
		)
		return nil
	}

	go watchServer(signalCtx, client, service, logger)
	return service.RunPeriodic(signalCtx, clientConfig.SyncInterval)
}

// watchServer nudges the sync loop whenever another device publishes a revision.
func watchServer(ctx context.Context, client *transport.Client, service *syncer.Service, logger *zap.Logger) {
	for {
		err := client.WatchRevisions(ctx, func(revision int64) {
			logger.Debug("server revision announced", zap.Int64("revision", revision))
			service.Notify()
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Debug("revision stream interrupted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchReconnectDelay):
		}
	}
}
