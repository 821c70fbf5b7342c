package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nortide/tessera/internal/auth"
	"github.com/nortide/tessera/internal/cache"
	"github.com/nortide/tessera/internal/config"
	"github.com/nortide/tessera/internal/database"
	"github.com/nortide/tessera/internal/dialect"
	"github.com/nortide/tessera/internal/engine"
	"github.com/nortide/tessera/internal/logging"
	"github.com/nortide/tessera/internal/notify"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"github.com/nortide/tessera/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tessera-api",
		Short: "Tessera multi-tenant synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-dialect", defaults.GetString("database.dialect"), "Store dialect (sqlite, mysql)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "MySQL data source name")
	cmd.PersistentFlags().Bool("cache-enabled", defaults.GetBool("cache.enabled"), "Serve reads from the in-memory cache")
	cmd.PersistentFlags().Int("lot-bytes", defaults.GetInt("sync.lot_bytes"), "Byte budget per table-load chunk")
	cmd.PersistentFlags().Int("connection-timeout-minutes", defaults.GetInt("connection.timeout_minutes"), "Connection liveness timeout in minutes")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.dialect", "database-dialect")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "cache.enabled", "cache-enabled")
	bindFlag(cmd, "sync.lot_bytes", "lot-bytes")
	bindFlag(cmd, "connection.timeout_minutes", "connection-timeout-minutes")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
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

// registerTables binds the deployment's synchronized tables into areas.
// Table sets are compiled into the hosting build; the engine itself ships
// none.
func registerTables(registry *schema.Registry) error {
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	storeDialect, err := dialect.ForDB(db)
	if err != nil {
		return err
	}

	registry := schema.NewRegistry()
	if err := registerTables(registry); err != nil {
		return err
	}

	readCache, err := cache.New(cache.Config{
		Database: db,
		Registry: registry,
		Logger:   logger,
		Enabled:  appConfig.CacheEnabled,
	})
	if err != nil {
		return err
	}
	if tenants, tenantErr := knownTenants(db); tenantErr != nil {
		logger.Warn("tenant discovery failed", zap.Error(tenantErr))
	} else if len(tenants) > 0 {
		readCache.Initialize(ctx, tenants)
	}

	dispatcher := notify.NewDispatcher()
	diffCache := notify.NewDiffCache(registry, readCache)

	syncEngine, err := engine.NewManager(engine.ManagerConfig{
		Database:          db,
		Dialect:           storeDialect,
		Registry:          registry,
		Cache:             readCache,
		Diff:              diffCache,
		Dispatcher:        dispatcher,
		Logger:            logger,
		ConnectionTimeout: appConfig.ConnectionTimeout,
		LotBytes:          appConfig.LotBytes,
		SchemaVersion:     appConfig.SchemaVersion,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "tessera-api",
		Audience:      "tessera-clients",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:       syncEngine,
		TokenManager: tokenManager,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

// knownTenants lists every tenant that already owns data rows; the cache is
// warmed for them at startup.
func knownTenants(db *gorm.DB) ([]int64, error) {
	var tenants []int64
	err := db.Model(&record.Information{}).
		Where("customer_id >= 0").
		Distinct().
		Pluck("customer_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}
