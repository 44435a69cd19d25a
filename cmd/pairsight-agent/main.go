package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pairsight/internal/activity"
	"github.com/MarcoPoloResearchLab/pairsight/internal/config"
	"github.com/MarcoPoloResearchLab/pairsight/internal/database"
	"github.com/MarcoPoloResearchLab/pairsight/internal/identity"
	"github.com/MarcoPoloResearchLab/pairsight/internal/logging"
	"github.com/MarcoPoloResearchLab/pairsight/internal/scheduler"
	"github.com/MarcoPoloResearchLab/pairsight/internal/server"
	"github.com/MarcoPoloResearchLab/pairsight/internal/snapshot"
	"github.com/MarcoPoloResearchLab/pairsight/internal/store"
	"github.com/MarcoPoloResearchLab/pairsight/internal/watcher"
	"github.com/MarcoPoloResearchLab/pairsight/internal/workspace"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pairsight-agent",
		Short: "PairSight collaboration awareness agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("workspace-root", defaults.GetString("workspace.root"), "Workspace directory to track")
	cmd.PersistentFlags().String("user-id", "", "Local user identifier")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("lines-threshold", defaults.GetInt("snapshot.lines_threshold"), "Changed lines required to commit")
	cmd.PersistentFlags().Int("files-threshold", defaults.GetInt("snapshot.files_threshold"), "Changed files required to commit")
	cmd.PersistentFlags().Duration("idle-delay", defaults.GetDuration("idle.delay"), "Quiet period before an automatic snapshot")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("activity.poll_interval"), "Correlation poll interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "workspace.root", "workspace-root")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "snapshot.lines_threshold", "lines-threshold")
	bindFlag(cmd, "snapshot.files_threshold", "files-threshold")
	bindFlag(cmd, "idle.delay", "idle-delay")
	bindFlag(cmd, "activity.poll_interval", "poll-interval")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	repository, err := store.NewRepository(store.RepositoryConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logging.Named(logger, "store"),
	})
	if err != nil {
		return err
	}

	resolver := identity.NewFixedResolver(appConfig.UserID)
	directory, err := identity.NewDirectory(identity.DirectoryConfig{
		Database: db,
		Logger:   logging.Named(logger, "identity"),
	})
	if err != nil {
		return err
	}
	teams, err := identity.NewTeamContext(identity.TeamContextConfig{Database: db})
	if err != nil {
		return err
	}

	capturer, err := workspace.NewCapturer(workspace.CapturerConfig{
		Root:         appConfig.WorkspaceRoot,
		MaxFileBytes: appConfig.MaxFileBytes,
		Logger:       logging.Named(logger, "workspace"),
	})
	if err != nil {
		return err
	}

	manager, err := snapshot.NewManager(snapshot.ManagerConfig{
		Workspace: capturer,
		Store:     repository,
		Policy: snapshot.Policy{
			LinesThreshold: appConfig.LinesThreshold,
			FilesThreshold: appConfig.FilesThreshold,
		},
		Logger: logging.Named(logger, "snapshot"),
	})
	if err != nil {
		return err
	}

	idleScheduler, err := scheduler.NewIdleScheduler(scheduler.IdleSchedulerConfig{
		Delay:     appConfig.IdleDelay,
		Committer: manager,
		Identity:  resolver,
		Teams:     teams,
		Logger:    logging.Named(logger, "scheduler"),
	})
	if err != nil {
		return err
	}
	defer idleScheduler.Stop()

	fsWatcher, err := watcher.New(watcher.Config{
		Root:       appConfig.WorkspaceRoot,
		OnActivity: idleScheduler.OnActivity,
		Logger:     logging.Named(logger, "watcher"),
	})
	if err != nil {
		return err
	}
	if err := fsWatcher.Start(); err != nil {
		return err
	}
	defer fsWatcher.Close() //nolint:errcheck

	correlator, err := activity.NewCorrelator(activity.CorrelatorConfig{
		Store:            repository,
		Identity:         resolver,
		Directory:        directory,
		Logger:           logging.Named(logger, "activity"),
		PollInterval:     appConfig.PollInterval,
		ActivityWindow:   appConfig.ActivityWindow,
		MinActivity:      appConfig.MinActivity,
		MaxActivity:      appConfig.MaxActivity,
		NotifyCooldown:   appConfig.NotifyCooldown,
		CooldownDisabled: appConfig.CooldownDisabled,
	})
	if err != nil {
		return err
	}
	defer correlator.StopMonitoring()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	bootstrapTracking(startupCtx, manager, correlator, resolver, teams, logger)
	cancelStartup()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Manager:    manager,
		Correlator: correlator,
		Teams:      teams,
		Identity:   resolver,
		Scheduler:  idleScheduler,
		Logger:     logging.Named(logger, "server"),
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
		logger.Info("agent starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("workspace", appConfig.WorkspaceRoot))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		flushTracking(manager, resolver, teams, logger)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// bootstrapTracking establishes the startup baseline and resumes monitoring
// when the agent already knows who it is and which team it belongs to.
// Failures are logged, not fatal: the control API can redo both later.
func bootstrapTracking(ctx context.Context, manager *snapshot.Manager, correlator *activity.Correlator, resolver *identity.FixedResolver, teams *identity.TeamContext, logger *zap.Logger) {
	userID, err := resolver.CurrentUserID(ctx)
	if err != nil || userID == "" {
		return
	}
	teamID, err := teams.SelectedTeam(ctx)
	if err != nil {
		logger.Warn("selected team lookup failed", zap.Error(err))
		return
	}
	if teamID == "" {
		return
	}

	if err := manager.TakeSnapshot(ctx, userID, teamID); err != nil {
		logger.Warn("startup baseline failed", zap.Error(err))
	}
	correlator.StartMonitoring(teamID)
}

// flushTracking commits any uncommitted diff before shutdown so buffered work
// is not lost. Pausing is the flush primitive; the process exits right after.
func flushTracking(manager *snapshot.Manager, resolver *identity.FixedResolver, teams *identity.TeamContext, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	userID, err := resolver.CurrentUserID(ctx)
	if err != nil || userID == "" {
		return
	}
	teamID, err := teams.SelectedTeam(ctx)
	if err != nil || teamID == "" {
		return
	}
	if err := manager.PauseTracking(ctx, userID, teamID); err != nil {
		logger.Warn("shutdown flush failed", zap.Error(err))
	}
}
