package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hairizuanbinnoorazman/ui-verdict/authstate"
	"github.com/hairizuanbinnoorazman/ui-verdict/browser"
	"github.com/hairizuanbinnoorazman/ui-verdict/cmd/backend/handlers"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
	"github.com/spf13/cobra"
)

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServer,
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Load configuration
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log := logger.NewLogrusLoggerWithOptions(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	log.Info(ctx, "starting server", map[string]interface{}{
		"version": Version,
		"commit":  Commit,
		"date":    BuildDate,
	})

	db, sqlDB, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	eng, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	if eng.secrets == nil {
		log.Warn(ctx, "secret.passphrase is not set; runs carrying an API key will be rejected", nil)
	}

	// Initialize stores
	runStore := testrun.NewMySQLStore(db, log)
	stepStore := testrun.NewMySQLStepStore(db, log)
	assetStore := testrun.NewMySQLAssetStore(db, log)

	coord, err := eng.newCoordinator(cfg, db, log)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	recovered, err := coord.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		log.Warn(ctx, "marked interrupted runs as error", map[string]interface{}{
			"count": recovered,
		})
	}

	var capture *authstate.CaptureManager
	if cfg.AuthState.CaptureEnabled {
		var hashKey []byte
		if cfg.AuthState.CaptureSecret != "" {
			hashKey = []byte(cfg.AuthState.CaptureSecret)
		}
		capture = authstate.NewCaptureManager(
			eng.authStates,
			browser.NewCaptureLauncher(cfg.AuthState.CaptureHeadless, log),
			authstate.CaptureOptions{
				IdleTimeout: cfg.AuthState.CaptureIdleTimeout,
				HashKey:     hashKey,
			},
			log,
		)
		capture.StartCleanup(time.Minute)
		defer capture.Shutdown()
		defer capture.StopCleanup()
	}

	// Setup router
	router := mux.NewRouter()
	router.Use(handlers.RequestLogger(log))

	// Health check and metrics (public)
	healthHandler := handlers.NewHealthHandler(&eng.agent)
	router.HandleFunc("/health", healthHandler.Health).Methods("GET")
	router.Handle("/metrics", eng.metrics.Handler()).Methods("GET")

	runHandler := handlers.NewRunHandler(coord, runStore, stepStore, assetStore, eng.artifacts, eng.blob, log)
	authStateHandler := handlers.NewAuthStateHandler(eng.authStates, capture, log)
	authMiddleware := handlers.NewAuthMiddleware(cfg.Server.APIToken, log)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authMiddleware.Handler)

	apiRouter.HandleFunc("/runs", runHandler.Submit).Methods("POST")
	apiRouter.HandleFunc("/runs/{run_id}", runHandler.Get).Methods("GET")
	apiRouter.HandleFunc("/runs/{run_id}", runHandler.Delete).Methods("DELETE")
	apiRouter.HandleFunc("/runs/{run_id}/steps", runHandler.ListSteps).Methods("GET")
	apiRouter.HandleFunc("/runs/{run_id}/assets/{asset_id}", runHandler.DownloadAsset).Methods("GET")
	apiRouter.HandleFunc("/projects/{project_id}/runs", runHandler.ListByProject).Methods("GET")

	apiRouter.HandleFunc("/projects/{project_id}/auth-state", authStateHandler.Get).Methods("GET")
	apiRouter.HandleFunc("/projects/{project_id}/auth-state", authStateHandler.Upload).Methods("PUT")
	apiRouter.HandleFunc("/projects/{project_id}/auth-state", authStateHandler.Delete).Methods("DELETE")
	apiRouter.HandleFunc("/projects/{project_id}/auth-state/capture", authStateHandler.StartCapture).Methods("POST")
	apiRouter.HandleFunc("/projects/{project_id}/auth-state/capture", authStateHandler.CaptureStatus).Methods("GET")
	apiRouter.HandleFunc("/projects/{project_id}/auth-state/capture/save", authStateHandler.SaveCapture).Methods("POST")
	apiRouter.HandleFunc("/projects/{project_id}/auth-state/capture/cancel", authStateHandler.CancelCapture).Methods("POST")

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info(ctx, "server listening", map[string]interface{}{
			"address": addr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(ctx, "shutting down server", nil)

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Runs still executing are recovered as error on the next start.
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Coordinator.ShutdownTimeout)
	defer drainCancel()
	if err := coord.Wait(drainCtx); err != nil {
		log.Warn(ctx, "runs still executing at shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info(ctx, "server stopped", nil)
	return nil
}
