package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loiht2/ml-platform-finetune/backend/config"
	"github.com/loiht2/ml-platform-finetune/backend/dataset"
	"github.com/loiht2/ml-platform-finetune/backend/handlers"
	"github.com/loiht2/ml-platform-finetune/backend/launcher"
	"github.com/loiht2/ml-platform-finetune/backend/middleware"
	"github.com/loiht2/ml-platform-finetune/backend/monitor"
	"github.com/loiht2/ml-platform-finetune/backend/repository"
	"github.com/loiht2/ml-platform-finetune/backend/storage"
	"github.com/loiht2/ml-platform-finetune/backend/telemetry"
	"github.com/loiht2/ml-platform-finetune/backend/training"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return runServe(settings)
		},
	}
}

func runServe(settings *config.Settings) error {
	log.Println("Starting fine-tuning platform backend")

	// Initialize configuration
	cfg, err := config.New(settings)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	defer cfg.Close()

	if settings.Telemetry.Enabled {
		shutdown := telemetry.InitTracer(context.Background(), settings.Telemetry.ServiceName)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Printf("Failed to flush traces: %v", err)
			}
		}()
	}

	mirror, err := newMirror(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dataset mirror: %w", err)
	}

	store, err := dataset.NewStore(settings.Paths.DataDir, mirror)
	if err != nil {
		return err
	}
	repo := repository.NewRepository(cfg.DB)

	jobMonitor := monitor.NewJobMonitor(monitor.DefaultRetention, monitor.DefaultSweepInterval)
	jobMonitor.Start()
	defer jobMonitor.Stop()

	runner := launcher.New(launcher.ExecRunner{}, launcher.Options{
		Python:             settings.Training.Python,
		TrainingScript:     settings.Training.Script,
		InferenceScript:    settings.Inference.Script,
		AddToGitCredential: settings.HuggingFace.AddToGitCredential,
		MaxNewTokens:       settings.Inference.MaxNewTokens,
	})
	orchestrator := training.NewOrchestrator(store, repo, runner, jobMonitor, settings.Paths.OutputDir)

	// Initialize handlers
	handler := handlers.NewHandler(store, repo, orchestrator, runner, jobMonitor)

	// Setup Gin router
	router := gin.Default()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CORSMiddleware(settings.Server.AllowedOrigins))
	handler.RegisterRoutes(router)

	// WriteTimeout defaults to zero since training requests stay open until
	// the process exits.
	srv := &http.Server{
		Addr:         ":" + settings.Server.Port,
		Handler:      router,
		ReadTimeout:  settings.Server.ReadTimeout,
		WriteTimeout: settings.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on port %s", settings.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
	return nil
}

// newMirror builds the object-storage copy of the dataset files, or returns
// nil when the mirror is disabled.
func newMirror(cfg *config.Config) (dataset.Mirror, error) {
	m := cfg.Settings.Mirror
	if !m.Enabled {
		return nil, nil
	}

	base := storage.MinIOConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
		Region:    m.Region,
		Bucket:    m.Bucket,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var client *storage.MinIOClient
	var err error
	if m.CredentialsSecret != "" {
		client, err = storage.NewMinIOClientFromK8s(ctx, cfg.K8sClient, m.SecretNamespace, m.CredentialsSecret, base)
	} else {
		client, err = storage.NewMinIOClient(base)
	}
	if err != nil {
		return nil, err
	}

	if err := client.EnsureBucket(ctx); err != nil {
		// The store keeps working without the mirror; uploads retry the bucket.
		log.Printf("Warning: Failed to prepare mirror bucket %s: %v", client.Bucket(), err)
	}
	log.Printf("Dataset mirror enabled (bucket: %s)", client.Bucket())
	return client, nil
}
