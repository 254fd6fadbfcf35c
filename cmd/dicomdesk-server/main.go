package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dicomdesk/dicomdesk/internal/config"
	"github.com/dicomdesk/dicomdesk/internal/domain/browser"
	"github.com/dicomdesk/dicomdesk/internal/platform/db"
	"github.com/dicomdesk/dicomdesk/internal/platform/dicomfs"
	"github.com/dicomdesk/dicomdesk/internal/platform/jobs"
	"github.com/dicomdesk/dicomdesk/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicomdesk-server",
		Short: "Headless DICOM browser API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the browser API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Scan a directory of DICOM files and print an index summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}

			logger := newLogger("info")
			indexer, err := dicomfs.NewIndexer(logger, 256)
			if err != nil {
				return err
			}

			store := browser.NewMemStore()
			summary, err := indexer.Index(context.Background(), dir, store)
			if err != nil {
				return err
			}

			fmt.Printf("Indexed %d file(s), skipped %d.\n", summary.Files, summary.Skipped)
			fmt.Printf("Patients: %d  Studies: %d  Series: %d\n",
				summary.Patients, summary.Studies, summary.Series)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Directory to scan for DICOM files")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(lvl)
	}
	return logger
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	// Store
	ctx := context.Background()
	var store browser.Store
	var pool *pgxpool.Pool
	if cfg.UsePostgres() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		store = browser.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	} else {
		mem := browser.NewMemStore()
		if cfg.DicomDir != "" {
			indexer, err := dicomfs.NewIndexer(logger, cfg.IndexCache)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to create indexer")
			}
			summary, err := indexer.Index(ctx, cfg.DicomDir, mem)
			if err != nil {
				logger.Fatal().Err(err).Str("dir", cfg.DicomDir).Msg("failed to index DICOM directory")
			}
			logger.Info().
				Int("files", summary.Files).
				Int("patients", summary.Patients).
				Int("studies", summary.Studies).
				Int("series", summary.Series).
				Msg("indexed DICOM directory")
		}
		store = mem
	}

	// Scheduler and collection tree
	scheduler := jobs.New(logger, jobs.NopExecutor, cfg.JobWorkers)
	defer scheduler.Close()

	patients := browser.NewPatientCollection(logger, store, scheduler)
	handler := browser.NewHandler(patients)
	scheduler.Notify = handler.DispatchJob

	// Initial population
	handler.Bootstrap(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	apiV1 := e.Group("/api/v1")
	handler.RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
