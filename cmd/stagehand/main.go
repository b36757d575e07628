package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stagehand/stagehand-agent/internal/api"
	"github.com/stagehand/stagehand-agent/internal/assets"
	"github.com/stagehand/stagehand-agent/internal/config"
	"github.com/stagehand/stagehand-agent/internal/db"
	"github.com/stagehand/stagehand-agent/internal/logging"
	"github.com/stagehand/stagehand-agent/internal/orchestrator"
	"github.com/stagehand/stagehand-agent/internal/provider"
	"github.com/stagehand/stagehand-agent/internal/report"
	"github.com/stagehand/stagehand-agent/internal/script"
)

func main() {
	scriptPath := flag.String("script", "", "path to the performance script JSON (required)")
	slots := flag.String("slots", "", "comma-separated time slots to generate, e.g. \"07:00-09:00,21:00-23:00\" (default: all)")
	flag.Parse()

	if *scriptPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*scriptPath, parseSlots(*slots)); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func parseSlots(raw string) []string {
	if raw == "" {
		return nil
	}
	var slots []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			slots = append(slots, s)
		}
	}
	return slots
}

func run(scriptPath string, timeSlots []string) error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting stagehand agent",
		"version", config.Version, "data_dir", cfg.DataDir(), "script", scriptPath)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := report.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}
	fmt.Printf("status API: http://127.0.0.1:%d (token: %s)\n", cfg.Port(), authToken)
	logger.Info("status API ready", "port", cfg.Port(), "token", logging.SanitizeToken(authToken))

	providersCfg, err := config.LoadProviders(cfg.ProvidersFile())
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	registry, err := provider.NewRegistryFromConfig(providersCfg)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}
	logger.Info("providers configured",
		"image", providersCfg.ImageProvider, "video", providersCfg.VideoProvider)

	perf, err := script.Load(scriptPath)
	if err != nil {
		return err
	}

	refImages, err := script.LoadReferenceImages(providersCfg.ReferenceImages)
	if err != nil {
		logger.Warn("reference images unavailable", "error", err)
	}

	compilation := script.Compile(perf, script.CompileOptions{
		TimeSlots:       timeSlots,
		ReferenceLookup: refImages.Lookup,
	})
	logger.Info("script compiled",
		"character_id", perf.CharacterID, "date", perf.Date,
		"tasks", len(compilation.Tasks), "compile_errors", len(compilation.Errors))

	agg := report.NewAggregator(repo, logger)
	agg.SetRunInfo(perf.CharacterID, perf.Date)
	if err := agg.Restore(context.Background()); err != nil {
		return fmt.Errorf("failed to restore previous run: %w", err)
	}
	for _, ce := range compilation.Errors {
		agg.RecordCompileError(context.Background(), ce.SceneID, ce.Reason)
	}

	downloader := assets.NewDownloader(cfg.OutputDir(), logger)

	orch := orchestrator.New(orchestrator.Options{
		MaxWorkers:          cfg.MaxWorkers(),
		PollInterval:        cfg.PollInterval(),
		ImageTimeout:        cfg.ImageTimeout(),
		VideoTimeout:        cfg.VideoTimeout(),
		MaxRetryOnTimeout:   cfg.MaxRetryOnTimeout(),
		TimeoutRetryEnabled: cfg.TimeoutRetryEnabled(),
	}, registry, agg, downloader, logger)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Aggregator: agg,
		Repository: repo,
		Logger:     logger,
		StartTime:  startTime,
		Version:    config.Version,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	runErr := orch.Run(ctx, compilation.Tasks)

	reportPath := filepath.Join(cfg.OutputDir(), "generation_report.json")
	if err := agg.WriteFile(reportPath); err != nil {
		logger.Error("failed to write generation report", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

func ensureAuthToken(repo report.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
