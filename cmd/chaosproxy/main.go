// chaosproxy — chaos-injecting forward proxy for AI agent traffic.
// Intercepts HTTP(S), classifies flows, applies fault strategies from a
// hot-reloading plan, and records or replays encrypted tapes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentchaos/chaosproxy/pkg/audit"
	"github.com/agentchaos/chaosproxy/pkg/authz"
	"github.com/agentchaos/chaosproxy/pkg/config"
	"github.com/agentchaos/chaosproxy/pkg/dashboard"
	"github.com/agentchaos/chaosproxy/pkg/proxy"
	"github.com/agentchaos/chaosproxy/pkg/redact"
	"github.com/agentchaos/chaosproxy/pkg/tape"
	"github.com/agentchaos/chaosproxy/pkg/telemetry"
	"github.com/agentchaos/chaosproxy/pkg/version"
)

func setupLogging(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// probeLLMHealth checks that the configured LLM endpoint answers before
// the proxy starts steering traffic at it. Advisory only.
func probeLLMHealth(url string) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		slog.Warn("LLM health probe failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("LLM health probe returned error status", "url", url, "status", resp.StatusCode)
		return
	}
	slog.Info("LLM endpoint healthy", "url", url, "status", resp.StatusCode)
}

func main() {
	envFile := flag.String("env", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No environment file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	// 1. Settings and logging
	settings, err := config.SettingsFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(settings.LogLevel, settings.LogFormat)

	runID := time.Now().Format("20060102_150405")
	slog.Info("Starting chaosproxy",
		"version", version.Full(),
		"mode", settings.Mode,
		"addr", settings.ListenAddr,
		"run_id", runID)

	ctx := context.Background()

	// 2. Telemetry
	provider, err := telemetry.Setup(ctx, telemetry.ConfigFromEnv(version.AppName))
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down telemetry", "error", err)
		}
	}()

	// 3. Audit trail
	auditLog, err := audit.OpenFromEnv()
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			slog.Error("Error closing audit log", "error", err)
		}
	}()

	// 4. Chaos plan
	var holder *config.Holder
	if settings.PlanPath != "" {
		holder = config.NewHolder(settings.PlanPath)
		plan, err := holder.Load()
		if err != nil {
			slog.Error("Failed to load chaos plan", "path", settings.PlanPath, "error", err)
			os.Exit(1)
		}
		slog.Info("Chaos plan loaded",
			"path", settings.PlanPath,
			"revision", plan.Revision,
			"scenarios", len(plan.Scenarios))
	} else {
		slog.Info("No chaos plan configured, proxying transparently")
	}

	// 5. Redaction and access control
	redactor := redact.NewFromEnv()
	auth := authz.New(authz.ConfigFromEnv(), redactor)
	if auth.Enabled() {
		slog.Info("Proxy access control enabled")
	}

	// 6. Tape wiring per mode
	var (
		recorder *tape.Recorder
		player   *tape.Player
	)
	if settings.Mode == config.ModeRecord || settings.Mode == config.ModePlayback {
		key, err := tape.ParseKey(settings.TapeKey)
		if err != nil {
			slog.Error("Invalid tape key", "error", err)
			os.Exit(1)
		}
		var replay config.ReplayConfig
		if holder != nil {
			if plan := holder.Current(); plan != nil {
				replay = plan.Replay
			}
		}
		norm := tape.NewNormalizer(replay, settings.ReplayStrict)

		switch settings.Mode {
		case config.ModeRecord:
			tapePath := settings.TapePath
			if tapePath == "" {
				tapePath = filepath.Join(settings.RunsDir, runID, "tape.json")
			}
			recorder = tape.NewRecorder(tapePath, key, norm, redactor)
			slog.Info("Recording tape", "path", tapePath)
		case config.ModePlayback:
			player, err = tape.NewPlayer(settings.TapePath, key, norm, redactor)
			if err != nil {
				slog.Error("Failed to load tape", "path", settings.TapePath, "error", err)
				os.Exit(1)
			}
			slog.Info("Playback from tape", "path", settings.TapePath)
		}
	}

	// 7. Structured request log
	logPath := settings.LogFile
	if logPath == "" {
		if settings.LogDir != "" {
			logPath = filepath.Join(settings.LogDir, "proxy.log")
		} else {
			logPath = filepath.Join(settings.RunsDir, runID, "logs", "proxy.log")
		}
	}
	logWriter, err := proxy.NewLogWriter(logPath)
	if err != nil {
		slog.Error("Failed to open request log", "path", logPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Request log opened", "path", logPath)

	// 8. Dashboard (optional)
	var (
		dash   *dashboard.Server
		events proxy.Events
	)
	if settings.DashboardAutostart {
		dash = dashboard.NewServer(settings.DashboardAddr, settings.RunsDir)
		events = dash.Hub()
		dash.Start()
	}

	// 9. Pipeline
	pipeline := proxy.NewPipeline(proxy.Options{
		Mode:             settings.Mode,
		Holder:           holder,
		Auth:             auth,
		Audit:            auditLog,
		Redactor:         redactor,
		Recorder:         recorder,
		Player:           player,
		Provider:         provider,
		Events:           events,
		Log:              logWriter,
		ClassifierStrict: settings.ClassifierStrict,
	})
	defer pipeline.Close()

	// 10. Plan file watcher (the per-request hash check stays authoritative;
	// the watcher makes edits land between requests too)
	if holder != nil {
		watcher, err := config.NewWatcher(holder, pipeline.ApplyPlan)
		if err != nil {
			slog.Warn("Plan file watcher unavailable, relying on per-request reload", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	// 11. TLS interception authority (optional)
	var ca *proxy.CertAuthority
	if settings.CACert != "" && settings.CAKey != "" {
		ca, err = proxy.NewCertAuthority(settings.CACert, settings.CAKey)
		if err != nil {
			slog.Error("Failed to load CA for TLS interception", "error", err)
			os.Exit(1)
		}
		slog.Info("TLS interception enabled", "ca_cert", settings.CACert)
	} else {
		slog.Info("No CA configured, CONNECT traffic will be tunneled uninspected")
	}

	// 12. LLM endpoint health probe
	if settings.LLMHealthURL != "" && !settings.LLMHealthSkip && settings.Mode != config.ModePlayback {
		probeLLMHealth(settings.LLMHealthURL)
	}

	// 13. Start proxy server (non-blocking)
	server := proxy.NewServer(settings.ListenAddr, pipeline, ca)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Proxy listening", "addr", settings.ListenAddr)
		if err := server.ListenAndServe(); err != nil {
			slog.Error("Proxy server error", "error", err)
			errCh <- err
		}
	}()

	// 14. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 15. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Proxy shutdown error", "error", err)
	}

	// An unsaved tape makes the whole recording session worthless, so a
	// save failure is loud and fatal.
	if recorder != nil {
		path, err := recorder.Save()
		if err != nil {
			slog.Error("Failed to save tape", "error", err)
			os.Exit(1)
		}
		slog.Info("Tape saved", "path", path, "entries", recorder.Len())
	}

	if dash != nil {
		if err := dash.Stop(shutdownCtx); err != nil {
			slog.Error("Dashboard shutdown error", "error", err)
		}
	}
	if err := logWriter.Close(); err != nil {
		slog.Error("Error closing request log", "error", err)
	}
	metricsPath := filepath.Join(filepath.Dir(logPath), "agent_metrics.json")
	if err := pipeline.WriteAgentMetrics(metricsPath); err != nil {
		slog.Error("Failed to write agent metrics", "path", metricsPath, "error", err)
	}

	slog.Info("Shutdown complete")
}
