// Command fotoark runs the media ingestion service: the HTTP surface, the
// import drop-directory watcher, and the background sweeps for transcodes,
// thumbnail retries, and stalled selections.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/fotoark/fotoark/internal/analyzer"
	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/database"
	"github.com/fotoark/fotoark/internal/ffmpeg"
	"github.com/fotoark/fotoark/internal/importer"
	"github.com/fotoark/fotoark/internal/localimport"
	"github.com/fotoark/fotoark/internal/logger"
	"github.com/fotoark/fotoark/internal/playback"
	"github.com/fotoark/fotoark/internal/server"
	"github.com/fotoark/fotoark/internal/session"
	"github.com/fotoark/fotoark/internal/sysmon"
	"github.com/fotoark/fotoark/internal/taskrecord"
	"github.com/fotoark/fotoark/internal/taskrunner"
	"github.com/fotoark/fotoark/internal/thumbs"
	"github.com/fotoark/fotoark/internal/watch"
)

const (
	watchdogEvery     = time.Minute
	retryMonitorEvery = time.Minute
	maxCPUPercent     = 90
	maxMemPercent     = 90
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log hclog.Logger) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	for _, dir := range []string{
		cfg.Paths.ImportDir, cfg.Paths.OriginalsDir, cfg.Paths.PlaybackDir,
		cfg.Paths.ThumbnailsDir, cfg.Paths.TempDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	tz, err := time.LoadLocation(cfg.Import.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Import.Timezone, err)
	}

	runner := taskrunner.NewInProcess(log)
	defer runner.Close()

	tc := ffmpeg.NewExec(cfg.Transcode.FFmpegPath, cfg.Transcode.FFprobePath)
	records := taskrecord.NewStore(db)
	sessions := session.NewService(db, log, runner)

	thumbWorker := thumbs.NewWorker(log, tc, cfg.Paths)
	retrySched := thumbs.NewScheduler(records, runner, log)
	retryMonitor := thumbs.NewMonitor(db, records, thumbWorker, retrySched, log)

	transcodeWorker := playback.NewWorker(db, log, tc, cfg.Paths, cfg.Transcode)
	transcodeScanner := playback.NewScanner(db, log, cfg.Paths)
	post := playback.NewPostProcessor(log, transcodeWorker, thumbWorker, retrySched, cfg.Paths)
	recoverable := playback.NewRecoverablePolicy(cfg.Transcode.RecoverableNotes)

	an := analyzer.New(log, tc, tz)
	refresher := importer.NewRefresher(log, an, cfg.Paths)
	imp := importer.New(db, log, an, refresher, post, thumbWorker,
		recoverable, cfg.Paths, cfg.Import.DuplicateRegeneration)

	hostname, _ := os.Hostname()
	queue := localimport.NewQueue(db, log, sessions, runner, hostname)
	useCase := localimport.NewUseCase(db, log, sessions, records, imp, queue, cfg.Paths)

	watchdog := session.NewWatchdog(db, log,
		cfg.Import.HeartbeatTimeout, cfg.Import.StalledAfter, cfg.Import.MaxSelectionAttempts)
	sys := sysmon.New(log, maxCPUPercent, maxMemPercent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registerTasks(log, runner, useCase, transcodeWorker, retryMonitor)

	srv := server.New(log, cfg.Server, server.Deps{
		Sessions:     sessions,
		Runner:       runner,
		Scanner:      transcodeScanner,
		ThumbMonitor: retryMonitor,
		Sys:          sys,
	})
	srv.Start()

	if cfg.Watch.Enabled {
		watcher := watch.New(log, cfg.Paths.ImportDir, cfg.Watch.Debounce,
			func(ctx context.Context) {
				if _, err := useCase.Run(ctx, "", ""); err != nil {
					log.Error("watch-triggered import failed", "error", err)
				}
			})
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	go runTicker(ctx, cfg.Transcode.SweepEvery, func() {
		if !sys.Healthy(ctx) {
			return
		}
		if _, err := transcodeScanner.Sweep(); err != nil {
			log.Error("transcode sweep failed", "error", err)
			return
		}
		pending, err := transcodeScanner.Pending()
		if err != nil {
			log.Error("pending playback query failed", "error", err)
			return
		}
		for _, id := range pending {
			if _, err := transcodeWorker.Process(ctx, id); err != nil {
				log.Error("transcode failed", "playback_id", id, "error", err)
			}
		}
	})
	go runTicker(ctx, retryMonitorEvery, func() {
		if _, err := retryMonitor.Run(ctx); err != nil {
			log.Error("retry monitor failed", "error", err)
		}
	})
	go runTicker(ctx, watchdogEvery, func() {
		if _, err := watchdog.Sweep(time.Now().UTC()); err != nil {
			log.Error("selection watchdog failed", "error", err)
		}
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// registerTasks wires the task names the rest of the system submits.
func registerTasks(log hclog.Logger, runner *taskrunner.InProcess,
	useCase *localimport.UseCase, transcodeWorker *playback.Worker, retryMonitor *thumbs.Monitor) {

	runner.Register(server.TaskLocalImport, func(ctx context.Context, taskID string, payload map[string]any) {
		sessionID, _ := payload["session_id"].(string)
		if _, err := useCase.Run(ctx, sessionID, taskID); err != nil {
			log.Error("import run failed", "session_id", sessionID, "error", err)
		}
	})
	runner.Register(server.TaskTranscodeProcess, func(ctx context.Context, taskID string, payload map[string]any) {
		id := payloadUint(payload, "playback_id")
		if id == 0 {
			return
		}
		if _, err := transcodeWorker.Process(ctx, id); err != nil {
			log.Error("transcode task failed", "playback_id", id, "error", err)
		}
	})
	runner.Register(thumbs.TaskNameRetry, func(ctx context.Context, taskID string, payload map[string]any) {
		mediaID := payloadUint(payload, "media_id")
		if mediaID == 0 {
			return
		}
		force, _ := payload["force"].(bool)
		if err := retryMonitor.RunTask(ctx, mediaID, force); err != nil {
			log.Error("thumbnail retry task failed", "media_id", mediaID, "error", err)
		}
	})
}

func payloadUint(payload map[string]any, key string) uint {
	switch v := payload[key].(type) {
	case uint:
		return v
	case int:
		if v > 0 {
			return uint(v)
		}
	case float64:
		if v > 0 {
			return uint(v)
		}
	}
	return 0
}

func runTicker(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
