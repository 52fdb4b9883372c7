package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/anibridge/anibridge/internal/animedb/anilist"
	"github.com/anibridge/anibridge/internal/animedb/jikan"
	"github.com/anibridge/anibridge/internal/animeworld"
	"github.com/anibridge/anibridge/internal/api"
	"github.com/anibridge/anibridge/internal/config"
	"github.com/anibridge/anibridge/internal/database"
	"github.com/anibridge/anibridge/internal/downloader"
	"github.com/anibridge/anibridge/internal/importer"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/logger"
	"github.com/anibridge/anibridge/internal/metadata"
	"github.com/anibridge/anibridge/internal/notification"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/settings"
	"github.com/anibridge/anibridge/internal/sonarr"
	"github.com/anibridge/anibridge/internal/wanted"
	"github.com/anibridge/anibridge/internal/websocket"
)

const (
	taskUpdateMetadata = "update_metadata"
	taskFetchWanted    = "fetch_wanted"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hex.EncodeToString(key))
		return
	}

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A missing .env is fine, environment variables still apply.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Path:   cfg.Logging.Path,
	})
	defer log.Close()

	log.Info().Str("version", api.Version).Str("dataDir", cfg.DataDir).Msg("starting anibridge")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Downloads interrupted by a previous shutdown leave chunk directories
	// behind. Sweep them before anything can enqueue.
	if err := os.RemoveAll(cfg.TempDir()); err != nil {
		log.Warn().Err(err).Msg("failed to sweep temp dir")
	}
	if err := os.MkdirAll(cfg.TempDir(), 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create temp dir")
	}

	set := settings.NewService(db.Conn(), log.Logger)
	store := library.NewStore(db.Conn(), log.Logger)

	sonarrClient := sonarr.NewClient(set, log.Logger)
	prober := sonarr.NewProber(sonarrClient, log.Logger)

	siteClient, err := animeworld.NewClient(set, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create source-site client")
	}
	anilistClient := anilist.NewClient("", log.Logger)
	jikanClient := jikan.NewClient("", log.Logger)

	metadataService := metadata.NewService(store, sonarrClient, siteClient,
		anilistClient, jikanClient, set, cfg.PosterDir(), log.Logger)

	notifier := notification.NewService(sonarrClient, log.Logger)
	importService := importer.NewService(store, sonarrClient, set, notifier, log.Logger)
	queue := downloader.NewQueue(set, importService, notifier, cfg.TempDir(), log.Logger)
	wantedService := wanted.NewService(store, sonarrClient, metadataService,
		siteClient, queue, set, log.Logger)

	hub := websocket.NewHub(log.Logger)
	go hub.Run()
	log.SetBroadcastHub(hub)
	queue.SetBroadcastHub(hub)

	ctx := context.Background()
	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}

	metadataInterval, err := set.UpdateMetadataInterval(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read update_metadata interval")
	}
	wantedInterval, err := set.FetchWantedInterval(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read fetch_wanted interval")
	}

	if err := sched.RegisterTask(scheduler.TaskConfig{
		ID:              taskUpdateMetadata,
		Name:            "Update metadata",
		Description:     "Sync series, seasons and source-site matches from the library manager",
		IntervalMinutes: metadataInterval,
		Func:            metadataService.SyncAll,
		RunOnStart:      true,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register update_metadata task")
	}
	if err := sched.RegisterTask(scheduler.TaskConfig{
		ID:              taskFetchWanted,
		Name:            "Fetch wanted",
		Description:     "Queue downloads for wanted-missing episodes",
		IntervalMinutes: wantedInterval,
		Func:            wantedService.Run,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register fetch_wanted task")
	}

	// Settings changes take effect without a restart.
	set.OnChange(settings.KeySonarrURL, prober.TriggerProbe)
	set.OnChange(settings.KeySonarrToken, prober.TriggerProbe)
	set.OnChange(settings.KeyAnimeworldBaseURL, siteClient.ResetSession)
	set.OnChange(settings.KeyUpdateMetadataInterval, func() {
		rescheduleTask(sched, set.UpdateMetadataInterval, taskUpdateMetadata, log)
	})
	set.OnChange(settings.KeyFetchWantedInterval, func() {
		rescheduleTask(sched, set.FetchWantedInterval, taskFetchWanted, log)
	})

	prober.Start()
	sched.Start()

	server := api.NewServer(store, set, queue, sched, sonarrClient, log.Ring(), hub, log.Logger)
	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil {
			log.Info().Err(err).Msg("API server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	prober.Stop()
	if err := sched.Stop(); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
}

func rescheduleTask(sched *scheduler.Scheduler, interval func(context.Context) (int, error), taskID string, log *logger.Logger) {
	minutes, err := interval(context.Background())
	if err != nil {
		log.Warn().Err(err).Str("task", taskID).Msg("failed to read new interval")
		return
	}
	if err := sched.Reschedule(taskID, minutes); err != nil {
		log.Warn().Err(err).Str("task", taskID).Msg("failed to reschedule task")
	}
}
