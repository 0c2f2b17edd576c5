// Package main provides the headless match bot: it connects to the multiplayer
// backend, enters a room the configured way and plays its action script.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/bot"
	"github.com/cory-johannsen/matchlink/internal/bridge"
	"github.com/cory-johannsen/matchlink/internal/config"
	"github.com/cory-johannsen/matchlink/internal/game/dice"
	"github.com/cory-johannsen/matchlink/internal/observability"
	"github.com/cory-johannsen/matchlink/internal/scripting"
	"github.com/cory-johannsen/matchlink/internal/server"
	"github.com/cory-johannsen/matchlink/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	mode := flag.String("mode", "", "override bot.mode: create, join, quick or list")
	room := flag.String("room", "", "override bot.room_name")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *mode != "" {
		cfg.Bot.Mode = *mode
	}
	if *room != "" {
		cfg.Bot.RoomName = *room
	}

	logger, err := observability.NewLogger(cfg.Logging, "matchbot")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	script := &bot.Script{}
	if cfg.Bot.Script != "" {
		script, err = bot.LoadScript(cfg.Bot.Script)
		if err != nil {
			logger.Fatal("loading bot script", zap.Error(err))
		}
		logger.Info("loaded bot script",
			zap.String("path", cfg.Bot.Script),
			zap.Int("actions", len(script.Actions)),
		)
	}

	codec, err := bridge.NewCodec(cfg.Relay.Codec)
	if err != nil {
		logger.Fatal("selecting relay codec", zap.Error(err))
	}

	lifecycle := server.NewLifecycle(logger)

	var journal bot.Journal
	if cfg.Database.Enabled {
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		journal = postgres.NewJournalRepository(pool.DB())
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			StopFn: pool.Close,
		})
	}

	var health *bot.Health
	var status bot.StatusReporter
	if cfg.Health.Port != 0 {
		health = bot.NewHealth(cfg.Health, logger)
		status = health
	}

	// Rolls come from the room seed once a room is joined.
	src := dice.NewSeededSource()
	roller := dice.NewLoggedRoller(src, logger)

	player := bot.New(cfg.Bot, script, roller, journal, status, logger)
	if script.Strategy != "" {
		strategy, err := scripting.LoadStrategy(script.Strategy, script.InstructionLimit, roller, logger)
		if err != nil {
			logger.Fatal("loading strategy", zap.Error(err))
		}
		defer strategy.Close()
		player.UseStrategy(strategy)
		logger.Info("loaded strategy", zap.String("path", script.Strategy))
	}
	conn := bridge.New(
		bridge.NewNakamaBackend(nakama.NewClient(cfg.Backend, logger)),
		player, src, player.Handlers(), codec, cfg.Matchmaker, logger,
	)
	player.Attach(conn)

	lifecycle.Add("dispatch", &server.FuncService{
		StartFn: conn.Run,
		StopFn: func() {
			if err := conn.Close(); err != nil {
				logger.Warn("closing connection", zap.Error(err))
			}
		},
	})
	if health != nil {
		lifecycle.Add("health", health)
	}
	lifecycle.Add("bot", &server.FuncService{
		StartFn: player.Start,
		StopFn:  player.Stop,
	})

	logger.Info("match bot initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("backend", cfg.Backend.BaseURL()),
		zap.String("mode", cfg.Bot.Mode),
		zap.String("codec", codec.Name()),
		zap.String("session", player.SessionID().String()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		if errors.Is(err, bot.ErrRoomUnavailable) {
			logger.Error("room unavailable", zap.Error(err))
		} else {
			logger.Error("match bot failed", zap.Error(err))
		}
		logger.Sync()
		log.Fatalf("match bot: %v", err)
	}
	logger.Info("match bot stopped")
}
