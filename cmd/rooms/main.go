// Package main lists the rooms currently running on the multiplayer backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/bridge"
	"github.com/cory-johannsen/matchlink/internal/config"
	"github.com/cory-johannsen/matchlink/internal/game/dice"
	"github.com/cory-johannsen/matchlink/internal/game/network"
	"github.com/cory-johannsen/matchlink/internal/observability"
)

// quiet ignores every connection event; the listing is a plain request.
type quiet struct{}

func (quiet) ServerConnected() {}
func (quiet) RoomJoined(network.RoomData) {}
func (quiet) CreateRoomFailed(string) {}
func (quiet) JoinRoomFailed(string) {}
func (quiet) RoomExited() {}
func (quiet) PlayerEnteredRoom(network.User) {}
func (quiet) PlayerLeftRoom(network.User) {}

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	userName := flag.String("user", "", "user name to list as (default bot.user_name)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *userName == "" {
		*userName = cfg.Bot.UserName
	}

	logger, err := observability.NewLogger(cfg.Logging, "rooms")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	codec, err := bridge.NewCodec(cfg.Relay.Codec)
	if err != nil {
		logger.Fatal("selecting relay codec", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*cfg.Backend.Timeout)
	defer cancel()

	conn := bridge.New(
		bridge.NewNakamaBackend(nakama.NewClient(cfg.Backend, logger)),
		quiet{}, dice.NewSeededSource(), network.HandlerTable{}, codec, cfg.Matchmaker, logger,
	)
	defer conn.Close()

	if err := conn.ConnectToServer(ctx, *userName, nil); err != nil {
		logger.Fatal("connecting", zap.Error(err))
	}
	rooms, err := conn.GetRoomList(ctx)
	if err != nil {
		logger.Fatal("listing rooms", zap.Error(err))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLAYERS\tHOST\tSEED")
	for _, r := range rooms {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%d\n", r.ID, r.Name, r.PlayerCount, r.MaxPlayers, r.HostID, r.Seed)
	}
	if err := w.Flush(); err != nil {
		logger.Fatal("writing listing", zap.Error(err))
	}
}
