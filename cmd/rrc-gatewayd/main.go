// Command rrc-gatewayd runs the RRC protocol gateway: it loads the
// gateway's configuration, dials the configured hub relay, and serves
// the backend coordinator until interrupted, mirroring
// services/crypto-stream/main.go's signal.NotifyContext-driven
// shutdown shape.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/announce"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/backend"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrcconfig"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrclog"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/transport/wstransport"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config file (JSON or YAML)")
	hubURL := flag.String("hub-url", "", "websocket URL of the mesh relay to dial (overrides RRC_GATEWAY_RELAY_URL)")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	log := rrclog.New(os.Stdout, "rrc-gatewayd", rrclog.Level(*logLevel))

	cfg, err := rrcconfig.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	wsURL := os.Getenv("RRC_GATEWAY_RELAY_URL")
	if *hubURL != "" {
		wsURL = *hubURL
	}
	if wsURL == "" {
		log.Error("no relay url configured; set RRC_GATEWAY_RELAY_URL or pass -hub-url", nil)
		os.Exit(1)
	}

	tr := wstransport.New(wstransport.Config{URL: wsURL, DialTimeout: 10 * time.Second}, log)

	ui := backend.UIEvents{
		OnMessage: func(m backend.RoomMessage) {
			log.Info("message", map[string]any{"room": m.Room, "nick": m.Nick, "text": m.Text})
		},
		OnNotice: func(m backend.RoomMessage) {
			log.Info("notice", map[string]any{"room": m.Room, "text": m.Text})
		},
		OnSystem: func(m backend.RoomMessage) {
			log.Info("system", map[string]any{"room": m.Room, "text": m.Text})
		},
		OnJoin: func(m backend.RoomMessage) {
			log.Info("join", map[string]any{"room": m.Room, "user": m.User})
		},
		OnPart: func(m backend.RoomMessage) {
			log.Info("part", map[string]any{"room": m.Room, "user": m.User})
		},
		OnUserListUpdate: func(room string, users []string) {
			log.Debug("user_list_update", map[string]any{"room": room, "count": len(users)})
		},
		OnRoomJoined: func(room string, users []string) {
			log.Info("room_joined", map[string]any{"room": room, "count": len(users)})
		},
		OnRoomParted: func(room string) { log.Info("room_parted", map[string]any{"room": room}) },
		OnHubInfo:    func(hubName string) { log.Info("hub_info", map[string]any{"hub_name": hubName}) },
		OnHubDiscovered: func(h announce.Hub) {
			log.Debug("hub_discovered", map[string]any{"hash": h.HashHex, "name": h.Name})
		},
		OnDisconnected: func() { log.Warn("disconnected", nil) },
		OnLatency: func(ms *int64) {
			if ms == nil {
				log.Debug("latency", map[string]any{"ms": nil})
				return
			}
			log.Debug("latency", map[string]any{"ms": *ms})
		},
		OnError: func(code, message string) {
			log.Warn("hub error", map[string]any{"code": code, "message": message})
		},
	}

	be := backend.New(cfg, tr, ui, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be.Start(ctx)
	log.Info("gateway started", map[string]any{"relay_url": wsURL})

	if cfg.HubHash != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := be.Dispatch(connectCtx, backend.CmdConnect, map[string]any{
			"hub_hash":  cfg.HubHash,
			"dest_name": cfg.DestName,
		}); err != nil {
			log.Warn("initial connect failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}

	<-ctx.Done()
	log.Info("shutting down", nil)
	be.Stop()
}
