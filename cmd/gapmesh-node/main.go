// Command gapmesh-node runs a standalone mesh node: BLE + Nostr transports,
// the Session Controller, and (if enabled) the loopback Control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gapmesh/core/internal/config"
	"github.com/gapmesh/core/internal/controlapi"
	"github.com/gapmesh/core/internal/favorites"
	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/keychain"
	"github.com/gapmesh/core/internal/rotation"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/session"
	"github.com/gapmesh/core/internal/transport/ble"
	"github.com/gapmesh/core/internal/transport/nostr"
	"github.com/gapmesh/core/internal/wire"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file (defaults applied if omitted)")
		nickname     = flag.String("nickname", "", "local nickname announced to the mesh")
		logLevel     = flag.String("log-level", "", "override config log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show this node's identity and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("gapmesh-node %s\n", version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	if cfg.BLERotationSecret != "" {
		rotation.SetGlobalSecret([]byte(cfg.BLERotationSecret))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Error("create data dir failed", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	kc, err := keychain.OpenSQLite("sqlite://" + filepath.Join(cfg.DataDir, "identity.db"))
	if err != nil {
		log.Error("open keychain failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := identity.LoadOrGenerate(ctx, kc)
	if err != nil {
		log.Error("load identity failed", "err", err)
		os.Exit(1)
	}

	if *showIdentity {
		fmt.Printf("PeerID:      %s\n", id.PeerID)
		fmt.Printf("Fingerprint: %s\n", id.Fingerprint)
		os.Exit(0)
	}

	favStore, err := favorites.Open(ctx, kc)
	if err != nil {
		log.Error("open favorites failed", "err", err)
		os.Exit(1)
	}

	// ctrl is assigned after the transports are constructed, but the
	// transports need an inbound callback now: forward through a closure
	// that reads ctrl once it exists, same rebinding every transport in
	// this repo requires.
	var ctrl *session.Controller
	forward := func(kind router.Kind) func(p *wire.Packet) {
		return func(p *wire.Packet) {
			if ctrl != nil {
				ctrl.HandleInbound(kind, p)
			}
		}
	}

	blePlatform, err := ble.NewTinygoPlatform()
	if err != nil {
		log.Error("init BLE platform failed", "err", err)
		os.Exit(1)
	}
	bleTransport := ble.New(blePlatform, id.PeerID, cfg.BLELegacyCompat, forward(router.KindMesh), log)

	nostrKeypair, err := nostr.LoadOrGenerateKeypair(ctx, kc)
	if err != nil {
		log.Error("load nostr keypair failed", "err", err)
		os.Exit(1)
	}
	nostrTransport := nostr.New(id.PeerID, nostrKeypair, favStore, cfg.NostrRelays, forward(router.KindInternet), log)

	r := router.New(bleTransport, nostrTransport)
	ctrl = session.New(id, kc, r, favStore, log)
	ctrl.SetNickname(*nickname)

	if err := bleTransport.Start(); err != nil {
		log.Error("start BLE transport failed", "err", err)
		os.Exit(1)
	}
	defer bleTransport.Stop()

	nostrTransport.Start()
	defer nostrTransport.Stop()

	ctrl.Start()
	defer ctrl.Stop()

	if cfg.ControlAPI.Enabled {
		capi, err := controlapi.New(ctx, cfg.ControlAPI, ctrl, kc, log)
		if err != nil {
			log.Error("start control API failed", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := capi.Run(ctx); err != nil {
				log.Error("control API stopped", "err", err)
			}
		}()
	}

	log.Info("gapmesh-node running", "peer_id", id.PeerID, "nickname", *nickname)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
