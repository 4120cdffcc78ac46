// Netplay — CLI entry point.
//
// This tool coordinates P2P multiplayer sessions over WebRTC DataChannels:
// peers meet through a signaling relay (or a shared polled table), open
// dual-reliability lanes to each other, and run match sessions that end in
// a content-addressed completion record.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -addr, -content, -capacity, -match, -hostPeer).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/driftworks/netplay/internal/config"
	"github.com/driftworks/netplay/internal/identity"
	"github.com/driftworks/netplay/internal/match"
	"github.com/driftworks/netplay/internal/party"
	"github.com/driftworks/netplay/internal/peer"
	"github.com/driftworks/netplay/internal/protocol"
	sig "github.com/driftworks/netplay/internal/signal"
	"github.com/driftworks/netplay/internal/store"
	"github.com/driftworks/netplay/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	mode := flag.String("mode", "", "Mode: relay, host, or join")
	addr := flag.String("addr", ":8090", "Relay listen address (relay only)")
	content := flag.String("content", "", "Content id to host (host only)")
	capacity := flag.Int("capacity", 4, "Session capacity including the host, 1~64 (host only)")
	matchID := flag.String("match", "", "Match id to join; empty means discover (join only)")
	hostPeer := flag.String("hostPeer", "", "Host peer id when joining a known match (join only)")
	useTable := flag.Bool("table", false, "Signal through the shared SQLite mailbox instead of the relay")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Netplay — v%s", version))
	pterm.Println()

	switch *mode {
	case "":
		// No -mode flag → interactive mode.
		runInteractive(ctx, cfg, *useTable)

	case "relay":
		runRelay(ctx, *addr)

	case "host":
		if *content == "" {
			util.LogError("missing -content for host mode")
			os.Exit(1)
		}
		if *capacity < 1 || *capacity > 64 {
			util.LogError("invalid -capacity (must be 1~64)")
			os.Exit(1)
		}
		runHost(ctx, cfg, *useTable, *content, *capacity)

	case "join":
		if *matchID != "" && *hostPeer == "" {
			util.LogError("missing -hostPeer for a known -match")
			os.Exit(1)
		}
		runJoin(ctx, cfg, *useTable, *matchID, *hostPeer, *content)

	default:
		util.LogError("invalid -mode: must be 'relay', 'host', or 'join'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -mode flag is
// provided.
func runInteractive(ctx context.Context, cfg config.Config, useTable bool) {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Host  — Create a match for others to join",
			"Join  — Discover and join an open match",
			"Relay — Run a signaling relay server",
		}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(mode, "Host"):
		content := askText("Content id to host (e.g. arena-01)")
		capacity := askInt("Session capacity including you (1 ~ 64)", 1, 64)
		runHost(ctx, cfg, useTable, content, capacity)

	case strings.HasPrefix(mode, "Join"):
		runJoin(ctx, cfg, useTable, "", "", "")

	default:
		runRelay(ctx, ":8090")
	}
}

// runRelay serves rooms to WebSocket signaling clients until interrupted.
func runRelay(ctx context.Context, addr string) {
	relay := sig.NewRelay()
	bound, err := relay.Start(addr)
	if err != nil {
		util.LogError("failed to start relay: %v", err)
		os.Exit(1)
	}
	defer relay.Close()

	util.LogSuccess("signaling relay listening on %s", bound)
	<-ctx.Done()
}

// runHost creates a match, admits joiners until the roster fills or the
// operator starts early, then runs it to completion.
func runHost(ctx context.Context, cfg config.Config, useTable bool, content string, capacity int) {
	c, err := dialCore(ctx, cfg, useTable)
	if err != nil {
		util.LogError("failed to join signaling: %v", err)
		os.Exit(1)
	}
	defer c.close()

	s, err := c.matches.Host(ctx, content, capacity)
	if err != nil {
		util.LogError("failed to host match: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("hosting match %s — waiting for peers", util.ShortID(s.MatchID))
	util.StartStatsReporter(ctx)

	// Block until the roster fills, then count down and start.
	if err := c.awaitRoster(ctx, capacity); err != nil {
		return
	}
	if err := c.matches.StartCountdown(ctx); err != nil {
		util.LogError("failed to start countdown: %v", err)
		return
	}
	util.LogInfo("countdown started")
	if err := c.matches.Activate(ctx); err != nil {
		util.LogError("failed to activate match: %v", err)
		return
	}
	util.LogSuccess("match active — press Ctrl+C to finish and seal the record")

	<-ctx.Done()

	// Detached context: the root one is already cancelled.
	rec, err := c.matches.Finalize(context.Background(), nil)
	if err != nil {
		util.LogError("failed to finalize match: %v", err)
		return
	}
	util.LogSuccess("match sealed: %s", rec.Hash)
}

// runJoin discovers (or targets) a match and stays in it until it
// completes or the operator quits.
func runJoin(ctx context.Context, cfg config.Config, useTable bool, matchID, hostPeer, content string) {
	c, err := dialCore(ctx, cfg, useTable)
	if err != nil {
		util.LogError("failed to join signaling: %v", err)
		os.Exit(1)
	}
	defer c.close()

	if matchID == "" {
		entries, err := c.matches.Discover(ctx, content)
		if err != nil {
			util.LogError("discovery failed: %v", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			util.LogWarning("no open matches found")
			return
		}
		matchID, hostPeer = entries[0].MatchID, entries[0].HostID
		util.LogInfo("discovered match %s (content %s)", util.ShortID(matchID), entries[0].ContentID)
	}

	s, err := c.matches.Join(ctx, matchID, hostPeer)
	if err != nil {
		util.LogError("failed to join match: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("joined match %s as %s (%d in roster)", util.ShortID(s.MatchID), cfg.DisplayName, len(s.Roster))
	util.StartStatsReporter(ctx)

	if err := c.group.SetReady(true); err != nil {
		util.LogWarning("readiness announcement failed: %v", err)
	}

	<-ctx.Done()
}

// ---------------------------------------------------------------------------
// Core wiring
// ---------------------------------------------------------------------------

// core bundles one client session's fully wired stack.
type core struct {
	self    identity.Identity
	sigTx   sig.Transport
	peers   *peer.Manager
	router  *protocol.Router
	matches *match.Manager
	group   *party.Party
	db      *store.DB
}

// dialCore constructs identity, signaling, peer, protocol, match, and
// party layers and connects to the signaling room. Each client session
// owns one core; nothing here is a process-wide singleton.
func dialCore(ctx context.Context, cfg config.Config, useTable bool) (*core, error) {
	self := identity.NewLocal(cfg.DisplayName)

	db, err := store.Open(cfg.DirectoryDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory store: %w", err)
	}

	var tx sig.Transport
	if useTable {
		tx = sig.NewTableTransport(db.Mailbox(), sig.TableOptions{
			Room:         cfg.Room,
			SelfID:       self.ID,
			DisplayName:  self.DisplayName,
			PollInterval: cfg.PollInterval,
		})
	} else {
		tx = sig.NewWSTransport(sig.WSOptions{
			URL:           cfg.SignalURL,
			Room:          cfg.Room,
			SelfID:        self.ID,
			DisplayName:   self.DisplayName,
			MaxReconnects: cfg.ReconnectAttempts,
			ReconnectBase: cfg.ReconnectBase,
		})
	}

	reg := identity.NewRegistry()
	peers := peer.NewManager(tx, peer.Options{
		SelfID:     self.ID,
		ICEServers: iceServers(cfg),
		Registry:   reg,
	})

	router := protocol.NewRouter(peers, reg, protocol.Options{
		SelfID:            self.ID,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	matches := match.NewManager(router, peers, db.Directory(), newFileLedger("netplay-ledger.jsonl"), match.Options{
		SelfID:      self.ID,
		JoinTimeout: cfg.JoinTimeout,
	})
	group := party.New(self.ID, router)

	if err := tx.Connect(ctx); err != nil {
		db.Close()
		return nil, err
	}
	router.StartHeartbeat()

	util.LogInfo("online as %s (%s)", cfg.DisplayName, util.ShortID(self.ID))
	return &core{
		self:    self,
		sigTx:   tx,
		peers:   peers,
		router:  router,
		matches: matches,
		group:   group,
		db:      db,
	}, nil
}

func (c *core) close() {
	c.router.StopHeartbeat()
	c.group.Close()
	c.matches.Close()
	c.peers.Close()
	c.sigTx.Close()
	c.db.Close()
}

// awaitRoster blocks until the hosted session's roster reaches capacity.
func (c *core) awaitRoster(ctx context.Context, capacity int) error {
	events := c.peers.Events()
	arrivals := make(chan struct{}, capacity)
	off := events.Subscribe(func(ev peer.Event) {
		if ev.Kind == peer.EventPeerConnected {
			select {
			case arrivals <- struct{}{}:
			default:
			}
		}
	})
	defer off()

	for {
		if s, ok := c.matches.Session(); ok && len(s.Roster) >= capacity {
			return nil
		}
		select {
		case <-arrivals:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func iceServers(cfg config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	if len(cfg.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.TURNServers})
	}
	return servers
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askText prompts until a non-empty string is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if s := strings.TrimSpace(raw); s != "" {
			pterm.Println()
			return s
		}
		util.LogWarning("input must not be empty")
		pterm.Println()
	}
}

// askInt prompts until an integer in [min, max] is entered.
func askInt(prompt string, min, max int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && n >= min && n <= max {
			pterm.Println()
			return n
		}
		util.LogWarning("invalid number: must be %d ~ %d", min, max)
		pterm.Println()
	}
}
