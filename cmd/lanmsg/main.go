package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"lanmsg/config"
	"lanmsg/discovery"
	"lanmsg/models"
	"lanmsg/network"
	"lanmsg/shell"
	"lanmsg/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listening Port:  %d\n", cfg.ListeningPort)
	fmt.Printf("Config File:     %s\n", cfgPath)

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("startup failed while resolving data directory: %v", err)
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", config.DBPath(dataDir))

	filesDir := config.ReceivedDir(dataDir)
	fmt.Printf("Files Directory: %s\n", filesDir)

	identity := network.Identity{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		Platform:   cfg.Platform,
	}

	manager := network.NewManager(network.Options{
		Identity: identity,
		Store:    store,
		FilesDir: filesDir,
		OnDirectMessage: func(peerID string, msg models.DirectMessage) {
			fmt.Printf("\n[%s] %s\n> ", peerID, msg.Text)
		},
		OnGroupMessage: func(msg models.GroupMessage) {
			fmt.Printf("\n[group %s] %s: %s\n> ", msg.GroupID, msg.FromID, msg.Text)
		},
		OnGroupInvite: func(invite network.GroupInviteNotification) {
			fmt.Printf("\n[group invite] %q (%s) from %s — run 'accept_invite %s' to join\n> ",
				invite.Name, invite.GroupID, invite.InviterID, invite.GroupID)
		},
		OnFileReceived: func(peerID, filename, path string) {
			fmt.Printf("\n[file from %s] %s saved to %s\n> ", peerID, filename, path)
		},
		OnPeerConnected: func(peer models.Peer) {
			fmt.Printf("\n[connected] %s (%s)\n> ", peer.DeviceID, peer.DeviceName)
		},
		OnPeerLost: func(deviceID string) {
			fmt.Printf("\n[disconnected] %s\n> ", deviceID)
		},
	})

	repl := shell.New(manager, os.Stdin, os.Stdout)

	discoveryService, err := discovery.Start(discovery.Identity{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		Platform:   cfg.Platform,
		TCPPort:    cfg.ListeningPort,
	}, nil)
	var managerDiscoveryIn chan discovery.Discovered
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		managerDiscoveryIn = make(chan discovery.Discovered, 64)
		go fanOutDiscoveries(discoveryService.Events(), managerDiscoveryIn, repl)
	}

	listenAddr := net.JoinHostPort("", strconv.Itoa(cfg.ListeningPort))
	if err := manager.Start(listenAddr, managerDiscoveryIn); err != nil {
		log.Fatalf("startup failed while starting connection manager: %v", err)
	}
	defer manager.Shutdown()
	fmt.Printf("Listening on:    %s\n", manager.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replDone := make(chan struct{})
	go func() {
		defer close(replDone)
		repl.Run()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\nStatus:          shutting down")
	case <-replDone:
	}
}

// fanOutDiscoveries relays each discovery_response both to the shell
// (for "discoveries"/"connect_discovered") and to the connection manager
// (for its own auto-dial of unknown peers), since a channel only
// delivers each value to one receiver.
func fanOutDiscoveries(in <-chan discovery.Discovered, out chan<- discovery.Discovered, repl *shell.Shell) {
	defer close(out)
	for d := range in {
		repl.NoteDiscovered(d.DeviceID, d.IP, d.TCPPort, d.Name)
		out <- d
	}
}
