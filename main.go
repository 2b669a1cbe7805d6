package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"vsfy/app"
	"vsfy/config"
	"vsfy/discovery"
	"vsfy/network"
	"vsfy/playback"
	"vsfy/registry"
	"vsfy/storage"
)

const usage = `usage: vsfy <server|client> [flags]

  server   run the rendezvous server
  client   join a server, share the media directory and play peers' files`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func runServer(args []string) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}

	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	port := flags.Int("port", cfg.ServerPort, "session port to listen on")
	advertise := flags.Bool("advertise", cfg.AdvertiseServer, "advertise the server over mDNS")
	maxSessions := flags.Int("max-sessions", cfg.MaxSessions, "cap on concurrent sessions (0 for unlimited)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Instance ID:     %s\n", cfg.InstanceID)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	var store *storage.Store
	if cfg.HistoryEnabled {
		var dbPath string
		store, dbPath, err = storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("startup failed while opening database: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("database close error: %v", err)
			}
		}()
		fmt.Printf("Database File:   %s\n", dbPath)
	}

	server, err := network.Listen(net.JoinHostPort("", strconv.Itoa(*port)), network.ServerOptions{
		Registry:       registry.New(),
		MaxFrameSize:   cfg.MaxFrameSize,
		MaxSessions:    *maxSessions,
		OnSessionEvent: sessionJournal(store),
	})
	if err != nil {
		return fmt.Errorf("startup failed while binding session port: %w", err)
	}
	fmt.Printf("Listening on:    %s\n", server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for err := range server.Errors() {
			log.Printf("server: %v", err)
		}
		return nil
	})

	if *advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			InstanceID: cfg.InstanceID,
			Port:       *port,
		})
		if err != nil {
			log.Printf("discovery startup failed: %v", err)
		} else {
			defer broadcaster.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	group.Go(func() error {
		<-ctx.Done()
		fmt.Println("Status:          shutting down")
		return server.Close()
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	return group.Wait()
}

func sessionJournal(store *storage.Store) func(network.SessionEvent) {
	return func(event network.SessionEvent) {
		log.Printf("session %s id=%s remote=%s files=%d", event.Type, event.Identity, event.RemoteAddr, event.CatalogSize)
		if store == nil {
			return
		}
		err := store.RecordSessionEvent(storage.SessionEvent{
			PeerIdentity: event.Identity,
			EventType:    journalEventType(event.Type),
			RemoteAddr:   event.RemoteAddr,
			CatalogSize:  event.CatalogSize,
			Timestamp:    event.Time.UnixMilli(),
		})
		if err != nil {
			log.Printf("session journal error: %v", err)
		}
	}
}

func journalEventType(eventType network.SessionEventType) string {
	switch eventType {
	case network.SessionRegistered:
		return storage.SessionEventRegistered
	case network.SessionAnnounced:
		return storage.SessionEventAnnounced
	case network.SessionUnregistered:
		return storage.SessionEventUnregistered
	default:
		return string(eventType)
	}
}

func runClient(args []string) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}

	flags := flag.NewFlagSet("client", flag.ContinueOnError)
	flags.StringVar(&cfg.ServerAddress, "server", cfg.ServerAddress, "server host or host:port (empty to discover over mDNS)")
	flags.IntVar(&cfg.ServerPort, "port", cfg.ServerPort, "server port when -server has none")
	flags.StringVar(&cfg.MediaDirectory, "media", cfg.MediaDirectory, "directory of files to share")
	flags.StringVar(&cfg.AdvertiseAddress, "advertise", cfg.AdvertiseAddress, "IP address other peers use to reach this one (empty to detect)")
	flags.BoolVar(&cfg.ProgressivePlayback, "progressive", cfg.ProgressivePlayback, "start playing on the first received byte")
	player := flags.String("player", strings.Join(cfg.PlayerCommand, " "), "external player command; the file path is appended")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint, err := resolveServer(ctx, cfg)
	if err != nil {
		return err
	}

	engine, err := newEngine(*player)
	if err != nil {
		return err
	}

	var history app.TransferHistory
	if cfg.HistoryEnabled {
		store, _, err := storage.Open(filepath.Dir(cfgPath))
		if err != nil {
			return fmt.Errorf("startup failed while opening database: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("database close error: %v", err)
			}
		}()
		history = store
	}

	runtime, err := app.New(app.Options{
		ServerAddress:       endpoint,
		AdvertiseAddress:    cfg.AdvertiseAddress,
		MediaDirectory:      cfg.MediaDirectory,
		AllowedExtensions:   cfg.AllowedExtensions,
		ProgressivePlayback: cfg.ProgressivePlayback,
		Session: network.SessionOptions{
			MaxFrameSize:   cfg.MaxFrameSize,
			ConnectRetries: cfg.ConnectRetries,
		},
		Transfer: network.TransferOptions{
			MaxFrameSize: cfg.MaxFrameSize,
		},
		Engine:  engine,
		History: history,
		In:      os.Stdin,
		Out:     os.Stdout,
	})
	if err != nil {
		return err
	}

	return runtime.Run(ctx)
}

func resolveServer(ctx context.Context, cfg *config.Config) (string, error) {
	if endpoint := cfg.ServerEndpoint(); endpoint != "" {
		return endpoint, nil
	}
	if !cfg.DiscoverServer {
		return "", errors.New("no server address configured and discovery is disabled")
	}

	fmt.Println("Looking for a server on the local network...")
	found, err := discovery.Locate(ctx, discovery.Config{})
	if err != nil {
		return "", err
	}
	fmt.Printf("Found server %s at %s\n", found.InstanceID, found.Address())
	return found.Address(), nil
}

func newEngine(player string) (playback.Engine, error) {
	command := strings.Fields(player)
	if len(command) == 0 {
		return &playback.ClockEngine{}, nil
	}
	return playback.NewCommandEngine(command)
}
