// Package app runs a peer: it shares the local catalog, holds the server
// session and drives playback from operator actions.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"vsfy/catalog"
	"vsfy/models"
	"vsfy/network"
	"vsfy/playback"
	"vsfy/storage"
)

const historyListLimit = 20

var errQuit = errors.New("app: quit")

// TransferHistory records and lists completed downloads.
type TransferHistory interface {
	RecordTransfer(transfer storage.Transfer) error
	ListTransfers(limit int) ([]storage.Transfer, error)
}

// Options configures a Runtime.
type Options struct {
	ServerAddress     string
	MediaDirectory    string
	AllowedExtensions []string
	// TransferAddress is the local bind address of the transfer listener.
	TransferAddress string
	// AdvertiseAddress is the IP other peers dial for transfers; "" lets the
	// session pick one.
	AdvertiseAddress string
	// DownloadDirectory holds temp files; "" uses the OS temp dir.
	DownloadDirectory string
	// ProgressivePlayback starts the player on the first received byte
	// instead of waiting for the transfer to complete.
	ProgressivePlayback bool

	Session  network.SessionOptions
	Transfer network.TransferOptions

	Engine  playback.Engine
	History TransferHistory

	In  io.Reader
	Out io.Writer
}

// Runtime is one running peer.
type Runtime struct {
	opts    Options
	console *console

	transfers *network.TransferListener
	session   *network.Session

	mu      sync.Mutex
	current *nowPlaying

	recorders sync.WaitGroup
}

type nowPlaying struct {
	name     string
	handle   playback.Handle
	download *network.Download
}

// New validates options and returns an idle runtime.
func New(opts Options) (*Runtime, error) {
	if strings.TrimSpace(opts.ServerAddress) == "" {
		return nil, errors.New("server address is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("playback engine is required")
	}
	if opts.In == nil || opts.Out == nil {
		return nil, errors.New("console input and output are required")
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = catalog.DefaultExtensions
	}
	if opts.TransferAddress == "" {
		opts.TransferAddress = ":0"
	}

	return &Runtime{opts: opts}, nil
}

// Run starts the peer and processes operator actions until BYE, end of
// input or ctx cancellation. A lost server connection is returned as an
// error wrapping network.ErrLostConnection.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		r.shutdown()
		return err
	}
	defer r.shutdown()

	r.console = newConsole(r.opts.In, r.opts.Out)
	defer r.console.close()
	for {
		line, err := r.console.prompt(ctx, "Enter action : ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return r.bye()
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read action: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		err = r.dispatch(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return nil
		case errors.Is(err, network.ErrLostConnection):
			r.console.println("Lost connection with server.")
			return err
		case errors.Is(err, io.EOF):
			return r.bye()
		case ctx.Err() != nil:
			return nil
		default:
			r.report(err)
		}
	}
}

// Identity returns the server-assigned identity once connected.
func (r *Runtime) Identity() string {
	if r.session == nil {
		return ""
	}
	return r.session.Identity()
}

func (r *Runtime) start(ctx context.Context) error {
	shared, err := catalog.Scan(r.opts.MediaDirectory, r.opts.AllowedExtensions)
	if err != nil {
		if !errors.Is(err, catalog.ErrDirectoryNotFound) {
			return fmt.Errorf("scan media directory: %w", err)
		}
		log.Printf("Media directory %q does not exist, sharing nothing", r.opts.MediaDirectory)
	}

	self := models.PeerDescriptor{
		Address: strings.TrimSpace(r.opts.AdvertiseAddress),
		Catalog: shared.Entries(),
	}
	if shared.Len() > 0 {
		transfers, err := network.ListenTransfers(r.opts.TransferAddress, shared, r.opts.Transfer)
		if err != nil {
			return err
		}
		r.transfers = transfers
		self.TransferPort = transfers.Port()
		go logTransferErrors(transfers)
	}

	session, err := network.Dial(ctx, r.opts.ServerAddress, self, r.opts.Session)
	if err != nil {
		return err
	}
	r.session = session

	fmt.Fprintf(r.opts.Out, "Got my UUID from server : %s\n", session.Identity())
	return nil
}

func logTransferErrors(transfers *network.TransferListener) {
	for err := range transfers.Errors() {
		log.Printf("Transfer error: %v", err)
	}
}

func (r *Runtime) dispatch(ctx context.Context, line string) error {
	action, err := ParseAction(line)
	if err != nil {
		return err
	}

	switch action {
	case ActionListActions:
		r.listActions()
		return nil
	case ActionGetClients:
		return r.getClients(ctx)
	case ActionPlay:
		return r.play(ctx)
	case ActionStop:
		return r.stop()
	case ActionPause:
		return r.pause()
	case ActionResume:
		return r.resume()
	case ActionNowPlaying:
		r.nowPlaying()
		return nil
	case ActionHistory:
		return r.history()
	case ActionBye:
		if err := r.bye(); err != nil {
			return err
		}
		return errQuit
	}
	return nil
}

func (r *Runtime) report(err error) {
	switch {
	case errors.Is(err, ErrUnknownAction):
		r.console.println("Action unknown.")
		r.listActions()
	case errors.Is(err, ErrPeerNotFound):
		r.console.println("Client not found.")
	case errors.Is(err, ErrFileNotFound):
		r.console.println("Client does not have that file.")
	case errors.Is(err, network.ErrFileUnavailable):
		r.console.println("File could not be downloaded from that client.")
	case errors.Is(err, playback.ErrInvalidState):
		r.console.println("Media player not active.")
	default:
		r.console.printf("Error: %v\n", err)
	}
}

func (r *Runtime) listActions() {
	names := make([]string, 0, len(availableActions))
	for _, action := range availableActions {
		names = append(names, string(action))
	}
	r.console.printf("List of possible actions (not case sensitive) : %s\n", strings.Join(names, " - "))
}

func (r *Runtime) getClients(ctx context.Context) error {
	snapshot, err := r.session.Directory(ctx)
	if err != nil {
		return err
	}

	self := r.session.Identity()
	for _, peer := range snapshot {
		label := peer.Identity
		if peer.Identity == self {
			label += " (you)"
		}
		r.console.printf("Client %s at %s :\n", label, peer.Address)
		r.printCatalog(peer)
	}
	return nil
}

func (r *Runtime) printCatalog(peer models.PeerDescriptor) {
	if len(peer.Catalog) == 0 {
		r.console.println("\tNothing to share")
		return
	}
	for _, entry := range peer.Catalog {
		r.console.printf("\t%s - %d KB\n", entry.Name, entry.SizeBytes/1024)
	}
}

func (r *Runtime) play(ctx context.Context) error {
	snapshot, err := r.session.Directory(ctx)
	if err != nil {
		return err
	}

	// Only peers with something to share can be targets.
	others := make([]models.PeerDescriptor, 0, len(snapshot))
	self := r.session.Identity()
	for _, peer := range snapshot {
		if peer.Identity != self && len(peer.Catalog) > 0 {
			others = append(others, peer)
		}
	}
	if len(others) == 0 {
		r.console.println("No other clients to connect to.")
		return nil
	}

	for _, peer := range others {
		r.console.printf("Client %s :\n", peer.Identity)
		r.printCatalog(peer)
	}
	target, err := r.console.prompt(ctx, "Enter target UUID : ")
	if err != nil {
		return err
	}
	peer, err := findPeer(others, target)
	if err != nil {
		return err
	}

	name, err := r.console.prompt(ctx, "Select file to play : ")
	if err != nil {
		return err
	}
	entry, err := findFile(peer, name)
	if err != nil {
		return err
	}

	return r.startPlayback(ctx, peer, entry)
}

func findPeer(peers []models.PeerDescriptor, identity string) (models.PeerDescriptor, error) {
	identity = strings.TrimSpace(identity)
	for _, peer := range peers {
		if strings.EqualFold(peer.Identity, identity) {
			return peer, nil
		}
	}
	return models.PeerDescriptor{}, fmt.Errorf("%w: %q", ErrPeerNotFound, identity)
}

func findFile(peer models.PeerDescriptor, name string) (models.FileEntry, error) {
	name = strings.TrimSpace(name)
	for _, entry := range peer.Catalog {
		if entry.Name == name {
			return entry, nil
		}
	}
	for _, entry := range peer.Catalog {
		if strings.EqualFold(entry.Name, name) {
			return entry, nil
		}
	}
	return models.FileEntry{}, fmt.Errorf("%w: %q", ErrFileNotFound, name)
}

// startPlayback replaces whatever is playing with a new transfer from peer.
func (r *Runtime) startPlayback(ctx context.Context, peer models.PeerDescriptor, entry models.FileEntry) error {
	r.release()

	download, err := network.StartDownload(context.WithoutCancel(ctx), peer, entry.Name, r.opts.DownloadDirectory)
	if err != nil {
		return err
	}
	r.recordWhenDone(download, peer.Identity)

	r.console.printf("Downloading %s from %s...\n", entry.Name, peer.Identity)
	wait := download.Done()
	if r.opts.ProgressivePlayback {
		wait = download.Ready()
	}
	select {
	case <-wait:
	case <-ctx.Done():
		_ = download.Remove()
		return ctx.Err()
	}

	if err := transferOutcome(download, r.opts.ProgressivePlayback); err != nil {
		_ = download.Remove()
		return err
	}

	handle, err := r.opts.Engine.Load(playback.Source{
		Name: entry.Name,
		Path: download.Path(),
		Size: entry.SizeBytes,
	})
	if err != nil {
		_ = download.Remove()
		return fmt.Errorf("load %q: %w", entry.Name, err)
	}
	if err := handle.Play(); err != nil {
		_ = download.Remove()
		return fmt.Errorf("play %q: %w", entry.Name, err)
	}

	r.mu.Lock()
	r.current = &nowPlaying{name: entry.Name, handle: handle, download: download}
	r.mu.Unlock()

	r.console.printf("Now playing %s\n", entry.Name)
	return nil
}

// transferOutcome reports whether the download can be handed to the player.
// In progressive mode a transfer still running is good enough.
func transferOutcome(download *network.Download, progressive bool) error {
	select {
	case <-download.Done():
	default:
		if progressive {
			return nil
		}
	}
	result, err := download.Result()
	if err != nil {
		return err
	}
	if result.Bytes == 0 {
		return network.ErrFileUnavailable
	}
	return nil
}

func (r *Runtime) recordWhenDone(download *network.Download, identity string) {
	if r.opts.History == nil {
		return
	}

	startedAt := time.Now()
	r.recorders.Add(1)
	go func() {
		defer r.recorders.Done()
		<-download.Done()

		result, err := download.Result()
		status := storage.TransferStatusComplete
		switch {
		case result.Bytes == 0:
			status = storage.TransferStatusUnavailable
		case err != nil:
			status = storage.TransferStatusFailed
		}

		record := storage.Transfer{
			PeerIdentity:  identity,
			FileName:      download.Name(),
			BytesReceived: result.Bytes,
			Digest:        result.Digest,
			Status:        status,
			StartedAt:     startedAt.UnixMilli(),
			FinishedAt:    time.Now().UnixMilli(),
		}
		if err := r.opts.History.RecordTransfer(record); err != nil {
			log.Printf("Failed to record transfer of %q: %v", download.Name(), err)
		}
	}()
}

func (r *Runtime) active() *nowPlaying {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	if r.current.handle.Status().Status == playback.StatusStopped {
		return nil
	}
	return r.current
}

func (r *Runtime) stop() error {
	current := r.active()
	if current == nil {
		return playback.ErrInvalidState
	}
	if err := current.handle.Stop(); err != nil {
		return err
	}
	r.console.println("Stopped the player.")
	return nil
}

func (r *Runtime) pause() error {
	current := r.active()
	if current == nil {
		return playback.ErrInvalidState
	}
	if err := current.handle.Pause(); err != nil {
		return err
	}
	r.console.println("Paused the player.")
	return nil
}

func (r *Runtime) resume() error {
	current := r.active()
	if current == nil {
		return playback.ErrInvalidState
	}
	if err := current.handle.Resume(); err != nil {
		return err
	}
	r.console.println("Resumed the player.")
	return nil
}

func (r *Runtime) nowPlaying() {
	current := r.active()
	if current == nil {
		r.console.println("Media player not active.")
		return
	}

	progress := current.handle.Status()
	total := "--:--"
	if progress.Total > 0 {
		total = playback.FormatClock(progress.Total)
	}
	state := ""
	if progress.Status == playback.StatusPaused {
		state = " (paused)"
	}
	r.console.printf("Now playing %s, %s / %s%s\n", current.name, playback.FormatClock(progress.Elapsed), total, state)
}

func (r *Runtime) history() error {
	if r.opts.History == nil {
		r.console.println("Transfer history disabled.")
		return nil
	}

	transfers, err := r.opts.History.ListTransfers(historyListLimit)
	if err != nil {
		return fmt.Errorf("list transfers: %w", err)
	}
	if len(transfers) == 0 {
		r.console.println("No transfers yet.")
		return nil
	}
	for _, transfer := range transfers {
		finished := time.UnixMilli(transfer.FinishedAt).Format(time.DateTime)
		r.console.printf("%s  %s from %s  %d bytes  %s\n", finished, transfer.FileName, transfer.PeerIdentity, transfer.BytesReceived, transfer.Status)
	}
	return nil
}

func (r *Runtime) bye() error {
	r.console.println("Disconnecting from server.")
	r.release()
	if err := r.session.Bye(); err != nil && !errors.Is(err, network.ErrSessionClosed) {
		return err
	}
	r.console.println("Done.")
	return nil
}

// release stops the player and deletes the current temp file.
func (r *Runtime) release() {
	r.mu.Lock()
	current := r.current
	r.current = nil
	r.mu.Unlock()

	if current == nil {
		return
	}
	if current.handle.Status().Status != playback.StatusStopped {
		_ = current.handle.Stop()
	}
	if err := current.download.Remove(); err != nil {
		log.Printf("Failed to remove %s: %v", current.download.Path(), err)
	}
}

func (r *Runtime) shutdown() {
	r.release()
	if r.session != nil {
		_ = r.session.Close()
	}
	if r.transfers != nil {
		_ = r.transfers.Close()
	}
	r.recorders.Wait()
}
