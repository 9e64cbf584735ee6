// Command familyvaultd runs the family vault engine as a standalone
// daemon: it owns one device's database, listens for peer sessions and
// LAN discovery once a family is configured, and logs bus events to
// stderr. Grounded on the teacher's cmd/syncthing/main.go: parse flags
// with kong, call automaxprocs.Set-equivalent GOMAXPROCS tuning, build
// the long-lived value, run it under a signal-cancelled context.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	_ "go.uber.org/automaxprocs"

	"github.com/familyvault/engine/internal/config"
	"github.com/familyvault/engine/internal/engine"
	"github.com/familyvault/engine/internal/events"
)

var cli struct {
	DataDir       string `default:"." help:"Directory holding the device database and default file cache."`
	DeviceName    string `help:"This device's display name, used only by createFamily." default:""`
	SessionPort   int    `default:"22027" help:"TCP port for peer file-sync sessions."`
	DiscoveryPort int    `default:"21027" help:"Stored in the engine options only; LAN discovery always uses UDP port 21027."`
	CacheSoftCap  int64  `default:"2147483648" help:"Soft cap in bytes for the remote-file cache before LRU eviction."`
	MaxTextSizeKB int    `default:"256" help:"Maximum amount of text, in KiB, extracted from each file for full-text search."`
	CreateFamily  bool   `help:"Create a new family on this device if none is configured yet, then continue running."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("familyvaultd"),
		kong.Description("Family vault file-index and peer sync daemon."))

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "familyvaultd:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := config.DefaultOptions()
	opts.CacheDir = filepath.Join(cli.DataDir, "filecache")
	opts.CacheSoftCapBytes = cli.CacheSoftCap
	opts.SessionPort = cli.SessionPort
	opts.DiscoveryPort = cli.DiscoveryPort
	opts.MaxTextSizeKB = cli.MaxTextSizeKB

	dbPath := filepath.Join(cli.DataDir, "familyvault.db")
	eng, err := engine.Init(dbPath, opts)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer eng.Shutdown()

	logEvents(ctx, eng)

	if cli.CreateFamily && !eng.IsFamilyConfigured() {
		name := cli.DeviceName
		if name == "" {
			name, _ = os.Hostname()
		}
		fc, err := eng.CreateFamily(name)
		if err != nil {
			return fmt.Errorf("create family: %w", err)
		}
		fmt.Fprintf(os.Stderr, "familyvaultd: created family %s, device %s (%s)\n", fc.FamilyID, fc.ThisDeviceID, fc.ThisDeviceName)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if eng.IsFamilyConfigured() {
		if err := eng.StartNetwork(ctx); err != nil {
			return fmt.Errorf("start network: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "familyvaultd: no family configured; run again with --create-family or pair via the pairing API")
	}

	<-ctx.Done()
	return eng.StopNetwork()
}

// logEvents drains the engine's event bus to stderr for the lifetime of
// ctx, the same role the teacher's cmd/syncthing main plays by wiring
// its verbose logger up to events.Default.
func logEvents(ctx context.Context, eng *engine.Engine) {
	sub := eng.Bus().Subscribe(events.AllEvents)
	go func() {
		<-ctx.Done()
		eng.Bus().Unsubscribe(sub)
	}()
	go func() {
		for ev := range sub.C() {
			fmt.Fprintf(os.Stderr, "familyvaultd: event %s %v\n", ev.Type, ev.Data)
		}
	}()
}
