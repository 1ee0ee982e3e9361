// Command blesyncd runs the blesync peer-to-peer event synchronization
// service.
//
// Usage:
//
//	blesyncd [flags]
//
// Flags:
//
//	--datadir     Data directory path (default: ~/.blesync)
//	--config      Configuration file path (optional)
//	--frame-size  Reconciliation frame size limit in bytes (default: 4096)
//	--loglevel    Log level: debug, info, warn, error (default: info)
//	--loopback    Run two in-memory nodes against each other and exit
//	--version     Print version and exit
//
// The BLE radio driver is platform-specific and supplied at integration
// time; a build without one can still exercise the full stack through
// --loopback, which syncs two nodes over an in-memory link.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blesync/blesync/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0"
var version = "v0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	fs := flag.NewFlagSet("blesyncd", flag.ContinueOnError)
	var (
		datadir     = fs.String("datadir", "", "data directory path")
		configPath  = fs.String("config", "", "configuration file path")
		frameSize   = fs.Int("frame-size", -1, "reconciliation frame size limit in bytes")
		logLevel    = fs.String("loglevel", "", "log level: debug, info, warn, error")
		loopback    = fs.Bool("loopback", false, "run two in-memory nodes against each other and exit")
		showVersion = fs.Bool("version", false, "print version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *showVersion {
		fmt.Printf("blesyncd %s\n", version)
		return 0
	}

	cfg := node.DefaultConfig()
	if *configPath != "" {
		loaded, err := node.LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "blesyncd: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *datadir != "" {
		cfg.DataDir = *datadir
	}
	if *frameSize >= 0 {
		cfg.FrameSizeLimit = *frameSize
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "blesyncd: %v\n", err)
		return 1
	}
	applyLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *loopback {
		return runLoopback(ctx, cfg)
	}

	// A real deployment links a platform BLE driver here. Without one the
	// node cannot reach any peer, which is a fatal startup condition.
	fmt.Fprintln(os.Stderr, "blesyncd: no BLE adapter available on this build (try --loopback)")
	return 1
}
