// Command keystone runs the keystone snap-sync node: it opens the chain
// database, restores any persisted sync progress and serves the read-only
// RPC hooks while the engine reconstructs the pivot state.
//
// Usage:
//
//	keystone [flags]
//
// Flags:
//
//	--datadir      Data directory path (default: ~/.keystone)
//	--maxpeers     Max remote peers (default: 50)
//	--snap-sync    Enable snap sync (default: true)
//	--jwt-secret   Path to the JWT secret file (default: <datadir>/jwt.hex)
//	--http.addr    HTTP-RPC listen address (default: 127.0.0.1:8545)
//	--verbosity    Log level 0-4 (default: 2)
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/log"
	"github.com/keystone-eth/keystone/rpc"
	"github.com/keystone-eth/keystone/sync"
)

// Build-time version info, overridable with ldflags.
var version = "v0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the testable entry point, returning an exit code.
func run(args []string) int {
	fs := flag.NewFlagSet("keystone", flag.ContinueOnError)
	var (
		datadir   = fs.String("datadir", defaultDataDir(), "data directory path")
		maxPeers  = fs.Int("maxpeers", 50, "max remote peers")
		snapSync  = fs.Bool("snap-sync", true, "enable snap sync")
		jwtPath   = fs.String("jwt-secret", "", "path to the JWT secret file")
		httpAddr  = fs.String("http.addr", "127.0.0.1:8545", "HTTP-RPC listen address")
		verbosity = fs.Int("verbosity", 2, "log level 0-4")
		showVer   = fs.Bool("version", false, "print version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVer {
		fmt.Println("keystone", version)
		return 0
	}
	log.SetDefault(log.New(verbosityToLevel(*verbosity)))
	lg := log.Default().Module("node")

	db, err := rawdb.NewLevelDB(filepath.Join(*datadir, "chaindata"), 128, 256)
	if err != nil {
		lg.Error("failed to open database", "err", err)
		return 1
	}
	defer db.Close()

	if *jwtPath == "" {
		*jwtPath = filepath.Join(*datadir, "jwt.hex")
	}
	secret, err := rpc.LoadOrGenerateJWTSecret(*jwtPath)
	if err != nil {
		lg.Error("failed to load jwt secret", "err", err)
		return 1
	}

	var engine *sync.Engine
	if *snapSync {
		engine = sync.NewEngine(db, sync.Config{MaxPeers: *maxPeers})
		if _, err := engine.LoadProgress(); err == nil {
			lg.Info("resumed persisted sync progress")
		}
	}

	server := rpc.NewServer(rpc.NewBackend(db))
	handler := server.Handler(rpc.DefaultCORSConfig(), secret)
	httpSrv := &http.Server{Addr: *httpAddr, Handler: handler}
	go func() {
		lg.Info("http-rpc listening", "addr", *httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("http server stopped", "err", err)
		}
	}()

	lg.Info("keystone started", "version", version, "datadir", *datadir, "snap-sync", *snapSync)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	lg.Info("shutting down")
	if engine != nil {
		if err := engine.SaveProgress(); err != nil && err != sync.ErrNoPivot {
			lg.Warn("failed to persist sync progress", "err", err)
		}
	}
	_ = httpSrv.Close()
	return 0
}

// verbosityToLevel maps the CLI verbosity to slog levels.
func verbosityToLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError
	case v == 1:
		return slog.LevelWarn
	case v == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// defaultDataDir returns the platform default data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keystone"
	}
	return filepath.Join(home, ".keystone")
}
