// Command gridserv runs a reference grid server: control channel over TCP,
// an optional websocket gateway with health endpoints, and parallel
// transfer data channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/gridserver"
	"github.com/mataphp/jargon/internal/logging"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("gridserv", cfg.LogLevel)

	srv, err := gridserver.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Error("server setup failed", "error", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.Addr, "error", err)
		srv.Close()
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "starting server addr=%s zone=%s policy=%s\n", ln.Addr(), srv.Zone(), cfg.Policy)
	go srv.Serve(ln)

	var httpSrv *http.Server
	if cfg.WSAddr != "" {
		httpSrv = &http.Server{Addr: cfg.WSAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			fmt.Fprintf(os.Stdout, "starting websocket gateway addr=%s\n", cfg.WSAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("websocket gateway failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := srv.Close(); err != nil {
		logger.Error("close failed", "error", err)
		os.Exit(1)
	}
}

func printServerUsage() {
	fmt.Fprintln(os.Stderr, "usage: gridserv [--addr ADDR] [--ws-addr ADDR] [--zone NAME] [--user USER:PASS]...")
	fmt.Fprintln(os.Stderr, "  --addr ADDR                control channel listen address (default :1247)")
	fmt.Fprintln(os.Stderr, "  --ws-addr ADDR             websocket gateway and /health listen address (default off)")
	fmt.Fprintln(os.Stderr, "  --data-host HOST           host advertised for parallel transfer ports (default 127.0.0.1)")
	fmt.Fprintln(os.Stderr, "  --zone NAME                zone name (default tempZone)")
	fmt.Fprintln(os.Stderr, "  --policy P                 encryption policy: require, dont_care, refuse (default dont_care)")
	fmt.Fprintln(os.Stderr, "  --user USER:PASS           account (repeatable, default rods:rods)")
	fmt.Fprintln(os.Stderr, "  --data-dir DIR             catalog directory (default in memory)")
	fmt.Fprintln(os.Stderr, "  --vault-dir DIR            data object directory (default a temp dir)")
	fmt.Fprintln(os.Stderr, "  --cookie-ttl DURATION      lifetime of unused transfer cookies (default 5m)")
	fmt.Fprintln(os.Stderr, "  --connects-per-min N       max control connections per minute per IP (default 120)")
	fmt.Fprintln(os.Stderr, "  --connects-burst N         burst control connections per IP (default 20)")
	fmt.Fprintln(os.Stderr, "  --max-connections N        max concurrent control connections (default 1000)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL          debug, info, warn, error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
