package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackpal/gateway"
	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"

	"dirserve/internal/config"
	"dirserve/internal/httpserver"
	"dirserve/internal/logging"
	"dirserve/internal/metrics"
)

func main() {
	var (
		addr        = flag.String("addr", ":8000", "listen address")
		root        = flag.String("root", "", "directory to serve (required if -config is not set)")
		stateDir    = flag.String("state", "", "state dir for the thumbnail cache (default: <root>/.dirserve)")
		cfgPath     = flag.String("config", "", "path to config json (optional)")
		maxUpload   = flag.Int64("max-upload", 0, "upload cap in bytes (0 = 2 GiB default, -1 = unlimited)")
		showHidden  = flag.Bool("show-hidden", false, "include dot-files in listings and archives")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (optional)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logFormat   = flag.String("log-format", "console", "log format: console or json")
		noQR        = flag.Bool("no-qr", false, "skip the startup QR code")
	)
	flag.Parse()

	var cfg config.Config
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dirserve: %v\n", err)
			os.Exit(1)
		}
	} else {
		if strings.TrimSpace(*root) == "" {
			fmt.Fprintln(os.Stderr, "dirserve: missing -root (or provide -config)")
			os.Exit(2)
		}
		cfg.Root = *root
		cfg.Addr = *addr
		cfg.StateDir = *stateDir
		cfg.MaxUploadBytes = *maxUpload
		cfg.ShowHidden = *showHidden
		cfg.MetricsAddr = *metricsAddr
		cfg.LogLevel = *logLevel
		cfg.LogFormat = *logFormat
		cfg.NoQR = *noQR
	}
	if cfg.Addr == "" {
		cfg.Addr = *addr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = *logFormat
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "dirserve: init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()

	if cfg.Root == "" {
		logging.Fatal("config: root is required")
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		logging.Fatal("abs root", zap.Error(err))
	}
	cfg.Root = absRoot

	srv, err := httpserver.New(httpserver.Options{Config: cfg})
	if err != nil {
		logging.Fatal("server init", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: withHeaders(logging.Middleware(metrics.Middleware(srv.Handler()))),
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mmux}
		go func() {
			logging.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server", zap.Error(err))
			}
		}()
	}

	url := shareURL(cfg.Addr)
	logging.Info("dirserve listening",
		zap.String("addr", cfg.Addr),
		zap.String("root", srv.Root()),
		zap.String("url", url))
	logging.Info("webdav endpoint", zap.String("url", url+"dav/"))
	if !cfg.NoQR {
		printQR(url)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logging.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(ctx)
		}
		_ = httpServer.Shutdown(ctx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("listen", zap.Error(err))
	}
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Handlers that want caching (thumbnails) override this.
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// shareURL builds the URL peers on the LAN should open. A wildcard listen
// address gets the interface IP facing the default gateway.
func shareURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost:8000/"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = lanIP()
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

// lanIP finds the local IPv4 on the default gateway's subnet, the address
// other devices on the same network can actually reach.
func lanIP() string {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return "localhost"
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "localhost"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || !ipnet.IP.IsGlobalUnicast() {
				continue
			}
			if ipnet.Contains(gw) {
				return ipnet.IP.String()
			}
		}
	}
	return "localhost"
}

func printQR(url string) {
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         os.Stdout,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      1,
	})
	fmt.Println(url)
}
