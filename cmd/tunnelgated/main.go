// Command tunnelgated runs the reverse HTTP tunnel gateway (spec.md
// §1-§8): it accepts agent tunnel connections on one TCP port, serves the
// forwarding/admin HTTP API on another, and optionally exposes Prometheus
// metrics on a third. Grounded on the teacher's cmd/flowersec-tunnel/main.go
// run(args, stdout, stderr) int structure and its env-var-then-flag
// configuration precedence.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunnelgate/gateway/internal/cmdutil"
	"github.com/tunnelgate/gateway/internal/config"
	"github.com/tunnelgate/gateway/internal/connlog"
	"github.com/tunnelgate/gateway/internal/dispatch"
	"github.com/tunnelgate/gateway/internal/gwlog"
	"github.com/tunnelgate/gateway/internal/maintenance"
	"github.com/tunnelgate/gateway/internal/observability"
	"github.com/tunnelgate/gateway/internal/observability/prom"
	"github.com/tunnelgate/gateway/internal/registry"
	"github.com/tunnelgate/gateway/internal/security"
	"github.com/tunnelgate/gateway/internal/tunnel"
	"github.com/tunnelgate/gateway/internal/version"
)

var (
	gitVersion = "dev"
	gitCommit  = "unknown"
	buildDate  = "unknown"
)

type ready struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
	TunnelListen  string `json:"tunnel_listen"`
	HTTPListen    string `json:"http_listen"`
	MetricsListen string `json:"metrics_listen,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := gwlog.New(stderr)

	cfg := config.Default()

	configFile := cmdutil.EnvString("TUNNELGATE_CONFIG", "")
	tunnelListen := cmdutil.EnvString("TUNNELGATE_TUNNEL_LISTEN", "")
	httpListen := cmdutil.EnvString("TUNNELGATE_HTTP_LISTEN", "")
	metricsListen := cmdutil.EnvString("TUNNELGATE_METRICS_LISTEN", "")
	authToken := cmdutil.EnvString("TUNNELGATE_AUTH_TOKEN", "")
	adminAPIKey := cmdutil.EnvString("TUNNELGATE_ADMIN_API_KEY", "")

	// Fall back to 0 (not the built-in default) here: 0 marks "neither env
	// nor flag set this", so the later merge into cfg can tell that case
	// apart from "the config file already set it" and leave the file's
	// value alone (spec.md §4.9/§8.11 precedence).
	maxResponseBytes, err := cmdutil.EnvInt64("TUNNELGATE_MAX_RESPONSE_BYTES", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TUNNELGATE_MAX_RESPONSE_BYTES: %v\n", err)
		return 2
	}
	maxLogEntries, err := cmdutil.EnvInt("TUNNELGATE_MAX_LOG_ENTRIES", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TUNNELGATE_MAX_LOG_ENTRIES: %v\n", err)
		return 2
	}
	gzipThreshold, err := cmdutil.EnvInt("TUNNELGATE_GZIP_THRESHOLD", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TUNNELGATE_GZIP_THRESHOLD: %v\n", err)
		return 2
	}
	wsBufferDepth, err := cmdutil.EnvInt("TUNNELGATE_WS_LOG_BUFFER_DEPTH", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TUNNELGATE_WS_LOG_BUFFER_DEPTH: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("tunnelgated", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configFile, "config", configFile, "path to a JSON config file (env: TUNNELGATE_CONFIG)")
	fs.StringVar(&tunnelListen, "tunnel-listen", tunnelListen, "listen address for agent tunnel connections (required) (env: TUNNELGATE_TUNNEL_LISTEN)")
	fs.StringVar(&httpListen, "http-listen", httpListen, "listen address for the forwarding/admin HTTP API (required) (env: TUNNELGATE_HTTP_LISTEN)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the Prometheus metrics server (empty disables) (env: TUNNELGATE_METRICS_LISTEN)")
	fs.StringVar(&authToken, "auth-token", authToken, "shared secret agents present during handshake (required) (env: TUNNELGATE_AUTH_TOKEN)")
	fs.StringVar(&adminAPIKey, "admin-api-key", adminAPIKey, "key required on admin API endpoints (required) (env: TUNNELGATE_ADMIN_API_KEY)")
	fs.Int64Var(&maxResponseBytes, "max-response-bytes", maxResponseBytes, fmt.Sprintf("agent-side max response body size (recorded in config, not enforced by the gateway), 0 defers to config file/default (default %d) (env: TUNNELGATE_MAX_RESPONSE_BYTES)", config.DefaultMaxResponseBytes))
	fs.IntVar(&maxLogEntries, "max-log-entries", maxLogEntries, fmt.Sprintf("connection-log ring buffer capacity, 0 defers to config file/default (default %d) (env: TUNNELGATE_MAX_LOG_ENTRIES)", config.DefaultMaxLogEntries))
	fs.IntVar(&gzipThreshold, "gzip-threshold", gzipThreshold, fmt.Sprintf("min admin JSON response size to gzip-compress, 0 uses the default; no config file field (default %d) (env: TUNNELGATE_GZIP_THRESHOLD)", config.DefaultGzipThreshold))
	fs.IntVar(&wsBufferDepth, "ws-log-buffer-depth", wsBufferDepth, fmt.Sprintf("per-client buffered entry count for the admin log stream, 0 uses the default; no config file field (default %d) (env: TUNNELGATE_WS_LOG_BUFFER_DEPTH)", config.DefaultWSLogBufferDepth))
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(gitVersion, gitCommit, buildDate))
		return 0
	}

	cfg, err = config.ApplyFile(cfg, configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if tunnelListen != "" {
		cfg.TunnelListen = tunnelListen
	}
	if httpListen != "" {
		cfg.HTTPListen = httpListen
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if authToken != "" {
		cfg.AuthToken = authToken
	}
	if adminAPIKey != "" {
		cfg.AdminAPIKey = adminAPIKey
	}
	// Only override what ApplyFile (and the built-in default) already put
	// in cfg when the env/flag layer actually supplied a value; a 0 here
	// means neither was set.
	if maxResponseBytes != 0 {
		cfg.MaxResponseBytes = maxResponseBytes
	}
	if maxLogEntries != 0 {
		cfg.MaxLogEntries = maxLogEntries
	}
	if gzipThreshold != 0 {
		cfg.GzipThreshold = gzipThreshold
	}
	if wsBufferDepth != 0 {
		cfg.WSLogBufferDepth = wsBufferDepth
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}

	ledger := security.New(cfg.Ban)
	connLog := connlog.New(cfg.MaxLogEntries)
	reg := registry.New()

	var observer observability.GatewayObserver = observability.Noop
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if cfg.MetricsListen != "" {
		promReg := prom.NewRegistry()
		obs := prom.New(promReg)
		observer = obs

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", prom.Handler(promReg))
		metricsLn, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = &http.Server{Handler: metricsMux}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", gwlog.F("error", err))
			}
		}()
	}

	tunnelCfg := tunnel.Config{
		AuthToken: cfg.AuthToken,
		Ledger:    &observingLedger{Ledger: ledger, observer: observer},
		ConnLog:   connLog,
		Registrar: reg,
	}
	tunnelLn, err := net.Listen("tcp", cfg.TunnelListen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	listener := tunnel.NewListener(tunnelCfg, logger.Std())
	go func() {
		if err := listener.Serve(tunnelLn); err != nil {
			logger.Info("tunnel listener stopped", gwlog.F("error", err))
		}
	}()

	httpHandler := dispatch.New(&dispatch.Handler{
		Registry:      reg,
		Ledger:        ledger,
		ConnLog:       connLog,
		AdminAPIKey:   cfg.AdminAPIKey,
		GzipThreshold: cfg.GzipThreshold,
		WSBufferDepth: cfg.WSLogBufferDepth,
		Observer:      observer,
		Logger:        logger,
		StartedAt:     time.Now(),
	})
	httpLn, err := net.Listen("tcp", cfg.HTTPListen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	httpSrv := &http.Server{Handler: httpHandler}
	go func() {
		if err := httpSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", gwlog.F("error", err))
		}
	}()

	scheduler := maintenance.New(reg, maintenance.DefaultInterval, func(removed []string) {
		for _, name := range removed {
			connLog.LogDisconnect(name, "", "swept")
		}
		observer.ConnectedAgents(reg.Count())
		observer.ConnectionLogEntries(connLog.Len())
		if len(removed) > 0 {
			logger.Info("health sweep removed sessions", gwlog.F("count", len(removed)), gwlog.F("names", removed))
		}
	})
	go scheduler.Start()

	out := ready{
		Version:       gitVersion,
		Commit:        gitCommit,
		Date:          buildDate,
		TunnelListen:  tunnelLn.Addr().String(),
		HTTPListen:    httpLn.Addr().String(),
	}
	if metricsLn != nil {
		out.MetricsListen = metricsLn.Addr().String()
	}
	_ = json.NewEncoder(stdout).Encode(out)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	_ = tunnelLn.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	return 0
}

// observingLedger wraps *security.Ledger to report suspicious-event and
// auto-ban metrics without teaching the security package about the
// observability package (avoids a dependency the ledger's own tests have
// no need for).
type observingLedger struct {
	*security.Ledger
	observer observability.GatewayObserver
}

func (o *observingLedger) RecordSuspicious(ip string, kind security.Kind) {
	wasBanned := o.Ledger.IsBanned(ip)
	o.Ledger.RecordSuspicious(ip, kind)
	o.observer.SecurityEvent(string(kind))
	if !wasBanned && o.Ledger.IsBanned(ip) {
		o.observer.Ban()
	}
}
