// Package main implements simptcpd, the simptcp protocol entity: it
// opens the UDP datagram channel, runs the dispatcher and retransmission
// timer, and exposes the socket table to operators via Prometheus
// metrics and a websocket diagnostics feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcarmo/simptcp/internal/config"
	"github.com/rcarmo/simptcp/internal/diag"
	"github.com/rcarmo/simptcp/internal/entity"
	"github.com/rcarmo/simptcp/internal/logging"
	"github.com/rcarmo/simptcp/internal/metrics"
	"github.com/rcarmo/simptcp/internal/secure"
)

var (
	appName    = "simptcpd"
	appVersion = "dev" // injected at build time via -ldflags
)

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		log.Fatalln(err)
	}
}

// parsedArgs holds the parsed command line arguments.
type parsedArgs struct {
	host     string
	port     string
	logLevel string
}

//go:noinline
func parseFlags() (parsedArgs, string) {
	return parseFlagsWithArgs(os.Args[1:])
}

func parseFlagsWithArgs(args []string) (parsedArgs, string) {
	fs := flag.NewFlagSet("simptcpd", flag.ContinueOnError)
	hostFlag := fs.String("host", "", "UDP listen host")
	portFlag := fs.String("port", "", "UDP listen port")
	logLevelFlag := fs.String("log-level", "", "log level (debug, info, warn, error)")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	_ = fs.Parse(args)

	if *helpFlag {
		showHelp()
		return parsedArgs{}, "help"
	}
	if *versionFlag {
		showVersion()
		return parsedArgs{}, "version"
	}

	return parsedArgs{
		host:     strings.TrimSpace(*hostFlag),
		port:     strings.TrimSpace(*portFlag),
		logLevel: strings.TrimSpace(*logLevelFlag),
	}, ""
}

func run(args parsedArgs) error {
	opts := config.LoadOptions{
		Host:     args.host,
		Port:     args.port,
		LogLevel: args.logLevel,
	}

	cfg, err := config.LoadWithOverrides(opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.SetLevelFromString(cfg.Logging.Level)

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	conn, err := openChannel(addr, cfg.Secure)
	if err != nil {
		return fmt.Errorf("open datagram channel: %w", err)
	}

	ent := entity.New(conn, entity.Options{
		MaxOpenSock:     cfg.Protocol.MaxOpenSock,
		BaseRTO:         cfg.Protocol.BaseRTO,
		RetransmitLimit: cfg.Protocol.RetransmitLimit,
	})
	ent.Start()
	defer ent.Stop()

	logging.Info("simptcpd listening on %s (secure=%t)", conn.LocalAddr(), cfg.Secure.Enabled)

	var servers []*http.Server
	if cfg.Metrics.Enabled {
		servers = append(servers, startMetricsServer(ent, cfg.Metrics.Addr))
	}
	if cfg.Diag.Enabled {
		servers = append(servers, startDiagServer(ent, cfg.Diag.Addr))
	}

	return waitForShutdown(servers)
}

// openChannel opens the real UDP socket simptcpd dispatches on, wrapping
// it in a DTLS listener when the secure channel is enabled. Either way
// the result is a plain net.PacketConn: internal/entity never knows the
// difference.
func openChannel(addr *net.UDPAddr, secureCfg config.SecureConfig) (net.PacketConn, error) {
	if !secureCfg.Enabled {
		return net.ListenUDP("udp", addr)
	}

	dtlsCfg, err := secure.NewDTLSConfig(secureCfg)
	if err != nil {
		return nil, err
	}
	return secure.ListenServer(addr, dtlsCfg, logging.Default())
}

func startMetricsServer(ent *entity.Entity, addr string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(ent))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go serveOrLog(srv, "metrics")
	return srv
}

func startDiagServer(ent *entity.Entity, addr string) *http.Server {
	feed := diag.NewFeed(ent, diag.Options{Logger: logging.Default()})

	mux := http.NewServeMux()
	mux.Handle("/diag", feed)

	srv := &http.Server{Addr: addr, Handler: mux}
	go serveOrLog(srv, "diag")
	return srv
}

func serveOrLog(srv *http.Server, name string) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("%s server: %v", name, err)
	}
}

func waitForShutdown(servers []*http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logging.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("server shutdown: %v", err)
		}
	}
	return nil
}

func showHelp() {
	fmt.Println(appName)
	fmt.Println("USAGE: simptcpd [options]")
	fmt.Println("OPTIONS:")
	fmt.Println("  -host       Set UDP listen host (default 0.0.0.0)")
	fmt.Println("  -port       Set UDP listen port (default 15000)")
	fmt.Println("  -log-level  Set log level (debug, info, warn, error)")
	fmt.Println("  -version    Show version information")
	fmt.Println("  -help       Show this help message")
	fmt.Println("ENVIRONMENT VARIABLES: SERVER_HOST, SERVER_PORT, LOG_LEVEL, MAX_OPEN_SOCK,")
	fmt.Println("  ACCEPT_BACKLOG, BASE_RTO, RETRANSMIT_LIMIT, MSL, METRICS_ENABLED, METRICS_ADDR,")
	fmt.Println("  SECURE_ENABLED, SECURE_CERT_FILE, SECURE_KEY_FILE, DIAG_ENABLED, DIAG_ADDR")
	fmt.Println("EXAMPLES: simptcpd -host 0.0.0.0 -port 15000")
}

func showVersion() {
	fmt.Printf("%s %s\n", appName, appVersion)
}
