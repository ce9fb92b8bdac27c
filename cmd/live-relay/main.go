// Command live-relay accepts client WebSocket connections and relays each one
// to its own Gemini Live session.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	gatewayserver "github.com/vango-go/live-relay/pkg/gateway/server"
)

const drainMessage = "Relay is restarting. Reconnect shortly."

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger) *gatewayserver.Server
	listen       func(network, addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: func(cfg config.Config, logger *slog.Logger) *gatewayserver.Server {
			return gatewayserver.New(cfg, logger)
		},
		listen: net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type flags struct {
	addr      string
	envFile   string
	logFormat string
}

func parseFlags(args []string, stderr io.Writer) (flags, error) {
	var f flags
	set := pflag.NewFlagSet("live-relay", pflag.ContinueOnError)
	set.SetOutput(stderr)
	set.StringVar(&f.addr, "addr", "", "listen address (overrides RELAY_ADDR and PROXY_SERVER_PORT)")
	set.StringVar(&f.envFile, "env-file", ".env", "dotenv file to load; a missing file is ignored")
	set.StringVar(&f.logFormat, "log-format", "", "text or json (overrides RELAY_LOG_FORMAT)")
	if err := set.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

// loadEnvFile fills unset variables from path. Variables already present in
// the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, stderr io.Writer, f flags, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.listen == nil {
		return errors.New("missing listen dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	logger := newLogger(stderr, cfg)

	gw := deps.newGateway(cfg, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	ln, err := deps.listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("starting live relay",
		"addr", ln.Addr().String(),
		"credential_mode", cfg.CredentialMode,
		"upstream", cfg.RedactedUpstreamURL(),
		"client_auth", cfg.ClientJWTSecret != "",
	)

	serveErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "reason", context.Cause(ctx))
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)
	notified := gw.NotifySessionsDraining(drainMessage)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Hijacked connections are not tracked by Shutdown.
	canceled := gw.CancelSessions()
	if !gw.WaitSessions(shutdownCtx) {
		logger.Warn("sessions still closing after grace period", "remaining", gw.SessionCount())
	}

	if err := <-serveErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("live relay stopped", "notified", notified, "canceled", canceled)
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := loadEnvFile(f.envFile); err != nil {
		fmt.Fprintf(stderr, "live-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, f, deps); err != nil {
		fmt.Fprintf(stderr, "live-relay: %v\n", err)
		if apierror.IsFatal(err) {
			fmt.Fprintln(stderr, "live-relay: refusing to start without upstream credentials")
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}
