package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	gatewayserver "github.com/vango-go/live-relay/pkg/gateway/server"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                     "127.0.0.1:0",
		UpstreamURL:              "ws://127.0.0.1:1/ws",
		CredentialMode:           config.CredentialModeAPIKey,
		APIKey:                   "k-test",
		APIKeyParam:              "key",
		TokenTimeout:             time.Second,
		UpstreamHandshakeTimeout: time.Second,
		CloseTimeout:             time.Second,
		ReadHeaderTimeout:        time.Second,
		ShutdownGracePeriod:      2 * time.Second,
	}
}

func noSignals() (func(chan<- os.Signal, ...os.Signal), func(chan<- os.Signal)) {
	return func(c chan<- os.Signal, sig ...os.Signal) {}, func(c chan<- os.Signal) {}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"--env-file", ""}, &stderr, relayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(cfg config.Config, logger *slog.Logger) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		listen:       net.Listen,
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_MissingCredentialsRefusesToStart(t *testing.T) {
	t.Parallel()

	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"--env-file", ""}, &stderr, relayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, apierror.ErrNoCredentials
		},
		newGateway: func(cfg config.Config, logger *slog.Logger) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called without credentials")
			return nil
		},
		listen: func(network, addr string) (net.Listener, error) {
			t.Fatalf("listen should not be called without credentials")
			return nil, nil
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "API_KEY") || !strings.Contains(got, "refusing to start") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_BadFlagIsUsageError(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"--nope"}, &stderr, defaultRelayDeps()); code != 2 {
		t.Fatalf("exitCode=%d, want 2", code)
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	f, err := parseFlags([]string{"--addr", "127.0.0.1:4000", "--log-format=json"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.addr != "127.0.0.1:4000" || f.logFormat != "json" || f.envFile != ".env" {
		t.Fatalf("flags=%+v", f)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), "relay.env")
	if err := os.WriteFile(path, []byte("RELAY_TEST_FROM_FILE=file\nRELAY_TEST_ALREADY_SET=file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("RELAY_TEST_ALREADY_SET", "env")
	t.Setenv("RELAY_TEST_FROM_FILE", "")
	os.Unsetenv("RELAY_TEST_FROM_FILE")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("RELAY_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("RELAY_TEST_FROM_FILE=%q", got)
	}
	if got := os.Getenv("RELAY_TEST_ALREADY_SET"); got != "env" {
		t.Fatalf("RELAY_TEST_ALREADY_SET=%q, want the real environment to win", got)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestRunRelay_ServesUntilSignal(t *testing.T) {
	t.Parallel()

	addrCh := make(chan string, 1)
	sigChCh := make(chan chan<- os.Signal, 1)
	deps := relayDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		newGateway: func(cfg config.Config, logger *slog.Logger) *gatewayserver.Server {
			return gatewayserver.New(cfg, logger)
		},
		listen: func(network, addr string) (net.Listener, error) {
			ln, err := net.Listen(network, addr)
			if err == nil {
				addrCh <- ln.Addr().String()
			}
			return ln, err
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { sigChCh <- c },
		signalStop:   func(c chan<- os.Signal) {},
	}

	var stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runRelay(context.Background(), &stderr, flags{logFormat: "json"}, deps)
	}()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	sigCh := <-sigChCh
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRelay: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("relay did not stop after SIGTERM")
	}
	if !strings.Contains(stderr.String(), `"msg":"live relay stopped"`) {
		t.Fatalf("missing stop log: %q", stderr.String())
	}
}
