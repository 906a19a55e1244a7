//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/gateway"
)

// startTailscale serves the same routes on an embedded tailnet node.
// Enabled with `go build -tags tsnet` plus tailscale.enabled in config.
func startTailscale(ctx context.Context, server *gateway.Server, cfg *config.Config) error {
	if !cfg.Tailscale.Enabled {
		return nil
	}

	hostname := cfg.Tailscale.Hostname
	if hostname == "" {
		hostname = "torbo"
	}
	stateDir := cfg.Tailscale.StateDir
	if stateDir == "" {
		stateDir = cfg.StatePath("tsnet")
	}

	ts := &tsnet.Server{
		Hostname: hostname,
		Dir:      stateDir,
		AuthKey:  cfg.Tailscale.AuthKey,
		Logf:     func(format string, args ...any) { slog.Debug(fmt.Sprintf(format, args...)) },
	}

	ln, err := ts.Listen("tcp", fmt.Sprintf(":%d", cfg.Gateway.Port))
	if err != nil {
		ts.Close()
		return fmt.Errorf("tsnet listen: %w", err)
	}

	mux := server.BuildMux()
	slog.Info("tailscale listener up", "hostname", hostname, "port", cfg.Gateway.Port)

	go func() {
		if err := http.Serve(ln, mux); err != nil {
			slog.Warn("tsnet serve stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
		ts.Close()
	}()
	return nil
}
