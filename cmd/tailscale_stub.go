//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"

	"github.com/torbolabs/torbo/internal/config"
	"github.com/torbolabs/torbo/internal/gateway"
)

// startTailscale is a no-op unless built with `-tags tsnet`.
func startTailscale(_ context.Context, _ *gateway.Server, cfg *config.Config) error {
	if cfg.Tailscale.Enabled {
		slog.Warn("tailscale.enabled is set but this binary was built without -tags tsnet")
	}
	return nil
}
